package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/foreman/pkg/config"
	"github.com/cuemby/foreman/pkg/dag"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/ratelimit"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/types"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - Coordination core for multi-agent work",
	Long: `Foreman coordinates autonomous agents working on a shared backlog:
dependency-aware task scheduling, exclusive leases with heartbeat renewal,
advisory file reservations, and provider-aware backpressure, all on a
single embedded database.`,
	Version: Version,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Foreman version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(depCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(statusCmd)
}

// setup loads config, initializes logging, and opens the coordinator with a
// hydrated dependency graph. The caller owns the returned store.
func setup(bus events.Publisher) (*config.Config, *store.Store, *scheduler.Scheduler, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to open store: %v", err)
	}

	sched, err := scheduler.New(context.Background(), st, dag.NewEngine(), bus, cfg.SchedulerConfig())
	if err != nil {
		st.Close()
		return nil, nil, nil, err
	}
	return cfg, st, sched, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator process: the lease reaper, the metrics endpoint,
and the event broker. Agents and operators drive reservations through the
shared database; correctness does not depend on this process being up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		broker := events.NewBroker()
		broker.Start()

		cfg, st, sched, err := setup(broker)
		if err != nil {
			return err
		}
		defer st.Close()

		limiter := ratelimit.NewManager(broker)
		for provider, rl := range cfg.RateLimits {
			limiter.Configure(provider, rl.Capacity, rl.RefillRate)
		}
		backlog := queue.New(cfg.QueueConfig(), broker)

		bridge := metrics.NewBridge(broker)
		collector := metrics.NewCollector(st, backlog, limiter)
		collector.Start()

		reaper := scheduler.NewReaper(sched, cfg.SchedulerConfig().ReaperInterval)
		reaper.Start()
		fmt.Println("✓ Reaper started")

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server error: %v", err)
			}
		}()
		fmt.Printf("✓ Metrics on %s\n", cfg.MetricsAddr)

		fmt.Println()
		fmt.Println("Coordinator is running. Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nError: %v\n", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
		reaper.Stop()
		collector.Stop()
		bridge.Stop()
		broker.Stop()

		fmt.Println("✓ Shutdown complete")
		return nil
	},
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create TITLE",
	Short: "Create a new task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		priority, _ := cmd.Flags().GetInt("priority")
		description, _ := cmd.Flags().GetString("description")
		files, _ := cmd.Flags().GetStringSlice("files")

		task := &types.Task{
			ID:          uuid.New().String(),
			Title:       args[0],
			Description: description,
			Priority:    priority,
			Files:       files,
		}
		if err := sched.CreateTask(cmd.Context(), task); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s created\n", task.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		state, _ := cmd.Flags().GetString("state")
		tasks, err := st.ListTasks(cmd.Context(), types.TaskState(state))
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s  %-9s  p%d  a%d  %s\n", t.ID, t.State, t.Priority, t.Attempts, t.Title)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show TASK_ID",
	Short: "Show a task and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, _, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		task, err := st.LoadTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:        %s\n", task.ID)
		fmt.Printf("Title:     %s\n", task.Title)
		fmt.Printf("State:     %s\n", task.State)
		fmt.Printf("Priority:  %d\n", task.Priority)
		fmt.Printf("Attempts:  %d\n", task.Attempts)
		if len(task.Files) > 0 {
			fmt.Printf("Files:     %v\n", task.Files)
		}

		eventLog, err := st.ListEvents(cmd.Context(), task.ID)
		if err != nil {
			return err
		}
		if len(eventLog) > 0 {
			fmt.Println("\nEvents:")
			for _, e := range eventLog {
				fmt.Printf("  %d  %-16s  %s\n", e.Timestamp, e.Kind, string(e.Data))
			}
		}
		return nil
	},
}

var taskResetCmd = &cobra.Command{
	Use:   "reset TASK_ID",
	Short: "Re-open a failed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := sched.Reset(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s reset to READY\n", args[0])
		return nil
	},
}

var taskRemoveCmd = &cobra.Command{
	Use:   "remove TASK_ID",
	Short: "Remove a task with no live lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := sched.RemoveTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s removed\n", args[0])
		return nil
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskResetCmd)
	taskCmd.AddCommand(taskRemoveCmd)

	taskCreateCmd.Flags().Int("priority", 0, "Scheduling priority, higher first")
	taskCreateCmd.Flags().String("description", "", "Task description")
	taskCreateCmd.Flags().StringSlice("files", nil, "Advisory file paths the task will touch")

	taskListCmd.Flags().String("state", "", "Filter by state")
}

// Dependency commands
var depCmd = &cobra.Command{
	Use:   "dep",
	Short: "Manage task dependencies",
}

var depAddCmd = &cobra.Command{
	Use:   "add TASK_ID DEPENDS_ON_ID",
	Short: "Add a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		soft, _ := cmd.Flags().GetBool("soft")
		kind := types.DependencyHard
		if soft {
			kind = types.DependencySoft
		}
		if err := sched.AddDependency(cmd.Context(), args[0], args[1], kind, ""); err != nil {
			return err
		}
		fmt.Printf("✓ %s now depends on %s (%s)\n", args[0], args[1], kind)
		return nil
	},
}

var depRemoveCmd = &cobra.Command{
	Use:   "remove TASK_ID DEPENDS_ON_ID",
	Short: "Remove a dependency edge",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		if err := sched.RemoveDependency(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Dependency removed\n")
		return nil
	},
}

var depValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the dependency graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		result := sched.Graph().Validate()
		if result.IsValid {
			fmt.Printf("✓ Graph valid, %d tasks in topological order\n", len(result.SortedTasks))
			return nil
		}
		for _, cycle := range result.Cycles {
			fmt.Printf("cycle: %v\n", cycle)
		}
		for _, e := range result.Errors {
			fmt.Println(e)
		}
		return fmt.Errorf("graph validation failed")
	},
}

func init() {
	depCmd.AddCommand(depAddCmd)
	depCmd.AddCommand(depRemoveCmd)
	depCmd.AddCommand(depValidateCmd)

	depAddCmd.Flags().Bool("soft", false, "Advisory edge that never gates execution")
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Reclaim expired leases once",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		reclaimed, err := sched.ReclaimDue(cmd.Context(), types.NowMs())
		if err != nil {
			return err
		}
		fmt.Printf("✓ Reclaimed %d leases\n", len(reclaimed))
		for _, r := range reclaimed {
			fmt.Printf("  %s (was %s)\n", r.TaskID, r.PriorAgent)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show coordinator status",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, sched, err := setup(events.Discard{})
		if err != nil {
			return err
		}
		defer st.Close()

		states := []types.TaskState{
			types.TaskStatePending,
			types.TaskStateReady,
			types.TaskStateReserved,
			types.TaskStateRunning,
			types.TaskStateCompleted,
			types.TaskStateFailed,
		}
		fmt.Println("Tasks:")
		for _, state := range states {
			tasks, err := st.ListTasks(cmd.Context(), state)
			if err != nil {
				return err
			}
			fmt.Printf("  %-9s %d\n", state, len(tasks))
		}

		leases, err := st.ListActiveLeases(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("\nActive leases: %d\n", len(leases))
		for _, l := range leases {
			fmt.Printf("  %s held by %s until %d\n", l.TaskID, l.AgentID, l.ExpiresAt)
		}

		stats := sched.Graph().Stats()
		fmt.Printf("\nGraph: %d tasks, %d edges, depth %d\n", stats.TaskCount, stats.EdgeCount, stats.MaxDepth)
		return nil
	},
}
