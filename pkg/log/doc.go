/*
Package log provides structured logging for Foreman built on zerolog.

Call Init once at startup, then use the package helpers or create child loggers
scoped to a component, agent, or task:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("scheduler")
	logger.Info().Str("task_id", task.ID).Msg("task reserved")

Console output (the default) is for interactive use; JSON output is for
collection pipelines.
*/
package log
