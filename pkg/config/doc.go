/*
Package config loads Foreman's YAML configuration.

Recognized keys and effects:

	data_dir:                    database location
	log_level, log_json:         logging
	rate_limits.{p}.capacity:    burst size for provider p
	rate_limits.{p}.refill_rate: tokens per second for provider p
	quotas.{p}.{daily,weekly,monthly}: rolling request limits
	queue_caps.{high,medium,low}: max depth per priority class
	enable_prioritization:       allow high to evict low
	lease_ttl_ms:                lease window (default 30000)
	heartbeat_interval_ms:       heartbeat period (default 15000)
	renewal_interval_ms:         renewal period (default 10000)
	reservation_retry_budget:    contention retries (default 8)
	attempts_ceiling:            0 disables
	stale_agent_after_ms:        heartbeat staleness cutoff
	reaper_interval_ms:          0 disables the self-timed reaper
	metrics_addr:                Prometheus listen address

Validation enforces renewal_interval_ms < lease_ttl_ms / 2.
*/
package config
