/*
Package metrics provides Prometheus metrics collection for driveftp.

A Collector owns a private prometheus.Registry, so several collectors can
coexist in one process (tests create one each). A nil *Collector is valid
and records nothing, which lets components take an optional collector
without checks at every call site.

# Metrics

All names are prefixed with the configured namespace (driveftp by default).

Synchronization:

	sync_cycles_total{status}           drain + bootstrap cycles
	sync_cycle_duration_seconds         cycle latency
	sync_changes_applied_total          feed changes written to the cache
	sync_folders_total{result}          synced, gone, discarded or error

Remote store:

	remote_calls_total{operation,result}     logical gateway calls
	remote_call_duration_seconds{operation}  latency including retries
	remote_retries_total{operation}          retried attempts

Cache:

	cache_operations_total{operation,result}
	cache_operation_duration_seconds{operation}
	cache_revision_cursor               last applied change
	cache_pending_folders               directories not yet listed
	cache_entries                       cached entries

Controller:

	controller_forced_refreshes_total{status}
	controller_transfers_total{direction,status}
	controller_transfer_bytes_total{direction}

Results are collapsed to a small label set by error code: success,
not_found, transient, throttled, circuit_open, timeout, ambiguous, other.

# HTTP Endpoints

Start serves the registry at the configured path and a /health endpoint.
/health answers from the function given to SetHealth, with 503 when it
reports unhealthy, and a static healthy body otherwise.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "driveftp",
	}, logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())
*/
package metrics
