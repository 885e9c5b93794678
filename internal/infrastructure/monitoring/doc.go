/*
Package monitoring provides Prometheus-based metrics collection for the
scanpipe daemon.

# Overview

Metrics cover the HTTP API, the subprocess streaming engine (bytes pumped
and dropped, lines emitted and truncated, accumulator compactions and
resets), worker lifecycle, and watchdog activity.

# Usage

	// Create the metrics collector once per process
	metrics := monitoring.NewMetrics()

	// Add middleware to the Gin router
	router.Use(monitoring.Middleware(metrics))

	// Fold a finished worker's counters in
	metrics.AddStreamStats(worker.Dropped(), worker.AccumulatorStats())

Exposition happens through promhttp on the /metrics endpoint.
*/
package monitoring
