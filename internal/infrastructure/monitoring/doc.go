/*
Package monitoring collects Prometheus metrics for the decoding pipeline.

# Overview

Each runtime owns a private prometheus.Registry so several runtimes can
live in one process without duplicate registration panics. Hosts expose
it through their own HTTP handler if they want it scraped.

# Features

- Worker lifecycle: spawns per sandbox mechanism, exits per reason, live count
- Sandbox fallbacks taken during automatic selection
- Request round trip latency per protocol operation
- Errors per kind, protocol violations
- Frame count and mapped buffer sizes

# Usage

	metrics := monitoring.NewMetrics("imgjail")

	timer := monitoring.NewTimer(metrics, "next_frame")
	defer timer.Stop()

	handler := promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})
*/
package monitoring
