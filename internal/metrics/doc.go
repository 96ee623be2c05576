// Package metrics exposes relay counters to Prometheus and a health probe.
//
// /metrics serves the private registry. /healthz returns the transport
// monitor's stats as JSON with status 503 while the chat connection is down,
// so a supervisor can restart a relay that never reconnects.
package metrics
