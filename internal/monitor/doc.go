// Package monitor watches the chat transport connection with keep-alive
// probes and reconnects it after a fixed number of consecutive failures.
package monitor
