// Package sinks contains progress.Sink implementations: structured logs,
// Prometheus collectors and a message-bus publisher for terminal events.
package sinks
