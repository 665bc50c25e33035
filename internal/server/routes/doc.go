// Package routes registers the /-/ diagnostic and control endpoints: status,
// Prometheus metrics, push and sync triggers, queue enqueue, client messages,
// and lifecycle transitions.
package routes
