// Package server wires the controller's management API, data-plane, worker
// control channel, and metrics endpoints onto a chi router, and owns the
// HTTP listener's lifecycle (TLS activation, graceful shutdown).
package server
