// Package server exposes the reconciliation loop over HTTP.
//
// Routes:
//
//	GET  /healthz       liveness
//	GET  /status        loop state, busy flag and cycle interval
//	POST /reconcile     on-demand trigger, 409 when coalesced
//	GET  /cycles        stored cycle history, newest first
//	GET  /cycles/{id}   one cycle with its issues
//
// Prometheus metrics are served on the configured metrics path when a
// handler is supplied.
package server
