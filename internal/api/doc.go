// Package api implements the HTTP REST API and WebSocket server for the
// device lease coordinator.
//
// This package provides:
//   - REST endpoints to acquire, renew, heartbeat and release leases
//   - Catalog, allocation status and account lookups
//   - Paginated access to the lease event journal
//   - WebSocket hub for live lease events
//   - Middleware stack (request ID, logging, recovery, CORS, JWT)
//
// # Security
//
// Every route except health, metrics and the WebSocket upgrade requires an
// HS256 bearer token. The token subject is the lease holder; a holder may
// only act on its own leases unless the token carries the admin scope.
// WebSocket connections use single-use tickets so tokens never appear in URLs.
//
// # Errors
//
// Lease failures carry the allocation code in the body ("all_locked",
// "transient_network_failure", ...) with a matching HTTP status, so runners
// can decide whether to retry without parsing messages.
package api
