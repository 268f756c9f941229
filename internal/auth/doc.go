// Package auth issues and verifies the bearer tokens runners present to
// the lease API.
//
// A token's subject is the holder identity. The API takes the holder from
// the verified token instead of trusting a request body field, so one
// runner cannot renew or release another runner's lease. Tokens carry one
// of two scopes: runner (acquire and manage own leases) or admin (act on
// any lease, force reconciliation, read the journal).
package auth
