// Package inventory is the boundary to the remote inventory service, the
// authority on which devices exist and who holds them.
//
// The package has three parts:
//   - capability interfaces (DeviceSource, Locker, Details) consumed by the
//     catalog and the lease coordinator
//   - RESTClient, a plain RPC implementation with no retries or business rules
//   - Classify, which maps raw outcomes to Conflict, NotFound, Transient or Fatal
//
// Retry and backoff decisions belong to callers and are driven by Classify.
package inventory
