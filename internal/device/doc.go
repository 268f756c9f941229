// Package device holds the catalog of test devices that can be leased and the
// selector that turns selection criteria into an ordered candidate list.
//
// Records are immutable snapshots fetched from the inventory service. A refresh
// replaces pointers and never mutates a published record, so leases may keep
// references to records from an older snapshot.
package device
