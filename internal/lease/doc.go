// Package lease coordinates exclusive, time-bounded use of test devices.
//
// A Coordinator turns a selection request into a Lease by trying candidate
// devices against the inventory service, which alone decides who holds a
// device. A Monitor renews leases whose holders still want them, releases
// leases that ran out and demotes leases the inventory no longer attributes
// to us.
//
// Lifecycle:
//
//	coord := lease.NewCoordinator(client, catalog, lease.Options{RetryAttempts: 3})
//	mon := lease.NewMonitor(coord, lease.MonitorConfig{SweepInterval: 30 * time.Second})
//	go mon.Run(ctx)
//
//	l, err := coord.Acquire(ctx, lease.Request{Holder: "run-42", Criteria: crit})
//	if errors.Is(err, lease.ErrAllLocked) {
//	    // wait and retry
//	}
//	defer coord.Release(context.Background(), l)
//
// Every failure is an *AllocationError; match codes with errors.Is against
// the Err* sentinels.
package lease
