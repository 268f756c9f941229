package lease

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultSweepInterval     = 30 * time.Second
	defaultReconcileInterval = 5 * time.Minute
	defaultGraceWindow       = 2 * time.Minute
	defaultRenewExtension    = 10
	defaultConcurrency       = 8
)

// MonitorConfig tunes the expiry monitor. Zero fields take defaults.
type MonitorConfig struct {
	// SweepInterval must be shorter than the smallest lease duration.
	SweepInterval     time.Duration
	ReconcileInterval time.Duration
	// GraceWindow is how long before expiry an in-use lease is renewed.
	GraceWindow time.Duration
	// RenewExtension is the number of minutes added per automatic renewal.
	RenewExtension int
	// HeartbeatTimeout is how recent the holder's last heartbeat must be for
	// a keep-alive lease to count as in use. Zero disables the check.
	HeartbeatTimeout time.Duration
	// Concurrency bounds parallel status queries during reconciliation.
	Concurrency int
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = defaultGraceWindow
	}
	if c.RenewExtension <= 0 {
		c.RenewExtension = defaultRenewExtension
	}
	// A renewal must carry the lease past the grace window of the next sweep.
	if floor := int((c.GraceWindow+c.SweepInterval)/time.Minute) + 1; c.RenewExtension < floor {
		c.RenewExtension = floor
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

// Monitor watches the coordinator's lease table. It renews in-use leases
// before they lapse, releases expired ones and reconciles local state
// against the inventory.
type Monitor struct {
	coord  *Coordinator
	cfg    MonitorConfig
	logger Logger
}

// NewMonitor creates a monitor for coord. It does nothing until Run is called.
func NewMonitor(coord *Coordinator, cfg MonitorConfig) *Monitor {
	return &Monitor{
		coord:  coord,
		cfg:    cfg.withDefaults(),
		logger: coord.logger,
	}
}

// SetLogger sets the logger for the monitor.
func (m *Monitor) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Run sweeps and reconciles on their intervals until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	reconcile := time.NewTicker(m.cfg.ReconcileInterval)
	defer reconcile.Stop()

	m.logger.Info("lease monitor started",
		"sweep_interval", m.cfg.SweepInterval.String(),
		"reconcile_interval", m.cfg.ReconcileInterval.String())

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("lease monitor stopped")
			return
		case <-sweep.C:
			m.Sweep(ctx)
		case <-reconcile.C:
			m.Reconcile(ctx)
		}
	}
}

// inUse reports whether the holder still wants l renewed.
func (m *Monitor) inUse(l Lease, now time.Time) bool {
	if !l.KeepAlive {
		return false
	}
	if m.cfg.HeartbeatTimeout <= 0 {
		return true
	}
	return now.Sub(l.LastSeen) <= m.cfg.HeartbeatTimeout
}

// Sweep makes one pass over the active leases. The table is snapshotted
// first; all remote calls happen without the table lock.
func (m *Monitor) Sweep(ctx context.Context) {
	now := m.coord.now()
	for _, l := range m.coord.Leases() {
		if ctx.Err() != nil {
			return
		}

		renewAt := l.ExpiresAt.Add(-m.cfg.GraceWindow)
		if !now.Before(renewAt) && m.inUse(l, now) {
			_, err := m.coord.renew(ctx, l.ID, m.cfg.RenewExtension, SourceMonitor)
			if err == nil {
				continue
			}
			if errors.Is(err, ErrLeaseLost) {
				continue
			}
			m.logger.Warn("automatic renewal failed", "lease_id", l.ID, "mac", l.MAC(), "error", err)
		}

		if !now.Before(l.ExpiresAt) {
			m.expire(ctx, l.ID)
		}
	}
}

// expire releases a lease that ran past its deadline and drops it locally
// whatever the inventory answers.
func (m *Monitor) expire(ctx context.Context, id string) {
	c := m.coord
	e, _, ok := c.lookupActive(id)
	if !ok {
		return
	}
	e.ops.Lock()
	defer e.ops.Unlock()

	snap, ok := c.snapshot(e)
	if !ok || c.now().Before(snap.ExpiresAt) {
		// Released, or renewed by the holder while we waited.
		return
	}
	mac := snap.MAC()

	var reason string
	err := c.call(ctx, mac, func(ctx context.Context) error { return c.client.Release(ctx, mac) })
	if err != nil {
		reason = "release failed: " + err.Error()
	}

	done, ok := c.finish(id, StatusExpired)
	if !ok {
		return
	}
	m.logger.Warn("involuntary lease expiry", "lease_id", id, "mac", mac, "holder", done.Holder,
		"expires_at", done.ExpiresAt, "renewal_count", done.RenewalCount)
	ev := newEvent(EventExpired, done, SourceMonitor, done.EndedAt)
	ev.Reason = reason
	ev.RemoteState, ev.RemoteHolder = c.afterRelease(ctx, mac, err)
	c.emit(ctx, ev)
}

// Reconcile asks the inventory about every active lease and demotes the
// ones it no longer attributes to their holder. A failed query leaves the
// lease alone.
func (m *Monitor) Reconcile(ctx context.Context) {
	leases := m.coord.Leases()
	if len(leases) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, l := range leases {
		g.Go(func() error {
			m.reconcileLease(ctx, l)
			return nil
		})
	}
	_ = g.Wait()
}

// ReconcileDevice reconciles the active lease on mac, if any, and returns
// what the inventory reported.
func (m *Monitor) ReconcileDevice(ctx context.Context, mac string) Observation {
	l, ok := m.coord.LeaseForDevice(mac)
	if !ok {
		return m.coord.Status(ctx, mac)
	}
	return m.reconcileLease(ctx, l)
}

func (m *Monitor) reconcileLease(ctx context.Context, l Lease) Observation {
	obs := m.coord.Status(ctx, l.MAC())
	switch {
	case obs.State == StateUnknown:
		m.logger.Debug("reconcile: allocation unknown, keeping lease",
			"lease_id", l.ID, "mac", l.MAC(), "error", obs.Error)
	case obs.State == StateAvailable:
		m.coord.demote(ctx, l.ID, SourceReconcile, "inventory reports device available", obs)
	case obs.Holder != l.Holder:
		m.coord.demote(ctx, l.ID, SourceReconcile, "inventory reports holder "+obs.Holder, obs)
	}
	return obs
}
