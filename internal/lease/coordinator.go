package lease

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/inventory"
)

const (
	defaultRetryAttempts   = 3
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultMaxBackoff      = 5 * time.Second
	defaultMultiplier      = 2.0
	defaultJitter          = 0.2
	defaultDurationMinutes = 30
	defaultMaxMinutes      = 24 * 60

	// cleanupTimeout bounds calls made on a detached context after the
	// caller's context is gone.
	cleanupTimeout = 10 * time.Second

	// endedHistory is how many ended leases Ended remembers.
	endedHistory = 1024
)

// Logger is the logging interface used by the coordinator and monitor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Catalog supplies the devices a Coordinator may lease. *device.Catalog
// satisfies it.
type Catalog interface {
	Snapshot() []*device.Record
}

// Options tunes retry and duration policy. Zero fields take defaults.
type Options struct {
	// RetryAttempts is the total number of attempts made against one device
	// while the inventory fails transiently.
	RetryAttempts  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Jitter is the backoff randomisation factor in [0, 1).
	Jitter float64

	DefaultDurationMinutes int
	MinDurationMinutes     int
	MaxDurationMinutes     int

	// Now replaces the wall clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.RetryAttempts < 1 {
		o.RetryAttempts = defaultRetryAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = max(defaultMaxBackoff, o.InitialBackoff)
	}
	if o.Multiplier < 1 {
		o.Multiplier = defaultMultiplier
	}
	if o.Jitter < 0 || o.Jitter >= 1 {
		o.Jitter = defaultJitter
	}
	if o.DefaultDurationMinutes <= 0 {
		o.DefaultDurationMinutes = defaultDurationMinutes
	}
	if o.MinDurationMinutes <= 0 {
		o.MinDurationMinutes = 1
	}
	if o.MaxDurationMinutes <= 0 {
		o.MaxDurationMinutes = defaultMaxMinutes
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// entry is the mutable table row behind a Lease. ops serialises remote calls
// that change the lease (renew, release, expiry) so they never interleave.
type entry struct {
	lease Lease
	ops   sync.Mutex
}

// Coordinator turns selection requests into held leases and tracks them.
//
// The inventory service decides who holds a device; the coordinator only
// mirrors its answers. The lease table lock is never held across a remote
// call.
//
// Thread Safety: all methods are safe for concurrent use.
type Coordinator struct {
	client  inventory.Locker
	catalog Catalog
	opts    Options
	logger  Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu     sync.RWMutex
	leases map[string]*entry
	byMAC  map[string]string
	// ended holds the most recent terminal leases, oldest first in endedIDs.
	ended    map[string]Lease
	endedIDs []string

	sinkMu sync.RWMutex
	sinks  []EventSink
}

// NewCoordinator creates a coordinator over client and catalog.
func NewCoordinator(client inventory.Locker, catalog Catalog, opts Options) *Coordinator {
	return &Coordinator{
		client:  client,
		catalog: catalog,
		opts:    opts.withDefaults(),
		logger:  noopLogger{},
		sleep:   sleepContext,
		leases:  make(map[string]*entry),
		byMAC:   make(map[string]string),
		ended:   make(map[string]Lease),
	}
}

// SetLogger sets the logger for the coordinator.
func (c *Coordinator) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// AddSink registers a sink for lease events.
func (c *Coordinator) AddSink(sink EventSink) {
	c.sinkMu.Lock()
	c.sinks = append(c.sinks, sink)
	c.sinkMu.Unlock()
}

func (c *Coordinator) emit(ctx context.Context, ev Event) {
	c.sinkMu.RLock()
	sinks := c.sinks
	c.sinkMu.RUnlock()
	for _, s := range sinks {
		s.Record(ctx, ev)
	}
}

func (c *Coordinator) now() time.Time { return c.opts.Now() }

// Acquire leases one device matching req.Criteria on behalf of req.Holder.
//
// Candidates are tried in catalog order. A conflict moves straight to the
// next candidate; a transient failure is retried on the same candidate with
// exponential backoff up to Options.RetryAttempts attempts. If the holder
// already has an active lease on a matching device, that lease is returned
// and no remote call is made.
//
// Returns:
//   - Lease: the new (or existing) active lease
//   - error: an *AllocationError with code NoCandidate, AllLocked,
//     TransientNetworkFailure, FatalConfiguration or Cancelled
func (c *Coordinator) Acquire(ctx context.Context, req Request) (Lease, error) {
	minutes, err := c.validateRequest(req)
	if err != nil {
		c.emit(ctx, Event{Type: EventAcquireFailed, Holder: req.Holder, Source: SourceCaller,
			At: c.now(), Code: CodeOf(err).String(), Reason: err.Error()})
		return Lease{}, err
	}

	if existing, ok := c.heldLease(req.Holder, req.Criteria); ok {
		c.logger.Debug("holder already has a matching lease", "lease_id", existing.ID, "holder", req.Holder)
		return existing, nil
	}

	l, err := c.acquire(ctx, req, minutes)
	if err != nil {
		c.emit(ctx, Event{Type: EventAcquireFailed, MAC: deviceOf(err), Holder: req.Holder,
			Source: SourceCaller, At: c.now(), Code: CodeOf(err).String(), Reason: err.Error()})
		return Lease{}, err
	}
	return l, nil
}

func (c *Coordinator) validateRequest(req Request) (int, error) {
	if req.Holder == "" {
		return 0, newError(CodeFatalConfiguration, "", "", ErrInvalidHolder)
	}
	if err := req.Criteria.Validate(); err != nil {
		return 0, newError(CodeFatalConfiguration, "", req.Holder, err)
	}
	minutes := req.DurationMinutes
	if minutes == 0 {
		minutes = c.opts.DefaultDurationMinutes
	}
	if minutes < c.opts.MinDurationMinutes || minutes > c.opts.MaxDurationMinutes {
		return 0, newError(CodeFatalConfiguration, "", req.Holder,
			fmt.Errorf("%w: %d minutes (allowed %d..%d)", ErrInvalidDuration,
				minutes, c.opts.MinDurationMinutes, c.opts.MaxDurationMinutes))
	}
	return minutes, nil
}

func (c *Coordinator) acquire(ctx context.Context, req Request, minutes int) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, newError(CodeCancelled, "", req.Holder, err)
	}

	candidates := device.Select(c.catalog.Snapshot(), req.Criteria, nil)
	if len(candidates) == 0 {
		return Lease{}, newError(CodeNoCandidate, "", req.Holder, nil)
	}

	var conflicts, transients int
	var lastConflict, lastTransient error
	for _, rec := range candidates {
		res, alloc, err := c.tryLock(ctx, rec.MAC, req.Holder, minutes)
		switch res {
		case lockHeld:
			return c.register(ctx, c.newLease(rec, req, minutes), true), nil
		case lockAdopted:
			c.logger.Info("device already locked by holder, adopting", "mac", rec.MAC, "holder", req.Holder)
			return c.register(ctx, c.adoptedLease(rec, req, minutes, alloc), false), nil
		case lockConflict:
			conflicts++
			lastConflict = err
			c.logger.Debug("candidate locked by another holder", "mac", rec.MAC, "holder", req.Holder)
		case lockNotFound:
			c.logger.Warn("candidate unknown to inventory, skipping", "mac", rec.MAC, "error", err)
		case lockTransient:
			transients++
			lastTransient = err
			c.logger.Warn("candidate unreachable after retries, moving on", "mac", rec.MAC, "error", err)
		case lockCancelled:
			return Lease{}, newError(CodeCancelled, rec.MAC, req.Holder, err)
		case lockFatal:
			return Lease{}, newError(CodeFatalConfiguration, rec.MAC, req.Holder, err)
		}
	}

	switch {
	case conflicts > 0:
		return Lease{}, newError(CodeAllLocked, "", req.Holder, lastConflict)
	case transients > 0:
		return Lease{}, newError(CodeTransientNetworkFailure, "", req.Holder, lastTransient)
	default:
		return Lease{}, newError(CodeNoCandidate, "", req.Holder, nil)
	}
}

type lockResult int

const (
	lockHeld lockResult = iota
	// lockAdopted means the inventory already had the device locked by the
	// same holder before this attempt, e.g. across a restart.
	lockAdopted
	lockConflict
	lockNotFound
	lockTransient
	lockFatal
	lockCancelled
)

// tryLock negotiates one candidate. A transient failure may have reached the
// inventory before the connection broke, so after one the outcome is
// ambiguous: a later conflict, exhausted retries and cancellation are all
// resolved by asking the inventory who holds the device. A conflict without
// an ambiguous attempt is checked too, since the holder may be us.
func (c *Coordinator) tryLock(ctx context.Context, mac, holder string, minutes int) (lockResult, *inventory.Allocation, error) {
	b := c.newBackOff()
	ambiguous := false

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if ambiguous {
				c.abandon(ctx, mac, holder)
			}
			return lockCancelled, nil, err
		}

		err := c.client.Lock(ctx, mac, holder, minutes)
		if ctx.Err() != nil {
			// The caller is gone. Whatever the call did, it must not leave
			// the device held.
			if err == nil {
				c.releaseDetached(ctx, mac)
			} else {
				c.abandon(ctx, mac, holder)
			}
			return lockCancelled, nil, ctx.Err()
		}
		if err == nil {
			return lockHeld, nil, nil
		}

		switch inventory.Classify(err) {
		case inventory.ClassConflict:
			alloc, ok := c.allocationOf(ctx, mac, holder)
			switch {
			case ok && ambiguous:
				c.logger.Info("earlier lock attempt succeeded", "mac", mac, "holder", holder)
				return lockHeld, nil, nil
			case ok:
				return lockAdopted, alloc, nil
			}
			return lockConflict, nil, err
		case inventory.ClassNotFound:
			return lockNotFound, nil, err
		case inventory.ClassTransient:
			ambiguous = true
			if attempt >= c.opts.RetryAttempts {
				if c.heldBy(ctx, mac, holder) {
					return lockHeld, nil, nil
				}
				return lockTransient, nil, err
			}
			wait := b.NextBackOff()
			c.logger.Debug("lock failed transiently, retrying",
				"mac", mac, "attempt", attempt, "backoff", wait.String(), "error", err)
			if serr := c.sleep(ctx, wait); serr != nil {
				c.abandon(ctx, mac, holder)
				return lockCancelled, nil, serr
			}
		default:
			return lockFatal, nil, err
		}
	}
}

// heldBy reports whether the inventory says holder has mac. A failed query
// counts as no.
func (c *Coordinator) heldBy(ctx context.Context, mac, holder string) bool {
	_, ok := c.allocationOf(ctx, mac, holder)
	return ok
}

// allocationOf returns the allocation of mac when holder has it.
func (c *Coordinator) allocationOf(ctx context.Context, mac, holder string) (*inventory.Allocation, bool) {
	alloc, err := c.client.AllocationStatus(ctx, mac)
	if err != nil {
		c.logger.Debug("allocation status unavailable", "mac", mac, "error", err)
		return nil, false
	}
	if !alloc.HeldBy(holder) {
		return nil, false
	}
	return alloc, true
}

// abandon releases mac if an interrupted lock attempt turned out to succeed.
func (c *Coordinator) abandon(ctx context.Context, mac, holder string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if c.heldBy(dctx, mac, holder) {
		c.releaseDetached(dctx, mac)
	}
}

// releaseDetached releases mac on a context that survives the caller's.
func (c *Coordinator) releaseDetached(ctx context.Context, mac string) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := c.call(dctx, mac, func(ctx context.Context) error { return c.client.Release(ctx, mac) }); err != nil {
		if cls := inventory.Classify(err); cls != inventory.ClassNotFound {
			c.logger.Error("failed to release device after cancelled acquire", "mac", mac, "error", err)
			return
		}
	}
	c.logger.Info("released device after cancelled acquire", "mac", mac)
}

// newLease builds a lease for a lock granted now.
func (c *Coordinator) newLease(rec *device.Record, req Request, minutes int) Lease {
	now := c.now()
	return Lease{
		ID:              uuid.NewString(),
		Device:          rec,
		Holder:          req.Holder,
		AcquiredAt:      now,
		DurationMinutes: minutes,
		ExpiresAt:       now.Add(time.Duration(minutes) * time.Minute),
		KeepAlive:       req.KeepAlive,
		LastSeen:        now,
		Status:          StatusActive,
	}
}

// adoptedLease builds a lease for a lock the holder already had. The remote
// start and end are taken over when known so renewals keep the remote end
// equal to ExpiresAt.
func (c *Coordinator) adoptedLease(rec *device.Record, req Request, minutes int, alloc *inventory.Allocation) Lease {
	l := c.newLease(rec, req, minutes)
	if alloc == nil || alloc.Start.IsZero() || !alloc.End.After(l.AcquiredAt) {
		return l
	}
	l.AcquiredAt = alloc.Start
	l.ExpiresAt = alloc.End
	l.DurationMinutes = max(1, int(alloc.End.Sub(alloc.Start).Round(time.Minute)/time.Minute))
	return l
}

// register inserts a locked device into the table.
//
// An active local lease on the same device by the same holder is kept and
// returned instead, so concurrent acquires by one holder share a lease; a
// fresh lock updates its timing. A local lease by anyone else is stale by
// definition, since the inventory just gave the device to l.Holder, and is
// demoted first.
func (c *Coordinator) register(ctx context.Context, l Lease, fresh bool) Lease {
	now := c.now()
	mac := l.MAC()

	var stale *Lease
	c.mu.Lock()
	if oldID, ok := c.byMAC[mac]; ok {
		if old, ok := c.leases[oldID]; ok {
			if old.lease.Holder == l.Holder {
				if fresh {
					old.lease.AcquiredAt = l.AcquiredAt
					old.lease.DurationMinutes = l.DurationMinutes
					old.lease.ExpiresAt = l.ExpiresAt
				}
				old.lease.KeepAlive = old.lease.KeepAlive || l.KeepAlive
				old.lease.LastSeen = now
				kept := old.lease
				c.mu.Unlock()
				c.logger.Debug("holder already has a lease on device", "lease_id", kept.ID, "mac", mac)
				return kept
			}
			s := c.finishLocked(old, StatusLost, now)
			stale = &s
		}
	}
	c.leases[l.ID] = &entry{lease: l}
	c.byMAC[mac] = l.ID
	c.mu.Unlock()

	if stale != nil {
		c.logger.Warn("demoted stale local lease on re-locked device",
			"lease_id", stale.ID, "mac", mac, "holder", stale.Holder)
		ev := newEvent(EventLost, *stale, SourceReconcile, now)
		ev.Reason = "device re-locked"
		ev.RemoteState, ev.RemoteHolder = StateLocked, l.Holder
		c.emit(ctx, ev)
	}

	c.logger.Info("lease acquired", "lease_id", l.ID, "mac", mac, "holder", l.Holder,
		"duration_minutes", l.DurationMinutes, "adopted", !fresh)
	ev := newEvent(EventAcquired, l, SourceCaller, now)
	if !fresh {
		ev.Reason = "adopted existing lock"
	}
	c.emit(ctx, ev)
	return l
}

// finishLocked moves e to a terminal status and drops it from the table.
// The caller must hold c.mu.
func (c *Coordinator) finishLocked(e *entry, status Status, at time.Time) Lease {
	e.lease.Status = status
	e.lease.EndedAt = at
	delete(c.leases, e.lease.ID)
	if c.byMAC[e.lease.MAC()] == e.lease.ID {
		delete(c.byMAC, e.lease.MAC())
	}

	if len(c.endedIDs) >= endedHistory {
		delete(c.ended, c.endedIDs[0])
		c.endedIDs = c.endedIDs[1:]
	}
	c.ended[e.lease.ID] = e.lease
	c.endedIDs = append(c.endedIDs, e.lease.ID)
	return e.lease
}

// Ended returns a recently ended lease. Only the last 1024 are kept.
func (c *Coordinator) Ended(id string) (Lease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	l, ok := c.ended[id]
	return l, ok
}

// heldLease finds an active lease by holder on a device matching criteria
// and counts the lookup as a heartbeat.
func (c *Coordinator) heldLease(holder string, criteria device.Criteria) (Lease, bool) {
	excluded := make(map[string]struct{}, len(criteria.Exclude))
	for _, mac := range criteria.Exclude {
		if n, err := device.NormaliseMAC(mac); err == nil {
			excluded[n] = struct{}{}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.leases {
		l := &e.lease
		if l.Holder != holder || !l.Active() || l.Device == nil {
			continue
		}
		if _, skip := excluded[l.Device.MAC]; skip {
			continue
		}
		if criteria.Matches(l.Device) {
			l.LastSeen = c.now()
			return *l, true
		}
	}
	return Lease{}, false
}

// Renew extends an active lease by extendMinutes.
//
// The inventory is sent the new total duration, so the remote end time stays
// equal to ExpiresAt. ExpiresAt never moves backwards.
//
// Returns:
//   - Lease: the updated lease
//   - error: an *AllocationError; LeaseLost means the device must be
//     re-acquired, TransientNetworkFailure leaves the lease in place
func (c *Coordinator) Renew(ctx context.Context, l Lease, extendMinutes int) (Lease, error) {
	return c.renew(ctx, l.ID, extendMinutes, SourceCaller)
}

func (c *Coordinator) renew(ctx context.Context, id string, extendMinutes int, source string) (Lease, error) {
	if extendMinutes <= 0 {
		return Lease{}, newError(CodeFatalConfiguration, "", "",
			fmt.Errorf("%w: extension of %d minutes", ErrInvalidDuration, extendMinutes))
	}

	e, snap, ok := c.lookupActive(id)
	if !ok {
		return Lease{}, newError(CodeLeaseLost, "", "", ErrUnknownLease)
	}
	e.ops.Lock()
	defer e.ops.Unlock()

	// Re-read under ops: a concurrent renewal may have moved the total.
	if snap, ok = c.snapshot(e); !ok {
		return Lease{}, newError(CodeLeaseLost, snap.MAC(), snap.Holder, nil)
	}
	mac := snap.MAC()
	total := snap.DurationMinutes + extendMinutes

	err := c.call(ctx, mac, func(ctx context.Context) error { return c.client.ExtendLock(ctx, mac, total) })
	if err != nil {
		if ctx.Err() != nil {
			return snap, newError(CodeCancelled, mac, snap.Holder, err)
		}
		switch inventory.Classify(err) {
		case inventory.ClassNotFound, inventory.ClassConflict:
			lost, _ := c.demote(ctx, id, source, "renewal refused: "+err.Error(), Observation{MAC: mac, State: StateUnknown})
			return lost, newError(CodeLeaseLost, mac, snap.Holder, err)
		case inventory.ClassTransient:
			return snap, newError(CodeTransientNetworkFailure, mac, snap.Holder, err)
		default:
			return snap, newError(CodeFatalConfiguration, mac, snap.Holder, err)
		}
	}

	now := c.now()
	c.mu.Lock()
	if e.lease.Status != StatusActive {
		c.mu.Unlock()
		return e.lease, newError(CodeLeaseLost, mac, snap.Holder, nil)
	}
	e.lease.DurationMinutes = total
	if exp := e.lease.AcquiredAt.Add(time.Duration(total) * time.Minute); exp.After(e.lease.ExpiresAt) {
		e.lease.ExpiresAt = exp
	}
	e.lease.RenewalCount++
	updated := e.lease
	c.mu.Unlock()

	c.logger.Info("lease renewed", "lease_id", id, "mac", mac, "expires_at", updated.ExpiresAt,
		"renewal_count", updated.RenewalCount, "source", source)
	c.emit(ctx, newEvent(EventRenewed, updated, source, now))
	return updated, nil
}

// Release gives the device back.
//
// Releasing a lease that is no longer active locally succeeds without a
// remote call. If the inventory says the device is not locked, or is locked
// by someone else, the device is no longer ours and the release succeeds.
// A transient failure is returned and the lease stays active so the call
// can be repeated.
func (c *Coordinator) Release(ctx context.Context, l Lease) error {
	_, err := c.release(ctx, l.ID, SourceCaller, StatusReleased)
	return err
}

func (c *Coordinator) release(ctx context.Context, id, source string, status Status) (Lease, error) {
	e, _, ok := c.lookupActive(id)
	if !ok {
		return Lease{}, nil
	}
	e.ops.Lock()
	defer e.ops.Unlock()

	snap, ok := c.snapshot(e)
	if !ok {
		return snap, nil
	}
	mac := snap.MAC()

	err := c.call(ctx, mac, func(ctx context.Context) error { return c.client.Release(ctx, mac) })
	reason := ""
	if err != nil {
		if ctx.Err() != nil {
			return snap, newError(CodeCancelled, mac, snap.Holder, err)
		}
		switch inventory.Classify(err) {
		case inventory.ClassNotFound, inventory.ClassConflict:
			reason = "not held remotely"
			c.logger.Debug("release found device already free or reassigned", "mac", mac, "error", err)
		case inventory.ClassTransient:
			return snap, newError(CodeTransientNetworkFailure, mac, snap.Holder, err)
		default:
			return snap, newError(CodeFatalConfiguration, mac, snap.Holder, err)
		}
	}

	done, ok := c.finish(id, status)
	if !ok {
		return snap, nil
	}
	c.logger.Info("lease released", "lease_id", id, "mac", mac, "holder", done.Holder, "source", source)
	ev := newEvent(EventReleased, done, source, done.EndedAt)
	ev.Reason = reason
	ev.RemoteState, ev.RemoteHolder = c.afterRelease(ctx, mac, err)
	c.emit(ctx, ev)
	return done, nil
}

// afterRelease reports what the device looks like once a release call
// returned err. A conflict means someone else has it, so ask who.
func (c *Coordinator) afterRelease(ctx context.Context, mac string, err error) (State, string) {
	if err == nil {
		return StateAvailable, ""
	}
	switch inventory.Classify(err) {
	case inventory.ClassNotFound:
		return StateAvailable, ""
	case inventory.ClassConflict:
		obs := c.Status(ctx, mac)
		return obs.State, obs.Holder
	default:
		return StateUnknown, ""
	}
}

// finish moves lease id to status if it is still active.
func (c *Coordinator) finish(id string, status Status) (Lease, bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.leases[id]
	if !ok || e.lease.Status != StatusActive {
		return Lease{}, false
	}
	return c.finishLocked(e, status, now), true
}

// demote marks lease id lost without a remote call. The inventory has
// already decided the device is not ours.
func (c *Coordinator) demote(ctx context.Context, id, source, reason string, obs Observation) (Lease, bool) {
	l, ok := c.finish(id, StatusLost)
	if !ok {
		return l, false
	}
	c.logger.Warn("lease lost", "lease_id", id, "mac", l.MAC(), "holder", l.Holder,
		"source", source, "reason", reason)
	ev := newEvent(EventLost, l, source, l.EndedAt)
	ev.Reason = reason
	ev.RemoteState, ev.RemoteHolder = obs.State, obs.Holder
	c.emit(ctx, ev)
	return l, true
}

// Touch records a heartbeat from the lease holder.
func (c *Coordinator) Touch(id string) (Lease, error) {
	return c.update(id, func(l *Lease) { l.LastSeen = c.now() })
}

// SetKeepAlive turns monitor-driven renewal on or off for a lease.
func (c *Coordinator) SetKeepAlive(id string, keepAlive bool) (Lease, error) {
	return c.update(id, func(l *Lease) {
		l.KeepAlive = keepAlive
		l.LastSeen = c.now()
	})
}

func (c *Coordinator) update(id string, fn func(*Lease)) (Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.leases[id]
	if !ok || e.lease.Status != StatusActive {
		return Lease{}, newError(CodeLeaseLost, "", "", ErrUnknownLease)
	}
	fn(&e.lease)
	return e.lease, nil
}

// Get returns the active lease with the given ID.
func (c *Coordinator) Get(id string) (Lease, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.leases[id]
	if !ok {
		return Lease{}, ErrUnknownLease
	}
	return e.lease, nil
}

// Leases returns every active lease, oldest first.
func (c *Coordinator) Leases() []Lease {
	c.mu.RLock()
	out := make([]Lease, 0, len(c.leases))
	for _, e := range c.leases {
		out = append(out, e.lease)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b Lease) int {
		if n := a.AcquiredAt.Compare(b.AcquiredAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// ActiveCount returns the number of active leases.
func (c *Coordinator) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.leases)
}

// LeaseForDevice returns the active lease on mac, if any.
func (c *Coordinator) LeaseForDevice(mac string) (Lease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byMAC[mac]
	if !ok {
		return Lease{}, false
	}
	e, ok := c.leases[id]
	if !ok {
		return Lease{}, false
	}
	return e.lease, true
}

// Status asks the inventory for the current allocation of mac. A failed
// query yields StateUnknown, never StateAvailable.
func (c *Coordinator) Status(ctx context.Context, mac string) Observation {
	obs := Observation{MAC: mac, State: StateUnknown}
	alloc, err := c.client.AllocationStatus(ctx, mac)
	if err != nil {
		obs.Error = err.Error()
		return obs
	}
	switch alloc.State {
	case inventory.AllocationAvailable:
		obs.State = StateAvailable
	case inventory.AllocationLocked:
		obs.State = StateLocked
		obs.Holder = alloc.Holder
		obs.ExpiresAt = alloc.End
	}
	return obs
}

// Close releases every active lease. It is meant for shutdown; leases that
// cannot be released are left to expire remotely.
func (c *Coordinator) Close(ctx context.Context) error {
	var errs []error
	for _, l := range c.Leases() {
		if _, err := c.release(ctx, l.ID, SourceShutdown, StatusReleased); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", l.MAC(), err))
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) lookupActive(id string) (*entry, Lease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.leases[id]
	if !ok || e.lease.Status != StatusActive {
		return nil, Lease{}, false
	}
	return e, e.lease, true
}

func (c *Coordinator) snapshot(e *entry) (Lease, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return e.lease, e.lease.Status == StatusActive
}

// call runs fn, retrying transient failures with backoff up to
// Options.RetryAttempts attempts in total. The context is checked before
// every retry.
func (c *Coordinator) call(ctx context.Context, mac string, fn func(context.Context) error) error {
	b := c.newBackOff()
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}
		if inventory.Classify(err) != inventory.ClassTransient || attempt >= c.opts.RetryAttempts {
			return err
		}
		wait := b.NextBackOff()
		c.logger.Debug("inventory call failed transiently, retrying",
			"mac", mac, "attempt", attempt, "backoff", wait.String(), "error", err)
		if serr := c.sleep(ctx, wait); serr != nil {
			return errors.Join(err, serr)
		}
	}
}

func (c *Coordinator) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.Multiplier = c.opts.Multiplier
	b.RandomizationFactor = c.opts.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func deviceOf(err error) string {
	var ae *AllocationError
	if errors.As(err, &ae) {
		return ae.Device
	}
	return ""
}
