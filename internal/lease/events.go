package lease

import (
	"context"
	"time"
)

// EventType names a lease lifecycle transition.
type EventType string

const (
	EventAcquired      EventType = "acquired"
	EventRenewed       EventType = "renewed"
	EventReleased      EventType = "released"
	EventExpired       EventType = "expired"
	EventLost          EventType = "lost"
	EventAcquireFailed EventType = "acquire_failed"
)

// Where a transition originated.
const (
	SourceCaller    = "caller"
	SourceMonitor   = "monitor"
	SourceReconcile = "reconcile"
	SourceShutdown  = "shutdown"
)

// Event describes one lease transition. LeaseID and MAC are empty for an
// acquire_failed event that never reached a device.
type Event struct {
	Type         EventType `json:"type"`
	LeaseID      string    `json:"lease_id,omitempty"`
	MAC          string    `json:"mac,omitempty"`
	Holder       string    `json:"holder"`
	Source       string    `json:"source"`
	At           time.Time `json:"at"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	RenewalCount int       `json:"renewal_count"`
	HeldFor      float64   `json:"held_seconds,omitempty"`
	Code         string    `json:"code,omitempty"`
	Reason       string    `json:"reason,omitempty"`

	// RemoteState and RemoteHolder record what the inventory reported for
	// the device when the lease ended. Empty on acquired and renewed events.
	RemoteState  State  `json:"remote_state,omitempty"`
	RemoteHolder string `json:"remote_holder,omitempty"`
}

// EventSink receives lease events. Record is called outside the lease table
// lock, from the goroutine performing the transition, so it must not block
// for long.
type EventSink interface {
	Record(ctx context.Context, ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, ev Event)

// Record calls f.
func (f EventSinkFunc) Record(ctx context.Context, ev Event) { f(ctx, ev) }

func newEvent(t EventType, l Lease, source string, at time.Time) Event {
	ev := Event{
		Type:         t,
		LeaseID:      l.ID,
		MAC:          l.MAC(),
		Holder:       l.Holder,
		Source:       source,
		At:           at,
		ExpiresAt:    l.ExpiresAt,
		RenewalCount: l.RenewalCount,
	}
	if t != EventAcquired && t != EventRenewed && !l.AcquiredAt.IsZero() {
		ev.HeldFor = at.Sub(l.AcquiredAt).Seconds()
	}
	return ev
}
