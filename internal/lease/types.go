package lease

import (
	"time"

	"github.com/nerrad567/devicelease/internal/device"
)

// Status is the local lifecycle state of a lease. Every state other than
// StatusActive is terminal.
type Status string

const (
	StatusActive   Status = "active"
	StatusReleased Status = "released"
	StatusExpired  Status = "expired"
	StatusLost     Status = "lost"
)

// Lease is a time-bounded exclusive claim on one device.
//
// Values returned by the Coordinator are snapshots; mutate a lease only
// through Coordinator methods. Device points into the catalog snapshot and
// must be treated as read-only.
type Lease struct {
	ID              string         `json:"id"`
	Device          *device.Record `json:"device"`
	Holder          string         `json:"holder"`
	AcquiredAt      time.Time      `json:"acquired_at"`
	DurationMinutes int            `json:"duration_minutes"`
	ExpiresAt       time.Time      `json:"expires_at"`
	RenewalCount    int            `json:"renewal_count"`
	KeepAlive       bool           `json:"keep_alive"`
	LastSeen        time.Time      `json:"last_seen"`
	Status          Status         `json:"status"`
	EndedAt         time.Time      `json:"ended_at,omitzero"`
}

// MAC returns the leased device's MAC address.
func (l Lease) MAC() string {
	if l.Device == nil {
		return ""
	}
	return l.Device.MAC
}

// Active reports whether the lease is still held.
func (l Lease) Active() bool {
	return l.Status == StatusActive
}

// Remaining returns the time left before expiry at now, never negative.
func (l Lease) Remaining(now time.Time) time.Duration {
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Request asks the Coordinator for one device.
type Request struct {
	Holder          string          `json:"holder"`
	Criteria        device.Criteria `json:"criteria"`
	DurationMinutes int             `json:"duration_minutes"`
	// KeepAlive lets the monitor renew the lease while heartbeats arrive.
	KeepAlive bool `json:"keep_alive"`
}

// State is the remote allocation state of a device as last observed.
// StateUnknown never implies the device is free.
type State string

const (
	StateAvailable State = "available"
	StateLocked    State = "locked"
	StateUnknown   State = "unknown"
)

// Observation is the result of asking the inventory about one device.
type Observation struct {
	MAC       string    `json:"mac"`
	State     State     `json:"state"`
	Holder    string    `json:"holder,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	// Error carries the query failure when State is StateUnknown.
	Error string `json:"error,omitempty"`
}
