package inventory

import (
	"context"
	"time"

	"github.com/nerrad567/devicelease/internal/device"
)

// AllocationState is the inventory's answer to "is this device free".
type AllocationState string

const (
	AllocationLocked    AllocationState = "LOCKED"
	AllocationAvailable AllocationState = "AVAILABLE"
)

// Allocation is the current allocation record for one device.
type Allocation struct {
	ID           string          `json:"allocation_id,omitempty"`
	MAC          string          `json:"mac"`
	State        AllocationState `json:"state"`
	Holder       string          `json:"holder,omitempty"`
	Start        time.Time       `json:"start,omitempty"`
	End          time.Time       `json:"end,omitempty"`
	LastModified time.Time       `json:"last_modified,omitempty"`
}

// HeldBy reports whether the allocation is locked by holder.
func (a *Allocation) HeldBy(holder string) bool {
	return a != nil && a.State == AllocationLocked && a.Holder == holder
}

// Account is a home account that devices may be attached to.
type Account struct {
	ID            string          `json:"id,omitempty"`
	AccountNumber string          `json:"account_number"`
	Name          string          `json:"name,omitempty"`
	PhoneNumber   string          `json:"phone_number,omitempty"`
	Address       string          `json:"address,omitempty"`
	Group         string          `json:"group,omitempty"`
	Devices       []device.Record `json:"devices,omitempty"`
}

// DeviceSource loads device records. It satisfies device.Fetcher.
type DeviceSource interface {
	GetDevice(ctx context.Context, mac string) (*device.Record, error)
}

// Locker negotiates device locks. The inventory enforces exclusivity; a
// Locker only reports what it decided.
type Locker interface {
	// Lock asks for mac on behalf of holder for minutes.
	Lock(ctx context.Context, mac, holder string, minutes int) error
	// Release frees mac. Releasing an unlocked device yields a NotFound outcome.
	Release(ctx context.Context, mac string) error
	// ExtendLock sets the total lock duration, counted from lock start.
	ExtendLock(ctx context.Context, mac string, minutes int) error
	// AllocationStatus reports the current allocation of mac.
	AllocationStatus(ctx context.Context, mac string) (*Allocation, error)
}

// Details serves supplementary device and account data.
type Details interface {
	DeviceProperties(ctx context.Context, mac string, names []string) (map[string]string, error)
	Account(ctx context.Context, accountNumber string) (*Account, error)
}

// Client is the full inventory surface.
type Client interface {
	DeviceSource
	Locker
	Details
}

// Observer is notified after every inventory call.
type Observer func(op string, duration time.Duration, err error)

// Operation names passed to Observer and used in errors.
const (
	OpGetDevice        = "get_device"
	OpLock             = "lock"
	OpRelease          = "release"
	OpExtendLock       = "extend_lock"
	OpAllocationStatus = "allocation_status"
	OpProperties       = "device_properties"
	OpAccount          = "account"
)
