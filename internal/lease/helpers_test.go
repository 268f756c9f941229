package lease

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devicelease/internal/device"
	"github.com/nerrad567/devicelease/internal/inventory"
)

const (
	macA = "AA:BB:CC:00:00:0A"
	macB = "AA:BB:CC:00:00:0B"
)

// fault is an injected inventory failure. With apply set the operation takes
// effect before the error is returned, like a response lost in transit.
type fault struct {
	err   error
	apply bool
}

// fakeInventory is an in-memory inventory enforcing one holder per device.
type fakeInventory struct {
	mu        sync.Mutex
	holders   map[string]string
	minutes   map[string]int
	faults    map[string][]fault
	calls     map[string]int
	windows   map[string][2]time.Time
	afterLock func(mac string)
}

func newFakeInventory() *fakeInventory {
	return &fakeInventory{
		holders: make(map[string]string),
		minutes: make(map[string]int),
		faults:  make(map[string][]fault),
		calls:   make(map[string]int),
		windows: make(map[string][2]time.Time),
	}
}

func (f *fakeInventory) inject(op, mac string, faults ...fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op+"/"+mac] = append(f.faults[op+"/"+mac], faults...)
}

// pop must be called with f.mu held.
func (f *fakeInventory) pop(op, mac string) (fault, bool) {
	key := op + "/" + mac
	q := f.faults[key]
	if len(q) == 0 {
		return fault{}, false
	}
	f.faults[key] = q[1:]
	return q[0], true
}

func (f *fakeInventory) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeInventory) holder(mac string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.holders[mac]
}

func (f *fakeInventory) setHolder(mac, holder string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if holder == "" {
		delete(f.holders, mac)
		return
	}
	f.holders[mac] = holder
}

// setLockWindow makes AllocationStatus report start and end for mac.
func (f *fakeInventory) setLockWindow(mac string, start, end time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows[mac] = [2]time.Time{start, end}
}

func (f *fakeInventory) Lock(_ context.Context, mac, holder string, minutes int) error {
	f.mu.Lock()
	f.calls[inventory.OpLock]++
	ft, faulted := f.pop(inventory.OpLock, mac)
	if faulted && !ft.apply {
		f.mu.Unlock()
		return ft.err
	}

	var err error
	if cur, held := f.holders[mac]; held {
		reason := inventory.ReasonLocked
		if cur == holder {
			reason = inventory.ReasonAlreadyLocked
		}
		err = &inventory.StatusError{Op: inventory.OpLock, MAC: mac, HTTPStatus: http.StatusOK, Reason: reason}
	} else {
		f.holders[mac] = holder
		f.minutes[mac] = minutes
	}
	hook := f.afterLock
	f.mu.Unlock()

	if hook != nil {
		hook(mac)
	}
	if faulted {
		return ft.err
	}
	return err
}

func (f *fakeInventory) Release(_ context.Context, mac string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[inventory.OpRelease]++
	ft, faulted := f.pop(inventory.OpRelease, mac)
	if faulted && !ft.apply {
		return ft.err
	}
	if _, held := f.holders[mac]; !held {
		return &inventory.StatusError{Op: inventory.OpRelease, MAC: mac, HTTPStatus: http.StatusOK,
			Reason: inventory.ReasonNotLocked}
	}
	delete(f.holders, mac)
	if faulted {
		return ft.err
	}
	return nil
}

func (f *fakeInventory) ExtendLock(_ context.Context, mac string, minutes int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[inventory.OpExtendLock]++
	if ft, faulted := f.pop(inventory.OpExtendLock, mac); faulted {
		return ft.err
	}
	if _, held := f.holders[mac]; !held {
		return &inventory.StatusError{Op: inventory.OpExtendLock, MAC: mac, HTTPStatus: http.StatusNotFound}
	}
	f.minutes[mac] = minutes
	return nil
}

func (f *fakeInventory) AllocationStatus(_ context.Context, mac string) (*inventory.Allocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[inventory.OpAllocationStatus]++
	if ft, faulted := f.pop(inventory.OpAllocationStatus, mac); faulted {
		return nil, ft.err
	}
	if h, held := f.holders[mac]; held {
		w := f.windows[mac]
		return &inventory.Allocation{MAC: mac, State: inventory.AllocationLocked, Holder: h,
			Start: w[0], End: w[1]}, nil
	}
	return &inventory.Allocation{MAC: mac, State: inventory.AllocationAvailable}, nil
}

type staticCatalog []*device.Record

func (s staticCatalog) Snapshot() []*device.Record { return s }

// twoDevices is A{model X, group G1} and B{model Y, group G2}.
func twoDevices() staticCatalog {
	return staticCatalog{
		{MAC: macA, Model: "X", Groups: []string{"G1"}, Accessible: true},
		{MAC: macB, Model: "Y", Groups: []string{"G2"}, Accessible: true},
	}
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Record(_ context.Context, ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func (r *eventRecorder) last(t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// forLease returns the last event of type t for lease id.
func (r *eventRecorder) forLease(id string, t EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].LeaseID == id && r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return Event{}, false
}

type fixture struct {
	inv    *fakeInventory
	clock  *fakeClock
	events *eventRecorder
	coord  *Coordinator
}

func newFixture(t *testing.T, catalog Catalog) *fixture {
	t.Helper()
	f := &fixture{
		inv:    newFakeInventory(),
		clock:  newFakeClock(),
		events: &eventRecorder{},
	}
	f.coord = NewCoordinator(f.inv, catalog, Options{
		RetryAttempts:  3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		Jitter:         0,
		Now:            f.clock.Now,
	})
	f.coord.AddSink(f.events)
	return f
}

func (f *fixture) acquire(t *testing.T, holder string, criteria device.Criteria, minutes int) Lease {
	t.Helper()
	l, err := f.coord.Acquire(context.Background(), Request{Holder: holder, Criteria: criteria, DurationMinutes: minutes})
	if err != nil {
		t.Fatalf("Acquire(%s) error = %v", holder, err)
	}
	return l
}
