package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockFetcher serves records from a map and can fail specific MACs.
type mockFetcher struct {
	mu      sync.Mutex
	records map[string]*Record
	errs    map[string]error
	calls   int
}

func newMockFetcher(records ...*Record) *mockFetcher {
	m := &mockFetcher{records: make(map[string]*Record), errs: make(map[string]error)}
	for _, r := range records {
		m.records[r.MAC] = r
	}
	return m
}

func (m *mockFetcher) GetDevice(_ context.Context, mac string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if err, ok := m.errs[mac]; ok {
		return nil, err
	}
	r, ok := m.records[mac]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return r.DeepCopy(), nil
}

func (m *mockFetcher) fail(mac string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[mac] = err
}

const (
	macA = "00:11:22:33:44:01"
	macB = "00:11:22:33:44:02"
	macC = "00:11:22:33:44:03"
)

func TestNewCatalog_NormalisesAndDeduplicates(t *testing.T) {
	c := NewCatalog(newMockFetcher(), []string{"00-11-22-33-44-01", macA, "bogus", macB})
	if len(c.macs) != 2 || c.macs[0] != macA || c.macs[1] != macB {
		t.Errorf("macs = %v", c.macs)
	}
}

func TestCatalog_Refresh(t *testing.T) {
	f := newMockFetcher(
		&Record{MAC: macA, Model: "X", Groups: []string{" G1 ", "g1"}},
		&Record{MAC: macB, Model: "Y"},
		&Record{MAC: macC, Model: "Z"},
	)
	c := NewCatalog(f, []string{macC, macA, macB})
	c.SetConcurrency(2)

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	snap := c.Snapshot()
	if got := macs(snap); fmt.Sprint(got) != fmt.Sprint([]string{macC, macA, macB}) {
		t.Errorf("snapshot order = %v", got)
	}
	rec, err := c.Get(macA)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(rec.Groups) != 1 || rec.Groups[0] != "g1" {
		t.Errorf("groups not normalised: %v", rec.Groups)
	}
	if rec.FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}
	if c.RefreshedAt().IsZero() {
		t.Error("RefreshedAt not set")
	}
}

func TestCatalog_Refresh_FailureHandling(t *testing.T) {
	f := newMockFetcher(
		&Record{MAC: macA, Model: "X"},
		&Record{MAC: macB, Model: "Y"},
	)
	c := NewCatalog(f, []string{macA, macB})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	before, _ := c.Get(macA) //nolint:errcheck // checked via pointer compare below

	// A transient failure keeps the previous record; not-found drops it.
	f.fail(macA, errors.New("connection reset"))
	f.fail(macB, fmt.Errorf("inventory: %w", ErrDeviceNotFound))

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	after, err := c.Get(macA)
	if err != nil {
		t.Fatalf("Get(A) error = %v", err)
	}
	if after != before {
		t.Error("expected previous record for A to be kept")
	}
	if _, err := c.Get(macB); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Get(B) error = %v, want ErrDeviceNotFound", err)
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestCatalog_Refresh_NothingLoaded(t *testing.T) {
	f := newMockFetcher()
	f.fail(macA, errors.New("timeout"))
	c := NewCatalog(f, []string{macA})

	if err := c.Refresh(context.Background()); err == nil {
		t.Error("Refresh() expected error when no device loads")
	}
}

func TestCatalog_Refresh_InvalidRecord(t *testing.T) {
	f := newMockFetcher(&Record{MAC: macA}) // no model
	c := NewCatalog(f, []string{macA})

	if err := c.Refresh(context.Background()); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Refresh() error = %v, want ErrInvalidDevice", err)
	}
}

func TestCatalog_SnapshotIsolation(t *testing.T) {
	c := NewCatalog(newMockFetcher(), nil)
	if err := c.Load([]*Record{{MAC: macA, Model: "X"}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	old := c.Snapshot()

	if err := c.Load([]*Record{{MAC: macA, Model: "X2"}, {MAC: macB, Model: "Y"}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if old[0].Model != "X" {
		t.Error("published record was mutated by a later load")
	}
	if len(c.Snapshot()) != 2 {
		t.Errorf("Snapshot() len = %d, want 2", len(c.Snapshot()))
	}
}

func TestCatalog_StartRefresher(t *testing.T) {
	f := newMockFetcher(&Record{MAC: macA, Model: "X"})
	c := NewCatalog(f, []string{macA})

	if _, err := c.StartRefresher(context.Background(), "not a schedule", time.Second); err == nil {
		t.Error("StartRefresher() expected error for invalid schedule")
	}

	stop, err := c.StartRefresher(context.Background(), "@every 1s", time.Second)
	if err != nil {
		t.Fatalf("StartRefresher() error = %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for c.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	stop()
	if c.Len() != 1 {
		t.Error("scheduled refresh did not populate the catalog")
	}
}

func TestNormaliseMAC(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"00:11:22:aa:bb:cc", "00:11:22:AA:BB:CC", false},
		{" 00-11-22-AA-BB-CC ", "00:11:22:AA:BB:CC", false},
		{"0011.22aa.bbcc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormaliseMAC(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormaliseMAC(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormaliseMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRecord_DeepCopy(t *testing.T) {
	r := &Record{MAC: macA, Model: "X", Groups: []string{"g1"}, Properties: map[string]string{"fw": "1.0"}}
	cp := r.DeepCopy()
	cp.Groups[0] = "changed"
	cp.Properties["fw"] = "2.0"
	if r.Groups[0] != "g1" || r.Properties["fw"] != "1.0" {
		t.Error("DeepCopy shares state with original")
	}
	var nilRec *Record
	if nilRec.DeepCopy() != nil {
		t.Error("DeepCopy of nil should be nil")
	}
}
