package journal

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devicelease/internal/audit"
	"github.com/nerrad567/devicelease/internal/infrastructure/database"
	"github.com/nerrad567/devicelease/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicelease/internal/lease"
	_ "github.com/nerrad567/devicelease/migrations"
)

const macA = "AA:BB:CC:00:00:0A"

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu      sync.Mutex
	entries []*audit.Entry
	err     error
}

func (s *fakeStore) Create(_ context.Context, e *audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
}

func (p *fakePublisher) Publish(topic string, payload []byte, _ byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, payload, retained})
	return nil
}

type fakePoints struct {
	mu     sync.Mutex
	points []influxdb.LeaseEvent
}

func (f *fakePoints) WriteLeaseEvent(ev influxdb.LeaseEvent) {
	f.mu.Lock()
	f.points = append(f.points, ev)
	f.mu.Unlock()
}

type fakeHub struct {
	mu       sync.Mutex
	channels []string
}

func (h *fakeHub) Broadcast(channel string, _ any) {
	h.mu.Lock()
	h.channels = append(h.channels, channel)
	h.mu.Unlock()
}

type recordingLogger struct {
	mu     sync.Mutex
	warns  int
	errors int
}

func (l *recordingLogger) Warn(string, ...any) {
	l.mu.Lock()
	l.warns++
	l.mu.Unlock()
}

func (l *recordingLogger) Error(string, ...any) {
	l.mu.Lock()
	l.errors++
	l.mu.Unlock()
}

func lifecycle() []lease.Event {
	return []lease.Event{
		{Type: lease.EventAcquired, LeaseID: "l1", MAC: macA, Holder: "alice", Source: lease.SourceCaller, At: t0, ExpiresAt: t0.Add(10 * time.Minute)},
		{Type: lease.EventRenewed, LeaseID: "l1", MAC: macA, Holder: "alice", Source: lease.SourceMonitor, At: t0.Add(9 * time.Minute), ExpiresAt: t0.Add(20 * time.Minute), RenewalCount: 1},
		{Type: lease.EventReleased, LeaseID: "l1", MAC: macA, Holder: "alice", Source: lease.SourceCaller, At: t0.Add(12 * time.Minute), RenewalCount: 1, HeldFor: 720, RemoteState: lease.StateAvailable},
		{Type: lease.EventAcquireFailed, Holder: "bob", Source: lease.SourceCaller, At: t0.Add(13 * time.Minute), Code: "all_locked"},
	}
}

func closeJournal(t *testing.T, j *Journal) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestJournal_FansOut(t *testing.T) {
	store := &fakeStore{}
	pub := &fakePublisher{}
	points := &fakePoints{}
	hub := &fakeHub{}

	j := New(store, Config{QoS: 1})
	j.SetPublisher(pub)
	j.SetPointWriter(points)
	j.SetBroadcaster(hub)
	j.Start(context.Background())

	for _, ev := range lifecycle() {
		j.Record(context.Background(), ev)
	}
	closeJournal(t, j)

	if len(store.entries) != 4 {
		t.Fatalf("store entries = %d, want 4", len(store.entries))
	}
	if got := store.entries[2]; got.EventType != "released" || got.Details["held_seconds"] != float64(720) {
		t.Errorf("released entry = %+v", got)
	}
	if got := store.entries[3]; got.Details["code"] != "all_locked" || got.DeviceMAC != "" {
		t.Errorf("acquire_failed entry = %+v", got)
	}

	// Three device events, each an event publish plus a retained state;
	// the failed acquire has no device and is not published.
	if len(pub.msgs) != 6 {
		t.Fatalf("published = %d, want 6", len(pub.msgs))
	}
	if pub.msgs[0].topic != "devicelease/lease/"+macA+"/acquired" || pub.msgs[0].retained {
		t.Errorf("first publish = %+v", pub.msgs[0])
	}
	last := pub.msgs[5]
	if last.topic != "devicelease/device/"+macA+"/state" || !last.retained {
		t.Errorf("last publish = %+v", last)
	}
	var state DeviceState
	if err := json.Unmarshal(last.payload, &state); err != nil {
		t.Fatalf("state payload: %v", err)
	}
	if state.State != "available" || state.Holder != "" {
		t.Errorf("state after release = %+v", state)
	}

	if len(points.points) != 4 || points.points[1].RenewalCount != 1 {
		t.Errorf("points = %+v", points.points)
	}
	wantChannels := []string{"lease.acquired", "lease.renewed", "lease.released", "lease.acquire_failed"}
	for i, ch := range wantChannels {
		if hub.channels[i] != ch {
			t.Errorf("channel[%d] = %q, want %q", i, hub.channels[i], ch)
		}
	}
}

func TestJournal_StoreErrorsAreLogged(t *testing.T) {
	store := &fakeStore{err: errors.New("disk full")}
	logger := &recordingLogger{}

	j := New(store, Config{})
	j.SetLogger(logger)
	j.Start(context.Background())
	j.Record(context.Background(), lifecycle()[0])
	closeJournal(t, j)

	if logger.errors != 1 {
		t.Errorf("logged errors = %d, want 1", logger.errors)
	}
}

func TestJournal_DropsWhenFull(t *testing.T) {
	logger := &recordingLogger{}
	j := New(&fakeStore{}, Config{BufferSize: 1})
	j.SetLogger(logger)

	// Not started, so nothing drains the queue.
	j.Record(context.Background(), lifecycle()[0])
	j.Record(context.Background(), lifecycle()[1])
	j.Record(context.Background(), lifecycle()[2])

	if j.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", j.Dropped())
	}
	if logger.warns != 1 {
		t.Errorf("warns = %d, want 1", logger.warns)
	}
}

func TestJournal_RecordAfterClose(t *testing.T) {
	store := &fakeStore{}
	j := New(store, Config{})
	j.Start(context.Background())
	closeJournal(t, j)

	j.Record(context.Background(), lifecycle()[0])
	if j.Dropped() != 1 || len(store.entries) != 0 {
		t.Errorf("dropped = %d, stored = %d", j.Dropped(), len(store.entries))
	}
	// Close is idempotent.
	closeJournal(t, j)
}

func TestJournal_SQLiteStore(t *testing.T) {
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "journal.db"), WALMode: true, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	repo := audit.NewSQLiteRepository(db.DB)

	j := New(repo, Config{})
	j.Start(context.Background())
	for _, ev := range lifecycle() {
		j.Record(context.Background(), ev)
	}
	closeJournal(t, j)

	res, err := repo.List(context.Background(), audit.Filter{LeaseID: "l1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if res.Total != 3 || res.Entries[0].EventType != "released" {
		t.Errorf("lease l1 history = %+v", res)
	}
}

func TestDeviceStateFor(t *testing.T) {
	tests := []struct {
		name       string
		ev         lease.Event
		want       string
		wantHolder string
		wantOK     bool
	}{
		{"acquired", lease.Event{Type: lease.EventAcquired}, "locked", "alice", true},
		{"renewed", lease.Event{Type: lease.EventRenewed}, "locked", "alice", true},
		{"released", lease.Event{Type: lease.EventReleased, RemoteState: lease.StateAvailable}, "available", "", true},
		{"expired", lease.Event{Type: lease.EventExpired, RemoteState: lease.StateAvailable}, "available", "", true},
		{"lost to free device", lease.Event{Type: lease.EventLost, RemoteState: lease.StateAvailable}, "available", "", true},
		{"lost to other holder", lease.Event{Type: lease.EventLost, RemoteState: lease.StateLocked, RemoteHolder: "carol"}, "locked", "carol", true},
		{"released on conflict", lease.Event{Type: lease.EventReleased, RemoteState: lease.StateLocked, RemoteHolder: "carol"}, "locked", "carol", true},
		{"lost state unknown", lease.Event{Type: lease.EventLost, RemoteState: lease.StateUnknown}, "", "", false},
		{"expired state unknown", lease.Event{Type: lease.EventExpired, RemoteState: lease.StateUnknown}, "", "", false},
		{"acquire failed", lease.Event{Type: lease.EventAcquireFailed}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.Holder = "alice"
			got, ok := deviceStateFor(tt.ev)
			if ok != tt.wantOK || got.State != tt.want || got.Holder != tt.wantHolder {
				t.Errorf("deviceStateFor(%s) = %q/%q, %v", tt.name, got.State, got.Holder, ok)
			}
		})
	}
}
