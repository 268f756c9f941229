// Package journal fans lease events out to the audit store and the optional
// outbound channels (MQTT, InfluxDB, WebSocket).
//
// The coordinator calls Record from the goroutine performing a transition,
// so Record only enqueues. A single worker drains the queue in order; when
// the queue is full the event is dropped and counted rather than stalling a
// renewal.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/devicelease/internal/audit"
	"github.com/nerrad567/devicelease/internal/infrastructure/influxdb"
	"github.com/nerrad567/devicelease/internal/infrastructure/mqtt"
	"github.com/nerrad567/devicelease/internal/lease"
)

const (
	defaultBufferSize   = 1024
	defaultWriteTimeout = 5 * time.Second
)

// Store persists journal entries. *audit.SQLiteRepository satisfies it.
type Store interface {
	Create(ctx context.Context, entry *audit.Entry) error
}

// Publisher sends MQTT messages. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// PointWriter queues InfluxDB points. *influxdb.Client satisfies it.
type PointWriter interface {
	WriteLeaseEvent(ev influxdb.LeaseEvent)
}

// Broadcaster pushes events to WebSocket subscribers. *api.Hub satisfies it.
type Broadcaster interface {
	Broadcast(channel string, payload any)
}

// Logger is the logging interface used by the journal.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds journal settings.
type Config struct {
	// BufferSize bounds the number of queued events. Default 1024.
	BufferSize int

	// QoS is used for MQTT publishes.
	QoS byte

	// WriteTimeout bounds each store write. Default 5s.
	WriteTimeout time.Duration
}

// DeviceState is the retained payload on devicelease/device/{mac}/state.
type DeviceState struct {
	State     string    `json:"state"`
	Holder    string    `json:"holder,omitempty"`
	LeaseID   string    `json:"lease_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Journal is an asynchronous lease.EventSink.
type Journal struct {
	cfg       Config
	store     Store
	publisher Publisher
	points    PointWriter
	hub       Broadcaster
	logger    Logger

	events  chan lease.Event
	mu      sync.RWMutex // guards closed against concurrent Record
	closed  bool
	started atomic.Bool
	done    chan struct{}
	dropped atomic.Uint64
}

// New creates a journal writing to store. A nil store skips persistence.
func New(store Store, cfg Config) *Journal {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Journal{
		cfg:    cfg,
		store:  store,
		logger: noopLogger{},
		events: make(chan lease.Event, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

// SetPublisher enables MQTT publishing. Call before Start.
func (j *Journal) SetPublisher(p Publisher) { j.publisher = p }

// SetPointWriter enables InfluxDB telemetry. Call before Start.
func (j *Journal) SetPointWriter(w PointWriter) { j.points = w }

// SetBroadcaster enables WebSocket fan-out. Call before Start.
func (j *Journal) SetBroadcaster(b Broadcaster) { j.hub = b }

// SetLogger sets the logger. Call before Start.
func (j *Journal) SetLogger(logger Logger) {
	if logger != nil {
		j.logger = logger
	}
}

// Start launches the worker. The worker exits when Close is called; ctx
// only scopes the store writes.
func (j *Journal) Start(ctx context.Context) {
	if !j.started.CompareAndSwap(false, true) {
		return
	}
	go j.run(context.WithoutCancel(ctx))
}

// Record enqueues ev. It never blocks.
func (j *Journal) Record(_ context.Context, ev lease.Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.events <- ev:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn("journal queue full, dropping lease events", "buffer", j.cfg.BufferSize)
		}
	}
}

// Dropped returns how many events were discarded.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// Close stops accepting events and waits for the queue to drain, or for
// ctx to end.
func (j *Journal) Close(ctx context.Context) error {
	j.mu.Lock()
	if !j.closed {
		j.closed = true
		close(j.events)
	}
	j.mu.Unlock()

	if !j.started.Load() {
		return nil
	}
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("draining journal: %w", ctx.Err())
	}
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for ev := range j.events {
		j.handle(ctx, ev)
	}
}

func (j *Journal) handle(ctx context.Context, ev lease.Event) {
	if j.store != nil {
		writeCtx, cancel := context.WithTimeout(ctx, j.cfg.WriteTimeout)
		if err := j.store.Create(writeCtx, entryFor(ev)); err != nil {
			j.logger.Error("writing lease event", "event", ev.Type, "mac", ev.MAC, "error", err)
		}
		cancel()
	}

	if j.publisher != nil && ev.MAC != "" {
		j.publish(ev)
	}

	if j.points != nil {
		j.points.WriteLeaseEvent(influxdb.LeaseEvent{
			Event:        string(ev.Type),
			MAC:          ev.MAC,
			Holder:       ev.Holder,
			Source:       ev.Source,
			HeldSeconds:  ev.HeldFor,
			RenewalCount: ev.RenewalCount,
			At:           ev.At,
		})
	}

	if j.hub != nil {
		j.hub.Broadcast(Channel(ev.Type), ev)
	}
}

func (j *Journal) publish(ev lease.Event) {
	topics := mqtt.Topics{}

	payload, err := json.Marshal(ev)
	if err != nil {
		j.logger.Error("marshalling lease event", "error", err)
		return
	}
	if err := j.publisher.Publish(topics.LeaseEvent(ev.MAC, string(ev.Type)), payload, j.cfg.QoS, false); err != nil {
		j.logger.Warn("publishing lease event", "mac", ev.MAC, "event", ev.Type, "error", err)
	}

	state, ok := deviceStateFor(ev)
	if !ok {
		return
	}
	payload, err = json.Marshal(state)
	if err != nil {
		return
	}
	if err := j.publisher.Publish(topics.DeviceState(ev.MAC), payload, j.cfg.QoS, true); err != nil {
		j.logger.Warn("publishing device state", "mac", ev.MAC, "error", err)
	}
}

// Channel names the WebSocket channel for an event type, e.g.
// "lease.expired".
func Channel(t lease.EventType) string {
	return "lease." + string(t)
}

// deviceStateFor derives the retained device state from ev. Once a lease
// ends the state follows what the inventory reported, and nothing is
// retained when that is unknown.
func deviceStateFor(ev lease.Event) (DeviceState, bool) {
	switch ev.Type {
	case lease.EventAcquired, lease.EventRenewed:
		return DeviceState{
			State:     string(lease.StateLocked),
			Holder:    ev.Holder,
			LeaseID:   ev.LeaseID,
			ExpiresAt: ev.ExpiresAt,
			UpdatedAt: ev.At,
		}, true
	case lease.EventReleased, lease.EventExpired, lease.EventLost:
	default:
		return DeviceState{}, false
	}

	switch ev.RemoteState {
	case lease.StateAvailable:
		return DeviceState{State: string(lease.StateAvailable), UpdatedAt: ev.At}, true
	case lease.StateLocked:
		if ev.RemoteHolder == "" || ev.RemoteHolder == ev.Holder {
			return DeviceState{}, false
		}
		return DeviceState{State: string(lease.StateLocked), Holder: ev.RemoteHolder, UpdatedAt: ev.At}, true
	default:
		return DeviceState{}, false
	}
}

func entryFor(ev lease.Event) *audit.Entry {
	details := map[string]any{}
	if !ev.ExpiresAt.IsZero() {
		details["expires_at"] = ev.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if ev.RenewalCount > 0 {
		details["renewal_count"] = ev.RenewalCount
	}
	if ev.HeldFor > 0 {
		details["held_seconds"] = ev.HeldFor
	}
	if ev.Code != "" {
		details["code"] = ev.Code
	}
	if ev.Reason != "" {
		details["reason"] = ev.Reason
	}
	if ev.RemoteState != "" {
		details["remote_state"] = string(ev.RemoteState)
	}
	if ev.RemoteHolder != "" {
		details["remote_holder"] = ev.RemoteHolder
	}
	return &audit.Entry{
		EventType: string(ev.Type),
		LeaseID:   ev.LeaseID,
		DeviceMAC: ev.MAC,
		Holder:    ev.Holder,
		Source:    ev.Source,
		Details:   details,
		CreatedAt: ev.At,
	}
}
