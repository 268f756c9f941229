package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by this package.
const (
	MeasurementLeaseEvents  = "lease_events"
	MeasurementActiveLeases = "active_leases"
)

// LeaseEvent is one lease lifecycle transition as written to InfluxDB.
//
// Event, MAC, Holder and Source become tags; HeldSeconds and RenewalCount
// are fields. Empty tags are omitted since line protocol rejects them.
type LeaseEvent struct {
	Event        string
	MAC          string
	Holder       string
	Source       string
	HeldSeconds  float64
	RenewalCount int
	At           time.Time
}

// WriteLeaseEvent queues a lease event point. The write is non-blocking.
//
// Example:
//
//	client.WriteLeaseEvent(influxdb.LeaseEvent{
//	    Event: "expired", MAC: "AA:BB:CC:00:00:0A", Holder: "run-42",
//	    Source: "monitor", HeldSeconds: 600, At: time.Now(),
//	})
func (c *Client) WriteLeaseEvent(ev LeaseEvent) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(leaseEventPoint(ev))
}

// WriteActiveLeases records the active lease count, sampled by the caller.
func (c *Client) WriteActiveLeases(count int, at time.Time) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(write.NewPoint(
		MeasurementActiveLeases,
		map[string]string{},
		map[string]interface{}{"count": count},
		at,
	))
}

func leaseEventPoint(ev LeaseEvent) *write.Point {
	tags := make(map[string]string, 4)
	for k, v := range map[string]string{
		"event":  ev.Event,
		"mac":    ev.MAC,
		"holder": ev.Holder,
		"source": ev.Source,
	} {
		if v != "" {
			tags[k] = v
		}
	}

	fields := map[string]interface{}{
		"renewal_count": ev.RenewalCount,
	}
	if ev.HeldSeconds > 0 {
		fields["held_seconds"] = ev.HeldSeconds
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(MeasurementLeaseEvents, tags, fields, at)
}
