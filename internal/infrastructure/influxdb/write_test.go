package influxdb

import (
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

func TestLeaseEventPoint(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	p := leaseEventPoint(LeaseEvent{
		Event:        "expired",
		MAC:          "AA:BB:CC:00:00:0A",
		Holder:       "run-42",
		Source:       "monitor",
		HeldSeconds:  600,
		RenewalCount: 2,
		At:           at,
	})

	if p.Name() != MeasurementLeaseEvents {
		t.Errorf("Name() = %q", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	want := map[string]string{"event": "expired", "mac": "AA:BB:CC:00:00:0A", "holder": "run-42", "source": "monitor"}
	for k, v := range want {
		if tags[k] != v {
			t.Errorf("tag %s = %q, want %q", k, tags[k], v)
		}
	}
	if !p.Time().Equal(at) {
		t.Errorf("Time() = %v", p.Time())
	}

	line := write.PointToLineProtocol(p, time.Second)
	for _, part := range []string{"held_seconds=600", "renewal_count=2i"} {
		if !strings.Contains(line, part) {
			t.Errorf("line %q missing %q", line, part)
		}
	}
}

func TestLeaseEventPoint_OmitsEmpty(t *testing.T) {
	p := leaseEventPoint(LeaseEvent{Event: "acquire_failed", Source: "caller"})

	for _, tag := range p.TagList() {
		if tag.Key == "mac" || tag.Key == "holder" {
			t.Errorf("empty tag %q written", tag.Key)
		}
	}
	for _, f := range p.FieldList() {
		if f.Key == "held_seconds" {
			t.Error("held_seconds written for an event with no hold time")
		}
	}
	if p.Time().IsZero() {
		t.Error("zero At should default to now")
	}
}
