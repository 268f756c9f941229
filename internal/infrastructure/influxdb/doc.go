// Package influxdb writes lease telemetry to InfluxDB.
//
// Each lease transition becomes a point in the lease_events measurement,
// so hold times and expiry rates per device can be charted over weeks.
// The SQLite journal stays the audit record; InfluxDB is optional and
// the coordinator runs without it.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // telemetry off
//	}
//	defer client.Close()
//
//	client.WriteLeaseEvent(influxdb.LeaseEvent{Event: "acquired", MAC: mac, Holder: holder})
//
// # Error Handling
//
// Writes are batched (batch_size, flush_interval) and never block the
// caller. Batch failures are reported through the SetOnError callback.
package influxdb
