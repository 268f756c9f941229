// Package mqtt connects the lease coordinator to an MQTT broker.
//
// Outbound, every lease transition is published to
// devicelease/lease/{mac}/{event}, and the current holder of each device
// is kept as a retained message on devicelease/device/{mac}/state.
// Inbound, the coordinator listens on devicelease/inventory/+/released so
// that a device freed directly in the inventory service is reconciled at
// once instead of waiting for the next reconcile tick.
//
// The broker is optional. With MQTT disabled, Connect returns ErrDisabled
// and the coordinator runs on periodic reconciliation alone.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Publish(mqtt.Topics{}.LeaseEvent(mac, "acquired"), payload, 1, false)
//
// # Security Considerations
//
//   - TLS should be enabled outside local development (cfg.Broker.TLS=true)
//   - Payloads carry holder identities; restrict subscribers with broker ACLs
package mqtt
