package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes. Every topic lives under devicelease/.
//
//	devicelease/lease/{mac}/{event}         lease lifecycle events
//	devicelease/device/{mac}/state          retained lock state per device
//	devicelease/inventory/{mac}/released    inventory-side release notices
//	devicelease/system/status               retained online/offline status
const (
	TopicPrefix = "devicelease"

	TopicPrefixLease     = TopicPrefix + "/lease"
	TopicPrefixDevice    = TopicPrefix + "/device"
	TopicPrefixInventory = TopicPrefix + "/inventory"
	TopicPrefixSystem    = TopicPrefix + "/system"
)

// Topics provides builders for devicelease MQTT topics.
//
//	topic := mqtt.Topics{}.LeaseEvent("AA:BB:CC:00:00:0A", "acquired")
//	// Returns: "devicelease/lease/AA:BB:CC:00:00:0A/acquired"
type Topics struct{}

// LeaseEvent returns the topic for a lease lifecycle event on a device.
//
// Example: devicelease/lease/AA:BB:CC:00:00:0A/expired
func (Topics) LeaseEvent(mac, event string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixLease, mac, event)
}

// DeviceState returns the retained lock state topic for a device.
//
// Example: devicelease/device/AA:BB:CC:00:00:0A/state
func (Topics) DeviceState(mac string) string {
	return fmt.Sprintf("%s/%s/state", TopicPrefixDevice, mac)
}

// InventoryReleased returns the topic the inventory side publishes to
// when it frees a device outside the coordinator.
//
// Example: devicelease/inventory/AA:BB:CC:00:00:0A/released
func (Topics) InventoryReleased(mac string) string {
	return fmt.Sprintf("%s/%s/released", TopicPrefixInventory, mac)
}

// SystemStatus returns the system status topic.
//
// Example: devicelease/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllLeaseEvents returns a pattern matching every lease event.
//
// Pattern: devicelease/lease/+/+
func (Topics) AllLeaseEvents() string {
	return TopicPrefixLease + "/+/+"
}

// AllInventoryReleased returns a pattern matching release notices for any
// device.
//
// Pattern: devicelease/inventory/+/released
func (Topics) AllInventoryReleased() string {
	return TopicPrefixInventory + "/+/released"
}

// DeviceFromTopic extracts the device MAC from a lease, device or
// inventory topic. It returns false for topics outside those trees.
func DeviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != TopicPrefix {
		return "", false
	}
	switch parts[1] {
	case "lease", "device", "inventory":
	default:
		return "", false
	}
	if parts[2] == "" || parts[2] == "+" || parts[2] == "#" {
		return "", false
	}
	return parts[2], true
}
