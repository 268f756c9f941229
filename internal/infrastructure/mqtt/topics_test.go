package mqtt

import "testing"

func TestTopicBuilders(t *testing.T) {
	const mac = "AA:BB:CC:00:00:0A"
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"LeaseEvent", Topics{}.LeaseEvent(mac, "acquired"), "devicelease/lease/AA:BB:CC:00:00:0A/acquired"},
		{"DeviceState", Topics{}.DeviceState(mac), "devicelease/device/AA:BB:CC:00:00:0A/state"},
		{"InventoryReleased", Topics{}.InventoryReleased(mac), "devicelease/inventory/AA:BB:CC:00:00:0A/released"},
		{"SystemStatus", Topics{}.SystemStatus(), "devicelease/system/status"},
		{"AllLeaseEvents", Topics{}.AllLeaseEvents(), "devicelease/lease/+/+"},
		{"AllInventoryReleased", Topics{}.AllInventoryReleased(), "devicelease/inventory/+/released"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s() = %q, want %q", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestDeviceFromTopic(t *testing.T) {
	tests := []struct {
		topic  string
		want   string
		wantOK bool
	}{
		{"devicelease/inventory/AA:BB:CC:00:00:0A/released", "AA:BB:CC:00:00:0A", true},
		{"devicelease/lease/AA:BB:CC:00:00:0B/expired", "AA:BB:CC:00:00:0B", true},
		{"devicelease/device/AA:BB:CC:00:00:0C/state", "AA:BB:CC:00:00:0C", true},
		{"devicelease/system/status", "", false},
		{"devicelease/inventory/+/released", "", false},
		{"other/inventory/AA/released", "", false},
		{"devicelease/inventory", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			got, ok := DeviceFromTopic(tt.topic)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("DeviceFromTopic() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
