package mqtt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/devicelease/internal/infrastructure/config"
)

// testConfig returns a configuration for a local Mosquitto broker at
// 127.0.0.1:1883.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "devicelease-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// skipIfNoBroker skips broker-backed tests when nothing listens on the
// test port. Connect itself would block for the full connect timeout.
func skipIfNoBroker(t *testing.T) {
	t.Helper()
	cfg := testConfig()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port), 200*time.Millisecond)
	if err != nil {
		t.Skip("MQTT broker not available, skipping integration test")
	}
	conn.Close()
}

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// mockLogger implements Logger for testing.
type mockLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *mockLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

// =============================================================================
// Offline Tests
// =============================================================================

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		wantErr error
	}{
		{"empty topic", "", 1, nil, ErrInvalidTopic},
		{"bad qos", "devicelease/x", 3, nil, ErrInvalidQoS},
		{"oversized", "devicelease/x", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"disconnected", "devicelease/x", 1, []byte("{}"), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("devicelease/x", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := client.Subscribe("devicelease/x", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := client.Subscribe("devicelease/x", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if client.SubscriptionCount() != 0 || client.HasSubscription("devicelease/x") {
		t.Error("failed subscription was tracked")
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

// =============================================================================
// Broker-backed Tests
// =============================================================================

func TestConnectAndClose(t *testing.T) {
	skipIfNoBroker(t)
	cfg := testConfig()

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestInventoryReleasedRoundtrip(t *testing.T) {
	skipIfNoBroker(t)
	pub := connectTest(t, "devicelease-test-pub")
	sub := connectTest(t, "devicelease-test-sub")

	got := make(chan string, 1)
	err := sub.Subscribe(Topics{}.AllInventoryReleased(), 1, func(topic string, _ []byte) error {
		mac, ok := DeviceFromTopic(topic)
		if ok {
			got <- mac
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !sub.HasSubscription(Topics{}.AllInventoryReleased()) {
		t.Error("subscription not tracked")
	}

	time.Sleep(100 * time.Millisecond)
	if err := pub.Publish(Topics{}.InventoryReleased("AA:BB:CC:00:00:0A"), []byte(`{}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case mac := <-got:
		if mac != "AA:BB:CC:00:00:0A" {
			t.Errorf("mac = %q", mac)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for release notice")
	}

	if err := sub.Unsubscribe(Topics{}.AllInventoryReleased()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if sub.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Unsubscribe", sub.SubscriptionCount())
	}
}

func TestPublishRetained(t *testing.T) {
	skipIfNoBroker(t)
	client := connectTest(t, "devicelease-test-retained")

	topic := Topics{}.DeviceState("AA:BB:CC:00:00:0B")
	if err := client.PublishRetained(topic, []byte(`{"state":"locked"}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	// Clear the retained message.
	if err := client.Publish(topic, nil, 1, true); err != nil {
		t.Errorf("Publish(empty retained) error = %v", err)
	}
}

func TestOnConnectCallback(t *testing.T) {
	skipIfNoBroker(t)
	cfg := testConfig()
	cfg.Broker.ClientID = "devicelease-test-callback"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	// Registering after connect must not race with the connect handler.
	called := make(chan struct{}, 1)
	client.SetOnConnect(func() {
		select {
		case called <- struct{}{}:
		default:
		}
	})
	client.SetOnDisconnect(func(error) {})
	client.SetLogger(&mockLogger{})
	if client.getLogger() == nil {
		t.Error("getLogger() = nil after SetLogger()")
	}
}
