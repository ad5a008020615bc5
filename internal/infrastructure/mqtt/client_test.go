package mqtt

import (
	"errors"
	"strings"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/smartsensor/sensor-gateway/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Brokers:   []string{"broker-a:1883", "broker-b:1883"},
		TopicRoot: "smartsensor",
		ClientID:  "sensorgw-test",
		QoS:       1,
		KeepAlive: 30,
		Auth: config.MQTTAuthConfig{
			Username: "gateway",
			Password: "secret",
		},
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     60,
		},
	}
}

func TestBuildClientOptions(t *testing.T) {
	opts := buildClientOptions(testConfig())

	if got := len(opts.Servers); got != 2 {
		t.Fatalf("broker count = %d, want 2", got)
	}
	if got := opts.Servers[0].String(); got != "tcp://broker-a:1883" {
		t.Errorf("first broker = %q, want tcp://broker-a:1883", got)
	}
	if opts.ClientID != "sensorgw-test" {
		t.Errorf("client id = %q", opts.ClientID)
	}
	if opts.Username != "gateway" {
		t.Errorf("username = %q", opts.Username)
	}
	if opts.CleanSession {
		t.Error("clean session enabled; unacked messages would be lost on reconnect")
	}
	if opts.AutoAckDisabled != true {
		t.Error("auto-ack not disabled")
	}
	if !opts.AutoReconnect {
		t.Error("auto-reconnect disabled")
	}
	if opts.MaxReconnectInterval != 60*time.Second {
		t.Errorf("max reconnect interval = %v, want 60s", opts.MaxReconnectInterval)
	}
	if opts.KeepAlive != 30 {
		t.Errorf("keepalive = %v, want 30", opts.KeepAlive)
	}
}

func TestBuildClientOptions_TLSScheme(t *testing.T) {
	cfg := testConfig()
	cfg.TLS = true
	opts := buildClientOptions(cfg)

	if got := opts.Servers[0].Scheme; got != "ssl" {
		t.Errorf("scheme = %q, want ssl", got)
	}
	if opts.TLSConfig == nil {
		t.Fatal("TLS config not set")
	}
}

func TestTopics(t *testing.T) {
	topics := Topics{}

	if got := topics.DeviceData("smartsensor", "HK_000001"); got != "smartsensor/devices/HK_000001/data" {
		t.Errorf("DeviceData() = %q", got)
	}
	if got := topics.AllDeviceData("smartsensor"); got != "smartsensor/devices/+/data" {
		t.Errorf("AllDeviceData() = %q", got)
	}
	if got := topics.GatewayStatus("smartsensor"); got != "smartsensor/gateway/status" {
		t.Errorf("GatewayStatus() = %q", got)
	}
}

func TestDeviceFromDataTopic(t *testing.T) {
	tests := []struct {
		topic string
		want  string
	}{
		{"smartsensor/devices/HK_000001/data", "HK_000001"},
		{"fleet/eu/devices/EV_000042/data", "EV_000042"},
		{"smartsensor/devices/HK_000001/config", ""},
		{"smartsensor/gateway/status", ""},
		{"too/short", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := DeviceFromDataTopic(tt.topic); got != tt.want {
			t.Errorf("DeviceFromDataTopic(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := &Client{subscriptions: make(map[string]subscription)}
	handler := func(string, []byte, func()) {}

	if err := c.Subscribe("", 1, handler); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Subscribe("t", 3, handler); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v, want ErrInvalidQoS", err)
	}
	if err := c.Subscribe("t", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v, want ErrSubscribeFailed", err)
	}
	if err := c.Subscribe("t", 1, handler); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
}

func TestPublish_Validation(t *testing.T) {
	c := &Client{}

	if err := c.Publish("", []byte("x"), 1, false); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v, want ErrInvalidTopic", err)
	}
	if err := c.Publish("t", []byte("x"), 5, false); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v, want ErrInvalidQoS", err)
	}
	huge := make([]byte, maxPayloadSize+1)
	if err := c.Publish("t", huge, 1, false); !errors.Is(err, ErrPublishFailed) {
		t.Errorf("oversize payload error = %v, want ErrPublishFailed", err)
	}
	if err := c.Publish("t", []byte("x"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v, want ErrNotConnected", err)
	}
}

// fakeMessage implements pahomqtt.Message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
	acked   bool
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              { m.acked = true }

var _ pahomqtt.Message = (*fakeMessage)(nil)

type captureLogger struct {
	errors []string
}

func (l *captureLogger) Error(msg string, _ ...any) { l.errors = append(l.errors, msg) }
func (l *captureLogger) Warn(string, ...any)        {}

func TestWrapHandler_AckIsDeferred(t *testing.T) {
	c := &Client{}
	msg := &fakeMessage{topic: "smartsensor/devices/HK_000001/data", payload: []byte(`{}`)}

	var deferred func()
	wrapped := c.wrapHandler(func(topic string, payload []byte, ack func()) {
		if topic != msg.topic {
			t.Errorf("topic = %q", topic)
		}
		deferred = ack
	})

	wrapped(nil, msg)
	if msg.acked {
		t.Fatal("message acked before the consumer called ack")
	}
	deferred()
	if !msg.acked {
		t.Fatal("ack callback did not reach the message")
	}
}

func TestWrapHandler_PanicLeavesUnacked(t *testing.T) {
	logger := &captureLogger{}
	c := &Client{}
	c.SetLogger(logger)

	msg := &fakeMessage{topic: "smartsensor/devices/HK_000001/data"}
	wrapped := c.wrapHandler(func(string, []byte, func()) {
		panic("decoder bug")
	})

	wrapped(nil, msg)
	if msg.acked {
		t.Error("panicking handler acked the message")
	}
	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("panic not logged: %v", logger.errors)
	}
}

func TestStatusPayloads(t *testing.T) {
	online := buildOnlinePayload("sensorgw-test")
	if !strings.Contains(online, `"status":"online"`) || !strings.Contains(online, "sensorgw-test") {
		t.Errorf("online payload = %s", online)
	}
	offline := buildOfflinePayload("sensorgw-test")
	if !strings.Contains(offline, `"reason":"graceful_shutdown"`) {
		t.Errorf("offline payload = %s", offline)
	}
}
