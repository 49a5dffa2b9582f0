package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lwmqn/shepherd-sub001/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration. Nothing in this file
// needs a broker; see integration_test.go for tests that do.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "lwmqn-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
			MaxAttempts:  1,
		},
	}
}

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

// fakeMessage implements pahomqtt.Message.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

// =============================================================================
// Options
// =============================================================================

func TestBuildClientOptions(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = "shepherd"
	cfg.Auth.Password = "secret"

	opts := buildClientOptions(cfg)

	if len(opts.Servers) != 1 || opts.Servers[0].String() != "tcp://127.0.0.1:1883" {
		t.Errorf("Servers = %v, want tcp://127.0.0.1:1883", opts.Servers)
	}
	if opts.ClientID != "lwmqn-test" {
		t.Errorf("ClientID = %q, want lwmqn-test", opts.ClientID)
	}
	if opts.Username != "shepherd" || opts.Password != "secret" {
		t.Errorf("credentials = %q/%q, want shepherd/secret", opts.Username, opts.Password)
	}
	if !opts.CleanSession {
		t.Error("CleanSession = false, want true")
	}
	if !opts.AutoReconnect {
		t.Error("AutoReconnect = false, want true")
	}
	if opts.ConnectRetry {
		t.Error("ConnectRetry = true, want false (startup retry is ConnectWithRetry's job)")
	}
	if !opts.Order {
		t.Error("Order = false, want ordered delivery")
	}
	if opts.TLSConfig != nil && opts.TLSConfig.MinVersion != 0 {
		t.Error("TLS configured without cfg.Broker.TLS")
	}
}

func TestBuildClientOptions_TLS(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.TLS = true
	cfg.Broker.Port = 8883

	opts := buildClientOptions(cfg)
	if got := opts.Servers[0].String(); got != "ssl://127.0.0.1:8883" {
		t.Errorf("broker URL = %q, want ssl://127.0.0.1:8883", got)
	}
	if opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion {
		t.Error("TLS MinVersion not set to TLS 1.2")
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, Topics{Prefix: "site1"}, "lwmqn-test")

	if !opts.WillEnabled {
		t.Fatal("WillEnabled = false, want true")
	}
	if opts.WillTopic != "site1/shepherd/status" {
		t.Errorf("WillTopic = %q, want site1/shepherd/status", opts.WillTopic)
	}
	if !opts.WillRetained || opts.WillQos != 1 {
		t.Errorf("Will retained/qos = %v/%d, want true/1", opts.WillRetained, opts.WillQos)
	}

	var payload statusPayload
	if err := json.Unmarshal(opts.WillPayload, &payload); err != nil {
		t.Fatalf("will payload is not JSON: %v", err)
	}
	if payload.Status != "offline" || payload.Reason != "unexpected_disconnect" {
		t.Errorf("will payload = %+v, want offline/unexpected_disconnect", payload)
	}
}

// =============================================================================
// Disconnected Client
// =============================================================================

func TestClient_NotConnected(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	noop := func(string, []byte) error { return nil }

	if c.IsConnected() {
		t.Error("IsConnected() = true before Connect")
	}
	if err := c.Publish("request/dev1", []byte("{}"), 1, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
	if err := c.Subscribe("register", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestClient_Validation(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"publish empty topic", func() error { return c.Publish("", nil, 1, false) }, ErrInvalidTopic},
		{"publish bad qos", func() error { return c.Publish("x", nil, 3, false) }, ErrInvalidQoS},
		{"publish oversized", func() error {
			return c.Publish("x", make([]byte, maxPayloadSize+1), 1, false)
		}, ErrPublishFailed},
		{"subscribe empty topic", func() error { return c.Subscribe("", 1, noop) }, ErrInvalidTopic},
		{"subscribe bad qos", func() error { return c.Subscribe("x", 3, noop) }, ErrInvalidQoS},
		{"subscribe nil handler", func() error { return c.Subscribe("x", 1, nil) }, ErrSubscribeFailed},
		{"unsubscribe empty topic", func() error { return c.Unsubscribe("") }, ErrInvalidTopic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestHealthCheckCancelled(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() error = %v, want context.Canceled", err)
	}
}

func TestCloseNil(t *testing.T) {
	var c *Client
	if err := c.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
}

func TestConnect_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	_, err := Connect(cfg, Topics{})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnectWithRetry_ContextCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998
	cfg.Reconnect.MaxAttempts = 0

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ConnectWithRetry(ctx, cfg, Topics{})
	if err == nil {
		t.Fatal("ConnectWithRetry() error = nil, want failure")
	}
}

// =============================================================================
// Handler Wrapping
// =============================================================================

func TestWrapHandler_RecoversPanics(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	logger := &mockLogger{}
	c.SetLogger(logger)

	wrapped := c.wrapHandler(func(string, []byte) error { panic("boom") })
	wrapped(nil, fakeMessage{topic: "register"})

	if len(logger.errors) != 1 || !strings.Contains(logger.errors[0], "panic") {
		t.Errorf("logged errors = %v, want one panic entry", logger.errors)
	}
}

func TestWrapHandler_LogsErrors(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	logger := &mockLogger{}
	c.SetLogger(logger)

	var gotTopic string
	var gotPayload []byte
	wrapped := c.wrapHandler(func(topic string, payload []byte) error {
		gotTopic, gotPayload = topic, payload
		return errors.New("bad payload")
	})
	wrapped(nil, fakeMessage{topic: "notify/dev1", payload: []byte("x")})

	if gotTopic != "notify/dev1" || string(gotPayload) != "x" {
		t.Errorf("handler got %q %q, want notify/dev1 x", gotTopic, gotPayload)
	}
	if len(logger.warns) != 1 {
		t.Errorf("logged warnings = %v, want one", logger.warns)
	}
}

func TestWrapHandler_NoLogger(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	wrapped := c.wrapHandler(func(string, []byte) error { panic("boom") })
	wrapped(nil, fakeMessage{topic: "register"}) // must not panic
}

func TestBuildStatusPayload(t *testing.T) {
	var p statusPayload
	if err := json.Unmarshal(buildStatusPayload("online", "shepherd-01", ""), &p); err != nil {
		t.Fatalf("buildStatusPayload() is not JSON: %v", err)
	}
	if p.Status != "online" || p.ClientID != "shepherd-01" || p.Timestamp == "" {
		t.Errorf("payload = %+v, want online shepherd-01 with timestamp", p)
	}
}
