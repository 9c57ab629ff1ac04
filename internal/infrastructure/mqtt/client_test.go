package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/nerrad567/gray-logic-persistence/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-persistence/internal/persistence"
)

var _ persistence.Publisher = (*Client)(nil)

// testConfig returns a configuration pointing at a local broker.
// Only the integration tests actually connect.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "graylogic-persistence-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestTopics(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"status", Topics{}.Status(), "graylogic/persistence/status"},
		{"changes", Topics{}.Changes(), "graylogic/persistence/changes"},
		{"all", Topics{}.All(), "graylogic/persistence/#"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
	if changes := (Topics{}).Changes(); changes != persistence.DefaultChangeTopic {
		t.Errorf("Changes() = %q, notifier default is %q", changes, persistence.DefaultChangeTopic)
	}
}

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.MQTTConfig)
		wantBroker string
		wantUser   string
		wantTLS    bool
	}{
		{"plain", func(*config.MQTTConfig) {}, "tcp://127.0.0.1:1883", "", false},
		{"tls", func(c *config.MQTTConfig) { c.Broker.TLS = true; c.Broker.Port = 8883 }, "ssl://127.0.0.1:8883", "", true},
		{"auth", func(c *config.MQTTConfig) { c.Auth = config.MQTTAuthConfig{Username: "store", Password: "pw"} }, "tcp://127.0.0.1:1883", "store", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			opts := buildClientOptions(cfg)

			if len(opts.Servers) != 1 || opts.Servers[0].String() != tt.wantBroker {
				t.Errorf("servers = %v, want [%s]", opts.Servers, tt.wantBroker)
			}
			if opts.ClientID != cfg.Broker.ClientID {
				t.Errorf("client id = %q", opts.ClientID)
			}
			if opts.Username != tt.wantUser {
				t.Errorf("username = %q, want %q", opts.Username, tt.wantUser)
			}
			if (opts.TLSConfig != nil) != tt.wantTLS {
				t.Errorf("tls configured = %v, want %v", opts.TLSConfig != nil, tt.wantTLS)
			}
			if tt.wantTLS && opts.TLSConfig.MinVersion != tlsMinVersion {
				t.Errorf("tls min version = %x", opts.TLSConfig.MinVersion)
			}
			if !opts.CleanSession || !opts.AutoReconnect {
				t.Errorf("clean=%v autoreconnect=%v, want both", opts.CleanSession, opts.AutoReconnect)
			}
		})
	}
}

func TestConfigureLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "store-1")

	if !opts.WillEnabled || opts.WillTopic != (Topics{}).Status() || opts.WillQos != 1 || !opts.WillRetained {
		t.Fatalf("will = enabled:%v topic:%q qos:%d retained:%v",
			opts.WillEnabled, opts.WillTopic, opts.WillQos, opts.WillRetained)
	}
	var msg statusMessage
	if err := json.Unmarshal(opts.WillPayload, &msg); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	want := statusMessage{Status: statusOffline, ClientID: "store-1", Reason: reasonUnexpected}
	if diff := cmp.Diff(want, msg, cmpIgnoreTimestamp); diff != "" {
		t.Errorf("will mismatch (-want +got):\n%s", diff)
	}
	if msg.Timestamp.IsZero() {
		t.Error("will has no timestamp")
	}
}

var cmpIgnoreTimestamp = cmp.FilterPath(func(p cmp.Path) bool {
	return p.Last().String() == ".Timestamp"
}, cmp.Ignore())

func TestStatusPayloadEscapesClientID(t *testing.T) {
	payload := statusPayload(`odd"id`, statusOnline, "")
	var msg statusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("payload %s: %v", payload, err)
	}
	if msg.ClientID != `odd"id` || msg.Status != statusOnline {
		t.Errorf("decoded %+v", msg)
	}
	if strings.Contains(string(payload), `"reason"`) {
		t.Errorf("online payload carries a reason: %s", payload)
	}
}

func TestPublishValidation(t *testing.T) {
	c := newClient(testConfig())
	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"qos 3", Topics{}.Changes(), []byte("x"), 3, ErrInvalidQoS},
		{"oversized", Topics{}.Changes(), make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", Topics{}.Changes(), []byte("x"), 1, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	c := newClient(testConfig())
	noop := func(string, []byte) error { return nil }
	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 1, noop, ErrInvalidTopic},
		{"qos 3", Topics{}.All(), 3, noop, ErrInvalidQoS},
		{"nil handler", Topics{}.All(), 1, nil, ErrSubscribeFailed},
		{"not connected", Topics{}.All(), 1, noop, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.Subscribe(tt.topic, tt.qos, tt.handler); !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if c.SubscriptionCount() != 0 || c.HasSubscription(Topics{}.All()) {
		t.Error("rejected subscription was tracked")
	}

	if err := c.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v", err)
	}
	if err := c.Unsubscribe(Topics{}.All()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unsubscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	c := newClient(testConfig())

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestCloseUnconnected(t *testing.T) {
	var nilClient *Client
	if err := nilClient.Close(); err != nil {
		t.Errorf("nil Close() error = %v", err)
	}
	if err := newClient(testConfig()).Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
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

type recordingLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, level+": "+msg)
}

func (l *recordingLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func TestWrapHandler(t *testing.T) {
	tests := []struct {
		name    string
		handler MessageHandler
		want    []string
	}{
		{"ok", func(string, []byte) error { return nil }, nil},
		{"error", func(string, []byte) error { return fmt.Errorf("bad payload") },
			[]string{"warn: MQTT handler returned error"}},
		{"panic", func(string, []byte) error { panic("boom") },
			[]string{"error: MQTT handler panic recovered"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(testConfig())
			logger := &recordingLogger{}
			c.SetLogger(logger)

			c.wrapHandler(tt.handler)(c.client, fakeMessage{topic: Topics{}.Changes(), payload: []byte("{}")})

			if diff := cmp.Diff(tt.want, logger.entries); diff != "" {
				t.Errorf("log mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestWrapHandlerWithoutLogger(t *testing.T) {
	c := newClient(testConfig())
	// Must not panic.
	c.wrapHandler(func(string, []byte) error { panic("boom") })(c.client, fakeMessage{topic: "t"})
}
