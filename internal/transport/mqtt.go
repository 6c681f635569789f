// Package transport connects the engine to the MQTT broker.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultQoS is used for every publish and subscription.
const DefaultQoS byte = 1

// Handler receives every inbound message.
type Handler func(topic string, payload []byte) error

// Options configures Dial.
type Options struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	Logger         *slog.Logger
}

// MQTT publishes and subscribes through a paho client. Subscriptions are
// remembered and restored after every reconnect.
type MQTT struct {
	client mqtt.Client
	qos    byte
	log    *slog.Logger

	mu          sync.Mutex
	handler     Handler
	topics      map[string]struct{}
	sessions    int
	onReconnect func()
}

// New wraps an existing client. The client is not connected by New.
func New(client mqtt.Client, log *slog.Logger) *MQTT {
	if log == nil {
		log = slog.Default()
	}
	return &MQTT{
		client: client,
		qos:    DefaultQoS,
		log:    log,
		topics: make(map[string]struct{}),
	}
}

// Dial connects to the broker and returns a transport with auto-reconnect.
func Dial(ctx context.Context, opts Options) (*MQTT, error) {
	if opts.BrokerURL == "" {
		return nil, fmt.Errorf("dial broker: empty url")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	var t *MQTT
	co := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(opts.ConnectTimeout).
		SetOnConnectHandler(func(mqtt.Client) { t.connected() }).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			t.log.Warn("broker connection lost", "error", err)
		})

	t = New(mqtt.NewClient(co), opts.Logger)
	if err := wait(ctx, t.client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", opts.BrokerURL, err)
	}
	t.log.Info("broker connected", "url", opts.BrokerURL, "client_id", opts.ClientID)
	return t, nil
}

// OnMessage installs the inbound handler. Messages arriving before a
// handler is installed are dropped.
func (t *MQTT) OnMessage(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// OnReconnect installs fn to run after every broker session except the
// first, once subscriptions have been restored.
func (t *MQTT) OnReconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onReconnect = fn
}

// Publish sends payload on topic and waits for the broker to accept it.
func (t *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := wait(ctx, t.client.Publish(topic, t.qos, false, payload)); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe subscribes to topic and remembers it for reconnects.
func (t *MQTT) Subscribe(ctx context.Context, topic string) error {
	t.mu.Lock()
	t.topics[topic] = struct{}{}
	t.mu.Unlock()

	if err := wait(ctx, t.client.Subscribe(topic, t.qos, t.receive)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.log.Debug("subscribed", "topic", topic)
	return nil
}

// Topics returns the remembered subscriptions, sorted.
func (t *MQTT) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// Close disconnects, waiting up to 250ms for in-flight work.
func (t *MQTT) Close() {
	t.client.Disconnect(250)
}

func (t *MQTT) receive(_ mqtt.Client, m mqtt.Message) {
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()

	if h == nil {
		t.log.Warn("no handler, dropping message", "topic", m.Topic())
		return
	}
	if err := h(m.Topic(), m.Payload()); err != nil {
		t.log.Warn("inbound message rejected", "topic", m.Topic(), "error", err)
	}
}

// connected runs on every established broker session.
func (t *MQTT) connected() {
	if t == nil {
		return
	}
	t.resubscribe()

	t.mu.Lock()
	t.sessions++
	n, fn := t.sessions, t.onReconnect
	t.mu.Unlock()

	if n > 1 {
		t.log.Info("broker reconnected", "sessions", n)
		if fn != nil {
			fn()
		}
	}
}

func (t *MQTT) resubscribe() {
	for _, topic := range t.Topics() {
		tok := t.client.Subscribe(topic, t.qos, t.receive)
		go func(topic string) {
			if err := wait(context.Background(), tok); err != nil {
				t.log.Warn("resubscribe failed", "topic", topic, "error", err)
			}
		}(topic)
	}
}

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
