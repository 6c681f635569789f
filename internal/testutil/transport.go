package testutil

import (
	"context"
	"sync"

	"github.com/sphinxkit/rrsync/internal/rr"
)

// RecordingTransport records publishes and subscriptions in call order.
type RecordingTransport struct {
	mu         sync.Mutex
	published  []rr.Publish
	subscribed []string

	// PublishErr, when set, is returned by every Publish after recording.
	PublishErr error
	// Hold, when set, runs before a publish is recorded and may block.
	Hold func(topic string)
}

func (t *RecordingTransport) Publish(_ context.Context, topic string, payload []byte) error {
	if t.Hold != nil {
		t.Hold(topic)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, rr.Publish{Topic: topic, Payload: payload})
	return t.PublishErr
}

func (t *RecordingTransport) Subscribe(_ context.Context, topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = append(t.subscribed, topic)
	return nil
}

// Published returns a copy of every publish so far.
func (t *RecordingTransport) Published() []rr.Publish {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]rr.Publish(nil), t.published...)
}

// Topics returns the topics published so far, in order.
func (t *RecordingTransport) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	topics := make([]string, len(t.published))
	for i, p := range t.published {
		topics[i] = p.Topic
	}
	return topics
}

// Subscribed returns the topics subscribed so far.
func (t *RecordingTransport) Subscribed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.subscribed...)
}
