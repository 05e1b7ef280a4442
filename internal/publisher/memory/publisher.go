// Package memory contains an in-process publisher used when no message bus
// is configured, and in tests.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// Publisher stores published payloads for inspection. When a limit is set
// only the most recent messages are retained.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	limit    int
	total    int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns an unbounded memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// NewBounded returns a Publisher that keeps at most limit messages.
func NewBounded(limit int) *Publisher {
	return &Publisher{limit: limit}
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.limit > 0 && len(p.messages) > p.limit {
		p.messages = append([]PublishedMessage(nil), p.messages[len(p.messages)-p.limit:]...)
	}
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
