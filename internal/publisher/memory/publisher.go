// Package memory keeps page notifications in process instead of sending them.
// It backs pubsub.dry_run and lets tests inspect what a run would publish.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Message is one recorded notification.
type Message struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher records notifications and logs each one.
type Publisher struct {
	defaultTopic string
	logger       *zap.Logger

	mu       sync.RWMutex
	messages []Message
}

// New returns a Publisher that files untopiced notifications under
// defaultTopic. A nil logger disables logging.
func New(defaultTopic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{defaultTopic: defaultTopic, logger: logger}
}

// Publish records the notification and returns a sequential id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	p.mu.Lock()
	id := fmt.Sprintf("dry-run-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Payload: payload})
	p.mu.Unlock()

	p.logger.Info("page notification recorded, not sent",
		zap.String("topic", topic),
		zap.String("message_id", id),
		zap.Any("payload", payload),
	)
	return id, nil
}

// Messages returns a copy of the recorded notifications in publish order.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Message(nil), p.messages...)
}

// Len returns the number of recorded notifications.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.messages)
}
