// Package memory implements an in-process completion publisher for
// development and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Notification is one recorded completion publish, held in the same JSON
// form the Pub/Sub publisher puts on the wire.
type Notification struct {
	ID      string
	Channel string
	Data    []byte
}

// Publisher records completion notifications in memory.
type Publisher struct {
	mu            sync.RWMutex
	notifications []Notification
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish marshals the payload to JSON and records it under the channel
// name, returning a pseudo message ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.notifications)+1)
	p.notifications = append(p.notifications, Notification{ID: id, Channel: topic, Data: data})
	return id, nil
}

// Messages returns the recorded notifications in publish order.
func (p *Publisher) Messages() []Notification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Notification, len(p.notifications))
	copy(out, p.notifications)
	return out
}

// Last decodes the most recent notification's payload into out. Returns
// false when nothing has been published.
func (p *Publisher) Last(out any) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.notifications) == 0 {
		return false
	}
	return json.Unmarshal(p.notifications[len(p.notifications)-1].Data, out) == nil
}
