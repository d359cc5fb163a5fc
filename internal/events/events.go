// Package events fans domain notifications out to interested listeners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis pub/sub channel used for portal events.
const DefaultChannel = "portal.events"

// Event names.
const (
	RoleCreated        = "role:created"
	RoleUpdated        = "role:updated"
	RoleDeleted        = "role:deleted"
	PermissionsUpdated = "permissions:updated"
	BulkStarted        = "bulk:started"
	BulkCompleted      = "bulk:completed"
	BulkFailed         = "bulk:failed"
	BulkRolledBack     = "bulk:rolled_back"
	ExportDelivered    = "export:delivered"
)

// Event is a single notification.
type Event struct {
	Name     string         `json:"name"`
	TenantID string         `json:"tenantId"`
	ActorID  int64          `json:"actorId,omitempty"`
	Subject  string         `json:"subject,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// RedisPublisher publishes JSON events on a Redis channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	now     func() time.Time
}

// NewRedisPublisher builds a publisher; an empty channel selects DefaultChannel.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, now: time.Now}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.client == nil {
		return errors.New("events: publisher not initialised")
	}
	if event.Name == "" {
		return errors.New("events: event name required")
	}
	if event.At.IsZero() {
		event.At = p.now().UTC()
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: encode: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, raw).Err(); err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Name, err)
	}
	return nil
}

// Subscribe decodes events from channel and passes them to fn until ctx ends.
// Malformed messages are skipped.
func Subscribe(ctx context.Context, client *redis.Client, channel string, fn func(Event)) error {
	if channel == "" {
		channel = DefaultChannel
	}
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("events: subscribe: %w", err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			fn(event)
		}
	}
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, event)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Names lists recorded event names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
