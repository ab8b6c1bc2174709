package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/donation_ledger/internal/app/system"
	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// DefaultChannel is the Redis pub/sub channel used when none is configured.
const DefaultChannel = "donation_ledger:events"

// RedisBus publishes events to the local hub and to a Redis channel, and
// forwards events published by other instances into the local hub.
type RedisBus struct {
	client  *redis.Client
	channel string
	hub     *Hub
	origin  string
	log     *logger.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

var _ Publisher = (*RedisBus)(nil)
var _ system.Service = (*RedisBus)(nil)

// NewRedisBus wires a bus around an existing client.
func NewRedisBus(client *redis.Client, channel string, hub *Hub, log *logger.Logger) *RedisBus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = logger.NewDefault("events")
	}
	return &RedisBus{
		client:  client,
		channel: channel,
		hub:     hub,
		origin:  uuid.NewString(),
		log:     log,
	}
}

func (b *RedisBus) Name() string { return "events-redis" }

// Start subscribes to the channel and begins forwarding remote events.
func (b *RedisBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.pubsub = pubsub

	b.wg.Add(1)
	go b.forward(pubsub.Channel())
	b.log.WithField("channel", b.channel).Info("redis event bus started")
	return nil
}

// Stop closes the subscription and waits for the forwarder to exit.
func (b *RedisBus) Stop(ctx context.Context) error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if pubsub == nil {
		return nil
	}

	err := pubsub.Close()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

// Publish delivers ev locally, then to other instances. A Redis failure is
// returned after local delivery has happened.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	_ = b.hub.Publish(ctx, ev)

	ev.Origin = b.origin
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, raw).Err(); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.ID, err)
	}
	return nil
}

func (b *RedisBus) forward(msgs <-chan *redis.Message) {
	defer b.wg.Done()
	for msg := range msgs {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			b.log.WithError(err).Warn("discarding malformed event")
			continue
		}
		if ev.Origin == b.origin {
			continue
		}
		_ = b.hub.Publish(context.Background(), ev)
	}
}
