package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"jan-server/services/tutor-api/internal/domain/message"
)

// LocalPublisher delivers events straight to the in-process hub. Used when redis is not configured.
type LocalPublisher struct {
	hub *Hub
}

// NewLocalPublisher creates a single-replica publisher.
func NewLocalPublisher(hub *Hub) *LocalPublisher {
	return &LocalPublisher{hub: hub}
}

// Publish implements message.Publisher.
func (p *LocalPublisher) Publish(ctx context.Context, event message.Event) error {
	p.hub.Broadcast(event)
	return nil
}

// RedisPublisher publishes events on a per-room redis channel and relays every
// replica's events into the local hub.
type RedisPublisher struct {
	client   redis.UniversalClient
	hub      *Hub
	prefix   string
	validate *validator.Validate
	log      zerolog.Logger
}

// NewRedisPublisher creates a redis-backed publisher.
func NewRedisPublisher(client redis.UniversalClient, hub *Hub, prefix string, log zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{
		client:   client,
		hub:      hub,
		prefix:   strings.TrimRight(prefix, ":"),
		validate: validator.New(),
		log:      log.With().Str("component", "realtime-redis").Logger(),
	}
}

// Publish implements message.Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, event message.Event) error {
	if err := p.validate.Struct(event); err != nil {
		return fmt.Errorf("invalid realtime event: %w", err)
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal realtime event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel(event.RoomID), data).Err(); err != nil {
		return fmt.Errorf("publish realtime event: %w", err)
	}
	return nil
}

// Run relays events from redis into the hub until ctx is cancelled.
func (p *RedisPublisher) Run(ctx context.Context) error {
	pubsub := p.client.PSubscribe(ctx, p.prefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe realtime channels: %w", err)
	}
	p.log.Info().Str("pattern", p.prefix+":*").Msg("relaying realtime events")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			p.relay(msg.Payload)
		}
	}
}

func (p *RedisPublisher) relay(payload string) {
	var event message.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		p.log.Warn().Err(err).Msg("drop malformed realtime event")
		return
	}
	if err := p.validate.Struct(event); err != nil {
		p.log.Warn().Err(err).Msg("drop invalid realtime event")
		return
	}
	p.hub.Broadcast(event)
}

func (p *RedisPublisher) channel(roomID string) string {
	return p.prefix + ":" + roomID
}
