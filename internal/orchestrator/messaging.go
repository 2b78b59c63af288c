package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/nuka-library/internal/library"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	TriggerStream = "nuka:library:triggers"
	EventStream   = "nuka:library:events"
)

// Bus carries rebuild triggers in and lifecycle events out via Redis Streams.
type Bus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewBus creates a Redis-backed bus.
func NewBus(ctx context.Context, redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, maxLen: 10000, logger: logger}, nil
}

// Publish appends a lifecycle event to EventStream. It satisfies
// library.Publisher.
func (b *Bus) Publish(ctx context.Context, ev library.Event) error {
	if err := b.add(ctx, EventStream, ev); err != nil {
		return err
	}
	b.logger.Debug("published library event",
		zap.String("type", ev.Type),
		zap.String("agent", ev.AgentID),
		zap.Int("version", ev.Version))
	return nil
}

// PublishTrigger appends a rebuild trigger to TriggerStream.
func (b *Bus) PublishTrigger(ctx context.Context, t Trigger) error {
	if t.AtMs == 0 {
		t.AtMs = time.Now().UnixMilli()
	}
	return b.add(ctx, TriggerStream, t)
}

func (b *Bus) add(ctx context.Context, stream string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s entry: %w", stream, err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// SubscribeTriggers streams triggers published after the call, or after
// fromID when it is non-empty. Cancel the context to stop; the channel is
// closed when the reader exits.
func (b *Bus) SubscribeTriggers(ctx context.Context, fromID string) <-chan Trigger {
	ch := make(chan Trigger, 16)
	lastID := fromID
	if lastID == "" {
		lastID = "$"
	}

	go func() {
		defer close(ch)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{TriggerStream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("read triggers failed", zap.Error(err))
					select {
					case <-ctx.Done():
						return
					case <-time.After(time.Second):
					}
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					data, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					var t Trigger
					if err := json.Unmarshal([]byte(data), &t); err != nil {
						b.logger.Warn("malformed trigger", zap.String("id", msg.ID), zap.Error(err))
						continue
					}
					t.StreamID = msg.ID
					select {
					case ch <- t:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return ch
}

// Close shuts down the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}
