package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dontdude/coliru/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Default Redis names.
const (
	DefaultStream  = "coliru:jobs"
	DefaultGroup   = "coliru:workers"
	DefaultChannel = "coliru:updates"
)

// RedisQueue implements domain.JobQueue using Redis Streams for jobs
// and Pub/Sub for progress updates.
type RedisQueue struct {
	client  *redis.Client
	stream  string
	group   string
	channel string
}

// Ensure RedisQueue satisfies the interface
var _ domain.JobQueue = (*RedisQueue)(nil)

// NewRedisQueue returns a new Redis-backed queue adapter.
// It panics when Redis is unreachable so binaries fail fast.
func NewRedisQueue(addr, stream, group, channel string) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	// Fail-fast ping check
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("failed to connect to redis: %v", err))
	}

	return NewRedisQueueWithClient(rdb, stream, group, channel)
}

// NewRedisQueueWithClient wraps an existing client. Empty names fall back to the defaults.
func NewRedisQueueWithClient(rdb *redis.Client, stream, group, channel string) *RedisQueue {
	if stream == "" {
		stream = DefaultStream
	}
	if group == "" {
		group = DefaultGroup
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisQueue{
		client:  rdb,
		stream:  stream,
		group:   group,
		channel: channel,
	}
}

// Close releases the underlying connection pool.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// Publish enqueues a job to the Redis stream using XADD (Producer)
func (r *RedisQueue) Publish(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	// We use "*" Id to let Redis generate a timestamp-based ID.
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]interface{}{
			"job": data,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (r *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := r.client.XGroupCreateMkStream(ctx, r.stream, r.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Subscribe returns a channel of jobs using XREADGROUP (Consumer).
func (r *RedisQueue) Subscribe(ctx context.Context) (<-chan domain.Job, error) {
	if err := r.EnsureGroup(ctx); err != nil {
		return nil, err
	}

	outCh := make(chan domain.Job)

	// Generate a unique consumer name (e.g: hostname-pid)
	hostname, _ := os.Hostname()
	consumerID := fmt.Sprintf("%s-%d", hostname, os.Getpid())

	go func() {
		defer close(outCh)

		for {
			if ctx.Err() != nil {
				return
			}

			// Block for 2s at a time so cancellation is noticed.
			streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    r.group,
				Consumer: consumerID,
				Streams:  []string{r.stream, ">"}, // ">" means new messages
				Count:    1,
				Block:    2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				slog.Error("Redis read error", "error", err)
				time.Sleep(1 * time.Second) // Backoff
				continue
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					job, err := decodeJob(msg)
					if err != nil {
						slog.Error("Dropping malformed job", "msgID", msg.ID, "error", err)
						if err := r.client.XAck(ctx, r.stream, r.group, msg.ID).Err(); err != nil {
							slog.Error("Failed to acknowledge malformed job", "msgID", msg.ID, "error", err)
						}
						continue
					}

					select {
					case outCh <- job:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return outCh, nil
}

// Acknowledge confirms processing using XACK.
func (r *RedisQueue) Acknowledge(ctx context.Context, rawID string) error {
	return r.client.XAck(ctx, r.stream, r.group, rawID).Err()
}

// Broadcast publishes a job update to the updates channel.
func (r *RedisQueue) Broadcast(ctx context.Context, update domain.JobUpdate) error {
	data, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("failed to marshal update: %w", err)
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// SubscribeUpdates subscribes to the updates channel and streams updates to a Go channel.
func (r *RedisQueue) SubscribeUpdates(ctx context.Context) (<-chan domain.JobUpdate, error) {
	pubsub := r.client.Subscribe(ctx, r.channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to updates: %w", err)
	}

	outCh := make(chan domain.JobUpdate)

	go func() {
		defer close(outCh)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var update domain.JobUpdate
				if err := json.Unmarshal([]byte(msg.Payload), &update); err != nil {
					slog.Error("Failed to unmarshal update", "error", err)
					continue
				}

				select {
				case outCh <- update:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outCh, nil
}

func decodeJob(msg redis.XMessage) (domain.Job, error) {
	val, ok := msg.Values["job"].(string)
	if !ok {
		return domain.Job{}, errors.New("invalid message format")
	}
	var job domain.Job
	if err := json.Unmarshal([]byte(val), &job); err != nil {
		return domain.Job{}, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	// Capture the Redis Stream ID so we can ACK later
	job.RawID = msg.ID
	return job, nil
}
