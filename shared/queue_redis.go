package shared

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	redisQueueGroup = "workers"
	// DefaultClaimIdle is how long a delivered message may stay unacked
	// before another consumer takes it over.
	DefaultClaimIdle = 30 * time.Minute
	maxClaimCheck    = 30 * time.Second
)

// RedisQueue implements MessageQueueClient using a Redis stream read through
// a consumer group, so messages published while no worker is listening are
// delivered once a worker joins. Messages are acked only after the job ran;
// entries left pending by a dead consumer are claimed after ClaimIdle.
type RedisQueue struct {
	client    *redis.Client
	name      string
	maxLen    int
	consumer  string
	claimIdle time.Duration
}

// NewRedisQueue builds a queue on stream name. claimIdle must exceed the
// longest job run, or a running job is delivered twice; <= 0 means
// DefaultClaimIdle.
func NewRedisQueue(client *redis.Client, name string, maxLen int, claimIdle time.Duration) *RedisQueue {
	if claimIdle <= 0 {
		claimIdle = DefaultClaimIdle
	}
	host, _ := os.Hostname()
	return &RedisQueue{
		client:    client,
		name:      name,
		maxLen:    maxLen,
		consumer:  fmt.Sprintf("%s-%s", valueOrDefault(host, "worker"), uuid.NewString()[:8]),
		claimIdle: claimIdle,
	}
}

func (q *RedisQueue) Publish(ctx context.Context, message JobMessage) error {
	if q.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	b, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal job message %s: %w", message.JobID, err)
	}
	args := &redis.XAddArgs{Stream: q.name, Values: map[string]any{"data": b}}
	if q.maxLen > 0 {
		args.MaxLen = int64(q.maxLen)
		args.Approx = true
	}
	return q.client.XAdd(ctx, args).Err()
}

func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.name, redisQueueGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context) (<-chan JobMessage, error) {
	out := make(chan JobMessage)
	if q.client == nil {
		close(out)
		return out, fmt.Errorf("redis client is nil")
	}
	if err := q.ensureGroup(ctx); err != nil {
		close(out)
		return out, fmt.Errorf("create consumer group on %s: %w", q.name, err)
	}
	go func() {
		defer close(out)
		var lastClaim time.Time
		for {
			if time.Since(lastClaim) >= min(q.claimIdle, maxClaimCheck) {
				lastClaim = time.Now()
				if !q.deliver(ctx, out, q.claimStale(ctx)) {
					return
				}
			}
			res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    redisQueueGroup,
				Consumer: q.consumer,
				Streams:  []string{q.name, ">"},
				Count:    10,
				Block:    min(5*time.Second, q.claimIdle),
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				Warn("queue: read failed", "stream", q.name, "error", err)
				time.Sleep(time.Second)
				continue
			}
			for _, stream := range res {
				if !q.deliver(ctx, out, stream.Messages) {
					return
				}
			}
		}
	}()
	return out, nil
}

// claimStale takes over entries another consumer left unacked for claimIdle.
func (q *RedisQueue) claimStale(ctx context.Context) []redis.XMessage {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.name,
		Group:    redisQueueGroup,
		Consumer: q.consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, redis.Nil) {
			Warn("queue: claiming stale messages failed", "stream", q.name, "error", err)
		}
		return nil
	}
	for _, m := range msgs {
		Warn("queue: reclaimed unacked message", "id", m.ID)
	}
	return msgs
}

// deliver hands msgs to out; it reports false once ctx is done. Messages not
// handed over stay pending and are claimed again later.
func (q *RedisQueue) deliver(ctx context.Context, out chan<- JobMessage, msgs []redis.XMessage) bool {
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		var jm JobMessage
		if ok {
			if err := json.Unmarshal([]byte(raw), &jm); err != nil {
				ok = false
			}
		}
		if !ok {
			Warn("queue: dropping malformed message", "id", msg.ID)
			q.ack(ctx, msg.ID)
			continue
		}
		jm.DeliveryID = msg.ID
		select {
		case out <- jm:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// Ack removes a delivered message from the pending list.
func (q *RedisQueue) Ack(ctx context.Context, message JobMessage) error {
	if message.DeliveryID == "" {
		return fmt.Errorf("message for job %s has no delivery id", message.JobID)
	}
	if err := q.client.XAck(ctx, q.name, redisQueueGroup, message.DeliveryID).Err(); err != nil {
		return fmt.Errorf("ack %s: %w", message.DeliveryID, err)
	}
	return nil
}

func (q *RedisQueue) ack(ctx context.Context, id string) {
	if err := q.client.XAck(ctx, q.name, redisQueueGroup, id).Err(); err != nil {
		Warn("queue: ack failed", "id", id, "error", err)
	}
}

func (q *RedisQueue) Close() {}
