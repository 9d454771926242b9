package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/regbeacon/regbeacon/internal/model"
)

// Redis backs stage queues with redis lists so stages can run in
// separate processes. Pending messages live in regbeacon:q:<stage>,
// dead letters in regbeacon:dlq:<stage>.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redis and verifies the connection
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Redis{client: client}, nil
}

// Close closes the redis connection
func (r *Redis) Close() error {
	return r.client.Close()
}

func queueKey(stage model.Stage) string {
	return "regbeacon:q:" + string(stage)
}

func deadKey(stage model.Stage) string {
	return "regbeacon:dlq:" + string(stage)
}

func (r *Redis) Enqueue(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, queueKey(msg.Stage), data).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", msg.Stage, err)
	}
	return nil
}

func (r *Redis) Dequeue(ctx context.Context, stage model.Stage) (Message, error) {
	// Poll with a short block so ctx cancellation is honored promptly
	for {
		res, err := r.client.BRPop(ctx, 2*time.Second, queueKey(stage)).Result()
		if errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return Message{}, ctx.Err()
			default:
				continue
			}
		}
		if err != nil {
			return Message{}, fmt.Errorf("dequeue %s: %w", stage, err)
		}
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			return Message{}, fmt.Errorf("unmarshal message: %w", err)
		}
		return msg, nil
	}
}

func (r *Redis) Park(ctx context.Context, msg Message, reason string) error {
	dl := DeadLetter{Message: msg, Reason: reason, ParkedAt: time.Now().UTC()}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := r.client.LPush(ctx, deadKey(msg.Stage), data).Err(); err != nil {
		return fmt.Errorf("park %s: %w", msg.Stage, err)
	}
	return nil
}

func (r *Redis) DeadLetters(ctx context.Context, stage model.Stage) ([]DeadLetter, error) {
	items, err := r.client.LRange(ctx, deadKey(stage), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dead letters %s: %w", stage, err)
	}
	out := make([]DeadLetter, 0, len(items))
	for _, item := range items {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		out = append(out, dl)
	}
	return out, nil
}

func (r *Redis) Depth(ctx context.Context, stage model.Stage) (int, error) {
	n, err := r.client.LLen(ctx, queueKey(stage)).Result()
	if err != nil {
		return 0, fmt.Errorf("depth %s: %w", stage, err)
	}
	return int(n), nil
}
