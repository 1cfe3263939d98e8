package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	pendingKey    = "relay:tasks"
	processingKey = "relay:tasks:processing"
	deadLetterKey = "relay:tasks:dead"

	popTimeout = 2 * time.Second
)

// Redis is the multi-replica queue driver. Tasks live on a pending list,
// move to a per-cluster processing list while held (the reliable-queue
// pattern), and are LREM'd on ack or pushed back on nack.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) Enqueue(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, pendingKey, payload).Err()
}

func (r *Redis) Dequeue(ctx context.Context) (Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := r.client.BRPopLPush(ctx, pendingKey, processingKey, popTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var task Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			// Unparseable payloads go straight to the dead-letter list.
			r.client.LRem(ctx, processingKey, 1, raw)
			r.client.LPush(ctx, deadLetterKey, raw)
			continue
		}

		return &redisDelivery{q: r, task: task, raw: raw}, nil
	}
}

func (r *Redis) DeadLetter(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return r.client.LPush(ctx, deadLetterKey, payload).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

type redisDelivery struct {
	q    *Redis
	task Task
	raw  string
}

func (d *redisDelivery) Task() Task { return d.task }

func (d *redisDelivery) Ack(ctx context.Context) error {
	return d.q.client.LRem(ctx, processingKey, 1, d.raw).Err()
}

func (d *redisDelivery) Nack(ctx context.Context) error {
	task := d.task
	task.Attempts++
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}

	_, err = d.q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, processingKey, 1, d.raw)
		pipe.LPush(ctx, pendingKey, payload)
		return nil
	})
	return err
}
