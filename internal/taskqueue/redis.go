package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey   = "cohortvault:tasks:ready"
	delayedKey = "cohortvault:tasks:delayed"

	// dequeueBlock bounds each BRPOP so shutdown and delayed-task
	// promotion get a turn.
	dequeueBlock = 2 * time.Second
)

// Redis is a durable queue on a Redis list, with a sorted set holding
// delayed tasks until due. Tasks survive process restarts; multiple
// replicas can consume the same queue.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (q *Redis) Enqueue(ctx context.Context, kind string, payload any, opts Options) error {
	task, err := newTask(kind, payload, opts)
	if err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	if opts.Delay > 0 {
		due := float64(time.Now().Add(opts.Delay).UnixMilli())
		if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: body}).Err(); err != nil {
			return fmt.Errorf("enqueue delayed task: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, readyKey, body).Err(); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	return nil
}

// Requeue puts an already-built task back on the queue after a backoff.
func (q *Redis) Requeue(ctx context.Context, task Task, delay time.Duration) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if delay > 0 {
		due := float64(time.Now().Add(delay).UnixMilli())
		if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: body}).Err(); err != nil {
			return fmt.Errorf("requeue delayed task: %w", err)
		}
		return nil
	}
	if err := q.client.LPush(ctx, readyKey, body).Err(); err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (Task, error) {
	for {
		if err := q.promoteDue(ctx); err != nil {
			return Task{}, err
		}

		res, err := q.client.BRPop(ctx, dequeueBlock, readyKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					return Task{}, ctx.Err()
				}
				continue
			}
			if ctx.Err() != nil {
				return Task{}, ctx.Err()
			}
			return Task{}, fmt.Errorf("dequeue task: %w", err)
		}

		var task Task
		if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
			return Task{}, fmt.Errorf("decode task: %w", err)
		}
		return task, nil
	}
}

// promoteDue moves delayed tasks whose due time has passed onto the ready
// list.
func (q *Redis) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return fmt.Errorf("list due tasks: %w", err)
	}
	for _, member := range due {
		// ZRem before LPush so two consumers cannot promote the same task.
		removed, err := q.client.ZRem(ctx, delayedKey, member).Result()
		if err != nil {
			return fmt.Errorf("claim due task: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, readyKey, member).Err(); err != nil {
			return fmt.Errorf("promote due task: %w", err)
		}
	}
	return nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
