package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis queue transport.
type RedisConfig struct {
	// Address is the Redis server address (e.g., "localhost:6379")
	Address string

	// Password for Redis authentication (optional)
	Password string

	// Database number to use (default: 0)
	Database int

	// Prefix is prepended to all queue keys (e.g., "sketchflow:queue:")
	Prefix string

	// Capacity bounds the number of queued items across all groups
	// (0 = unbounded).
	Capacity int

	// Timeout for Redis operations
	Timeout time.Duration

	// PollInterval is how long a consumer sleeps when every group is empty.
	PollInterval time.Duration

	// PoolSize is the maximum number of connections
	PoolSize int
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig(address string) RedisConfig {
	return RedisConfig{
		Address:      address,
		Prefix:       "sketchflow:queue:",
		Timeout:      5 * time.Second,
		PollInterval: 100 * time.Millisecond,
		PoolSize:     10,
	}
}

// RedisQueue is the distributed transport. Each fairness group is a Redis
// list; a set tracks the live group keys, and a per-consumer processing
// list records in-flight deliveries until they are acked.
type RedisQueue struct {
	cfg      RedisConfig
	client   *redis.Client
	consumer string
	cursor   int
}

// NewRedisQueue creates the transport and verifies connectivity.
func NewRedisQueue(cfg RedisConfig, consumerID string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.Database,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	return &RedisQueue{cfg: cfg, client: client, consumer: consumerID}, nil
}

func (q *RedisQueue) groupKey(group string) string {
	return q.cfg.Prefix + "group:" + group
}

func (q *RedisQueue) groupsKey() string {
	return q.cfg.Prefix + "groups"
}

func (q *RedisQueue) processingKey() string {
	return q.cfg.Prefix + "processing:" + q.consumer
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, item Item) error {
	if q.cfg.Capacity > 0 {
		n, err := q.Len(ctx)
		if err != nil {
			return err
		}
		if n >= q.cfg.Capacity {
			return ErrFull
		}
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	group := item.GroupKey()
	pipe := q.client.TxPipeline()
	pipe.SAdd(ctx, q.groupsKey(), group)
	pipe.LPush(ctx, q.groupKey(group), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}
	return nil
}

// Dequeue implements Queue. Groups are visited round-robin from a local
// cursor; an item moves onto the consumer's processing list until acked.
func (q *RedisQueue) Dequeue(ctx context.Context) (Item, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Item{}, err
		}

		groups, err := q.client.SMembers(ctx, q.groupsKey()).Result()
		if err != nil {
			return Item{}, fmt.Errorf("failed to list groups: %w", err)
		}
		sort.Strings(groups)

		for i := 0; i < len(groups); i++ {
			group := groups[(q.cursor+i)%len(groups)]
			data, err := q.client.LMove(ctx, q.groupKey(group), q.processingKey(), "RIGHT", "LEFT").Result()
			if err == redis.Nil {
				// Empty group: drop it from the set if still empty.
				if n, _ := q.client.LLen(ctx, q.groupKey(group)).Result(); n == 0 {
					q.client.SRem(ctx, q.groupsKey(), group)
				}
				continue
			}
			if err != nil {
				return Item{}, fmt.Errorf("failed to dequeue: %w", err)
			}

			q.cursor = (q.cursor + i + 1) % len(groups)
			var item Item
			if err := json.Unmarshal([]byte(data), &item); err != nil {
				q.client.LRem(ctx, q.processingKey(), 1, data)
				return Item{}, fmt.Errorf("failed to unmarshal item: %w", err)
			}
			return item, nil
		}

		select {
		case <-ctx.Done():
			return Item{}, ctx.Err()
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// Ack implements Queue: the delivery leaves the processing list.
func (q *RedisQueue) Ack(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to ack: %w", err)
	}
	return nil
}

// Recover re-queues this consumer's unacked deliveries, typically after a
// crash restart under the same consumer id.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for {
		data, err := q.client.RPop(ctx, q.processingKey()).Result()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover: %w", err)
		}

		var item Item
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue
		}
		if err := q.Enqueue(ctx, item); err != nil {
			return recovered, err
		}
		recovered++
	}
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	groups, err := q.client.SMembers(ctx, q.groupsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list groups: %w", err)
	}

	total := 0
	for _, group := range groups {
		n, err := q.client.LLen(ctx, q.groupKey(group)).Result()
		if err != nil {
			return 0, fmt.Errorf("failed to measure group %s: %w", group, err)
		}
		total += int(n)
	}
	return total, nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
