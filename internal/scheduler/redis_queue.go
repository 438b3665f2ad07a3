package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const retryQueueKey = "retry_queue"

// RedisQueue keeps pending attempts in a sorted set scored by due time in
// unix milliseconds. Members are "<hook id>:<log id>".
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, key: prefix + retryQueueKey}
}

func (q *RedisQueue) Push(ctx context.Context, item Item) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(item.NotBefore.UnixMilli()),
		Member: member(item.HookID, item.LogID),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to queue hook log %s: %w", item.LogID, err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time) (*Item, error) {
	for {
		results, err := q.client.ZRangeByScoreWithScores(ctx, q.key, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: 1,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read retry queue: %w", err)
		}
		if len(results) == 0 {
			return nil, nil
		}

		raw, _ := results[0].Member.(string)
		removed, err := q.client.ZRem(ctx, q.key, raw).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to remove item from retry queue: %w", err)
		}
		if removed == 0 {
			// another instance took it
			continue
		}

		hookID, logID, err := parseMember(raw)
		if err != nil {
			continue
		}
		return &Item{
			LogID:     logID,
			HookID:    hookID,
			NotBefore: time.UnixMilli(int64(results[0].Score)).UTC(),
		}, nil
	}
}

func (q *RedisQueue) RemoveHook(ctx context.Context, hookID uuid.UUID) (int, error) {
	members, err := q.client.ZRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read retry queue: %w", err)
	}

	prefix := hookID.String() + ":"
	var drop []interface{}
	for _, m := range members {
		if strings.HasPrefix(m, prefix) {
			drop = append(drop, m)
		}
	}
	if len(drop) == 0 {
		return 0, nil
	}

	removed, err := q.client.ZRem(ctx, q.key, drop...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove hook from retry queue: %w", err)
	}
	return int(removed), nil
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	return int(n), err
}

func member(hookID, logID uuid.UUID) string {
	return hookID.String() + ":" + logID.String()
}

func parseMember(raw string) (uuid.UUID, uuid.UUID, error) {
	hookPart, logPart, ok := strings.Cut(raw, ":")
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed retry queue member %q", raw)
	}
	hookID, err := uuid.Parse(hookPart)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	logID, err := uuid.Parse(logPart)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return hookID, logID, nil
}

var _ Queue = (*RedisQueue)(nil)
