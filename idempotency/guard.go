package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	keyPrefix     = "orders:idempotency:"
	pendingMarker = "pending"
	doneMarker    = "done:"
)

type State int

const (
	// StateNew 首次请求，调用方已占有该键
	StateNew State = iota
	// StateInFlight 相同键的请求仍在处理中
	StateInFlight
	// StateCompleted 已成功下单，可返回已有订单
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInFlight:
		return "in_flight"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Guard 基于 Redis SETNX 的下单幂等键
type Guard struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewGuard(client redis.Cmdable, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{client: client, ttl: ttl}
}

func redisKey(userID, key string) string {
	return keyPrefix + userID + ":" + key
}

// Begin 尝试占有幂等键；已完成时返回对应订单 ID
func (g *Guard) Begin(ctx context.Context, userID, key string) (State, string, error) {
	k := redisKey(userID, key)
	// 键在 SETNX 与 GET 之间过期时再抢一次
	for attempt := 0; attempt < 2; attempt++ {
		claimed, err := g.client.SetNX(ctx, k, pendingMarker, g.ttl).Result()
		if err != nil {
			return 0, "", fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return StateNew, "", nil
		}

		value, err := g.client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return 0, "", fmt.Errorf("read idempotency key: %w", err)
		}
		if orderID, ok := strings.CutPrefix(value, doneMarker); ok {
			return StateCompleted, orderID, nil
		}
		return StateInFlight, "", nil
	}
	return StateInFlight, "", nil
}

// Complete 记录键对应的订单
func (g *Guard) Complete(ctx context.Context, userID, key, orderID string) error {
	if err := g.client.Set(ctx, redisKey(userID, key), doneMarker+orderID, g.ttl).Err(); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release 下单失败后释放键，允许客户端重试
func (g *Guard) Release(ctx context.Context, userID, key string) error {
	if err := g.client.Del(ctx, redisKey(userID, key)).Err(); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
