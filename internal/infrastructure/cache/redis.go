package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bezsettle/internal/config"

	"github.com/go-redis/redis/v8"
)

// InitRedis 创建 Redis 客户端并检查连通性
func InitRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return client, nil
}

// ============================================================================
// 余额读缓存
// ============================================================================
//
// 只服务于余额查询接口，扣费永远直接走数据库的条件更新。
// 每次余额变动后删除缓存，缓存失效期间最多读到 TTL 内的旧值。
//
// ============================================================================

// BalanceCache 积分余额缓存
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func balanceKey(accountID string) string {
	return "credit:balance:" + accountID
}

// Get 命中返回 (balance, true)
func (c *BalanceCache) Get(ctx context.Context, accountID string) (int64, bool, error) {
	if c == nil || c.client == nil {
		return 0, false, nil
	}
	val, err := c.client.Get(ctx, balanceKey(accountID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	balance, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return balance, true, nil
}

func (c *BalanceCache) Set(ctx context.Context, accountID string, balance int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Set(ctx, balanceKey(accountID), balance, c.ttl).Err()
}

func (c *BalanceCache) Invalidate(ctx context.Context, accountIDs ...string) error {
	if c == nil || c.client == nil || len(accountIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		keys = append(keys, balanceKey(id))
	}
	return c.client.Del(ctx, keys...).Err()
}
