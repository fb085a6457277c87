package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tokenmarket/internal/model"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const tokenKeyPrefix = "token:meta:"

// TokenCache 代币元数据缓存
//
// 元数据创建后不可变，但代币 ID 只在当前账本内唯一：进程重启或恢复快照后，
// 上次快照之后分配的 ID 会被重新分配给别的代币。所以 key 带一个 epoch，
// 每个进程启动时生成，恢复快照时轮换；旧 epoch 下的条目不再被读到，靠 TTL 淘汰。
type TokenCache struct {
	client *redis.Client
	ttl    time.Duration

	mu    sync.RWMutex
	epoch string
}

func NewTokenCache(client *redis.Client, ttl time.Duration) *TokenCache {
	return &TokenCache{
		client: client,
		ttl:    ttl,
		epoch:  uuid.NewString(),
	}
}

func TokenKey(epoch string, tokenID uint64) string {
	return fmt.Sprintf("%s%s:%d", tokenKeyPrefix, epoch, tokenID)
}

func (c *TokenCache) key(tokenID uint64) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return TokenKey(c.epoch, tokenID)
}

// Invalidate 轮换 epoch，之前写入的条目全部失效
func (c *TokenCache) Invalidate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = uuid.NewString()
	return nil
}

// Get 未命中时返回 nil, nil
func (c *TokenCache) Get(ctx context.Context, tokenID uint64) (*model.Token, error) {
	data, err := c.client.Get(ctx, c.key(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return decodeToken(data)
}

func (c *TokenCache) Set(ctx context.Context, token *model.Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("序列化代币失败: %w", err)
	}
	return c.client.Set(ctx, c.key(token.ID), data, c.ttl).Err()
}

func decodeToken(data []byte) (*model.Token, error) {
	var token model.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("反序列化代币失败: %w", err)
	}
	return &token, nil
}
