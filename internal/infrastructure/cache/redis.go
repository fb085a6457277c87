package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"tokenmarket/internal/config"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

// NewRedisClient 按配置创建客户端，不做连通性检查
func NewRedisClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := NewRedisClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("连接 Redis 失败: %v", err)
	}

	RedisClient = client
	log.Println("Redis 连接成功")
	return client
}
