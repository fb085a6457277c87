package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// ============================================================================
// 分布式锁
// ============================================================================
//
// 多个实例共享同一套快照表，同一时刻只允许一个实例写快照，
// 否则两个实例的 "清空 + 写入" 会交错，留下混合状态。
//
// 加锁：SET key value NX EX ttl
//   - NX 保证互斥
//   - EX 保证持有者崩溃后锁会自动释放
//   - value 是持有者标识，释放时校验
//
// 释放：Lua 脚本里 GET + DEL，只删除自己持有的锁
//
// ============================================================================

const unlockScript = `
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`

type DistributedLock struct {
	client     *redis.Client
	key        string
	value      string
	expiration time.Duration
}

func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 非阻塞加锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	return l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
}

func (l *DistributedLock) Unlock(ctx context.Context) error {
	return l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Err()
}

func (l *DistributedLock) Key() string {
	return l.key
}

// NewSnapshotLock 快照写入锁，所有实例共用一个 key
// value 带进程级 uuid，workerID 配重了也不会释放别人的锁
func NewSnapshotLock(client *redis.Client, instanceID int64, ttl time.Duration) *DistributedLock {
	return NewDistributedLock(client, "snapshot:lock", fmt.Sprintf("instance:%d:%s", instanceID, uuid.NewString()), ttl)
}
