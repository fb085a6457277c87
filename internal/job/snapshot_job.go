package job

import (
	"context"
	"log"
	"time"
)

// Snapshotter 把当前账本状态写入持久化存储
type Snapshotter interface {
	Save(ctx context.Context) error
}

// Locker 跨实例互斥，单实例部署时可以为 nil
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type SnapshotJob struct {
	snapshotter Snapshotter
	locker      Locker
	stopCh      chan struct{}
	interval    time.Duration
}

func NewSnapshotJob(snapshotter Snapshotter, locker Locker, interval time.Duration) *SnapshotJob {
	return &SnapshotJob{
		snapshotter: snapshotter,
		locker:      locker,
		stopCh:      make(chan struct{}),
		interval:    interval,
	}
}

func (j *SnapshotJob) Start(ctx context.Context) {
	log.Println("[SnapshotJob] 快照任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[SnapshotJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[SnapshotJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *SnapshotJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一次快照，返回是否实际写入
func (j *SnapshotJob) RunOnce(ctx context.Context) bool {
	if j.locker != nil {
		ok, err := j.locker.TryLock(ctx)
		if err != nil {
			log.Printf("[SnapshotJob] 获取快照锁失败: %v", err)
			return false
		}
		if !ok {
			log.Println("[SnapshotJob] 其他实例正在写快照，跳过本轮")
			return false
		}
		defer func() {
			if err := j.locker.Unlock(ctx); err != nil {
				log.Printf("[SnapshotJob] 释放快照锁失败: %v", err)
			}
		}()
	}

	if err := j.snapshotter.Save(ctx); err != nil {
		log.Printf("[SnapshotJob] 保存快照失败: %v", err)
		return false
	}
	return true
}
