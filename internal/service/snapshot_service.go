package service

import (
	"context"
	"fmt"
	"log"

	"tokenmarket/internal/store"
)

// SnapshotRepository 快照的持久化
type SnapshotRepository interface {
	Save(ctx context.Context, snap *store.Snapshot) error
	Load(ctx context.Context) (*store.Snapshot, error)
}

// CacheInvalidator 恢复快照后 ID 会被重新分配，按 ID 缓存的数据必须整体作废
type CacheInvalidator interface {
	Invalidate(ctx context.Context) error
}

type SnapshotService struct {
	store  *store.Store
	repo   SnapshotRepository
	caches []CacheInvalidator
}

func NewSnapshotService(st *store.Store, repo SnapshotRepository, caches ...CacheInvalidator) *SnapshotService {
	return &SnapshotService{
		store:  st,
		repo:   repo,
		caches: caches,
	}
}

// Save 导出规范化快照并持久化，守恒校验失败时拒绝写入
func (s *SnapshotService) Save(ctx context.Context) error {
	if err := s.store.CheckConservation(); err != nil {
		return fmt.Errorf("守恒校验失败，拒绝保存快照: %w", err)
	}

	snap := s.store.Export()
	if err := s.repo.Save(ctx, snap); err != nil {
		return fmt.Errorf("保存快照失败: %w", err)
	}

	log.Printf("[SnapshotService] 快照已保存: tokens=%d, balances=%d, approvals=%d, listings=%d, profiles=%d",
		len(snap.Tokens), len(snap.Balances), len(snap.Approvals), len(snap.Listings), len(snap.Profiles))
	return nil
}

// Restore 加载快照并重建派生索引
func (s *SnapshotService) Restore(ctx context.Context) error {
	snap, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("读取快照失败: %w", err)
	}
	if err := s.store.Load(snap); err != nil {
		return err
	}
	for _, c := range s.caches {
		if err := c.Invalidate(ctx); err != nil {
			return fmt.Errorf("作废缓存失败: %w", err)
		}
	}

	log.Printf("[SnapshotService] 快照已加载: tokens=%d, balances=%d, approvals=%d, listings=%d, profiles=%d",
		len(snap.Tokens), len(snap.Balances), len(snap.Approvals), len(snap.Listings), len(snap.Profiles))
	return nil
}
