package repository

import (
	"context"
	"fmt"

	"tokenmarket/internal/model"
	"tokenmarket/internal/store"

	"gorm.io/gorm"
)

const snapshotBatchSize = 500

// SnapshotModels 快照涉及的全部主数据表
var SnapshotModels = []interface{}{
	&model.Token{},
	&model.Balance{},
	&model.Approval{},
	&model.Listing{},
	&model.UserProfile{},
	&model.Counter{},
}

type SnapshotRepository struct {
	db *gorm.DB
}

func NewSnapshotRepository(db *gorm.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Save 在一个数据库事务里整体替换快照表，读者永远看不到新旧混合的状态
func (r *SnapshotRepository) Save(ctx context.Context, snap *store.Snapshot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range SnapshotModels {
			if err := tx.Where("1 = 1").Delete(m).Error; err != nil {
				return fmt.Errorf("清空快照表失败: %w", err)
			}
		}

		if err := createAll(tx, snap.Tokens); err != nil {
			return fmt.Errorf("写入代币失败: %w", err)
		}
		if err := createAll(tx, snap.Balances); err != nil {
			return fmt.Errorf("写入余额失败: %w", err)
		}
		if err := createAll(tx, snap.Approvals); err != nil {
			return fmt.Errorf("写入授权失败: %w", err)
		}
		if err := createAll(tx, snap.Listings); err != nil {
			return fmt.Errorf("写入挂单失败: %w", err)
		}
		if err := createAll(tx, snap.Profiles); err != nil {
			return fmt.Errorf("写入用户画像失败: %w", err)
		}
		if err := createAll(tx, snap.Counters); err != nil {
			return fmt.Errorf("写入计数器失败: %w", err)
		}
		return nil
	})
}

func createAll[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	return tx.CreateInBatches(rows, snapshotBatchSize).Error
}

// Load 读出最近一次保存的快照；表为空时返回空快照
func (r *SnapshotRepository) Load(ctx context.Context) (*store.Snapshot, error) {
	snap := &store.Snapshot{}
	db := r.db.WithContext(ctx)

	if err := db.Order("id ASC").Find(&snap.Tokens).Error; err != nil {
		return nil, fmt.Errorf("读取代币失败: %w", err)
	}
	if err := db.Order("token_id ASC, account ASC").Find(&snap.Balances).Error; err != nil {
		return nil, fmt.Errorf("读取余额失败: %w", err)
	}
	if err := db.Order("token_id ASC, owner ASC, spender ASC").Find(&snap.Approvals).Error; err != nil {
		return nil, fmt.Errorf("读取授权失败: %w", err)
	}
	if err := db.Order("id ASC").Find(&snap.Listings).Error; err != nil {
		return nil, fmt.Errorf("读取挂单失败: %w", err)
	}
	if err := db.Order("account ASC").Find(&snap.Profiles).Error; err != nil {
		return nil, fmt.Errorf("读取用户画像失败: %w", err)
	}
	if err := db.Order("name ASC").Find(&snap.Counters).Error; err != nil {
		return nil, fmt.Errorf("读取计数器失败: %w", err)
	}
	return snap, nil
}
