package repository

import (
	"context"
	"errors"
	"time"

	"bezsettle/internal/model"

	"gorm.io/gorm"
)

type IdempotencyRepository struct {
	db *gorm.DB
}

func NewIdempotencyRepository(db *gorm.DB) *IdempotencyRepository {
	return &IdempotencyRepository{db: db}
}

// Get 未找到返回 nil, nil
func (r *IdempotencyRepository) Get(ctx context.Context, tx *gorm.DB, key string) (*model.IdempotencyMarker, error) {
	var marker model.IdempotencyMarker
	err := conn(r.db, tx).WithContext(ctx).Where("idem_key = ?", key).First(&marker).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &marker, nil
}

// Create 唯一索引冲突时返回 ErrDuplicateKey，调用方据此回滚并走重放逻辑
func (r *IdempotencyRepository) Create(ctx context.Context, tx *gorm.DB, marker *model.IdempotencyMarker) error {
	err := conn(r.db, tx).WithContext(ctx).Create(marker).Error
	if IsDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

// PurgeExpired 删除过期标记，分批执行避免长事务
func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.IdempotencyMarker{}).
		Where("expires_at < ?", before).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, err
	}

	result := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.IdempotencyMarker{})
	return result.RowsAffected, result.Error
}
