package repository

import (
	"context"
	"errors"
	"time"

	"bezsettle/internal/model"

	"gorm.io/gorm"
)

type SettlementRepository struct {
	db *gorm.DB
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

func (r *SettlementRepository) Create(ctx context.Context, tx *gorm.DB, s *model.Settlement) error {
	err := conn(r.db, tx).WithContext(ctx).Create(s).Error
	if IsDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (r *SettlementRepository) GetByReference(ctx context.Context, reference string) (*model.Settlement, error) {
	var s model.Settlement
	err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &s, nil
}

// GetByIdempotencyKey 未找到返回 nil, nil
func (r *SettlementRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.Settlement, error) {
	var s model.Settlement
	err := r.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

// UpdateStatus CAS 状态迁移，patch 中的字段与状态在同一条语句里写入
func (r *SettlementRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, reference, fromStatus, toStatus string, patch map[string]interface{}) error {
	if !model.CanSettlementTransitionTo(fromStatus, toStatus) {
		return ErrStateInvalid
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	for k, v := range patch {
		updates[k] = v
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Settlement{}).
		Where("reference = ? AND status = ?", reference, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStateInvalid
	}
	return nil
}

// RecordAttempt 记录一次失败的尝试，状态不变，推迟下次执行时间
func (r *SettlementRepository) RecordAttempt(ctx context.Context, reference, status string, nextAttemptAt time.Time, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.Settlement{}).
		Where("reference = ? AND status = ?", reference, status).
		Updates(map[string]interface{}{
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": nextAttemptAt,
			"last_error":      lastError,
		}).Error
}

// GetDueForSubmit 待提交上链的提现
func (r *SettlementRepository) GetDueForSubmit(ctx context.Context, now time.Time, limit int) ([]*model.Settlement, error) {
	var list []*model.Settlement
	err := r.db.WithContext(ctx).
		Where("direction = ? AND status = ? AND next_attempt_at <= ?",
			model.SettlementDirectionOut, model.SettlementStatusPending, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// GetDueForReconcile 等待链上确认的结算：已提交的提现和待确认的购买
func (r *SettlementRepository) GetDueForReconcile(ctx context.Context, now time.Time, limit int) ([]*model.Settlement, error) {
	var list []*model.Settlement
	err := r.db.WithContext(ctx).
		Where("next_attempt_at <= ?", now).
		Where(r.db.
			Where("status = ?", model.SettlementStatusSubmitted).
			Or("direction = ? AND status = ?", model.SettlementDirectionIn, model.SettlementStatusPending)).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// Postpone 交易尚未确认，只推迟下次检查时间，不计入失败次数
func (r *SettlementRepository) Postpone(ctx context.Context, reference, status string, nextAttemptAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.Settlement{}).
		Where("reference = ? AND status = ?", reference, status).
		Update("next_attempt_at", nextAttemptAt).Error
}
