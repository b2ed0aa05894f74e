package repository

import (
	"context"
	"errors"
	"time"

	"bezsettle/internal/model"

	"gorm.io/gorm"
)

type EscrowRepository struct {
	db *gorm.DB
}

func NewEscrowRepository(db *gorm.DB) *EscrowRepository {
	return &EscrowRepository{db: db}
}

func (r *EscrowRepository) Create(ctx context.Context, tx *gorm.DB, record *model.EscrowRecord) error {
	err := conn(r.db, tx).WithContext(ctx).Create(record).Error
	if IsDuplicateKey(err) {
		return ErrDuplicateKey
	}
	return err
}

func (r *EscrowRepository) GetByEscrowNo(ctx context.Context, escrowNo string) (*model.EscrowRecord, error) {
	var record model.EscrowRecord
	err := r.db.WithContext(ctx).Where("escrow_no = ?", escrowNo).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEscrowNotFound
		}
		return nil, err
	}
	return &record, nil
}

// GetByRequestID 未找到返回 nil, nil
func (r *EscrowRepository) GetByRequestID(ctx context.Context, requestID string) (*model.EscrowRecord, error) {
	var record model.EscrowRecord
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// UpdateState CAS 状态迁移：WHERE escrow_no = ? AND state = from
// 并发迁移同一条记录时只有一个能成功，另一个拿到 ErrStateInvalid
func (r *EscrowRepository) UpdateState(ctx context.Context, tx *gorm.DB, escrowNo, fromState, toState string, patch map[string]interface{}) error {
	if !model.CanEscrowTransitionTo(fromState, toState) {
		return ErrStateInvalid
	}

	updates := map[string]interface{}{
		"state": toState,
	}
	for k, v := range patch {
		updates[k] = v
	}

	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.EscrowRecord{}).
		Where("escrow_no = ? AND state = ?", escrowNo, fromState).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByEscrowNo(ctx, escrowNo); err != nil {
			return err
		}
		return ErrStateInvalid
	}
	return nil
}

// UpdateSettlement 只能从 PENDING 改为 SETTLED，或在 PENDING 下记录错误
func (r *EscrowRepository) UpdateSettlement(ctx context.Context, escrowNo, status, lastError string) error {
	return r.db.WithContext(ctx).
		Model(&model.EscrowRecord{}).
		Where("escrow_no = ? AND settlement_status = ?", escrowNo, model.EscrowSettlementPending).
		Updates(map[string]interface{}{
			"settlement_status": status,
			"last_error":        lastError,
		}).Error
}

// GetExpiredLocked 超过评分截止时间仍未评分的托管
func (r *EscrowRepository) GetExpiredLocked(ctx context.Context, now time.Time, limit int) ([]*model.EscrowRecord, error) {
	var records []*model.EscrowRecord
	err := r.db.WithContext(ctx).
		Where("state = ? AND evaluation_deadline < ?", model.EscrowStateLocked, now).
		Order("evaluation_deadline ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// GetDisputeWindowClosed 争议期已过、可以按评分结算的托管
func (r *EscrowRepository) GetDisputeWindowClosed(ctx context.Context, now time.Time, limit int) ([]*model.EscrowRecord, error) {
	var records []*model.EscrowRecord
	err := r.db.WithContext(ctx).
		Where("state = ? AND dispute_deadline < ?", model.EscrowStateEvaluated, now).
		Order("dispute_deadline ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// GetPendingSettlement 已进入终态但资金划转未完成的托管
func (r *EscrowRepository) GetPendingSettlement(ctx context.Context, beforeTime time.Time, limit int) ([]*model.EscrowRecord, error) {
	var records []*model.EscrowRecord
	err := r.db.WithContext(ctx).
		Where("settlement_status = ? AND updated_at < ?", model.EscrowSettlementPending, beforeTime).
		Order("updated_at ASC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountByState 各状态数量统计
func (r *EscrowRepository) CountByState(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		State string
		Count int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.EscrowRecord{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	stats := make(map[string]int64, len(rows))
	for _, row := range rows {
		stats[row.State] = row.Count
	}
	return stats, nil
}

// PayeeStats 收款方已结束托管的聚合统计
type PayeeStats struct {
	PayeeAccountID string
	EscrowCount    int64
	ScoredCount    int64
	AvgScore       float64
	PenalizedCount int64
	TotalReleased  int64
}

// payeeStatsQuery 只统计 RELEASED / PENALIZED / REFUNDED，CANCELLED 没有发生过交付
func (r *EscrowRepository) payeeStatsQuery(ctx context.Context) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&model.EscrowRecord{}).
		Select("payee_account_id, COUNT(*) AS escrow_count, COUNT(score) AS scored_count, "+
			"COALESCE(AVG(score), 0) AS avg_score, "+
			"SUM(CASE WHEN state = ? THEN 1 ELSE 0 END) AS penalized_count, "+
			"COALESCE(SUM(resolution_amount), 0) AS total_released",
			model.EscrowStatePenalized).
		Where("state IN ?", []string{model.EscrowStateReleased, model.EscrowStatePenalized, model.EscrowStateRefunded}).
		Group("payee_account_id")
}

// StatsByPayee 单个收款方的统计，没有记录时返回全零
func (r *EscrowRepository) StatsByPayee(ctx context.Context, payee string) (*PayeeStats, error) {
	var rows []*PayeeStats
	err := r.payeeStatsQuery(ctx).
		Where("payee_account_id = ?", payee).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return &PayeeStats{PayeeAccountID: payee}, nil
	}
	return rows[0], nil
}

// TopPayees 按平均评分排序，评分相同时交付次数多的在前
func (r *EscrowRepository) TopPayees(ctx context.Context, limit int) ([]*PayeeStats, error) {
	var rows []*PayeeStats
	err := r.payeeStatsQuery(ctx).
		Order("avg_score DESC").
		Order("escrow_count DESC").
		Order("payee_account_id ASC").
		Limit(limit).
		Scan(&rows).Error
	return rows, err
}
