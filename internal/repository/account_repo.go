package repository

import (
	"context"
	"errors"
	"time"

	"bezsettle/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) GetByAccountID(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	var account model.Account
	err := conn(r.db, tx).WithContext(ctx).Where("account_id = ?", accountID).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// GetOrCreate 账户惰性创建，并发创建时依赖唯一索引 + ON CONFLICT DO NOTHING
func (r *AccountRepository) GetOrCreate(ctx context.Context, tx *gorm.DB, accountID string) (*model.Account, error) {
	account, err := r.GetByAccountID(ctx, tx, accountID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	newAccount := &model.Account{
		AccountID:      accountID,
		Balance:        0,
		OnChainBalance: "0",
	}
	err = conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}},
			DoNothing: true,
		}).
		Create(newAccount).Error
	if err != nil {
		return nil, err
	}

	return r.GetByAccountID(ctx, tx, accountID)
}

// Deduct 条件扣减：WHERE balance >= amount
// 数据库单条语句完成"检查+扣减"，余额永远不会被扣成负数
func (r *AccountRepository) Deduct(ctx context.Context, tx *gorm.DB, accountID string, amount int64) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ? AND balance >= ?", accountID, amount).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance - ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBalanceNotEnough
	}
	return nil
}

func (r *AccountRepository) Increase(ctx context.Context, tx *gorm.DB, accountID string, amount int64) error {
	result := conn(r.db, tx).WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"balance": gorm.Expr("balance + ?", amount),
			"version": gorm.Expr("version + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpdateOnChainBalance 记录链上余额快照，不影响可用积分
func (r *AccountRepository) UpdateOnChainBalance(ctx context.Context, accountID, balance string, syncedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.Account{}).
		Where("account_id = ?", accountID).
		Updates(map[string]interface{}{
			"onchain_balance": balance,
			"last_synced_at":  syncedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
