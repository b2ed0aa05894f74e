package repository

import (
	"errors"
	"fmt"
	"strings"

	"bezsettle/internal/apperr"

	"gorm.io/gorm"
)

var (
	ErrAccountNotFound    = fmt.Errorf("%w: 账户不存在", apperr.ErrNotFound)
	ErrEscrowNotFound     = fmt.Errorf("%w: 托管单不存在", apperr.ErrNotFound)
	ErrSettlementNotFound = fmt.Errorf("%w: 结算单不存在", apperr.ErrNotFound)
	ErrBalanceNotEnough   = fmt.Errorf("%w: 余额不足", apperr.ErrInsufficientCredit)
	ErrStateInvalid       = fmt.Errorf("%w: 状态不合法", apperr.ErrStateConflict)
	ErrDuplicateKey       = errors.New("唯一键冲突")
)

// IsDuplicateKey 判断是否为唯一索引冲突
// 开启 TranslateError 后 gorm 会返回 ErrDuplicatedKey，部分驱动版本仍返回原始错误，按错误文本兜底
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicateKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

func conn(db, tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return db
	}
	return tx
}
