package model

import (
	"time"
)

const (
	IdempotencyScopeDebit  = "DEBIT"
	IdempotencyScopeCredit = "CREDIT"
)

// IdempotencyMarker 幂等标记表
// 与它保护的余额变更在同一个事务内写入，重放请求直接返回 Result 中记录的原始结果
type IdempotencyMarker struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	IdemKey   string    `gorm:"column:idem_key;type:varchar(128);uniqueIndex;not null" json:"idem_key"`
	Scope     string    `gorm:"type:varchar(16);not null" json:"scope"`
	AccountID string    `gorm:"type:varchar(64);not null" json:"account_id"`
	Result    string    `gorm:"type:text;not null" json:"result"`
	ExpiresAt time.Time `gorm:"index;not null" json:"expires_at"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (IdempotencyMarker) TableName() string {
	return "idempotency_marker"
}

// MutationSnapshot 幂等标记中保存的原始执行结果
type MutationSnapshot struct {
	Amount        int64  `json:"amount"`
	BalanceBefore int64  `json:"balance_before"`
	BalanceAfter  int64  `json:"balance_after"`
	TransactionNo string `json:"transaction_no"`
}
