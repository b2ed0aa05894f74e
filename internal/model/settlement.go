package model

import (
	"time"
)

const (
	SettlementDirectionIn  = "IN"  // 链上购买，确认后入账
	SettlementDirectionOut = "OUT" // 提现/放款上链，先乐观扣减
)

const (
	SettlementStatusAwaitingDebit = "AWAITING_DEBIT" // OUT 已落库但尚未扣减，worker 不会处理
	SettlementStatusPending       = "PENDING"
	SettlementStatusSubmitted     = "SUBMITTED"
	SettlementStatusConfirmed     = "CONFIRMED"
	SettlementStatusFailed        = "FAILED"
	SettlementStatusReversed      = "REVERSED"
)

var ValidSettlementTransitions = map[string][]string{
	SettlementStatusAwaitingDebit: {SettlementStatusPending, SettlementStatusFailed},
	SettlementStatusPending:       {SettlementStatusSubmitted, SettlementStatusConfirmed, SettlementStatusFailed},
	SettlementStatusSubmitted:     {SettlementStatusConfirmed, SettlementStatusFailed, SettlementStatusReversed},
}

func CanSettlementTransitionTo(currentStatus, targetStatus string) bool {
	allowed, exists := ValidSettlementTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Settlement 链上转账意图
// IN 方向由用户提交购买交易哈希，确认后给账户入账；
// OUT 方向在请求时乐观扣减积分，链上失败后冲正
type Settlement struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Reference      string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	IdempotencyKey string     `gorm:"type:varchar(128);uniqueIndex;not null" json:"idempotency_key"`
	AccountID      string     `gorm:"type:varchar(64);index;not null" json:"account_id"`
	WalletAddress  string     `gorm:"type:varchar(64);not null" json:"wallet_address"`
	Amount         int64      `gorm:"not null" json:"amount"`
	TokenAmount    string     `gorm:"type:varchar(80);not null" json:"token_amount"`
	Direction      string     `gorm:"type:varchar(8);not null" json:"direction"`
	Status         string     `gorm:"type:varchar(16);index;not null" json:"status"`
	TxHash         string     `gorm:"type:varchar(80);index" json:"tx_hash,omitempty"`
	Attempts       int        `gorm:"not null;default:0" json:"attempts"`
	NextAttemptAt  time.Time  `gorm:"index;not null" json:"next_attempt_at"`
	LastError      string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	EscrowNo       string     `gorm:"type:varchar(64);index" json:"escrow_no,omitempty"`
	ConfirmedAt    *time.Time `json:"confirmed_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Settlement) TableName() string {
	return "settlement"
}
