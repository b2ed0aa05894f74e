package model

import (
	"time"
)

// ============================================================================
// 账本流水类型
// ============================================================================

const (
	TransactionTypeConsume       = "CONSUME"        // 聊天扣费
	TransactionTypePurchase      = "PURCHASE"       // 链上购买入账
	TransactionTypeEscrowLock    = "ESCROW_LOCK"    // 托管锁定（付款方出账）
	TransactionTypeEscrowRelease = "ESCROW_RELEASE" // 托管放款（收款方入账）
	TransactionTypeEscrowRefund  = "ESCROW_REFUND"  // 托管退款（付款方入账）
	TransactionTypeWithdraw      = "WITHDRAW"       // 提现到链上（乐观扣减）
	TransactionTypeReversal      = "REVERSAL"       // 链上失败后的冲正
	TransactionTypeAdjust        = "ADJUST"         // 人工调账
)

// AccountTransaction 账户流水表
//
// 流水只追加、不修改，每一笔余额变动都对应一条记录，
// reference 保存幂等键，便于对账时追溯到消息ID / 托管单 / 结算单
type AccountTransaction struct {
	ID            int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TransactionNo string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"transaction_no"`
	AccountID     string    `gorm:"type:varchar(64);index;not null" json:"account_id"`
	Reference     string    `gorm:"type:varchar(128);index;not null" json:"reference"`
	Amount        int64     `gorm:"not null" json:"amount"` // 正数入账，负数出账
	Type          string    `gorm:"type:varchar(20);not null" json:"type"`
	BalanceBefore int64     `gorm:"not null" json:"balance_before"`
	BalanceAfter  int64     `gorm:"not null" json:"balance_after"`
	Remark        string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (AccountTransaction) TableName() string {
	return "account_transaction"
}
