// Package ledger 账本存储：余额、托管记录、幂等标记的原子读写
//
// 所有余额变动都通过 TryDebit / Credit 完成，每次变动在同一个数据库事务里
// 写入余额、流水和幂等标记。相同幂等键重复提交时不会再次生效，
// 返回第一次执行时的结果。
package ledger

import (
	"context"
	"time"

	"bezsettle/internal/model"
)

// DebitRequest 扣减请求
type DebitRequest struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
	Type           string // model.TransactionType*
	Remark         string
}

type DebitResult struct {
	Applied       bool  // 本次调用实际扣减
	Replayed      bool  // 幂等键已存在，返回原始结果
	NewBalance    int64 // 扣减后余额；重放时为原始执行后的余额
	Amount        int64
	TransactionNo string
}

// CreditRequest 入账请求
type CreditRequest struct {
	AccountID      string
	Amount         int64
	IdempotencyKey string
	Type           string
	Source         string // 来源：托管单号 / 结算单号 / 人工
}

type CreditResult struct {
	Applied       bool
	Replayed      bool
	NewBalance    int64
	Amount        int64
	TransactionNo string
}

// EscrowPatch 状态迁移时一起写入的字段
type EscrowPatch map[string]interface{}

// Store 账本存储
type Store interface {
	GetBalance(ctx context.Context, accountID string) (int64, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	TryDebit(ctx context.Context, req *DebitRequest) (*DebitResult, error)
	Credit(ctx context.Context, req *CreditRequest) (*CreditResult, error)

	CreateEscrow(ctx context.Context, record *model.EscrowRecord) (string, error)
	UpdateEscrowState(ctx context.Context, escrowNo, fromState, toState string, patch EscrowPatch) error
	GetEscrow(ctx context.Context, escrowNo string) (*model.EscrowRecord, error)
	GetEscrowByRequestID(ctx context.Context, requestID string) (*model.EscrowRecord, error)

	SetOnChainBalance(ctx context.Context, accountID, balance string, syncedAt time.Time) error
	ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.AccountTransaction, int64, error)
}
