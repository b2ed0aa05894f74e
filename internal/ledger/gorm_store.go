package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bezsettle/internal/apperr"
	"bezsettle/internal/model"
	"bezsettle/internal/repository"
	"bezsettle/pkg/idgen"

	"gorm.io/gorm"
)

// DefaultRetention 幂等标记默认保留时间
const DefaultRetention = 7 * 24 * time.Hour

// GormStore 基于 gorm 的账本实现，MySQL 和 SQLite 通用
//
// 事务内的所有查询都必须走 tx，sqlite 下连接池只有一个连接，
// 在事务里再用 db 查询会一直等待自己释放连接
type GormStore struct {
	db              *gorm.DB
	retention       time.Duration
	accountRepo     *repository.AccountRepository
	transactionRepo *repository.TransactionRepository
	markerRepo      *repository.IdempotencyRepository
	escrowRepo      *repository.EscrowRepository
}

func NewGormStore(db *gorm.DB, retention time.Duration) *GormStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &GormStore{
		db:              db,
		retention:       retention,
		accountRepo:     repository.NewAccountRepository(db),
		transactionRepo: repository.NewTransactionRepository(db),
		markerRepo:      repository.NewIdempotencyRepository(db),
		escrowRepo:      repository.NewEscrowRepository(db),
	}
}

var _ Store = (*GormStore)(nil)

func (s *GormStore) GetBalance(ctx context.Context, accountID string) (int64, error) {
	account, err := s.accountRepo.GetByAccountID(ctx, nil, accountID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

func (s *GormStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.accountRepo.GetOrCreate(ctx, nil, accountID)
}

// ============================================================================
// 扣减
// ============================================================================
//
// 1. 幂等键已存在 -> 直接返回原始结果
// 2. 事务内：条件扣减 -> 读取扣减后余额 -> 写幂等标记 -> 写流水
// 3. 幂等标记唯一索引冲突（并发重复请求）-> 回滚，返回先提交那次的结果
//
// ============================================================================

func (s *GormStore) TryDebit(ctx context.Context, req *DebitRequest) (*DebitResult, error) {
	if err := validateMutation(req.AccountID, req.Amount, req.IdempotencyKey); err != nil {
		return nil, err
	}

	if snap, err := s.lookup(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if snap != nil {
		return replayDebit(snap), nil
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, nil, req.AccountID); err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}

	txType := req.Type
	if txType == "" {
		txType = model.TransactionTypeConsume
	}

	var result *DebitResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Deduct(ctx, tx, req.AccountID, req.Amount); err != nil {
			return err
		}

		snap, err := s.record(ctx, tx, model.IdempotencyScopeDebit, req.AccountID, req.IdempotencyKey,
			-req.Amount, txType, req.Remark)
		if err != nil {
			return err
		}

		result = &DebitResult{
			Applied:       true,
			NewBalance:    snap.BalanceAfter,
			Amount:        req.Amount,
			TransactionNo: snap.TransactionNo,
		}
		return nil
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, repository.ErrDuplicateKey), errors.Is(err, repository.ErrBalanceNotEnough):
		// 余额不足也可能是并发的同一请求刚扣完，先确认幂等键
		snap, lookupErr := s.lookup(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if snap != nil {
			return replayDebit(snap), nil
		}
		if errors.Is(err, repository.ErrBalanceNotEnough) {
			return nil, fmt.Errorf("%w: account=%s, amount=%d", apperr.ErrInsufficientCredit, req.AccountID, req.Amount)
		}
		return nil, fmt.Errorf("扣减失败: %w", err)
	default:
		return nil, fmt.Errorf("扣减失败: %w", err)
	}
}

// ============================================================================
// 入账
// ============================================================================

func (s *GormStore) Credit(ctx context.Context, req *CreditRequest) (*CreditResult, error) {
	if err := validateMutation(req.AccountID, req.Amount, req.IdempotencyKey); err != nil {
		return nil, err
	}

	if snap, err := s.lookup(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	} else if snap != nil {
		return replayCredit(snap), nil
	}

	if _, err := s.accountRepo.GetOrCreate(ctx, nil, req.AccountID); err != nil {
		return nil, fmt.Errorf("获取账户失败: %w", err)
	}

	txType := req.Type
	if txType == "" {
		txType = model.TransactionTypeAdjust
	}

	var result *CreditResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.accountRepo.Increase(ctx, tx, req.AccountID, req.Amount); err != nil {
			return err
		}

		snap, err := s.record(ctx, tx, model.IdempotencyScopeCredit, req.AccountID, req.IdempotencyKey,
			req.Amount, txType, req.Source)
		if err != nil {
			return err
		}

		result = &CreditResult{
			Applied:       true,
			NewBalance:    snap.BalanceAfter,
			Amount:        req.Amount,
			TransactionNo: snap.TransactionNo,
		}
		return nil
	})

	if errors.Is(err, repository.ErrDuplicateKey) {
		snap, lookupErr := s.lookup(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if snap != nil {
			return replayCredit(snap), nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("入账失败: %w", err)
	}
	return result, nil
}

// record 余额已在 tx 内变更，补写幂等标记和流水
func (s *GormStore) record(ctx context.Context, tx *gorm.DB, scope, accountID, key string, delta int64, txType, remark string) (*model.MutationSnapshot, error) {
	account, err := s.accountRepo.GetByAccountID(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}

	snap := &model.MutationSnapshot{
		Amount:        delta,
		BalanceBefore: account.Balance - delta,
		BalanceAfter:  account.Balance,
		TransactionNo: idgen.GenerateTransactionNo(),
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	marker := &model.IdempotencyMarker{
		IdemKey:   key,
		Scope:     scope,
		AccountID: accountID,
		Result:    string(raw),
		ExpiresAt: time.Now().Add(s.retention),
	}
	if err := s.markerRepo.Create(ctx, tx, marker); err != nil {
		return nil, err
	}

	trans := &model.AccountTransaction{
		TransactionNo: snap.TransactionNo,
		AccountID:     accountID,
		Reference:     key,
		Amount:        delta,
		Type:          txType,
		BalanceBefore: snap.BalanceBefore,
		BalanceAfter:  snap.BalanceAfter,
		Remark:        truncate(remark, 256),
	}
	if err := s.transactionRepo.Create(ctx, tx, trans); err != nil {
		return nil, fmt.Errorf("写入流水失败: %w", err)
	}
	return snap, nil
}

func (s *GormStore) lookup(ctx context.Context, key string) (*model.MutationSnapshot, error) {
	marker, err := s.markerRepo.Get(ctx, nil, key)
	if err != nil {
		return nil, fmt.Errorf("查询幂等标记失败: %w", err)
	}
	if marker == nil {
		return nil, nil
	}

	var snap model.MutationSnapshot
	if err := json.Unmarshal([]byte(marker.Result), &snap); err != nil {
		return nil, fmt.Errorf("解析幂等标记失败: key=%s, %w", key, err)
	}
	return &snap, nil
}

func replayDebit(snap *model.MutationSnapshot) *DebitResult {
	return &DebitResult{
		Replayed:      true,
		NewBalance:    snap.BalanceAfter,
		Amount:        -snap.Amount,
		TransactionNo: snap.TransactionNo,
	}
}

func replayCredit(snap *model.MutationSnapshot) *CreditResult {
	return &CreditResult{
		Replayed:      true,
		NewBalance:    snap.BalanceAfter,
		Amount:        snap.Amount,
		TransactionNo: snap.TransactionNo,
	}
}

func validateMutation(accountID string, amount int64, key string) error {
	if accountID == "" {
		return apperr.Validation("account_id 不能为空")
	}
	if amount <= 0 {
		return apperr.Validation("金额必须大于0: %d", amount)
	}
	if key == "" {
		return apperr.Validation("幂等键不能为空")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ============================================================================
// 托管记录
// ============================================================================

func (s *GormStore) CreateEscrow(ctx context.Context, record *model.EscrowRecord) (string, error) {
	if record.EscrowNo == "" {
		record.EscrowNo = idgen.GenerateEscrowNo()
	}
	if record.State == "" {
		record.State = model.EscrowStateCreated
	}
	if record.SettlementStatus == "" {
		record.SettlementStatus = model.EscrowSettlementNone
	}
	if err := s.escrowRepo.Create(ctx, nil, record); err != nil {
		return "", err
	}
	return record.EscrowNo, nil
}

// UpdateEscrowState CAS 迁移，状态不匹配或迁移不合法返回 apperr.ErrStateConflict
func (s *GormStore) UpdateEscrowState(ctx context.Context, escrowNo, fromState, toState string, patch EscrowPatch) error {
	return s.escrowRepo.UpdateState(ctx, nil, escrowNo, fromState, toState, patch)
}

func (s *GormStore) GetEscrow(ctx context.Context, escrowNo string) (*model.EscrowRecord, error) {
	return s.escrowRepo.GetByEscrowNo(ctx, escrowNo)
}

func (s *GormStore) GetEscrowByRequestID(ctx context.Context, requestID string) (*model.EscrowRecord, error) {
	return s.escrowRepo.GetByRequestID(ctx, requestID)
}

// ============================================================================
// 其他
// ============================================================================

func (s *GormStore) SetOnChainBalance(ctx context.Context, accountID, balance string, syncedAt time.Time) error {
	if _, err := s.accountRepo.GetOrCreate(ctx, nil, accountID); err != nil {
		return err
	}
	return s.accountRepo.UpdateOnChainBalance(ctx, accountID, balance, syncedAt)
}

func (s *GormStore) ListTransactions(ctx context.Context, accountID string, page, pageSize int) ([]*model.AccountTransaction, int64, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	return s.transactionRepo.ListByAccountID(ctx, accountID, page, pageSize)
}
