package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"time"

	"bezsettle/internal/apperr"
	"bezsettle/internal/chain"
	"bezsettle/internal/config"
	"bezsettle/internal/event"
	"bezsettle/internal/infrastructure/lock"
	"bezsettle/internal/ledger"
	"bezsettle/internal/metrics"
	"bezsettle/internal/model"
	"bezsettle/internal/repository"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 链上结算协调
// ============================================================================
//
// OUT（提现/放款上链）：
//   请求 -> 乐观扣减积分 -> PENDING -> worker 提交转账 -> SUBMITTED -> 回执确认 -> CONFIRMED
//                                       | 重试耗尽 -> FAILED + 冲正        | 交易回滚 -> REVERSED + 冲正
//
// IN（链上购买积分）：
//   用户提交交易哈希 -> PENDING -> 回执确认且包含向金库的转账 -> 入账 -> CONFIRMED
//                               | 交易回滚 / 不含转账 / 重试耗尽 -> FAILED
//
// 每一步资金变动都有固定的幂等键，worker 重复执行不会重复记账。
//
// ============================================================================

type SettlementService struct {
	store          ledger.Store
	settlementRepo *repository.SettlementRepository
	chain          chain.Client
	redisClient    *redis.Client
	accounts       *AccountService
	sink           event.Sink
	metrics        *metrics.Metrics
	cfg            *config.SettlementConfig
	chainCfg       *config.ChainConfig
	log            *zap.Logger
	now            func() time.Time
}

func NewSettlementService(
	db *gorm.DB,
	store ledger.Store,
	chainClient chain.Client,
	redisClient *redis.Client,
	accounts *AccountService,
	sink event.Sink,
	m *metrics.Metrics,
	cfg *config.Config,
	log *zap.Logger,
) *SettlementService {
	return &SettlementService{
		store:          store,
		settlementRepo: repository.NewSettlementRepository(db),
		chain:          chainClient,
		redisClient:    redisClient,
		accounts:       accounts,
		sink:           sink,
		metrics:        m,
		cfg:            &cfg.Settlement,
		chainCfg:       &cfg.Chain,
		log:            log,
		now:            time.Now,
	}
}

type TransferRequest struct {
	AccountID      string `json:"account_id" binding:"required"`
	WalletAddress  string `json:"wallet_address"`
	Amount         int64  `json:"amount" binding:"required,gt=0"`
	Direction      string `json:"-"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	TxHash         string `json:"tx_hash"`
	EscrowNo       string `json:"-"`
}

type TransferResponse struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	Amount    int64  `json:"amount"`
	TxHash    string `json:"tx_hash,omitempty"`
}

func toTransferResponse(s *model.Settlement) *TransferResponse {
	return &TransferResponse{
		Reference: s.Reference,
		Status:    s.Status,
		Direction: s.Direction,
		Amount:    s.Amount,
		TxHash:    s.TxHash,
	}
}

// RequestOnChainTransfer 创建结算单并立即返回，链上部分由 worker 异步完成
func (s *SettlementService) RequestOnChainTransfer(ctx context.Context, req *TransferRequest) (*TransferResponse, error) {
	accountID := NormalizeAccountID(req.AccountID)
	if accountID == "" {
		return nil, apperr.Validation("account_id 不能为空")
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("金额必须大于0: %d", req.Amount)
	}
	if req.IdempotencyKey == "" {
		return nil, apperr.Validation("idempotency_key 不能为空")
	}
	if req.Direction != model.SettlementDirectionIn && req.Direction != model.SettlementDirectionOut {
		return nil, apperr.Validation("方向不合法: %s", req.Direction)
	}

	wallet := req.WalletAddress
	if wallet == "" {
		wallet = accountID
	}
	wallet, ok := chain.NormalizeAddress(wallet)
	if !ok {
		return nil, apperr.Validation("钱包地址不合法: %s", req.WalletAddress)
	}

	txHash := ""
	if req.Direction == model.SettlementDirectionIn {
		if !chain.IsTxHash(req.TxHash) {
			return nil, apperr.Validation("购买需要提供合法的交易哈希")
		}
		// 入账对象就是付款地址，不允许替别人认领购买
		if account, ok := chain.NormalizeAddress(accountID); !ok || account != wallet {
			return nil, apperr.Validation("购买的钱包地址必须与账户一致: %s", req.WalletAddress)
		}
		txHash = NormalizeAccountID(req.TxHash)
	}

	// 幂等
	existing, err := s.settlementRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("查询结算单失败: %w", err)
	}
	if existing != nil {
		return s.resume(ctx, existing)
	}

	// OUT 先以 AWAITING_DEBIT 落库，扣减成功后才放给 worker
	status := model.SettlementStatusPending
	if req.Direction == model.SettlementDirectionOut {
		status = model.SettlementStatusAwaitingDebit
	}

	now := s.now()
	settlement := &model.Settlement{
		Reference:      uuid.NewString(),
		IdempotencyKey: req.IdempotencyKey,
		AccountID:      accountID,
		WalletAddress:  wallet,
		Amount:         req.Amount,
		TokenAmount:    chain.ToTokenUnits(req.Amount, s.chainCfg.TokenDecimals).String(),
		Direction:      req.Direction,
		Status:         status,
		TxHash:         txHash,
		NextAttemptAt:  now,
		EscrowNo:       req.EscrowNo,
	}
	if err := s.settlementRepo.Create(ctx, nil, settlement); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			existing, getErr := s.settlementRepo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if getErr == nil && existing != nil {
				return s.resume(ctx, existing)
			}
		}
		return nil, fmt.Errorf("创建结算单失败: %w", err)
	}

	s.log.Info("创建结算单",
		zap.String("reference", settlement.Reference),
		zap.String("direction", settlement.Direction),
		zap.String("account_id", accountID),
		zap.Int64("amount", settlement.Amount))

	if settlement.Direction == model.SettlementDirectionOut {
		return s.debitAndRelease(ctx, settlement)
	}
	return toTransferResponse(settlement), nil
}

// resume 幂等重放：还没扣减成功的提现重新走一遍扣减
func (s *SettlementService) resume(ctx context.Context, st *model.Settlement) (*TransferResponse, error) {
	if st.Status == model.SettlementStatusAwaitingDebit {
		return s.debitAndRelease(ctx, st)
	}
	return toTransferResponse(st), nil
}

// debitAndRelease 扣减链下余额，成功后把结算单迁到 PENDING 交给 worker 上链。
// 扣减以 debitKey 幂等，重复调用最多扣一次
func (s *SettlementService) debitAndRelease(ctx context.Context, st *model.Settlement) (*TransferResponse, error) {
	_, err := s.store.TryDebit(ctx, &ledger.DebitRequest{
		AccountID:      st.AccountID,
		Amount:         st.Amount,
		IdempotencyKey: debitKey(st.Reference),
		Type:           model.TransactionTypeWithdraw,
		Remark:         "提现到 " + st.WalletAddress,
	})
	if errors.Is(err, apperr.ErrInsufficientCredit) {
		casErr := s.settlementRepo.UpdateStatus(ctx, nil, st.Reference,
			model.SettlementStatusAwaitingDebit, model.SettlementStatusFailed,
			map[string]interface{}{"last_error": "余额不足"})
		if casErr != nil && !errors.Is(casErr, repository.ErrStateInvalid) {
			return nil, fmt.Errorf("标记结算单失败: %w", casErr)
		}
		return nil, err
	}
	if err != nil {
		// 结算单保持 AWAITING_DEBIT，用同一个幂等键重试即可
		s.log.Warn("提现扣减失败，等待重试",
			zap.String("reference", st.Reference),
			zap.Error(err))
		return nil, fmt.Errorf("提现扣减失败: %w", err)
	}
	s.accounts.Invalidate(ctx, st.AccountID)

	err = s.settlementRepo.UpdateStatus(ctx, nil, st.Reference,
		model.SettlementStatusAwaitingDebit, model.SettlementStatusPending,
		map[string]interface{}{"next_attempt_at": s.now()})
	if err != nil {
		if !errors.Is(err, repository.ErrStateInvalid) {
			return nil, fmt.Errorf("更新结算单失败: %w", err)
		}
		// 并发重放已经迁移过
		current, getErr := s.settlementRepo.GetByReference(ctx, st.Reference)
		if getErr != nil {
			return nil, getErr
		}
		return toTransferResponse(current), nil
	}
	st.Status = model.SettlementStatusPending
	return toTransferResponse(st), nil
}

func (s *SettlementService) Get(ctx context.Context, reference string) (*model.Settlement, error) {
	return s.settlementRepo.GetByReference(ctx, reference)
}

// Submit 提交 OUT 转账，同一结算单同一时刻只有一个实例在提交
func (s *SettlementService) Submit(ctx context.Context, reference string) error {
	st, err := s.settlementRepo.GetByReference(ctx, reference)
	if err != nil {
		return err
	}
	if st.Direction != model.SettlementDirectionOut || st.Status != model.SettlementStatusPending {
		return nil
	}

	if s.redisClient != nil {
		l := lock.NewSettlementLock(s.redisClient, reference, 2*s.cfg.CallTimeout)
		ok, err := l.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("获取结算锁失败: %w", err)
		}
		if !ok {
			return nil
		}
		defer func() {
			if err := l.Unlock(context.Background()); err != nil {
				s.log.Warn("释放结算锁失败", zap.String("reference", reference), zap.Error(err))
			}
		}()

		// 拿到锁后重新读取，避免别的实例已经提交
		st, err = s.settlementRepo.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		if st.Status != model.SettlementStatusPending {
			return nil
		}
	}

	amount, ok := new(big.Int).SetString(st.TokenAmount, 10)
	if !ok {
		return s.fail(ctx, st, fmt.Sprintf("token_amount 不合法: %s", st.TokenAmount), true)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	txHash, err := s.chain.Transfer(callCtx, st.WalletAddress, amount)
	cancel()
	if err != nil {
		s.metrics.SettlementAttempts.WithLabelValues("transfer", "error").Inc()
		return s.recordFailure(ctx, st, err, true)
	}
	s.metrics.SettlementAttempts.WithLabelValues("transfer", "ok").Inc()

	err = s.settlementRepo.UpdateStatus(ctx, nil, reference, model.SettlementStatusPending, model.SettlementStatusSubmitted,
		map[string]interface{}{
			"tx_hash":         txHash,
			"attempts":        0,
			"last_error":      "",
			"next_attempt_at": s.now().Add(s.cfg.PollInterval),
		})
	if err != nil {
		// 交易已经发出，只能记录下来等待人工处理
		s.log.Error("交易已发出但更新结算单失败",
			zap.String("reference", reference),
			zap.String("tx_hash", txHash),
			zap.Error(err))
		return err
	}

	s.log.Info("转账已提交",
		zap.String("reference", reference),
		zap.String("tx_hash", txHash))
	return nil
}

// Reconcile 查询回执推进结算状态，重复调用是安全的
func (s *SettlementService) Reconcile(ctx context.Context, reference string) (*model.Settlement, error) {
	st, err := s.settlementRepo.GetByReference(ctx, reference)
	if err != nil {
		return nil, err
	}

	switch {
	case st.Status == model.SettlementStatusConfirmed,
		st.Status == model.SettlementStatusFailed,
		st.Status == model.SettlementStatusReversed:
		return st, nil
	case st.Direction == model.SettlementDirectionOut &&
		(st.Status == model.SettlementStatusPending || st.Status == model.SettlementStatusAwaitingDebit):
		// 还没有提交
		return st, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	receipt, err := s.chain.Receipt(callCtx, st.TxHash)
	cancel()

	switch {
	case errors.Is(err, chain.ErrPending):
		s.metrics.SettlementAttempts.WithLabelValues("receipt", "pending").Inc()
		if err := s.settlementRepo.Postpone(ctx, reference, st.Status, s.now().Add(s.cfg.PollInterval)); err != nil {
			return nil, err
		}
		return s.settlementRepo.GetByReference(ctx, reference)
	case err != nil:
		s.metrics.SettlementAttempts.WithLabelValues("receipt", "error").Inc()
		if err := s.recordFailure(ctx, st, err, false); err != nil {
			return nil, err
		}
		return s.settlementRepo.GetByReference(ctx, reference)
	}
	s.metrics.SettlementAttempts.WithLabelValues("receipt", "ok").Inc()

	if st.Direction == model.SettlementDirectionIn {
		err = s.reconcileIn(ctx, st, receipt)
	} else {
		err = s.reconcileOut(ctx, st, receipt)
	}
	if err != nil {
		return nil, err
	}
	return s.settlementRepo.GetByReference(ctx, reference)
}

func (s *SettlementService) reconcileIn(ctx context.Context, st *model.Settlement, receipt *chain.Receipt) error {
	if !receipt.Success {
		return s.fail(ctx, st, "链上交易已回滚", false)
	}

	expected, _ := new(big.Int).SetString(st.TokenAmount, 10)
	treasury := s.treasury()
	if expected == nil || !receipt.HasTransfer(st.WalletAddress, treasury, expected) {
		return s.fail(ctx, st, "交易中没有向金库转入足额代币", false)
	}

	// 入账键绑定交易哈希，同一笔链上交易只能兑换一次
	if _, err := s.store.Credit(ctx, &ledger.CreditRequest{
		AccountID:      st.AccountID,
		Amount:         st.Amount,
		IdempotencyKey: purchaseKey(st.TxHash),
		Type:           model.TransactionTypePurchase,
		Source:         "settlement:" + st.Reference,
	}); err != nil {
		return fmt.Errorf("购买入账失败: %w", err)
	}
	s.accounts.Invalidate(ctx, st.AccountID)

	return s.confirm(ctx, st)
}

func (s *SettlementService) reconcileOut(ctx context.Context, st *model.Settlement, receipt *chain.Receipt) error {
	if receipt.Success {
		return s.confirm(ctx, st)
	}

	if err := s.reverse(ctx, st); err != nil {
		return err
	}
	err := s.settlementRepo.UpdateStatus(ctx, nil, st.Reference, st.Status, model.SettlementStatusReversed,
		map[string]interface{}{"last_error": "链上交易已回滚"})
	if errors.Is(err, repository.ErrStateInvalid) {
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.SettlementResults.WithLabelValues(st.Direction, model.SettlementStatusReversed).Inc()
	s.log.Error("提现交易回滚，积分已冲正",
		zap.String("reference", st.Reference),
		zap.String("tx_hash", st.TxHash))
	s.publish(ctx, event.TypeSettlementReversed, st, "链上交易已回滚")
	return nil
}

func (s *SettlementService) confirm(ctx context.Context, st *model.Settlement) error {
	now := s.now()
	err := s.settlementRepo.UpdateStatus(ctx, nil, st.Reference, st.Status, model.SettlementStatusConfirmed,
		map[string]interface{}{"confirmed_at": now, "last_error": ""})
	if errors.Is(err, repository.ErrStateInvalid) {
		// 重复确认
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.SettlementResults.WithLabelValues(st.Direction, model.SettlementStatusConfirmed).Inc()
	s.log.Info("结算已确认",
		zap.String("reference", st.Reference),
		zap.String("direction", st.Direction),
		zap.String("tx_hash", st.TxHash))
	s.publish(ctx, event.TypeSettlementConfirmed, st, "")
	return nil
}

// recordFailure 临时错误按指数退避重试，次数耗尽转 FAILED
func (s *SettlementService) recordFailure(ctx context.Context, st *model.Settlement, cause error, reversible bool) error {
	attempts := st.Attempts + 1
	if attempts >= s.cfg.MaxAttempts {
		return s.fail(ctx, st, fmt.Sprintf("重试 %d 次后失败: %v", attempts, cause), reversible)
	}

	next := s.now().Add(s.Backoff(attempts))
	s.log.Warn("链上调用失败，等待重试",
		zap.String("reference", st.Reference),
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next),
		zap.Error(cause))
	return s.settlementRepo.RecordAttempt(ctx, st.Reference, st.Status, next, truncateError(cause.Error()))
}

// fail 转 FAILED；reversible 表示链上确定没有转出，可以把乐观扣减的积分冲正
func (s *SettlementService) fail(ctx context.Context, st *model.Settlement, reason string, reversible bool) error {
	if reversible && st.Direction == model.SettlementDirectionOut {
		if err := s.reverse(ctx, st); err != nil {
			return err
		}
	} else if st.Status == model.SettlementStatusSubmitted {
		reason += "，交易状态未知，需人工对账"
	}

	err := s.settlementRepo.UpdateStatus(ctx, nil, st.Reference, st.Status, model.SettlementStatusFailed,
		map[string]interface{}{
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": truncateError(reason),
		})
	if errors.Is(err, repository.ErrStateInvalid) {
		return nil
	}
	if err != nil {
		return err
	}

	s.metrics.SettlementResults.WithLabelValues(st.Direction, model.SettlementStatusFailed).Inc()
	s.log.Error("结算失败",
		zap.String("reference", st.Reference),
		zap.String("direction", st.Direction),
		zap.String("account_id", st.AccountID),
		zap.Int64("amount", st.Amount),
		zap.String("reason", reason),
		zap.Error(apperr.ErrSettlementFailed))
	s.publish(ctx, event.TypeSettlementFailed, st, reason)
	return nil
}

// reverse 退回 OUT 乐观扣减的积分
func (s *SettlementService) reverse(ctx context.Context, st *model.Settlement) error {
	_, err := s.store.Credit(ctx, &ledger.CreditRequest{
		AccountID:      st.AccountID,
		Amount:         st.Amount,
		IdempotencyKey: reversalKey(st.Reference),
		Type:           model.TransactionTypeReversal,
		Source:         "settlement:" + st.Reference,
	})
	if err != nil {
		return fmt.Errorf("冲正失败: %w", err)
	}
	s.accounts.Invalidate(ctx, st.AccountID)
	return nil
}

func (s *SettlementService) publish(ctx context.Context, eventType string, st *model.Settlement, reason string) {
	evt := &event.Event{
		Type: eventType,
		Key:  st.Reference,
		Payload: map[string]interface{}{
			"reference":  st.Reference,
			"account_id": st.AccountID,
			"direction":  st.Direction,
			"amount":     st.Amount,
			"tx_hash":    st.TxHash,
			"escrow_no":  st.EscrowNo,
			"reason":     reason,
		},
	}
	if err := s.sink.Publish(ctx, evt); err != nil {
		s.log.Error("投递结算事件失败", zap.String("reference", st.Reference), zap.Error(err))
	}
}

// Backoff 第 attempts 次失败后的等待时间：initial * multiplier^(attempts-1)，不超过 max
func (s *SettlementService) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := float64(s.cfg.InitialBackoff) * math.Pow(s.cfg.BackoffMultiplier, float64(attempts-1))
	if delay > float64(s.cfg.MaxBackoff) || math.IsInf(delay, 0) {
		return s.cfg.MaxBackoff
	}
	return time.Duration(delay)
}

// ProcessDue worker 调用：提交到期的转账，检查待确认的回执
func (s *SettlementService) ProcessDue(ctx context.Context) (int, error) {
	now := s.now()
	processed := 0

	toSubmit, err := s.settlementRepo.GetDueForSubmit(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("查询待提交结算单失败: %w", err)
	}
	for _, st := range toSubmit {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if err := s.Submit(ctx, st.Reference); err != nil {
			s.log.Error("提交结算单失败", zap.String("reference", st.Reference), zap.Error(err))
			continue
		}
		processed++
	}

	toReconcile, err := s.settlementRepo.GetDueForReconcile(ctx, now, s.cfg.BatchSize)
	if err != nil {
		return processed, fmt.Errorf("查询待确认结算单失败: %w", err)
	}
	for _, st := range toReconcile {
		if ctx.Err() != nil {
			return processed, ctx.Err()
		}
		if _, err := s.Reconcile(ctx, st.Reference); err != nil {
			s.log.Error("对账失败", zap.String("reference", st.Reference), zap.Error(err))
			continue
		}
		processed++
	}
	return processed, nil
}

// SyncOnChainBalance 读取链上 BEZ 余额保存到账户
func (s *SettlementService) SyncOnChainBalance(ctx context.Context, accountID string) (*model.Account, error) {
	addr, ok := chain.NormalizeAddress(accountID)
	if !ok {
		return nil, apperr.Validation("钱包地址不合法: %s", accountID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	balance, err := s.chain.BalanceOf(callCtx, addr)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("查询链上余额失败: %w", err)
	}

	if err := s.store.SetOnChainBalance(ctx, addr, balance.String(), s.now()); err != nil {
		return nil, err
	}
	return s.store.GetAccount(ctx, addr)
}

func (s *SettlementService) treasury() string {
	if s.chainCfg.TreasuryAddress != "" {
		if addr, ok := chain.NormalizeAddress(s.chainCfg.TreasuryAddress); ok {
			return addr
		}
	}
	if t, ok := s.chain.(interface{ TreasuryAddress() string }); ok {
		return t.TreasuryAddress()
	}
	return ""
}

func debitKey(reference string) string    { return "settlement:" + reference + ":debit" }
func reversalKey(reference string) string { return "settlement:" + reference + ":reversal" }
func purchaseKey(txHash string) string    { return "purchase:" + txHash + ":credit" }

func truncateError(msg string) string {
	if len(msg) > 500 {
		return msg[:500]
	}
	return msg
}
