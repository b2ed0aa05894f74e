package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"bezsettle/internal/apperr"
	"bezsettle/internal/chain"
	"bezsettle/internal/config"
	"bezsettle/internal/event"
	"bezsettle/internal/ledger"
	"bezsettle/internal/metrics"
	"bezsettle/internal/model"
	"bezsettle/internal/repository"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 质量托管
// ============================================================================
//
//   CREATED ──锁定资金──> LOCKED ──评分──> EVALUATED ──> RELEASED / PENALIZED
//      │                   │                  │
//      └─余额不足─> CANCELLED └─超时─> REFUNDED   └─争议─> DISPUTED ─> ARBITRATED ─> RELEASED / PENALIZED / REFUNDED
//
// 所有迁移都是 CAS（WHERE state = from），并发评分只有一个成功。
// 进入终态时同一条语句写入 settlement_status=PENDING，随后划转资金：
//   收款方入账  escrow:<no>:payee   金额 = resolution_amount
//   付款方退款  escrow:<no>:payer   金额 = amount - resolution_amount
// 划转失败保持 PENDING，由补偿任务用相同的幂等键重试。
//
// ============================================================================

type EscrowService struct {
	store      ledger.Store
	escrowRepo *repository.EscrowRepository
	policy     *QualityPolicy
	settlement *SettlementService
	accounts   *AccountService
	sink       event.Sink
	metrics    *metrics.Metrics
	cfg        *config.EscrowConfig
	log        *zap.Logger
	now        func() time.Time
}

func NewEscrowService(
	db *gorm.DB,
	store ledger.Store,
	policy *QualityPolicy,
	settlement *SettlementService,
	accounts *AccountService,
	sink event.Sink,
	m *metrics.Metrics,
	cfg *config.EscrowConfig,
	log *zap.Logger,
) *EscrowService {
	return &EscrowService{
		store:      store,
		escrowRepo: repository.NewEscrowRepository(db),
		policy:     policy,
		settlement: settlement,
		accounts:   accounts,
		sink:       sink,
		metrics:    m,
		cfg:        cfg,
		log:        log,
		now:        time.Now,
	}
}

type EscrowCreateRequest struct {
	RequestID             string `json:"request_id" binding:"required"`
	ServiceID             string `json:"service_id" binding:"required"`
	PayerAccountID        string `json:"payer_account_id" binding:"required"`
	PayeeAccountID        string `json:"payee_account_id" binding:"required"`
	Amount                int64  `json:"amount" binding:"required,gt=0"`
	Currency              string `json:"currency"`
	InitialQuality        int    `json:"initial_quality" binding:"required,min=1,max=100"`
	EvaluationWindowHours int    `json:"evaluation_window_hours"` // 0 表示使用默认配置
}

type EscrowResponse struct {
	EscrowNo         string     `json:"escrow_no"`
	State            string     `json:"state"`
	Amount           int64      `json:"amount"`
	ProposedOutcome  string     `json:"proposed_outcome,omitempty"`
	ResolutionAmount int64      `json:"resolution_amount"`
	SettlementStatus string     `json:"settlement_status"`
	Deadline         *time.Time `json:"evaluation_deadline,omitempty"`
}

func toEscrowResponse(r *model.EscrowRecord) *EscrowResponse {
	return &EscrowResponse{
		EscrowNo:         r.EscrowNo,
		State:            r.State,
		Amount:           r.Amount,
		ProposedOutcome:  r.ProposedOutcome,
		ResolutionAmount: r.ResolutionAmount,
		SettlementStatus: r.SettlementStatus,
		Deadline:         r.EvaluationDeadline,
	}
}

// Create 创建托管并锁定付款方资金，按 request_id 幂等
func (s *EscrowService) Create(ctx context.Context, req *EscrowCreateRequest) (*EscrowResponse, error) {
	payer, ok := chain.NormalizeAddress(req.PayerAccountID)
	if !ok {
		return nil, apperr.Validation("付款方地址不合法: %s", req.PayerAccountID)
	}
	payee, ok := chain.NormalizeAddress(req.PayeeAccountID)
	if !ok {
		return nil, apperr.Validation("收款方地址不合法: %s", req.PayeeAccountID)
	}
	if payer == payee {
		return nil, apperr.Validation("付款方和收款方不能相同")
	}
	if req.RequestID == "" || req.ServiceID == "" {
		return nil, apperr.Validation("request_id 和 service_id 不能为空")
	}
	if req.Amount <= 0 {
		return nil, apperr.Validation("托管金额必须大于0: %d", req.Amount)
	}
	if req.InitialQuality < 1 || req.InitialQuality > 100 {
		return nil, apperr.Validation("initial_quality 必须在 1-100 之间: %d", req.InitialQuality)
	}
	if req.EvaluationWindowHours < 0 {
		return nil, apperr.Validation("evaluation_window_hours 不能为负数")
	}
	currency := req.Currency
	if currency == "" {
		currency = "BEZ"
	}

	// 幂等：同一个 request_id 返回已有托管，未完成锁定的继续锁定
	existing, err := s.store.GetEscrowByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询托管失败: %w", err)
	}
	if existing != nil {
		return s.resumeCreate(ctx, existing, req.EvaluationWindowHours)
	}

	record := &model.EscrowRecord{
		RequestID:        req.RequestID,
		ServiceID:        req.ServiceID,
		PayerAccountID:   payer,
		PayeeAccountID:   payee,
		Amount:           req.Amount,
		Currency:         currency,
		InitialQuality:   req.InitialQuality,
		QualityThreshold: s.cfg.QualityThreshold,
		MinAcceptable:    s.cfg.MinAcceptable,
		State:            model.EscrowStateCreated,
		SettlementStatus: model.EscrowSettlementNone,
	}
	if _, err := s.store.CreateEscrow(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateKey) {
			existing, getErr := s.store.GetEscrowByRequestID(ctx, req.RequestID)
			if getErr == nil && existing != nil {
				return s.resumeCreate(ctx, existing, req.EvaluationWindowHours)
			}
		}
		return nil, fmt.Errorf("创建托管失败: %w", err)
	}

	return s.lockFunds(ctx, record, req.EvaluationWindowHours)
}

func (s *EscrowService) resumeCreate(ctx context.Context, record *model.EscrowRecord, windowHours int) (*EscrowResponse, error) {
	switch record.State {
	case model.EscrowStateCreated:
		return s.lockFunds(ctx, record, windowHours)
	case model.EscrowStateCancelled:
		return nil, fmt.Errorf("%w: 托管 %s 已因余额不足取消", apperr.ErrInsufficientCredit, record.EscrowNo)
	}
	return toEscrowResponse(record), nil
}

// lockFunds 扣减付款方并 CAS CREATED -> LOCKED
func (s *EscrowService) lockFunds(ctx context.Context, record *model.EscrowRecord, windowHours int) (*EscrowResponse, error) {
	_, err := s.store.TryDebit(ctx, &ledger.DebitRequest{
		AccountID:      record.PayerAccountID,
		Amount:         record.Amount,
		IdempotencyKey: escrowKey(record.EscrowNo, "lock"),
		Type:           model.TransactionTypeEscrowLock,
		Remark:         "托管锁定 " + record.EscrowNo,
	})
	if errors.Is(err, apperr.ErrInsufficientCredit) {
		now := s.now()
		if casErr := s.transition(ctx, record, model.EscrowStateCancelled, ledger.EscrowPatch{
			"resolved_at": now,
			"last_error":  "余额不足",
		}); casErr != nil && !errors.Is(casErr, apperr.ErrStateConflict) {
			return nil, casErr
		}
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("锁定托管资金失败: %w", err)
	}
	s.accounts.Invalidate(ctx, record.PayerAccountID)

	window := s.cfg.EvaluationWindow
	if windowHours > 0 {
		window = time.Duration(windowHours) * time.Hour
	}
	now := s.now()
	deadline := now.Add(window)

	err = s.transition(ctx, record, model.EscrowStateLocked, ledger.EscrowPatch{
		"locked_at":           now,
		"evaluation_deadline": deadline,
	})
	if errors.Is(err, apperr.ErrStateConflict) {
		// 并发的同一请求已完成锁定
		current, getErr := s.store.GetEscrow(ctx, record.EscrowNo)
		if getErr != nil {
			return nil, getErr
		}
		return toEscrowResponse(current), nil
	}
	if err != nil {
		return nil, err
	}

	record.State = model.EscrowStateLocked
	record.LockedAt = &now
	record.EvaluationDeadline = &deadline

	s.log.Info("托管已锁定",
		zap.String("escrow_no", record.EscrowNo),
		zap.String("payer", record.PayerAccountID),
		zap.String("payee", record.PayeeAccountID),
		zap.Int64("amount", record.Amount),
		zap.Time("evaluation_deadline", deadline))
	return toEscrowResponse(record), nil
}

// ============================================================================
// 评分
// ============================================================================

type ScoreSubmissionRequest struct {
	EscrowNo    string `json:"-"`
	Score       *int   `json:"score" binding:"required"`
	EvaluatorID string `json:"evaluator_id" binding:"required"`
}

type ScoreResult struct {
	EscrowNo         string `json:"escrow_no"`
	ProposedOutcome  string `json:"proposed_outcome,omitempty"`
	NewState         string `json:"new_state"`
	ResolutionAmount int64  `json:"resolution_amount"`
	SettlementStatus string `json:"settlement_status"`
	DeadlineExpired  bool   `json:"deadline_expired,omitempty"`
}

func (s *EscrowService) SubmitScore(ctx context.Context, req *ScoreSubmissionRequest) (*ScoreResult, error) {
	if req.Score == nil {
		return nil, apperr.Validation("score 不能为空")
	}
	score := *req.Score
	if score < 0 || score > 100 {
		return nil, apperr.Validation("score 必须在 0-100 之间: %d", score)
	}

	var result *ScoreResult
	err := s.retryOnConflict(func() error {
		record, err := s.store.GetEscrow(ctx, req.EscrowNo)
		if err != nil {
			return err
		}
		if record.State != model.EscrowStateLocked {
			return apperr.Conflict("托管 %s 当前状态 %s，不能评分", record.EscrowNo, record.State)
		}

		now := s.now()
		if record.EvaluationDeadline != nil && now.After(*record.EvaluationDeadline) {
			// 超过评分截止时间，默认退款
			if err := s.expire(ctx, record); err != nil {
				return err
			}
			result = &ScoreResult{
				EscrowNo:         record.EscrowNo,
				NewState:         record.State,
				ResolutionAmount: 0,
				SettlementStatus: record.SettlementStatus,
				DeadlineExpired:  true,
			}
			return nil
		}

		outcome, resolution := s.policy.Evaluate(score, record.QualityThreshold, record.MinAcceptable, record.Amount)
		disputeDeadline := now.Add(s.cfg.DisputeWindow)
		err = s.transition(ctx, record, model.EscrowStateEvaluated, ledger.EscrowPatch{
			"score":             score,
			"evaluator_id":      req.EvaluatorID,
			"proposed_outcome":  outcome,
			"resolution_amount": resolution,
			"evaluated_at":      now,
			"dispute_deadline":  disputeDeadline,
		})
		if err != nil {
			return err
		}
		record.State = model.EscrowStateEvaluated
		record.Score = &score
		record.ProposedOutcome = outcome
		record.ResolutionAmount = resolution
		record.DisputeDeadline = &disputeDeadline

		s.log.Info("托管已评分",
			zap.String("escrow_no", record.EscrowNo),
			zap.Int("score", score),
			zap.String("outcome", outcome),
			zap.Int64("resolution_amount", resolution))

		// 没有争议期时立即结算
		if s.cfg.DisputeWindow <= 0 {
			if err := s.finalize(ctx, record, TerminalState(resolution), resolution, nil); err != nil {
				return err
			}
		}

		result = &ScoreResult{
			EscrowNo:         record.EscrowNo,
			ProposedOutcome:  outcome,
			NewState:         record.State,
			ResolutionAmount: record.ResolutionAmount,
			SettlementStatus: record.SettlementStatus,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ============================================================================
// 争议与仲裁
// ============================================================================

type DisputeRequest struct {
	EscrowNo  string `json:"-"`
	AccountID string `json:"account_id" binding:"required"`
	Reason    string `json:"reason" binding:"required"`
}

func (s *EscrowService) Dispute(ctx context.Context, req *DisputeRequest) (*EscrowResponse, error) {
	accountID := NormalizeAccountID(req.AccountID)

	var resp *EscrowResponse
	err := s.retryOnConflict(func() error {
		record, err := s.store.GetEscrow(ctx, req.EscrowNo)
		if err != nil {
			return err
		}
		if accountID != record.PayerAccountID && accountID != record.PayeeAccountID {
			return fmt.Errorf("%w: 只有付款方或收款方可以发起争议", apperr.ErrForbidden)
		}
		if record.State != model.EscrowStateEvaluated {
			return apperr.Conflict("托管 %s 当前状态 %s，不能发起争议", record.EscrowNo, record.State)
		}
		if record.DisputeDeadline != nil && s.now().After(*record.DisputeDeadline) {
			return fmt.Errorf("%w: 争议期已结束", apperr.ErrDeadlineExpired)
		}

		notes := fmt.Sprintf("[争议] %s: %s", accountID, req.Reason)
		if err := s.transition(ctx, record, model.EscrowStateDisputed, ledger.EscrowPatch{
			"arbitration_notes": notes,
		}); err != nil {
			return err
		}
		record.State = model.EscrowStateDisputed
		resp = toEscrowResponse(record)

		s.log.Info("托管进入争议",
			zap.String("escrow_no", record.EscrowNo),
			zap.String("account_id", accountID))
		return nil
	})
	return resp, err
}

type ArbitrationRequest struct {
	EscrowNo         string `json:"-"`
	ArbitratorID     string `json:"arbitrator_id" binding:"required"`
	FinalState       string `json:"final_state" binding:"required,oneof=RELEASED PENALIZED REFUNDED"`
	ResolutionAmount int64  `json:"resolution_amount"`
	Notes            string `json:"notes"`
}

// Arbitrate 仲裁是唯一可以覆盖公式结果的途径
func (s *EscrowService) Arbitrate(ctx context.Context, req *ArbitrationRequest) (*EscrowResponse, error) {
	if !s.isArbitrator(req.ArbitratorID) {
		return nil, fmt.Errorf("%w: %s 不是仲裁员", apperr.ErrForbidden, req.ArbitratorID)
	}

	var resp *EscrowResponse
	err := s.retryOnConflict(func() error {
		record, err := s.store.GetEscrow(ctx, req.EscrowNo)
		if err != nil {
			return err
		}

		if req.ResolutionAmount < 0 || req.ResolutionAmount > record.Amount {
			return apperr.Validation("resolution_amount 必须在 0-%d 之间", record.Amount)
		}
		switch req.FinalState {
		case model.EscrowStateReleased:
			if req.ResolutionAmount == 0 {
				return apperr.Validation("RELEASED 的放款金额必须大于0")
			}
		case model.EscrowStatePenalized, model.EscrowStateRefunded:
			if req.ResolutionAmount != 0 {
				return apperr.Validation("%s 的放款金额必须为0", req.FinalState)
			}
		default:
			return apperr.Validation("final_state 不合法: %s", req.FinalState)
		}

		notes := strings.TrimSpace(record.ArbitrationNotes + "\n" +
			fmt.Sprintf("[仲裁] %s: %s", NormalizeAccountID(req.ArbitratorID), req.Notes))

		if record.State == model.EscrowStateDisputed {
			if err := s.transition(ctx, record, model.EscrowStateArbitrated, ledger.EscrowPatch{
				"arbitration_notes": notes,
				"resolution_amount": req.ResolutionAmount,
			}); err != nil {
				return err
			}
			record.State = model.EscrowStateArbitrated
		}
		if record.State != model.EscrowStateArbitrated {
			return apperr.Conflict("托管 %s 当前状态 %s，不能仲裁", record.EscrowNo, record.State)
		}

		if err := s.finalize(ctx, record, req.FinalState, req.ResolutionAmount, ledger.EscrowPatch{
			"arbitration_notes": notes,
		}); err != nil {
			return err
		}
		resp = toEscrowResponse(record)

		s.log.Info("托管已仲裁",
			zap.String("escrow_no", record.EscrowNo),
			zap.String("arbitrator", req.ArbitratorID),
			zap.String("final_state", req.FinalState),
			zap.Int64("resolution_amount", req.ResolutionAmount))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *EscrowService) isArbitrator(id string) bool {
	id = NormalizeAccountID(id)
	if id == "" {
		return false
	}
	for _, a := range s.cfg.Arbitrators {
		if NormalizeAccountID(a) == id {
			return true
		}
	}
	return false
}

// ============================================================================
// 后台任务调用
// ============================================================================

// ExpireOverdue 评分截止时间已过仍在 LOCKED 的托管退款
func (s *EscrowService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	records, err := s.escrowRepo.GetExpiredLocked(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("查询超时托管失败: %w", err)
	}

	count := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		err := s.expire(ctx, record)
		if errors.Is(err, apperr.ErrStateConflict) {
			// 刚好被评分
			continue
		}
		if err != nil {
			s.log.Error("托管超时退款失败", zap.String("escrow_no", record.EscrowNo), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// SettleDue 争议期已过的托管按评分结果结算
func (s *EscrowService) SettleDue(ctx context.Context, limit int) (int, error) {
	records, err := s.escrowRepo.GetDisputeWindowClosed(ctx, s.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("查询待结算托管失败: %w", err)
	}

	count := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		err := s.finalize(ctx, record, TerminalState(record.ResolutionAmount), record.ResolutionAmount, nil)
		if errors.Is(err, apperr.ErrStateConflict) {
			continue
		}
		if err != nil {
			s.log.Error("托管结算失败", zap.String("escrow_no", record.EscrowNo), zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

// RetryPendingSettlements 重试资金划转未完成的托管
func (s *EscrowService) RetryPendingSettlements(ctx context.Context, before time.Time, limit int) (int, error) {
	records, err := s.escrowRepo.GetPendingSettlement(ctx, before, limit)
	if err != nil {
		return 0, fmt.Errorf("查询待划转托管失败: %w", err)
	}

	count := 0
	for _, record := range records {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		if err := s.payout(ctx, record); err != nil {
			s.log.Warn("托管资金划转仍失败",
				zap.String("escrow_no", record.EscrowNo),
				zap.Error(err))
			continue
		}
		count++
	}
	return count, nil
}

func (s *EscrowService) Get(ctx context.Context, escrowNo string) (*model.EscrowRecord, error) {
	return s.store.GetEscrow(ctx, escrowNo)
}

// Stats 各状态托管数量
func (s *EscrowService) Stats(ctx context.Context) (map[string]int64, error) {
	return s.escrowRepo.CountByState(ctx)
}

// ============================================================================
// 信誉
// ============================================================================

const (
	defaultLeaderboardLimit = 100
	maxLeaderboardLimit     = 500
)

// reputationTiers 按平均评分折算成 0-1000 分后的等级，从高到低
var reputationTiers = []struct {
	Name string
	Min  float64
}{
	{"LEGENDARY", 950},
	{"MASTER", 900},
	{"EXPERT", 850},
	{"PROFESSIONAL", 800},
	{"INTERMEDIATE", 700},
	{"BEGINNER", 0},
}

// ReputationSummary 收款方在已结束托管上的表现
type ReputationSummary struct {
	Address        string  `json:"address"`
	Tier           string  `json:"tier"`
	EscrowCount    int64   `json:"escrow_count"`
	ScoredCount    int64   `json:"scored_count"`
	AverageScore   float64 `json:"average_score"`
	PenalizedCount int64   `json:"penalized_count"`
	TotalReleased  int64   `json:"total_released"`
}

type LeaderboardEntry struct {
	Rank int `json:"rank"`
	ReputationSummary
}

func reputationTier(stats *repository.PayeeStats) string {
	if stats.ScoredCount == 0 {
		return "BEGINNER"
	}
	points := stats.AvgScore * 10
	for _, tier := range reputationTiers {
		if points >= tier.Min {
			return tier.Name
		}
	}
	return "BEGINNER"
}

func toReputationSummary(stats *repository.PayeeStats) ReputationSummary {
	return ReputationSummary{
		Address:        stats.PayeeAccountID,
		Tier:           reputationTier(stats),
		EscrowCount:    stats.EscrowCount,
		ScoredCount:    stats.ScoredCount,
		AverageScore:   math.Round(stats.AvgScore*100) / 100,
		PenalizedCount: stats.PenalizedCount,
		TotalReleased:  stats.TotalReleased,
	}
}

// Reputation 单个地址作为收款方的信誉，没有记录时各项为零
func (s *EscrowService) Reputation(ctx context.Context, address string) (*ReputationSummary, error) {
	addr, ok := chain.NormalizeAddress(address)
	if !ok {
		return nil, apperr.Validation("地址不合法: %s", address)
	}
	stats, err := s.escrowRepo.StatsByPayee(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("查询信誉失败: %w", err)
	}
	summary := toReputationSummary(stats)
	return &summary, nil
}

// Leaderboard 按平均评分排序的收款方排行，limit <= 0 时取默认值
func (s *EscrowService) Leaderboard(ctx context.Context, limit int) ([]*LeaderboardEntry, error) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	if limit > maxLeaderboardLimit {
		limit = maxLeaderboardLimit
	}
	rows, err := s.escrowRepo.TopPayees(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("查询排行榜失败: %w", err)
	}
	entries := make([]*LeaderboardEntry, 0, len(rows))
	for i, row := range rows {
		entries = append(entries, &LeaderboardEntry{
			Rank:              i + 1,
			ReputationSummary: toReputationSummary(row),
		})
	}
	return entries, nil
}

// ============================================================================
// 内部
// ============================================================================

// expire LOCKED -> REFUNDED，resolution = 0
func (s *EscrowService) expire(ctx context.Context, record *model.EscrowRecord) error {
	if err := s.finalize(ctx, record, model.EscrowStateRefunded, 0, ledger.EscrowPatch{
		"proposed_outcome": "",
	}); err != nil {
		return err
	}
	s.log.Warn("评分超时，托管自动退款",
		zap.String("escrow_no", record.EscrowNo),
		zap.Error(apperr.ErrDeadlineExpired))
	return nil
}

// finalize 写入终态和 settlement_status=PENDING，然后划转资金
// 划转失败不返回错误：终态已经确定，由补偿任务继续
func (s *EscrowService) finalize(ctx context.Context, record *model.EscrowRecord, toState string, resolution int64, extra ledger.EscrowPatch) error {
	if resolution < 0 || resolution > record.Amount {
		return apperr.Validation("resolution_amount 越界: %d", resolution)
	}

	now := s.now()
	patch := ledger.EscrowPatch{
		"resolution_amount": resolution,
		"resolved_at":       now,
		"settlement_status": model.EscrowSettlementPending,
	}
	for k, v := range extra {
		patch[k] = v
	}
	if err := s.transition(ctx, record, toState, patch); err != nil {
		return err
	}
	record.State = toState
	record.ResolutionAmount = resolution
	record.ResolvedAt = &now
	record.SettlementStatus = model.EscrowSettlementPending

	if err := s.payout(ctx, record); err != nil {
		s.log.Error("托管资金划转失败，等待补偿",
			zap.String("escrow_no", record.EscrowNo),
			zap.String("state", toState),
			zap.Error(err))
	}
	return nil
}

// payout 按固定幂等键划转资金，可以重复调用
func (s *EscrowService) payout(ctx context.Context, record *model.EscrowRecord) error {
	err := s.transfer(ctx, record)
	if err != nil {
		if updErr := s.escrowRepo.UpdateSettlement(ctx, record.EscrowNo, model.EscrowSettlementPending,
			truncateError(err.Error())); updErr != nil {
			s.log.Error("记录划转错误失败", zap.String("escrow_no", record.EscrowNo), zap.Error(updErr))
		}
		record.LastError = err.Error()
		return err
	}

	if err := s.escrowRepo.UpdateSettlement(ctx, record.EscrowNo, model.EscrowSettlementSettled, ""); err != nil {
		return err
	}
	record.SettlementStatus = model.EscrowSettlementSettled
	record.LastError = ""
	return nil
}

func (s *EscrowService) transfer(ctx context.Context, record *model.EscrowRecord) error {
	payeeShare := record.ResolutionAmount
	payerRefund := record.Amount - record.ResolutionAmount

	if payeeShare > 0 {
		if _, err := s.store.Credit(ctx, &ledger.CreditRequest{
			AccountID:      record.PayeeAccountID,
			Amount:         payeeShare,
			IdempotencyKey: escrowKey(record.EscrowNo, "payee"),
			Type:           model.TransactionTypeEscrowRelease,
			Source:         record.EscrowNo,
		}); err != nil {
			return fmt.Errorf("收款方入账失败: %w", err)
		}

		if s.cfg.OnChainPayout && s.settlement != nil {
			if _, err := s.settlement.RequestOnChainTransfer(ctx, &TransferRequest{
				AccountID:      record.PayeeAccountID,
				Amount:         payeeShare,
				Direction:      model.SettlementDirectionOut,
				IdempotencyKey: escrowKey(record.EscrowNo, "payee:onchain"),
				EscrowNo:       record.EscrowNo,
			}); err != nil {
				return fmt.Errorf("创建链上放款失败: %w", err)
			}
		}
	}

	if payerRefund > 0 {
		if _, err := s.store.Credit(ctx, &ledger.CreditRequest{
			AccountID:      record.PayerAccountID,
			Amount:         payerRefund,
			IdempotencyKey: escrowKey(record.EscrowNo, "payer"),
			Type:           model.TransactionTypeEscrowRefund,
			Source:         record.EscrowNo,
		}); err != nil {
			return fmt.Errorf("付款方退款失败: %w", err)
		}
	}

	s.accounts.Invalidate(ctx, record.PayerAccountID, record.PayeeAccountID)
	return nil
}

// transition CAS 迁移并记录指标和事件
func (s *EscrowService) transition(ctx context.Context, record *model.EscrowRecord, toState string, patch ledger.EscrowPatch) error {
	fromState := record.State
	if err := s.store.UpdateEscrowState(ctx, record.EscrowNo, fromState, toState, patch); err != nil {
		return err
	}

	s.metrics.EscrowTransitions.WithLabelValues(fromState, toState).Inc()
	payload := map[string]interface{}{
		"escrow_no":  record.EscrowNo,
		"service_id": record.ServiceID,
		"from":       fromState,
		"to":         toState,
		"amount":     record.Amount,
		"at":         s.now(),
	}
	if v, ok := patch["resolution_amount"]; ok {
		payload["resolution_amount"] = v
	}
	evt := &event.Event{Type: event.TypeEscrowTransition, Key: record.EscrowNo, Payload: payload}
	if err := s.sink.Publish(ctx, evt); err != nil {
		s.log.Error("投递托管事件失败", zap.String("escrow_no", record.EscrowNo), zap.Error(err))
	}
	return nil
}

// retryOnConflict CAS 冲突时重新读取再试，超过次数返回最后一次冲突
func (s *EscrowService) retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i <= s.cfg.ConflictRetries; i++ {
		err = fn()
		if !errors.Is(err, apperr.ErrStateConflict) {
			return err
		}
	}
	return err
}

func escrowKey(escrowNo, leg string) string {
	return "escrow:" + escrowNo + ":" + leg
}
