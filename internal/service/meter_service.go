package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bezsettle/internal/apperr"
	"bezsettle/internal/config"
	"bezsettle/internal/event"
	"bezsettle/internal/ledger"
	"bezsettle/internal/metrics"
	"bezsettle/internal/model"

	"go.uber.org/zap"
)

const ReasonInsufficientCredit = "InsufficientCredit"

// MeterService 聊天按词计费
//
// 每条消息在发送前调用 Consume：
//  1. 计算词数和费用 cost = ceil(words / words_per_credit)
//  2. 以消息ID为幂等键扣减积分，同一条消息最多扣一次
//  3. 扣费成功后投递消费事件（审计用，失败不影响结果）
type MeterService struct {
	store    ledger.Store
	accounts *AccountService
	sink     event.Sink
	metrics  *metrics.Metrics
	cfg      *config.CreditConfig
	log      *zap.Logger
}

func NewMeterService(store ledger.Store, accounts *AccountService, sink event.Sink, m *metrics.Metrics, cfg *config.CreditConfig, log *zap.Logger) *MeterService {
	return &MeterService{
		store:    store,
		accounts: accounts,
		sink:     sink,
		metrics:  m,
		cfg:      cfg,
		log:      log,
	}
}

type ConsumptionRequest struct {
	AccountID   string `json:"account_id" binding:"required"`
	MessageID   string `json:"message_id"`
	MessageText string `json:"message_text"`
	WordCount   *int64 `json:"word_count"` // 调用方已统计词数时直接使用
}

type ConsumptionResult struct {
	Allowed          bool   `json:"allowed"`
	RemainingCredits int64  `json:"remaining_credits"`
	Reason           string `json:"reason,omitempty"`
	Cost             int64  `json:"cost"`
	WordCount        int64  `json:"word_count"`
	Replayed         bool   `json:"replayed,omitempty"`
	Warning          string `json:"warning,omitempty"`
}

func (s *MeterService) Consume(ctx context.Context, req *ConsumptionRequest) (*ConsumptionResult, error) {
	accountID := NormalizeAccountID(req.AccountID)
	if accountID == "" {
		return nil, apperr.Validation("account_id 不能为空")
	}

	var words int64
	if req.WordCount != nil {
		if *req.WordCount < 0 {
			return nil, apperr.Validation("word_count 不能为负数: %d", *req.WordCount)
		}
		words = *req.WordCount
	} else {
		words = CountWords(req.MessageText)
	}

	cost := WordsToCredits(words, s.cfg.WordsPerCredit)
	if cost == 0 {
		// 空消息不计费
		balance, err := s.store.GetBalance(ctx, accountID)
		if err != nil {
			return nil, err
		}
		s.metrics.ConsumeTotal.WithLabelValues("free").Inc()
		return &ConsumptionResult{Allowed: true, RemainingCredits: balance, WordCount: words}, nil
	}

	if req.MessageID == "" {
		return nil, apperr.Validation("message_id 不能为空")
	}

	res, err := s.store.TryDebit(ctx, &ledger.DebitRequest{
		AccountID:      accountID,
		Amount:         cost,
		IdempotencyKey: chatKey(accountID, req.MessageID),
		Type:           model.TransactionTypeConsume,
		Remark:         fmt.Sprintf("聊天消息 %s, %d 词", req.MessageID, words),
	})
	if errors.Is(err, apperr.ErrInsufficientCredit) {
		balance, balErr := s.store.GetBalance(ctx, accountID)
		if balErr != nil {
			return nil, balErr
		}
		s.metrics.ConsumeTotal.WithLabelValues("insufficient").Inc()
		s.log.Info("积分不足，消息被拦截",
			zap.String("account_id", accountID),
			zap.String("message_id", req.MessageID),
			zap.Int64("cost", cost),
			zap.Int64("balance", balance))
		return &ConsumptionResult{
			Allowed:          false,
			RemainingCredits: balance,
			Reason:           ReasonInsufficientCredit,
			Cost:             cost,
			WordCount:        words,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &ConsumptionResult{
		Allowed:          true,
		RemainingCredits: res.NewBalance,
		Cost:             res.Amount,
		WordCount:        words,
		Replayed:         res.Replayed,
	}
	if res.NewBalance <= s.cfg.LowBalanceCredits {
		result.Warning = fmt.Sprintf("积分即将用完，剩余 %d 积分（约 %d 词）",
			res.NewBalance, CreditsToWords(res.NewBalance, s.cfg.WordsPerCredit))
	}

	if res.Replayed {
		s.metrics.ConsumeTotal.WithLabelValues("replayed").Inc()
		return result, nil
	}

	s.metrics.ConsumeTotal.WithLabelValues("allowed").Inc()
	s.metrics.CreditsDebited.Add(float64(cost))
	s.accounts.Invalidate(ctx, accountID)

	s.publish(ctx, &event.Event{
		Type: event.TypeCreditConsumed,
		Key:  accountID,
		Payload: model.ConsumptionEvent{
			AccountID:    accountID,
			MessageID:    req.MessageID,
			WordCount:    words,
			Cost:         cost,
			BalanceAfter: res.NewBalance,
			OccurredAt:   time.Now(),
		},
	})
	if result.Warning != "" {
		s.publish(ctx, &event.Event{
			Type: event.TypeCreditLowBalance,
			Key:  accountID,
			Payload: map[string]interface{}{
				"account_id": accountID,
				"balance":    res.NewBalance,
			},
		})
	}
	return result, nil
}

func (s *MeterService) publish(ctx context.Context, evt *event.Event) {
	if err := s.sink.Publish(ctx, evt); err != nil {
		s.log.Error("投递事件失败",
			zap.String("type", evt.Type),
			zap.String("key", evt.Key),
			zap.Error(err))
	}
}

func (s *MeterService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if NormalizeAccountID(accountID) == "" {
		return 0, apperr.Validation("account_id 不能为空")
	}
	return s.accounts.GetBalance(ctx, accountID)
}

type HistoryResponse struct {
	List     []*model.AccountTransaction `json:"list"`
	Total    int64                       `json:"total"`
	Page     int                         `json:"page"`
	PageSize int                         `json:"page_size"`
}

func (s *MeterService) History(ctx context.Context, accountID string, page, pageSize int) (*HistoryResponse, error) {
	accountID = NormalizeAccountID(accountID)
	if accountID == "" {
		return nil, apperr.Validation("account_id 不能为空")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}
	list, total, err := s.store.ListTransactions(ctx, accountID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return &HistoryResponse{List: list, Total: total, Page: page, PageSize: pageSize}, nil
}

// WordsToCredits 按当前配置换算
func (s *MeterService) WordsToCredits(words int64) int64 {
	return WordsToCredits(words, s.cfg.WordsPerCredit)
}

func (s *MeterService) CreditsToWords(credits int64) int64 {
	return CreditsToWords(credits, s.cfg.WordsPerCredit)
}

func chatKey(accountID, messageID string) string {
	return "chat:" + accountID + ":" + messageID
}
