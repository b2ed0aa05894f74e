package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"bezsettle/internal/config"
	"bezsettle/internal/model"
	"bezsettle/internal/repository"

	"gorm.io/gorm"
)

const (
	TypeCreditConsumed      = "credit.consumed"
	TypeCreditLowBalance    = "credit.low_balance"
	TypeEscrowTransition    = "escrow.transition"
	TypeSettlementConfirmed = "settlement.confirmed"
	TypeSettlementFailed    = "settlement.failed"
	TypeSettlementReversed  = "settlement.reversed"
)

// Event 审计/分析事件
// Key 决定 Kafka 分区，同一个 Key 的事件按写入顺序投递
type Event struct {
	Type    string
	Key     string
	Payload interface{}
}

// Sink 事件出口
// 业务在提交后调用 Publish，返回的错误只记录日志，不影响已经完成的资金变动
type Sink interface {
	Publish(ctx context.Context, evt *Event) error
}

// Topics 事件类型到 Kafka topic 的映射
type Topics struct {
	Consumption string
	Escrow      string
	Settlement  string
}

func TopicsFromConfig(cfg *config.KafkaTopicConfig) Topics {
	return Topics{
		Consumption: cfg.Consumption,
		Escrow:      cfg.Escrow,
		Settlement:  cfg.Settlement,
	}
}

func (t Topics) For(eventType string) string {
	switch eventType {
	case TypeCreditConsumed, TypeCreditLowBalance:
		return t.Consumption
	case TypeEscrowTransition:
		return t.Escrow
	default:
		return t.Settlement
	}
}

// ============================================================================
// OutboxSink：事件写入 outbox_message，由 OutboxSender 异步投递 Kafka
// ============================================================================

type OutboxSink struct {
	outboxRepo *repository.OutboxRepository
	topics     Topics
}

func NewOutboxSink(db *gorm.DB, topics Topics) *OutboxSink {
	return &OutboxSink{
		outboxRepo: repository.NewOutboxRepository(db),
		topics:     topics,
	}
}

func (s *OutboxSink) Publish(ctx context.Context, evt *Event) error {
	return s.PublishTx(ctx, nil, evt)
}

// PublishTx 在调用方事务内写入事件，与业务变更一起提交或回滚
func (s *OutboxSink) PublishTx(ctx context.Context, tx *gorm.DB, evt *Event) error {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	msg := &model.OutboxMessage{
		MessageKey: evt.Key,
		Topic:      s.topics.For(evt.Type),
		EventType:  evt.Type,
		Payload:    string(payload),
		Status:     model.OutboxStatusPending,
	}
	return s.outboxRepo.Create(ctx, tx, msg)
}

// ============================================================================
// Recorder：进程内保存事件，本地调试和测试使用
// ============================================================================

type Recorder struct {
	mu     sync.Mutex
	events []*Event
	Err    error // 非空时 Publish 返回该错误
}

func (r *Recorder) Publish(ctx context.Context, evt *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Events() []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType 按类型过滤
func (r *Recorder) OfType(eventType string) []*Event {
	var out []*Event
	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}
