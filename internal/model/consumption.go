package model

import (
	"time"
)

// ConsumptionEvent 聊天消耗事件，只用于审计和分析，生成后不可变
type ConsumptionEvent struct {
	AccountID    string    `json:"account_id"`
	MessageID    string    `json:"message_id"`
	WordCount    int64     `json:"word_count"`
	Cost         int64     `json:"cost"`
	BalanceAfter int64     `json:"balance_after"`
	OccurredAt   time.Time `json:"occurred_at"`
}
