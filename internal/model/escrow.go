package model

import (
	"time"
)

const (
	EscrowStateCreated    = "CREATED"
	EscrowStateLocked     = "LOCKED"
	EscrowStateEvaluated  = "EVALUATED"
	EscrowStateDisputed   = "DISPUTED"
	EscrowStateArbitrated = "ARBITRATED"
	EscrowStateReleased   = "RELEASED"
	EscrowStatePenalized  = "PENALIZED"
	EscrowStateRefunded   = "REFUNDED"
	EscrowStateCancelled  = "CANCELLED" // 锁定资金失败
)

// ValidEscrowTransitions 托管状态机，只允许向前迁移
var ValidEscrowTransitions = map[string][]string{
	EscrowStateCreated:    {EscrowStateLocked, EscrowStateCancelled},
	EscrowStateLocked:     {EscrowStateEvaluated, EscrowStateRefunded},
	EscrowStateEvaluated:  {EscrowStateReleased, EscrowStatePenalized, EscrowStateDisputed},
	EscrowStateDisputed:   {EscrowStateArbitrated},
	EscrowStateArbitrated: {EscrowStateReleased, EscrowStatePenalized, EscrowStateRefunded},
}

func CanEscrowTransitionTo(currentState, targetState string) bool {
	allowed, exists := ValidEscrowTransitions[currentState]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetState {
			return true
		}
	}
	return false
}

// IsEscrowTerminal 终态记录不可再修改
func IsEscrowTerminal(state string) bool {
	switch state {
	case EscrowStateReleased, EscrowStatePenalized, EscrowStateRefunded, EscrowStateCancelled:
		return true
	}
	return false
}

// EscrowRank 状态偏序中的层级，用于校验单调性
func EscrowRank(state string) int {
	switch state {
	case EscrowStateCreated:
		return 0
	case EscrowStateLocked:
		return 1
	case EscrowStateEvaluated:
		return 2
	case EscrowStateDisputed:
		return 3
	case EscrowStateArbitrated:
		return 4
	default:
		return 5
	}
}

const (
	OutcomeRelease        = "RELEASE"
	OutcomePartialRelease = "PARTIAL_RELEASE"
	OutcomePenalize       = "PENALIZE"
)

const (
	EscrowSettlementNone    = "NONE"
	EscrowSettlementPending = "PENDING" // 终态已写入，资金划转未完成
	EscrowSettlementSettled = "SETTLED"
)

// EscrowRecord 质量托管记录，一次服务交付对应一条
type EscrowRecord struct {
	ID                 int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	EscrowNo           string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"escrow_no"`
	RequestID          string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"`
	ServiceID          string     `gorm:"type:varchar(64);index;not null" json:"service_id"`
	PayerAccountID     string     `gorm:"type:varchar(64);index;not null" json:"payer_account_id"`
	PayeeAccountID     string     `gorm:"type:varchar(64);index;not null" json:"payee_account_id"`
	Amount             int64      `gorm:"not null" json:"amount"`
	Currency           string     `gorm:"type:varchar(16);not null" json:"currency"`
	InitialQuality     int        `gorm:"not null" json:"initial_quality"`
	QualityThreshold   int        `gorm:"not null" json:"quality_threshold"`
	MinAcceptable      int        `gorm:"not null" json:"min_acceptable"`
	Score              *int       `json:"score"`
	EvaluatorID        string     `gorm:"type:varchar(64)" json:"evaluator_id,omitempty"`
	ProposedOutcome    string     `gorm:"type:varchar(20)" json:"proposed_outcome,omitempty"`
	State              string     `gorm:"type:varchar(20);index;not null" json:"state"`
	ResolutionAmount   int64      `gorm:"not null;default:0" json:"resolution_amount"`
	ArbitrationNotes   string     `gorm:"type:text" json:"arbitration_notes,omitempty"`
	SettlementStatus   string     `gorm:"type:varchar(16);index;not null;default:NONE" json:"settlement_status"`
	LastError          string     `gorm:"type:varchar(512)" json:"last_error,omitempty"`
	LockedAt           *time.Time `json:"locked_at"`
	EvaluationDeadline *time.Time `gorm:"index" json:"evaluation_deadline"`
	EvaluatedAt        *time.Time `json:"evaluated_at"`
	DisputeDeadline    *time.Time `gorm:"index" json:"dispute_deadline"`
	ResolvedAt         *time.Time `json:"resolved_at"`
	CreatedAt          time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt          time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EscrowRecord) TableName() string {
	return "escrow_record"
}
