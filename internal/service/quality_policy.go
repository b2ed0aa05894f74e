package service

import (
	"fmt"

	"bezsettle/internal/config"
	"bezsettle/internal/model"

	"github.com/shopspring/decimal"
)

const (
	CurveLinear    = "linear"
	CurveQuadratic = "quadratic"
	CurveStep      = "step"
)

// QualityPolicy 评分到放款金额的映射
//
//	score >= threshold        全额放款 RELEASE
//	score <  minAcceptable    罚没 PENALIZE，收款方 0，付款方全额退回
//	中间区间                  PARTIAL_RELEASE，按曲线插值，向下取整
//
// 同样的输入永远得到同样的结果
type QualityPolicy struct {
	Curve     string
	StepRatio decimal.Decimal
}

func NewQualityPolicy(cfg *config.EscrowConfig) (*QualityPolicy, error) {
	p := &QualityPolicy{Curve: cfg.Curve, StepRatio: decimal.NewFromFloat(0.5)}
	if p.Curve == "" {
		p.Curve = CurveLinear
	}
	if cfg.StepRatio != "" {
		ratio, err := decimal.NewFromString(cfg.StepRatio)
		if err != nil {
			return nil, fmt.Errorf("escrow.step_ratio 不合法: %w", err)
		}
		if ratio.IsNegative() || ratio.GreaterThan(decimal.NewFromInt(1)) {
			return nil, fmt.Errorf("escrow.step_ratio 必须在 [0,1] 之间: %s", cfg.StepRatio)
		}
		p.StepRatio = ratio
	}
	switch p.Curve {
	case CurveLinear, CurveQuadratic, CurveStep:
	default:
		return nil, fmt.Errorf("escrow.curve 不支持: %s", p.Curve)
	}
	return p, nil
}

// Evaluate 返回建议结果和放款给收款方的金额
func (p *QualityPolicy) Evaluate(score, threshold, minAcceptable int, amount int64) (string, int64) {
	if score >= threshold {
		return model.OutcomeRelease, amount
	}
	if score < minAcceptable || threshold <= minAcceptable {
		return model.OutcomePenalize, 0
	}

	// ratio = (score - min) / (threshold - min)，取值 [0, 1)
	ratio := decimal.NewFromInt(int64(score - minAcceptable)).
		Div(decimal.NewFromInt(int64(threshold - minAcceptable)))

	switch p.Curve {
	case CurveQuadratic:
		ratio = ratio.Mul(ratio)
	case CurveStep:
		ratio = p.StepRatio
	}

	resolution := decimal.NewFromInt(amount).Mul(ratio).Floor().IntPart()
	if resolution < 0 {
		resolution = 0
	}
	if resolution > amount {
		resolution = amount
	}
	return model.OutcomePartialRelease, resolution
}

// TerminalState 建议结果对应的终态
func TerminalState(resolution int64) string {
	if resolution > 0 {
		return model.EscrowStateReleased
	}
	return model.EscrowStatePenalized
}
