// Package apperr 定义结算核心的错误分类
//
// 所有业务错误都通过 %w 包装这些哨兵错误，调用方使用 errors.Is 判断类别：
//
//	ErrValidation         参数不合法，未触达账本
//	ErrInsufficientCredit 余额不足，未产生扣费
//	ErrStateConflict      CAS 状态不匹配，需要重新读取后重试
//	ErrSettlementFailed   链上结算重试耗尽，需要人工对账
//	ErrDeadlineExpired    评分窗口已过期，自动退款
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("参数校验失败")
	ErrInsufficientCredit = errors.New("余额不足，请充值")
	ErrStateConflict      = errors.New("状态冲突，请重新读取后重试")
	ErrSettlementFailed   = errors.New("链上结算失败，等待人工对账")
	ErrDeadlineExpired    = errors.New("评分窗口已过期")
	ErrNotFound           = errors.New("记录不存在")
	ErrForbidden          = errors.New("无权执行该操作")
)

// Validation 构造参数校验错误
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflict 构造状态冲突错误
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}
