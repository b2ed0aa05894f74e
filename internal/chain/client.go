// Package chain BEZ 代币（ERC-20）的链上操作
//
// 结算服务只依赖 Client 接口：向地址转账、查询回执、查询余额。
// 地址统一使用 0x 开头的小写十六进制字符串。
package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	// ErrPending 交易尚未上链或确认数不足
	ErrPending = errors.New("交易未确认")
	// ErrDisabled 未启用链上结算
	ErrDisabled = errors.New("链上结算未启用")
)

// TokenTransfer 回执中解析出的 Transfer 事件
type TokenTransfer struct {
	From  string
	To    string
	Value *big.Int
}

// Receipt 已确认交易的回执
type Receipt struct {
	TxHash      string
	Success     bool // false 表示交易被回滚
	BlockNumber uint64
	Transfers   []TokenTransfer
}

// HasTransfer 回执中是否包含 from -> to 且金额不少于 min 的代币转账
func (r *Receipt) HasTransfer(from, to string, min *big.Int) bool {
	for _, t := range r.Transfers {
		if strings.EqualFold(t.From, from) && strings.EqualFold(t.To, to) && t.Value.Cmp(min) >= 0 {
			return true
		}
	}
	return false
}

type Client interface {
	// Transfer 从金库地址向 to 转账，返回交易哈希
	Transfer(ctx context.Context, to string, amount *big.Int) (string, error)
	// Receipt 查询回执，未确认时返回 ErrPending
	Receipt(ctx context.Context, txHash string) (*Receipt, error)
	BalanceOf(ctx context.Context, owner string) (*big.Int, error)
}

// ToTokenUnits 积分换算为代币最小单位：credits * 10^decimals
func ToTokenUnits(credits int64, decimals int32) *big.Int {
	return decimal.NewFromInt(credits).Shift(decimals).BigInt()
}

// FromTokenUnits 代币最小单位换算为积分，不足 1 积分的部分舍去
func FromTokenUnits(units *big.Int, decimals int32) int64 {
	return decimal.NewFromBigInt(units, -decimals).Floor().IntPart()
}

// NormalizeAddress 校验并转成小写地址
func NormalizeAddress(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if !common.IsHexAddress(addr) {
		return "", false
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), true
}

// IsTxHash 0x + 64 位十六进制
func IsTxHash(h string) bool {
	if len(h) != 66 || !strings.HasPrefix(h, "0x") {
		return false
	}
	for _, c := range h[2:] {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}

// Disabled chain.enabled=false 时使用，所有调用都返回 ErrDisabled
type Disabled struct{}

func (Disabled) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	return "", ErrDisabled
}

func (Disabled) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	return nil, ErrDisabled
}

func (Disabled) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	return nil, ErrDisabled
}
