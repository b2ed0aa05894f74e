package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
)

// Fake 内存中的链，测试使用
//
// TransferErrs 按顺序消费，为 nil 或耗尽时转账成功；
// 成功的转账默认处于 pending，调用 Confirm / Revert 后才有回执
type Fake struct {
	mu           sync.Mutex
	seq          int
	TransferErrs []error
	Transfers    []TokenTransfer
	receipts     map[string]*Receipt
	pending      map[string]bool
	Balances     map[string]*big.Int
	Treasury     string
}

func NewFake(treasury string) *Fake {
	return &Fake{
		receipts: make(map[string]*Receipt),
		pending:  make(map[string]bool),
		Balances: make(map[string]*big.Int),
		Treasury: strings.ToLower(treasury),
	}
}

func (f *Fake) Transfer(ctx context.Context, to string, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(f.TransferErrs) > 0 {
		err := f.TransferErrs[0]
		f.TransferErrs = f.TransferErrs[1:]
		if err != nil {
			return "", err
		}
	}

	f.seq++
	hash := fmt.Sprintf("0x%064x", f.seq)
	t := TokenTransfer{From: f.Treasury, To: strings.ToLower(to), Value: new(big.Int).Set(amount)}
	f.Transfers = append(f.Transfers, t)
	f.pending[hash] = true
	f.receipts[hash] = &Receipt{TxHash: hash, Transfers: []TokenTransfer{t}}
	return hash, nil
}

// AddIncoming 模拟用户向金库转账，返回交易哈希（pending）
func (f *Fake) AddIncoming(from string, amount *big.Int) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	hash := fmt.Sprintf("0x%064x", f.seq)
	f.pending[hash] = true
	f.receipts[hash] = &Receipt{
		TxHash:    hash,
		Transfers: []TokenTransfer{{From: strings.ToLower(from), To: f.Treasury, Value: new(big.Int).Set(amount)}},
	}
	return hash
}

func (f *Fake) Confirm(hash string) {
	f.settle(hash, true)
}

func (f *Fake) Revert(hash string) {
	f.settle(hash, false)
}

func (f *Fake) settle(hash string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		r.Success = success
		r.BlockNumber = uint64(f.seq)
		delete(f.pending, hash)
	}
}

func (f *Fake) Receipt(ctx context.Context, txHash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.receipts[txHash]
	if !ok || f.pending[txHash] {
		return nil, ErrPending
	}
	copied := *r
	return &copied, nil
}

func (f *Fake) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Balances[strings.ToLower(owner)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

// TransferCount 已成功发出的转账数
func (f *Fake) TransferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Transfers)
}
