package service

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"bezsettle/internal/apperr"
	"bezsettle/internal/chain"
	"bezsettle/internal/config"
	"bezsettle/internal/event"
	"bezsettle/internal/infrastructure/lock"
	"bezsettle/internal/ledger"
	"bezsettle/internal/model"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRPC = errors.New("rpc: connection refused")

func requestWithdraw(t *testing.T, h *harness, key string, amount int64) *TransferResponse {
	t.Helper()
	resp, err := h.settlement.RequestOnChainTransfer(context.Background(), &TransferRequest{
		AccountID:      payerAddr,
		Amount:         amount,
		Direction:      model.SettlementDirectionOut,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.Equal(t, model.SettlementStatusPending, resp.Status)
	return resp
}

func settlementStatus(t *testing.T, h *harness, reference string) *model.Settlement {
	t.Helper()
	st, err := h.settlement.Get(context.Background(), reference)
	require.NoError(t, err)
	return st
}

func TestWithdrawLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 30)

	resp := requestWithdraw(t, h, "withdraw-1", 20)
	assert.Equal(t, int64(10), h.balance(payerAddr), "请求时乐观扣减")

	n, err := h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st := settlementStatus(t, h, resp.Reference)
	assert.Equal(t, model.SettlementStatusSubmitted, st.Status)
	require.NotEmpty(t, st.TxHash)
	require.Equal(t, 1, h.chain.TransferCount())
	assert.Equal(t, chain.ToTokenUnits(20, 18).String(), h.chain.Transfers[0].Value.String())

	// 回执未出，保持 SUBMITTED
	st, err = h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusSubmitted, st.Status)

	h.chain.Confirm(st.TxHash)
	st, err = h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusConfirmed, st.Status)
	assert.NotNil(t, st.ConfirmedAt)
	assert.Equal(t, int64(10), h.balance(payerAddr))

	// 重复对账不改变任何东西
	st, err = h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusConfirmed, st.Status)
	assert.Len(t, h.sink.OfType(event.TypeSettlementConfirmed), 1)
	assert.Equal(t, float64(1), testutil.ToFloat64(
		h.metrics.SettlementResults.WithLabelValues(model.SettlementDirectionOut, model.SettlementStatusConfirmed)))
}

func TestWithdrawIdempotentRequest(t *testing.T) {
	h := newHarness(t)
	h.fund(payerAddr, 30)

	a := requestWithdraw(t, h, "withdraw-same", 20)
	b := requestWithdraw(t, h, "withdraw-same", 20)
	assert.Equal(t, a.Reference, b.Reference)
	assert.Equal(t, int64(10), h.balance(payerAddr))
}

func TestWithdrawInsufficientFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 5)

	_, err := h.settlement.RequestOnChainTransfer(ctx, &TransferRequest{
		AccountID:      payerAddr,
		Amount:         20,
		Direction:      model.SettlementDirectionOut,
		IdempotencyKey: "withdraw-poor",
	})
	require.ErrorIs(t, err, apperr.ErrInsufficientCredit)
	assert.Equal(t, int64(5), h.balance(payerAddr))

	var st model.Settlement
	require.NoError(t, h.db.Where("idempotency_key = ?", "withdraw-poor").First(&st).Error)
	assert.Equal(t, model.SettlementStatusFailed, st.Status)

	// 失败的结算单不会被 worker 提交
	n, err := h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.chain.TransferCount())
}

// debitFailStore 前 n 次 TryDebit 调用失败
type debitFailStore struct {
	ledger.Store
	failures int32
}

func (d *debitFailStore) TryDebit(ctx context.Context, req *ledger.DebitRequest) (*ledger.DebitResult, error) {
	if atomic.AddInt32(&d.failures, -1) >= 0 {
		return nil, errStoreDown
	}
	return d.Store.TryDebit(ctx, req)
}

func TestWithdrawDebitFailureIsNotSubmitted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 30)
	h.settlement.store = &debitFailStore{Store: h.store, failures: 1}

	req := &TransferRequest{
		AccountID:      payerAddr,
		Amount:         20,
		Direction:      model.SettlementDirectionOut,
		IdempotencyKey: "withdraw-debit-down",
	}
	_, err := h.settlement.RequestOnChainTransfer(ctx, req)
	require.ErrorIs(t, err, errStoreDown)

	var st model.Settlement
	require.NoError(t, h.db.Where("idempotency_key = ?", req.IdempotencyKey).First(&st).Error)
	assert.Equal(t, model.SettlementStatusAwaitingDebit, st.Status)

	// 没扣减的结算单不会被提交上链
	h.clock.Advance(time.Minute)
	n, err := h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, h.chain.TransferCount())
	assert.Equal(t, int64(30), h.balance(payerAddr))

	reconciled, err := h.settlement.Reconcile(ctx, st.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusAwaitingDebit, reconciled.Status)

	// 同一幂等键重试会补做扣减
	resp, err := h.settlement.RequestOnChainTransfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, st.Reference, resp.Reference)
	assert.Equal(t, model.SettlementStatusPending, resp.Status)
	assert.Equal(t, int64(10), h.balance(payerAddr))

	again, err := h.settlement.RequestOnChainTransfer(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusPending, again.Status)
	assert.Equal(t, int64(10), h.balance(payerAddr), "重放不会重复扣减")

	n, err = h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.chain.TransferCount())
}

func TestWithdrawRetryAfterDebitFailureStillChecksBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 30)
	h.settlement.store = &debitFailStore{Store: h.store, failures: 1}

	req := &TransferRequest{
		AccountID:      payerAddr,
		Amount:         20,
		Direction:      model.SettlementDirectionOut,
		IdempotencyKey: "withdraw-debit-late",
	}
	_, err := h.settlement.RequestOnChainTransfer(ctx, req)
	require.ErrorIs(t, err, errStoreDown)

	// 重试前余额被别的消费花掉
	requestWithdraw(t, h, "withdraw-other", 25)

	_, err = h.settlement.RequestOnChainTransfer(ctx, req)
	require.ErrorIs(t, err, apperr.ErrInsufficientCredit)

	var st model.Settlement
	require.NoError(t, h.db.Where("idempotency_key = ?", req.IdempotencyKey).First(&st).Error)
	assert.Equal(t, model.SettlementStatusFailed, st.Status)
	assert.Equal(t, "余额不足", st.LastError)
	assert.Equal(t, int64(5), h.balance(payerAddr))
}

func TestWithdrawTransientErrorsBackOff(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 20)
	h.chain.TransferErrs = []error{errRPC, errRPC}

	resp := requestWithdraw(t, h, "withdraw-retry", 20)

	_, err := h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	st := settlementStatus(t, h, resp.Reference)
	assert.Equal(t, model.SettlementStatusPending, st.Status)
	assert.Equal(t, 1, st.Attempts)
	assert.Contains(t, st.LastError, "connection refused")

	// 退避时间未到
	_, err = h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, settlementStatus(t, h, resp.Reference).Attempts)

	h.clock.Advance(h.settlement.Backoff(1))
	_, err = h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, settlementStatus(t, h, resp.Reference).Attempts)

	h.clock.Advance(h.settlement.Backoff(2))
	_, err = h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	st = settlementStatus(t, h, resp.Reference)
	assert.Equal(t, model.SettlementStatusSubmitted, st.Status)
	assert.Equal(t, 1, h.chain.TransferCount())
	assert.Equal(t, int64(0), h.balance(payerAddr))
}

func TestWithdrawExhaustedIsReversed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Settlement.MaxAttempts = 2 })
	ctx := context.Background()
	h.fund(payerAddr, 20)
	h.chain.TransferErrs = []error{errRPC, errRPC, errRPC}

	resp := requestWithdraw(t, h, "withdraw-dead", 20)
	require.NoError(t, h.settlement.Submit(ctx, resp.Reference))
	require.NoError(t, h.settlement.Submit(ctx, resp.Reference))

	st := settlementStatus(t, h, resp.Reference)
	assert.Equal(t, model.SettlementStatusFailed, st.Status)
	assert.Equal(t, int64(20), h.balance(payerAddr), "失败后积分冲正")

	failed := h.sink.OfType(event.TypeSettlementFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, resp.Reference, failed[0].Key)

	// FAILED 是终态，再次提交什么都不做
	require.NoError(t, h.settlement.Submit(ctx, resp.Reference))
	assert.Equal(t, 0, h.chain.TransferCount())
	assert.Equal(t, int64(20), h.balance(payerAddr))
}

func TestWithdrawRevertedIsReversed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 20)

	resp := requestWithdraw(t, h, "withdraw-revert", 20)
	require.NoError(t, h.settlement.Submit(ctx, resp.Reference))
	st := settlementStatus(t, h, resp.Reference)

	h.chain.Revert(st.TxHash)
	st, err := h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusReversed, st.Status)
	assert.Equal(t, int64(20), h.balance(payerAddr))
	assert.Len(t, h.sink.OfType(event.TypeSettlementReversed), 1)

	_, err = h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(20), h.balance(payerAddr), "重复对账不重复冲正")
}

func TestSubmitSkippedWhileLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 20)
	resp := requestWithdraw(t, h, "withdraw-locked", 20)

	other := lock.NewSettlementLock(h.rdb, resp.Reference, time.Minute)
	ok, err := other.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.settlement.Submit(ctx, resp.Reference))
	assert.Equal(t, 0, h.chain.TransferCount())
	assert.Equal(t, model.SettlementStatusPending, settlementStatus(t, h, resp.Reference).Status)

	require.NoError(t, other.Unlock(ctx))
	require.NoError(t, h.settlement.Submit(ctx, resp.Reference))
	assert.Equal(t, 1, h.chain.TransferCount())
}

func requestPurchase(t *testing.T, h *harness, key, txHash string, amount int64) *TransferResponse {
	t.Helper()
	resp, err := h.settlement.RequestOnChainTransfer(context.Background(), &TransferRequest{
		AccountID:      payerAddr,
		Amount:         amount,
		Direction:      model.SettlementDirectionIn,
		IdempotencyKey: key,
		TxHash:         txHash,
	})
	require.NoError(t, err)
	return resp
}

func TestPurchaseLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hash := h.chain.AddIncoming(payerAddr, chain.ToTokenUnits(10, 18))
	resp := requestPurchase(t, h, "buy-1", hash, 10)
	assert.Equal(t, int64(0), h.balance(payerAddr), "确认前不入账")

	st, err := h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusPending, st.Status)

	h.chain.Confirm(hash)
	h.clock.Advance(h.cfg.Settlement.PollInterval)
	n, err := h.settlement.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st = settlementStatus(t, h, resp.Reference)
	assert.Equal(t, model.SettlementStatusConfirmed, st.Status)
	assert.Equal(t, int64(10), h.balance(payerAddr))

	_, err = h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.balance(payerAddr))

	// 同一笔链上交易换个幂等键再提交，也只入账一次
	again := requestPurchase(t, h, "buy-1-again", hash, 10)
	_, err = h.settlement.Reconcile(ctx, again.Reference)
	require.NoError(t, err)
	assert.Equal(t, int64(10), h.balance(payerAddr))
}

func TestPurchaseRevertedFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hash := h.chain.AddIncoming(payerAddr, chain.ToTokenUnits(10, 18))
	resp := requestPurchase(t, h, "buy-revert", hash, 10)
	h.chain.Revert(hash)

	st, err := h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusFailed, st.Status)
	assert.Equal(t, int64(0), h.balance(payerAddr))
}

func TestPurchaseWithoutMatchingTransferFails(t *testing.T) {
	cases := []struct {
		name   string
		from   string
		tokens int64
	}{
		{"sent by someone else", strangerAddr, 10},
		{"short amount", payerAddr, 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			hash := h.chain.AddIncoming(tc.from, chain.ToTokenUnits(tc.tokens, 18))
			h.chain.Confirm(hash)

			resp := requestPurchase(t, h, "buy-"+tc.name, hash, 10)
			st, err := h.settlement.Reconcile(context.Background(), resp.Reference)
			require.NoError(t, err)
			assert.Equal(t, model.SettlementStatusFailed, st.Status)
			assert.Equal(t, int64(0), h.balance(payerAddr))
		})
	}
}

func TestPurchaseMustBeClaimedBySender(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hash := h.chain.AddIncoming(payerAddr, chain.ToTokenUnits(10, 18))
	h.chain.Confirm(hash)

	// 别人拿付款方的地址和交易哈希来认领
	_, err := h.settlement.RequestOnChainTransfer(ctx, &TransferRequest{
		AccountID:      strangerAddr,
		WalletAddress:  payerAddr,
		Amount:         10,
		Direction:      model.SettlementDirectionIn,
		IdempotencyKey: "buy-claimed-by-stranger",
		TxHash:         hash,
	})
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, int64(0), h.balance(strangerAddr))

	var count int64
	require.NoError(t, h.db.WithContext(ctx).Model(&model.Settlement{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)

	// 真正的付款方仍然可以认领，大小写不同的同一地址也算一致
	resp, err := h.settlement.RequestOnChainTransfer(ctx, &TransferRequest{
		AccountID:      payerAddr,
		WalletAddress:  "0x" + strings.ToUpper(payerAddr[2:]),
		Amount:         10,
		Direction:      model.SettlementDirectionIn,
		IdempotencyKey: "buy-claimed-by-payer",
		TxHash:         hash,
	})
	require.NoError(t, err)

	st, err := h.settlement.Reconcile(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, model.SettlementStatusConfirmed, st.Status)
	assert.Equal(t, int64(10), h.balance(payerAddr))
	assert.Equal(t, int64(0), h.balance(strangerAddr))
}

func TestTransferRequestValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []TransferRequest{
		{AccountID: payerAddr, Amount: 0, Direction: model.SettlementDirectionOut, IdempotencyKey: "k"},
		{AccountID: payerAddr, Amount: 1, Direction: "SIDEWAYS", IdempotencyKey: "k"},
		{AccountID: payerAddr, Amount: 1, Direction: model.SettlementDirectionOut},
		{AccountID: payerAddr, Amount: 1, Direction: model.SettlementDirectionIn, IdempotencyKey: "k"},
		{AccountID: payerAddr, Amount: 1, Direction: model.SettlementDirectionOut, IdempotencyKey: "k", WalletAddress: "nope"},
		{Amount: 1, Direction: model.SettlementDirectionOut, IdempotencyKey: "k"},
	}
	for i := range cases {
		_, err := h.settlement.RequestOnChainTransfer(ctx, &cases[i])
		assert.ErrorIs(t, err, apperr.ErrValidation, "case %d", i)
	}
}

func TestBackoff(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 2*time.Second, h.settlement.Backoff(0))
	assert.Equal(t, 2*time.Second, h.settlement.Backoff(1))
	assert.Equal(t, 4*time.Second, h.settlement.Backoff(2))
	assert.Equal(t, 8*time.Second, h.settlement.Backoff(3))
	assert.Equal(t, 5*time.Minute, h.settlement.Backoff(20))
	assert.Equal(t, 5*time.Minute, h.settlement.Backoff(5000))
}

func TestSyncOnChainBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 1)

	h.chain.Balances[payerAddr] = new(big.Int).Mul(big.NewInt(42), big.NewInt(1e18))
	account, err := h.settlement.SyncOnChainBalance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, "42000000000000000000", account.OnChainBalance)
	assert.NotNil(t, account.LastSyncedAt)
	assert.Equal(t, int64(1), account.Balance, "链上余额不影响积分")

	_, err = h.settlement.SyncOnChainBalance(ctx, "bob")
	assert.ErrorIs(t, err, apperr.ErrValidation)
}
