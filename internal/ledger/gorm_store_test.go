package ledger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bezsettle/internal/apperr"
	"bezsettle/internal/model"
	"bezsettle/internal/repository"
	"bezsettle/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const alice = "0x00000000000000000000000000000000000a11ce"

func newStore(t *testing.T) *GormStore {
	return NewGormStore(testutil.NewDB(t), time.Hour)
}

func seed(t *testing.T, s *GormStore, accountID string, amount int64) {
	t.Helper()
	_, err := s.Credit(context.Background(), &CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: "seed:" + accountID,
		Type:           model.TransactionTypePurchase,
	})
	require.NoError(t, err)
}

func TestGetBalanceMissingAccount(t *testing.T) {
	s := newStore(t)
	balance, err := s.GetBalance(context.Background(), "0xnobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestTryDebitAppliesOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, alice, 10)

	req := &DebitRequest{AccountID: alice, Amount: 2, IdempotencyKey: "m1", Type: model.TransactionTypeConsume}
	first, err := s.TryDebit(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.False(t, first.Replayed)
	assert.Equal(t, int64(8), first.NewBalance)

	second, err := s.TryDebit(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Applied)
	assert.True(t, second.Replayed)
	assert.Equal(t, int64(8), second.NewBalance)
	assert.Equal(t, first.TransactionNo, second.TransactionNo)

	balance, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestTryDebitReplayReturnsOriginalBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, alice, 10)

	_, err := s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 2, IdempotencyKey: "m1"})
	require.NoError(t, err)
	_, err = s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 3, IdempotencyKey: "m2"})
	require.NoError(t, err)

	replay, err := s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 2, IdempotencyKey: "m1"})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, int64(8), replay.NewBalance, "重放返回第一次执行后的余额")
}

func TestTryDebitInsufficient(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, alice, 1)

	_, err := s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 2, IdempotencyKey: "m1"})
	require.ErrorIs(t, err, apperr.ErrInsufficientCredit)

	balance, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)

	// 失败不留下幂等标记，充值后同一个键可以成功
	seed2 := &CreditRequest{AccountID: alice, Amount: 5, IdempotencyKey: "topup", Type: model.TransactionTypePurchase}
	_, err = s.Credit(ctx, seed2)
	require.NoError(t, err)
	res, err := s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 2, IdempotencyKey: "m1"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(4), res.NewBalance)
}

func TestTryDebitValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cases := []*DebitRequest{
		{AccountID: "", Amount: 1, IdempotencyKey: "k"},
		{AccountID: alice, Amount: 0, IdempotencyKey: "k"},
		{AccountID: alice, Amount: -1, IdempotencyKey: "k"},
		{AccountID: alice, Amount: 1, IdempotencyKey: ""},
	}
	for _, req := range cases {
		_, err := s.TryDebit(ctx, req)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, alice, 10)

	var (
		wg        sync.WaitGroup
		succeeded int32
		rejected  int32
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.TryDebit(ctx, &DebitRequest{
				AccountID:      alice,
				Amount:         1,
				IdempotencyKey: fmt.Sprintf("msg-%d", i),
			})
			if err == nil {
				atomic.AddInt32(&succeeded, 1)
				return
			}
			if assert.ErrorIs(t, err, apperr.ErrInsufficientCredit) {
				atomic.AddInt32(&rejected, 1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded)
	assert.Equal(t, int32(15), rejected)
	balance, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestConcurrentSameKeyChargedOnce(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, alice, 10)

	var (
		wg      sync.WaitGroup
		applied int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 3, IdempotencyKey: "same"})
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, int64(7), res.NewBalance)
			if res.Applied {
				atomic.AddInt32(&applied, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied)
	balance, err := s.GetBalance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
}

func TestJournalMatchesBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	seed(t, s, alice, 10)

	_, err := s.TryDebit(ctx, &DebitRequest{AccountID: alice, Amount: 4, IdempotencyKey: "d1", Type: model.TransactionTypeEscrowLock})
	require.NoError(t, err)
	_, err = s.Credit(ctx, &CreditRequest{AccountID: alice, Amount: 1, IdempotencyKey: "c1", Type: model.TransactionTypeEscrowRefund})
	require.NoError(t, err)

	list, total, err := s.ListTransactions(ctx, alice, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	require.Len(t, list, 3)
	assert.Equal(t, model.TransactionTypeEscrowRefund, list[0].Type)
	assert.Equal(t, int64(6), list[1].BalanceAfter)

	sum, err := repository.NewTransactionRepository(s.db).SumByAccountID(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, int64(7), sum)
}

func TestCreditReplay(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	req := &CreditRequest{AccountID: alice, Amount: 5, IdempotencyKey: "escrow:E1:payee", Type: model.TransactionTypeEscrowRelease}
	first, err := s.Credit(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Applied)

	second, err := s.Credit(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, int64(5), second.NewBalance)

	balance, _ := s.GetBalance(ctx, alice)
	assert.Equal(t, int64(5), balance)
}

func TestEscrowCAS(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	no, err := s.CreateEscrow(ctx, &model.EscrowRecord{
		RequestID:      "req-1",
		ServiceID:      "svc",
		PayerAccountID: alice,
		PayeeAccountID: "0xbob",
		Amount:         100,
		Currency:       "BEZ",
		InitialQuality: 80,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, no)

	record, err := s.GetEscrow(ctx, no)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStateCreated, record.State)
	assert.Equal(t, model.EscrowSettlementNone, record.SettlementStatus)

	now := time.Now()
	require.NoError(t, s.UpdateEscrowState(ctx, no, model.EscrowStateCreated, model.EscrowStateLocked,
		EscrowPatch{"locked_at": now}))

	// from 不匹配
	err = s.UpdateEscrowState(ctx, no, model.EscrowStateCreated, model.EscrowStateLocked, nil)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	// 非法迁移
	err = s.UpdateEscrowState(ctx, no, model.EscrowStateLocked, model.EscrowStateReleased, nil)
	assert.ErrorIs(t, err, apperr.ErrStateConflict)

	// 不存在
	err = s.UpdateEscrowState(ctx, "ESC-none", model.EscrowStateLocked, model.EscrowStateRefunded, nil)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	byReq, err := s.GetEscrowByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, no, byReq.EscrowNo)

	_, err = s.CreateEscrow(ctx, &model.EscrowRecord{
		RequestID: "req-1", ServiceID: "svc", PayerAccountID: alice, PayeeAccountID: "0xbob",
		Amount: 1, Currency: "BEZ", InitialQuality: 80,
	})
	assert.ErrorIs(t, err, repository.ErrDuplicateKey)
}

func TestConcurrentEscrowTransitionSingleWinner(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	no, err := s.CreateEscrow(ctx, &model.EscrowRecord{
		RequestID: "req-2", ServiceID: "svc", PayerAccountID: alice, PayeeAccountID: "0xbob",
		Amount: 10, Currency: "BEZ", InitialQuality: 50,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateEscrowState(ctx, no, model.EscrowStateCreated, model.EscrowStateLocked, nil))

	var (
		wg   sync.WaitGroup
		wins int32
	)
	targets := []string{model.EscrowStateEvaluated, model.EscrowStateRefunded}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			if err := s.UpdateEscrowState(ctx, no, model.EscrowStateLocked, to, nil); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}(targets[i%2])
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestSetOnChainBalance(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, s.SetOnChainBalance(ctx, alice, "1000000000000000000", at))
	account, err := s.GetAccount(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", account.OnChainBalance)
	require.NotNil(t, account.LastSyncedAt)
	assert.Equal(t, int64(0), account.Balance)
}
