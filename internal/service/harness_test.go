package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bezsettle/internal/chain"
	"bezsettle/internal/config"
	"bezsettle/internal/event"
	"bezsettle/internal/infrastructure/cache"
	"bezsettle/internal/ledger"
	"bezsettle/internal/metrics"
	"bezsettle/internal/model"
	"bezsettle/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const (
	payerAddr    = "0x00000000000000000000000000000000000000a1"
	payeeAddr    = "0x00000000000000000000000000000000000000b2"
	strangerAddr = "0x00000000000000000000000000000000000000c3"
	treasuryAddr = "0x00000000000000000000000000000000000000fe"
	arbiterAddr  = "0x00000000000000000000000000000000000000d4"
)

type harness struct {
	t          *testing.T
	cfg        *config.Config
	db         *gorm.DB
	store      ledger.Store
	sink       *event.Recorder
	metrics    *metrics.Metrics
	mr         *miniredis.Miniredis
	rdb        *redis.Client
	chain      *chain.Fake
	accounts   *AccountService
	meter      *MeterService
	settlement *SettlementService
	escrow     *EscrowService
	clock      *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newHarness(t *testing.T, tweak ...func(cfg *config.Config)) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.Chain.TreasuryAddress = treasuryAddr
	cfg.Chain.TokenDecimals = 18
	cfg.Escrow.Arbitrators = []string{arbiterAddr}
	cfg.Settlement.CallTimeout = time.Second
	for _, fn := range tweak {
		fn(cfg)
	}
	require.NoError(t, cfg.Validate())

	h := &harness{
		t:       t,
		cfg:     cfg,
		db:      testutil.NewDB(t),
		sink:    &event.Recorder{},
		metrics: metrics.New(),
		chain:   chain.NewFake(treasuryAddr),
		clock:   &testClock{now: time.Now()},
	}
	h.mr, h.rdb = testutil.NewRedis(t)
	h.store = ledger.NewGormStore(h.db, cfg.Idempotency.Retention)
	log := zaptest.NewLogger(t)

	h.accounts = NewAccountService(h.store, cache.NewBalanceCache(h.rdb, cfg.Credit.BalanceCacheTTL), log)
	h.meter = NewMeterService(h.store, h.accounts, h.sink, h.metrics, &cfg.Credit, log)
	h.settlement = NewSettlementService(h.db, h.store, h.chain, h.rdb, h.accounts, h.sink, h.metrics, cfg, log)
	h.settlement.now = h.clock.Now

	policy, err := NewQualityPolicy(&cfg.Escrow)
	require.NoError(t, err)
	h.escrow = NewEscrowService(h.db, h.store, policy, h.settlement, h.accounts, h.sink, h.metrics, &cfg.Escrow, log)
	h.escrow.now = h.clock.Now
	return h
}

var fundSeq int64

func (h *harness) fund(accountID string, amount int64) {
	h.t.Helper()
	_, err := h.store.Credit(context.Background(), &ledger.CreditRequest{
		AccountID:      accountID,
		Amount:         amount,
		IdempotencyKey: fmt.Sprintf("fund:%s:%d", accountID, atomic.AddInt64(&fundSeq, 1)),
		Type:           model.TransactionTypeAdjust,
	})
	require.NoError(h.t, err)
}

func (h *harness) balance(accountID string) int64 {
	h.t.Helper()
	b, err := h.store.GetBalance(context.Background(), accountID)
	require.NoError(h.t, err)
	return b
}

// flakyStore 前 n 次 Credit 调用失败
type flakyStore struct {
	ledger.Store
	mu       sync.Mutex
	failures int
}

var errStoreDown = errors.New("database unavailable")

func (f *flakyStore) Credit(ctx context.Context, req *ledger.CreditRequest) (*ledger.CreditResult, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errStoreDown
	}
	f.mu.Unlock()
	return f.Store.Credit(ctx, req)
}

func intPtr(v int) *int { return &v }
