package service

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountBalanceReadsThroughCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 7)

	balance, err := h.accounts.GetBalance(ctx, strings.ToUpper(payerAddr[2:]))
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance, "不同账户")

	balance, err = h.accounts.GetBalance(ctx, "  "+payerAddr+" ")
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)
	assert.True(t, h.mr.Exists("credit:balance:"+payerAddr))

	// 绕过服务直接改账本，缓存仍返回旧值直到失效
	h.fund(payerAddr, 3)
	balance, err = h.accounts.GetBalance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(7), balance)

	h.accounts.Invalidate(ctx, payerAddr)
	balance, err = h.accounts.GetBalance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}

func TestAccountBalanceSurvivesRedisOutage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(payerAddr, 4)

	h.mr.Close()
	balance, err := h.accounts.GetBalance(ctx, payerAddr)
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}
