package service

import (
	"context"
	"strings"

	"bezsettle/internal/infrastructure/cache"
	"bezsettle/internal/ledger"
	"bezsettle/internal/model"

	"go.uber.org/zap"
)

// AccountService 账户余额读取
// 查询走 Redis 读缓存，余额变动后由写方调用 Invalidate
type AccountService struct {
	store ledger.Store
	cache *cache.BalanceCache
	log   *zap.Logger
}

func NewAccountService(store ledger.Store, balanceCache *cache.BalanceCache, log *zap.Logger) *AccountService {
	return &AccountService{
		store: store,
		cache: balanceCache,
		log:   log,
	}
}

// NormalizeAccountID 账户ID统一为小写钱包地址
func NormalizeAccountID(accountID string) string {
	return strings.ToLower(strings.TrimSpace(accountID))
}

func (s *AccountService) GetBalance(ctx context.Context, accountID string) (int64, error) {
	accountID = NormalizeAccountID(accountID)

	if balance, ok, err := s.cache.Get(ctx, accountID); err != nil {
		s.log.Warn("读取余额缓存失败", zap.String("account_id", accountID), zap.Error(err))
	} else if ok {
		return balance, nil
	}

	balance, err := s.store.GetBalance(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if err := s.cache.Set(ctx, accountID, balance); err != nil {
		s.log.Warn("写入余额缓存失败", zap.String("account_id", accountID), zap.Error(err))
	}
	return balance, nil
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	return s.store.GetAccount(ctx, NormalizeAccountID(accountID))
}

// Invalidate 删除余额缓存，失败只记录日志，缓存 TTL 兜底
func (s *AccountService) Invalidate(ctx context.Context, accountIDs ...string) {
	if err := s.cache.Invalidate(ctx, accountIDs...); err != nil {
		s.log.Warn("删除余额缓存失败", zap.Strings("account_ids", accountIDs), zap.Error(err))
	}
}
