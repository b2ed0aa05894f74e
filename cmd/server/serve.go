package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"bezsettle/internal/chain"
	"bezsettle/internal/event"
	"bezsettle/internal/handler"
	"bezsettle/internal/infrastructure/cache"
	"bezsettle/internal/infrastructure/database"
	"bezsettle/internal/infrastructure/mq"
	"bezsettle/internal/job"
	"bezsettle/internal/ledger"
	"bezsettle/internal/metrics"
	"bezsettle/internal/service"
	"bezsettle/pkg/idgen"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 服务和后台任务",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	defer log.Sync()

	// 初始化 ID 生成器
	if err := idgen.Init(cfg.Server.WorkerID); err != nil {
		return err
	}

	db, err := database.InitDB(&cfg.Database, log)
	if err != nil {
		return err
	}

	redisClient, err := cache.InitRedis(&cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var sender mq.Sender = mq.NopSender{}
	if cfg.Kafka.Enabled {
		producer, err := mq.InitKafka(&cfg.Kafka)
		if err != nil {
			return err
		}
		sender = producer
	} else {
		log.Warn("Kafka 未启用，事件只写入发件箱")
	}
	defer sender.Close()

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var chainClient chain.Client = chain.Disabled{}
	if cfg.Chain.Enabled {
		evm, err := chain.NewEVMClient(ctx, &cfg.Chain)
		if err != nil {
			return err
		}
		defer evm.Close()
		chainClient = evm
	} else {
		log.Warn("链上结算未启用，购买和提现请求会一直停留在重试中")
	}

	m := metrics.New()
	store := ledger.NewGormStore(db, cfg.Idempotency.Retention)
	sink := event.NewOutboxSink(db, event.TopicsFromConfig(&cfg.Kafka.Topic))

	policy, err := service.NewQualityPolicy(&cfg.Escrow)
	if err != nil {
		return err
	}
	accounts := service.NewAccountService(store, cache.NewBalanceCache(redisClient, cfg.Credit.BalanceCacheTTL), log)
	meter := service.NewMeterService(store, accounts, sink, m, &cfg.Credit, log)
	settlement := service.NewSettlementService(db, store, chainClient, redisClient, accounts, sink, m, cfg, log)
	escrow := service.NewEscrowService(db, store, policy, settlement, accounts, sink, m, &cfg.Escrow, log)

	// 启动后台任务
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}
	run(job.NewOutboxSender(db, sender, m, &cfg.Outbox, log).Start)
	run(job.NewEscrowDeadlineJob(escrow, &cfg.Escrow, log).Start)
	run(job.NewEscrowSettlementCompensateJob(escrow, &cfg.Escrow, log).Start)
	run(job.NewSettlementWorker(settlement, &cfg.Settlement, log).Start)

	purge := job.NewMarkerPurgeJob(db, &cfg.Idempotency, log)
	run(func(ctx context.Context) {
		if err := purge.Start(ctx); err != nil {
			log.Error("[MarkerPurgeJob] 启动失败", zap.Error(err))
		}
	})

	gin.SetMode(cfg.Server.Mode)
	limiter := handler.NewAccountLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	h := handler.NewHandler(meter, escrow, settlement, limiter, log)
	router := handler.SetupRouter(h, m, log)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("服务启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err = <-errCh:
		log.Error("服务启动失败", zap.Error(err))
	}

	log.Info("正在关闭服务...")

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("服务关闭异常", zap.Error(shutdownErr))
	}

	// 取消上下文，停止后台任务
	cancel()
	wg.Wait()

	if sqlDB, dbErr := db.DB(); dbErr == nil {
		_ = sqlDB.Close()
	}
	log.Info("服务已关闭")
	return err
}
