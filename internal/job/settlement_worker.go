package job

import (
	"context"
	"time"

	"bezsettle/internal/config"
	"bezsettle/internal/service"

	"go.uber.org/zap"
)

// SettlementWorker 推进链上结算单：提交到期的转账，轮询回执
type SettlementWorker struct {
	settlement *service.SettlementService
	log        *zap.Logger
	stopCh     chan struct{}
	interval   time.Duration
}

func NewSettlementWorker(settlement *service.SettlementService, cfg *config.SettlementConfig, log *zap.Logger) *SettlementWorker {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SettlementWorker{
		settlement: settlement,
		log:        log,
		stopCh:     make(chan struct{}),
		interval:   interval,
	}
}

func (w *SettlementWorker) Start(ctx context.Context) {
	w.log.Info("[SettlementWorker] 结算任务启动", zap.Duration("interval", w.interval))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("[SettlementWorker] 收到停止信号，任务退出")
			return
		case <-w.stopCh:
			w.log.Info("[SettlementWorker] 任务停止")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

func (w *SettlementWorker) Stop() {
	close(w.stopCh)
}

func (w *SettlementWorker) RunOnce(ctx context.Context) int {
	n, err := w.settlement.ProcessDue(ctx)
	if err != nil {
		w.log.Error("[SettlementWorker] 处理结算单失败", zap.Error(err))
	}
	if n > 0 {
		w.log.Debug("[SettlementWorker] 本轮处理结算单", zap.Int("count", n))
	}
	return n
}
