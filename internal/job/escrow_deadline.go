package job

import (
	"context"
	"time"

	"bezsettle/internal/config"
	"bezsettle/internal/service"

	"go.uber.org/zap"
)

// EscrowDeadlineJob 托管超时扫描
// 评分截止时间已过的 LOCKED 托管退款，争议期已过的 EVALUATED 托管按评分结算
type EscrowDeadlineJob struct {
	escrow    *service.EscrowService
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewEscrowDeadlineJob(escrow *service.EscrowService, cfg *config.EscrowConfig, log *zap.Logger) *EscrowDeadlineJob {
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &EscrowDeadlineJob{
		escrow:    escrow,
		log:       log,
		stopCh:    make(chan struct{}),
		interval:  interval,
		batchSize: 100,
	}
}

func (j *EscrowDeadlineJob) Start(ctx context.Context) {
	j.log.Info("[EscrowDeadlineJob] 托管超时任务启动", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("[EscrowDeadlineJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("[EscrowDeadlineJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *EscrowDeadlineJob) Stop() {
	close(j.stopCh)
}

// RunOnce 执行一轮扫描，返回退款和结算的数量
func (j *EscrowDeadlineJob) RunOnce(ctx context.Context) (expired, settled int) {
	expired, err := j.escrow.ExpireOverdue(ctx, j.batchSize)
	if err != nil {
		j.log.Error("[EscrowDeadlineJob] 处理超时托管失败", zap.Error(err))
	}
	if expired > 0 {
		j.log.Info("[EscrowDeadlineJob] 超时托管已退款", zap.Int("count", expired))
	}

	settled, err = j.escrow.SettleDue(ctx, j.batchSize)
	if err != nil {
		j.log.Error("[EscrowDeadlineJob] 结算争议期结束的托管失败", zap.Error(err))
	}
	if settled > 0 {
		j.log.Info("[EscrowDeadlineJob] 争议期结束，托管已结算", zap.Int("count", settled))
	}
	return expired, settled
}

// EscrowSettlementCompensateJob 终态已写入但资金划转未完成的托管补偿
type EscrowSettlementCompensateJob struct {
	escrow    *service.EscrowService
	log       *zap.Logger
	stopCh    chan struct{}
	interval  time.Duration
	delay     time.Duration
	batchSize int
}

func NewEscrowSettlementCompensateJob(escrow *service.EscrowService, cfg *config.EscrowConfig, log *zap.Logger) *EscrowSettlementCompensateJob {
	return &EscrowSettlementCompensateJob{
		escrow:    escrow,
		log:       log,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		delay:     cfg.CompensateDelay,
		batchSize: 50,
	}
}

func (j *EscrowSettlementCompensateJob) Start(ctx context.Context) {
	j.log.Info("[EscrowSettlementCompensateJob] 补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("[EscrowSettlementCompensateJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			j.log.Info("[EscrowSettlementCompensateJob] 任务停止")
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

func (j *EscrowSettlementCompensateJob) Stop() {
	close(j.stopCh)
}

// RunOnce 只处理 delay 之前就停在 PENDING 的记录，避免和正在划转的请求抢
func (j *EscrowSettlementCompensateJob) RunOnce(ctx context.Context) int {
	beforeTime := time.Now().Add(-j.delay)
	count, err := j.escrow.RetryPendingSettlements(ctx, beforeTime, j.batchSize)
	if err != nil {
		j.log.Error("[EscrowSettlementCompensateJob] 查询待补偿托管失败", zap.Error(err))
		return count
	}
	if count > 0 {
		j.log.Info("[EscrowSettlementCompensateJob] 补偿成功", zap.Int("count", count))
	}
	return count
}
