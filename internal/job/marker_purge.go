package job

import (
	"context"
	"time"

	"bezsettle/internal/config"
	"bezsettle/internal/repository"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MarkerPurgeJob 按 cron 表达式清理过期的幂等标记
type MarkerPurgeJob struct {
	repo      *repository.IdempotencyRepository
	schedule  string
	log       *zap.Logger
	batchSize int
	now       func() time.Time
}

func NewMarkerPurgeJob(db *gorm.DB, cfg *config.IdempotencyConfig, log *zap.Logger) *MarkerPurgeJob {
	schedule := cfg.PurgeSchedule
	if schedule == "" {
		schedule = "@every 1h"
	}
	return &MarkerPurgeJob{
		repo:      repository.NewIdempotencyRepository(db),
		schedule:  schedule,
		log:       log,
		batchSize: 1000,
		now:       time.Now,
	}
}

// Start 阻塞直到 ctx 结束，退出前等待正在执行的清理完成
func (j *MarkerPurgeJob) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() { j.RunOnce(ctx) }); err != nil {
		return err
	}

	j.log.Info("[MarkerPurgeJob] 幂等标记清理任务启动", zap.String("schedule", j.schedule))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	j.log.Info("[MarkerPurgeJob] 收到停止信号，任务退出")
	return nil
}

// RunOnce 分批删除直到没有过期标记
func (j *MarkerPurgeJob) RunOnce(ctx context.Context) int64 {
	var total int64
	before := j.now()
	for {
		if ctx.Err() != nil {
			break
		}
		n, err := j.repo.PurgeExpired(ctx, before, j.batchSize)
		if err != nil {
			j.log.Error("[MarkerPurgeJob] 清理幂等标记失败", zap.Error(err))
			break
		}
		total += n
		if n < int64(j.batchSize) {
			break
		}
	}
	if total > 0 {
		j.log.Info("[MarkerPurgeJob] 已清理过期幂等标记", zap.Int64("count", total))
	}
	return total
}
