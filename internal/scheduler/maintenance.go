package scheduler

import (
	"context"

	"github.com/dushixiang/vigil/internal/repo"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// MaintenanceScheduler 定时维护：每 5 分钟增量聚合并裁剪原始数据，
// 每天整理一次数据库。任务串行，上一轮未结束时跳过本轮。
type MaintenanceScheduler struct {
	logger        *zap.Logger
	repo          *repo.StatRepo
	retentionDays int
	cron          *cron.Cron
}

func NewMaintenanceScheduler(logger *zap.Logger, statRepo *repo.StatRepo, retentionDays int) *MaintenanceScheduler {
	return &MaintenanceScheduler{
		logger:        logger,
		repo:          statRepo,
		retentionDays: retentionDays,
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DiscardLogger),
			cron.Recover(cron.DiscardLogger),
		)),
	}
}

func (s *MaintenanceScheduler) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc("@every 5m", func() {
		if err := s.repo.RunMaintenance(ctx, s.retentionDays); err != nil {
			s.logger.Error("定时维护失败", zap.Error(err))
			return
		}
		s.logger.Debug("定时维护完成")
	}); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc("@every 24h", func() {
		if err := s.repo.Optimize(ctx); err != nil {
			s.logger.Error("数据库整理失败", zap.Error(err))
			return
		}
		s.logger.Info("数据库整理完成")
	}); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("维护调度器已启动",
		zap.Int("retention_days", s.retentionDays))
	return nil
}

// Stop 停止调度并等待执行中的任务结束
func (s *MaintenanceScheduler) Stop() {
	<-s.cron.Stop().Done()
}
