package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dushixiang/vigil/internal/config"
	"github.com/dushixiang/vigil/internal/handler"
	"github.com/dushixiang/vigil/internal/notifier"
	"github.com/dushixiang/vigil/internal/repo"
	"github.com/dushixiang/vigil/internal/scheduler"
	"github.com/dushixiang/vigil/internal/service"
	"github.com/dushixiang/vigil/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cloud      bool
		configTest bool
		notifyTest bool
	)
	cmd := &cobra.Command{
		Use:           "vigil",
		Short:         "轻量级服务器监控聚合服务",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, cloud, configTest, notifyTest)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	cmd.Flags().BoolVar(&cloud, "cloud", false, "云模式，从环境变量 VIGIL_CONF 加载配置")
	cmd.Flags().BoolVarP(&configTest, "config-test", "t", false, "校验配置后退出")
	cmd.Flags().BoolVar(&notifyTest, "notify-test", false, "测试通知渠道后退出")
	return cmd
}

func run(configPath string, cloud, configTest, notifyTest bool) error {
	var (
		cfg *config.Config
		err error
	)
	if cloud {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.LoadFromFile(configPath)
	}
	if err != nil {
		return err
	}
	if configTest {
		fmt.Println("配置有效")
		return nil
	}

	log := logger.New(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	defer func() { _ = log.Sync() }()

	notifiers, err := buildNotifiers(log, cfg.Notify)
	if err != nil {
		return err
	}

	db, err := repo.OpenDatabase(cfg.Database.Path)
	if err != nil {
		return err
	}
	statRepo := repo.NewStatRepo(db)

	svc := service.NewStatsService(log, cfg, statRepo, notifiers)
	if notifyTest {
		return svc.NotifyTest()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return err
	}

	sched := scheduler.NewMaintenanceScheduler(log, statRepo, cfg.RetentionDays)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	handler.NewStatsHandler(log, svc).Register(e)

	errCh := make(chan error, 1)
	go func() {
		if err := e.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	log.Info("服务已启动", zap.String("addr", cfg.HTTPAddr))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		cancel()
		log.Error("HTTP 服务异常退出", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP 服务关闭失败", zap.Error(err))
	}
	sched.Stop()
	svc.Stop()
	log.Info("服务已退出")
	return nil
}

func buildNotifiers(log *zap.Logger, cfg config.NotifyConfig) ([]notifier.Notifier, error) {
	var notifiers []notifier.Notifier
	if cfg.Log.Enabled {
		notifiers = append(notifiers, notifier.NewLogNotifier(log))
	}
	if cfg.Email.Enabled {
		n, err := notifier.NewEmailNotifier(cfg.Email)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	if cfg.Webhook.Enabled {
		n, err := notifier.NewWebhookNotifier(cfg.Webhook)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}
