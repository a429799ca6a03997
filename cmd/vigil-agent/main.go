package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dushixiang/vigil/pkg/agent"
	"github.com/dushixiang/vigil/pkg/logger"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		opts     agent.Options
		logLevel string
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:           "vigil-agent",
		Short:         "系统指标采集端",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Server == "" {
				return fmt.Errorf("必须指定 --server")
			}
			if opts.Name == "" {
				return fmt.Errorf("必须指定 --name")
			}
			opts.Interval = interval

			log := logger.New(logger.Options{Level: logLevel})
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			err := agent.New(log, opts).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&opts.Server, "server", "s", "", "上报地址，如 http://example.com:8080/report")
	cmd.Flags().StringVarP(&opts.Name, "name", "n", "", "主机名（上报标识）")
	cmd.Flags().StringVarP(&opts.GID, "gid", "g", "", "主机组 ID")
	cmd.Flags().StringVarP(&opts.Alias, "alias", "a", "", "显示别名")
	cmd.Flags().StringVarP(&opts.Password, "password", "p", "", "上报口令")
	cmd.Flags().StringVar(&opts.Location, "location", "", "位置")
	cmd.Flags().StringVar(&opts.Type, "type", "", "主机类型")
	cmd.Flags().StringVar(&opts.Labels, "labels", "", "标签，k=v;k=v 形式")
	cmd.Flags().Uint64Var(&opts.Weight, "weight", 0, "排序权重")
	cmd.Flags().BoolVar(&opts.Vnstat, "vnstat", false, "计数器由 vnstat 按周期管理，跳过重置检测")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "采集间隔")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "日志级别")
	return cmd
}
