package notifier

import (
	"github.com/dushixiang/vigil/internal/protocol"
	"go.uber.org/zap"
)

// LogNotifier 将事件写入结构化日志，主要用于验证通知链路
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Kind() string {
	return "log"
}

func (n *LogNotifier) Notify(kind EventKind, stat *protocol.HostStat) error {
	n.logger.Info("通知事件",
		zap.String("event", kind.String()),
		zap.String("name", stat.Name),
		zap.String("alias", stat.Alias),
		zap.Bool("online4", stat.Online4),
		zap.Bool("online6", stat.Online6),
		zap.Uint64("latest_ts", stat.LatestTS),
	)
	return nil
}

func (n *LogNotifier) NotifyTest() error {
	n.logger.Info("通知渠道测试", zap.String("kind", n.Kind()))
	return nil
}
