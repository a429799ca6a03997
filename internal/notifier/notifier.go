package notifier

import (
	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/google/uuid"
)

// EventKind 通知事件类型
type EventKind int

const (
	// NodeUp 主机从离线恢复上报
	NodeUp EventKind = iota
	// NodeDown 主机静默超过离线阈值
	NodeDown
	// Custom 周期性状态通报
	Custom
)

func (k EventKind) String() string {
	switch k {
	case NodeUp:
		return "NodeUp"
	case NodeDown:
		return "NodeDown"
	case Custom:
		return "Custom"
	default:
		return "Unknown"
	}
}

// Event 一条待分发的通知事件，携带事件发生时的主机状态快照
type Event struct {
	ID   string
	Kind EventKind
	Stat *protocol.HostStat
}

// NewEvent 创建事件，stat 必须是调用方专属的副本
func NewEvent(kind EventKind, stat *protocol.HostStat) Event {
	return Event{
		ID:   uuid.NewString(),
		Kind: kind,
		Stat: stat,
	}
}

// Notifier 通知渠道。Notify 失败只影响当前渠道，不会中断分发。
type Notifier interface {
	Kind() string
	Notify(kind EventKind, stat *protocol.HostStat) error
	NotifyTest() error
}

// RenderContext 模板渲染上下文
func RenderContext(kind EventKind, stat *protocol.HostStat) map[string]interface{} {
	return map[string]interface{}{
		"event":    kind.String(),
		"name":     stat.Name,
		"alias":    stat.Alias,
		"location": stat.Location,
		"type":     stat.Type,
		"labels":   stat.Labels,
	}
}
