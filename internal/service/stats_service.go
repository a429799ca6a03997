package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dushixiang/vigil/internal/config"
	"github.com/dushixiang/vigil/internal/notifier"
	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/dushixiang/vigil/internal/repo"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// queueSize 上报队列与事件队列的容量，写满后提交方阻塞形成背压
const queueSize = 512

// sweepInterval 快照发布周期
const sweepInterval = 500 * time.Millisecond

// StatsService 遥测聚合核心：协调引擎、实时表、快照发布与事件分发
type StatsService struct {
	logger *zap.Logger
	cfg    *config.Config
	repo   *repo.StatRepo

	hostMu sync.Mutex
	hosts  map[string]*config.Host
	groups map[string]*config.Group // 只读组模板

	statMu sync.Mutex
	stats  map[string]*protocol.HostStat

	statCh  chan *protocol.HostStat
	eventCh chan notifier.Event

	snapMu       sync.RWMutex
	snapshot     *protocol.StatsSnapshot
	snapshotJSON string

	notifiers []notifier.Notifier

	// 仅清扫协程访问
	latestNotify  uint64
	latestGroupGC uint64

	wg conc.WaitGroup
}

func NewStatsService(logger *zap.Logger, cfg *config.Config, statRepo *repo.StatRepo, notifiers []notifier.Notifier) *StatsService {
	return &StatsService{
		logger:       logger,
		cfg:          cfg,
		repo:         statRepo,
		hosts:        cfg.HostMap(),
		groups:       cfg.GroupMap(),
		stats:        make(map[string]*protocol.HostStat),
		statCh:       make(chan *protocol.HostStat, queueSize),
		eventCh:      make(chan notifier.Event, queueSize),
		snapshotJSON: "{}",
		notifiers:    notifiers,
	}
}

// Start 恢复计数器锚点并启动消费、清扫、分发三个协程
func (s *StatsService) Start(ctx context.Context) error {
	if err := s.loadLastNetwork(ctx); err != nil {
		return fmt.Errorf("恢复计数器锚点失败: %w", err)
	}
	s.wg.Go(func() { s.consumeReports(ctx) })
	s.wg.Go(func() { s.sweepLoop(ctx) })
	s.wg.Go(func() { s.dispatchEvents(ctx) })
	return nil
}

// Stop 等待全部协程退出，须在取消 Start 的 ctx 之后调用
func (s *StatsService) Stop() {
	s.wg.Wait()
}

func (s *StatsService) loadLastNetwork(ctx context.Context) error {
	entries, err := s.repo.LoadLastNetwork(ctx)
	if err != nil {
		return err
	}
	s.hostMu.Lock()
	defer s.hostMu.Unlock()
	for _, e := range entries {
		if h, ok := s.hosts[e.Name]; ok {
			h.LastNetworkIn = e.NetworkIn
			h.LastNetworkOut = e.NetworkOut
		}
	}
	return nil
}

// Authorized 校验上报凭证：先按主机名，再按组
func (s *StatsService) Authorized(stat *protocol.HostStat, pass string) bool {
	if s.cfg.Auth(stat.Name, pass) {
		return true
	}
	return stat.GID != "" && s.cfg.GroupAuth(stat.GID, pass)
}

// SubmitReport 解析上报并入队。队列满时阻塞，由 HTTP 层的超时兜底。
func (s *StatsService) SubmitReport(ctx context.Context, body []byte, contentType string) (*protocol.HostStat, error) {
	stat, err := protocol.ParseReport(body, contentType)
	if err != nil {
		return nil, err
	}
	if stat.LatestTS == 0 {
		stat.LatestTS = uint64(time.Now().Unix())
	}
	select {
	case s.statCh <- stat:
		return stat, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Enqueue 入队一条已解析的上报，校验与时间戳补齐同 SubmitReport
func (s *StatsService) Enqueue(ctx context.Context, stat *protocol.HostStat) error {
	if err := stat.Validate(); err != nil {
		return err
	}
	if stat.LatestTS == 0 {
		stat.LatestTS = uint64(time.Now().Unix())
	}
	select {
	case s.statCh <- stat:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *StatsService) consumeReports(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case stat := <-s.statCh:
			s.reconcile(ctx, stat, time.Now())
		}
	}
}

// reconcile 协调一条上报：组实例化、注册表补齐、计数器重置检测、
// 实时表更新、落库与上线事件。注册表锁内不做任何 I/O。
func (s *StatsService) reconcile(ctx context.Context, stat *protocol.HostStat, now time.Time) {
	// 组模式：名称不在注册表或换组时按组模板实例化，锚点随主机名保留
	if stat.GID != "" {
		if stat.Alias == "" {
			stat.Alias = stat.Name
		}
		s.hostMu.Lock()
		host, ok := s.hosts[stat.Name]
		if !ok || host.GID != stat.GID {
			group, found := s.groups[stat.GID]
			if !found {
				s.hostMu.Unlock()
				s.logger.Warn("未知主机组，丢弃上报",
					zap.String("name", stat.Name), zap.String("gid", stat.GID))
				return
			}
			inst := group.InstHost(stat.Name)
			if host != nil {
				inst.LastNetworkIn = host.LastNetworkIn
				inst.LastNetworkOut = host.LastNetworkOut
			}
			s.hosts[stat.Name] = inst
		}
		s.hostMu.Unlock()
	}

	s.hostMu.Lock()
	info, ok := s.hosts[stat.Name]
	if !ok {
		s.hostMu.Unlock()
		s.logger.Warn("未注册主机，丢弃上报", zap.String("name", stat.Name))
		return
	}
	if info.Disabled {
		s.hostMu.Unlock()
		return
	}

	// 注册表字段补齐，注册表侧优先
	if stat.Location == "" {
		stat.Location = info.Location
	}
	if stat.Type == "" {
		stat.Type = info.Type
	}
	stat.Notify = info.Notify && stat.Notify
	stat.Pos = info.Pos
	stat.Disabled = info.Disabled
	stat.Weight += info.Weight
	stat.Labels = info.Labels
	if info.Alias != "" {
		stat.Alias = info.Alias
	}
	info.LatestTS = stat.LatestTS

	// 计数器重置检测。vnstat 模式下计数器已按周期归零，跳过。
	var anchorDirty bool
	if !stat.Vnstat {
		if counterReset(info, stat, now) {
			info.LastNetworkIn = stat.NetworkIn
			info.LastNetworkOut = stat.NetworkOut
			anchorDirty = true
		} else {
			stat.LastNetworkIn = info.LastNetworkIn
			stat.LastNetworkOut = info.LastNetworkOut
		}
	}
	s.hostMu.Unlock()

	stat.UptimeStr = FormatUptime(stat.Uptime)

	// 先落原始行（顺带确保主机行存在），再持久化锚点。
	// 此时 stat 仍为本协程私有，落库不需要持锁。
	if err := s.repo.SaveStat(ctx, stat, int64(stat.LatestTS)); err != nil {
		s.logger.Error("持久化上报失败", zap.String("name", stat.Name), zap.Error(err))
	}
	if anchorDirty {
		if err := s.repo.UpdateLastNetwork(ctx, stat.Name, stat.NetworkIn, stat.NetworkOut); err != nil {
			s.logger.Error("持久化计数器锚点失败", zap.String("name", stat.Name), zap.Error(err))
		}
	}

	// 实时表更新。ip_info/sys_info 是粘性字段，本次未带则沿用上次的。
	// 发布进实时表后对象即与清扫协程共享，此后不得在锁外再读写它，
	// 事件副本必须在锁内克隆。
	var upEvent *protocol.HostStat
	s.statMu.Lock()
	if prev, found := s.stats[stat.Name]; found {
		if stat.IPInfo == nil {
			stat.IPInfo = prev.IPInfo
		}
		if stat.SysInfo == nil {
			stat.SysInfo = prev.SysInfo
		}
		if stat.Notify && prev.LatestTS+s.cfg.OfflineThreshold < stat.LatestTS {
			upEvent = stat.Clone()
		}
	}
	s.stats[stat.Name] = stat
	s.statMu.Unlock()

	if upEvent != nil {
		s.sendEvent(notifier.NewEvent(notifier.NodeUp, upEvent))
	}
}

// counterReset 判定是否重置计费周期锚点：锚点未建立、计数器回绕、
// 或处于每月重置日零点后的前 5 分钟内
func counterReset(info *config.Host, stat *protocol.HostStat, now time.Time) bool {
	if info.LastNetworkIn == 0 {
		return true
	}
	if stat.NetworkIn != 0 && info.LastNetworkIn > stat.NetworkIn {
		return true
	}
	return now.Day() == info.MonthStart && now.Hour() == 0 && now.Minute() < 5
}

// FormatUptime 超过一天只显示天数，否则显示时分秒
func FormatUptime(uptime uint64) string {
	if days := uptime / 86400; days > 0 {
		return fmt.Sprintf("%d 天", days)
	}
	return fmt.Sprintf("%02d:%02d:%02d", uptime/3600, uptime/60%60, uptime%60)
}

func (s *StatsService) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(uint64(time.Now().Unix()))
		}
	}
}

// sweepOnce 一轮清扫：组回收、离线判定、OS 标签推断、周期通知，
// 最后排序并发布不可变快照。事件在锁外发送。
func (s *StatsService) sweepOnce(now uint64) {
	// 组回收按 group_gc 节流，静态主机永不回收
	if s.latestGroupGC+s.cfg.GroupGC < now {
		s.latestGroupGC = now
		s.hostMu.Lock()
		for name, h := range s.hosts {
			if h.GID != "" && h.LatestTS+s.cfg.GroupGC < now {
				delete(s.hosts, name)
			}
		}
		s.hostMu.Unlock()
		s.statMu.Lock()
		for name, st := range s.stats {
			if st.GID != "" && st.LatestTS+s.cfg.GroupGC < now {
				delete(s.stats, name)
			}
		}
		s.statMu.Unlock()
	}

	resp := &protocol.StatsSnapshot{Updated: now}
	var events []notifier.Event
	notified := false

	s.statMu.Lock()
	for _, stat := range s.stats {
		// 已禁用的条目原样发布，不再参与状态变更
		if stat.Disabled {
			resp.Servers = append(resp.Servers, stat.Clone())
			continue
		}
		if stat.LatestTS+s.cfg.OfflineThreshold < now {
			stat.Online4 = false
			stat.Online6 = false
		}
		inferOSLabel(stat)

		if stat.Notify && s.latestNotify+s.cfg.NotifyInterval < now {
			if stat.Online4 || stat.Online6 {
				events = append(events, notifier.NewEvent(notifier.Custom, stat.Clone()))
			} else {
				// 置禁用位防止重复下线通知，下次上报会重建条目
				stat.Disabled = true
				events = append(events, notifier.NewEvent(notifier.NodeDown, stat.Clone()))
			}
			notified = true
		}
		resp.Servers = append(resp.Servers, stat.Clone())
	}
	s.statMu.Unlock()
	if notified {
		s.latestNotify = now
	}

	// 权重降序，其次位置升序，同组内按别名
	sort.SliceStable(resp.Servers, func(i, j int) bool {
		a, b := resp.Servers[i], resp.Servers[j]
		if a.Weight != b.Weight {
			return a.Weight > b.Weight
		}
		if a.Pos != b.Pos {
			return a.Pos < b.Pos
		}
		return a.Alias < b.Alias
	})

	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("序列化快照失败", zap.Error(err))
		return
	}
	s.snapMu.Lock()
	s.snapshot = resp
	s.snapshotJSON = string(data)
	s.snapMu.Unlock()

	for _, ev := range events {
		s.sendEvent(ev)
	}
}

// osList 标签推断用的系统名列表，按优先级排列
var osList = []string{
	"centos", "debian", "ubuntu", "arch", "windows", "macos", "pi", "android", "linux", "freebsd",
}

func inferOSLabel(stat *protocol.HostStat) {
	if stat.SysInfo == nil || strings.Contains(stat.Labels, "os=") {
		return
	}
	release := strings.ToLower(stat.SysInfo.OSRelease) + " " + strings.ToLower(stat.SysInfo.OSName)
	for _, name := range osList {
		if strings.Contains(release, name) {
			if stat.Labels == "" {
				stat.Labels = "os=" + name
			} else {
				stat.Labels += ";os=" + name
			}
			return
		}
	}
}

func (s *StatsService) sendEvent(ev notifier.Event) {
	s.eventCh <- ev
}

// dispatchEvents 按序分发事件到全部渠道，单渠道失败只记日志
func (s *StatsService) dispatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.eventCh:
			for _, n := range s.notifiers {
				if err := n.Notify(ev.Kind, ev.Stat); err != nil {
					s.logger.Error("通知渠道发送失败",
						zap.String("channel", n.Kind()),
						zap.String("event", ev.Kind.String()),
						zap.String("id", ev.ID),
						zap.String("name", ev.Stat.Name),
						zap.Error(err))
				}
			}
		}
	}
}

// NotifyTest 逐个验证通知渠道配置
func (s *StatsService) NotifyTest() error {
	for _, n := range s.notifiers {
		if err := n.NotifyTest(); err != nil {
			return fmt.Errorf("渠道 %s 测试失败: %w", n.Kind(), err)
		}
		s.logger.Info("通知渠道测试通过", zap.String("channel", n.Kind()))
	}
	return nil
}

// Snapshot 返回最近发布的快照，未发布时返回空快照
func (s *StatsService) Snapshot() *protocol.StatsSnapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	if s.snapshot == nil {
		return &protocol.StatsSnapshot{}
	}
	return s.snapshot
}

// SnapshotJSON 返回最近发布快照的 JSON 序列化结果
func (s *StatsService) SnapshotJSON() string {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snapshotJSON
}
