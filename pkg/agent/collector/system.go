package collector

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	gopsnet "github.com/shirou/gopsutil/v4/net"
)

// 连通性探测目标
const (
	probeV4 = "8.8.8.8:53"
	probeV6 = "[2001:4860:4860::8888]:53"
)

// 不计入磁盘用量的伪文件系统
var pseudoFS = map[string]bool{
	"tmpfs": true, "devtmpfs": true, "overlay": true,
	"squashfs": true, "proc": true, "sysfs": true,
}

// SystemCollector 系统指标采集器，持有上次网络计数以计算瞬时速率
type SystemCollector struct {
	prevIn  uint64
	prevOut uint64
	prevAt  time.Time
}

// NewSystemCollector 创建系统指标采集器
func NewSystemCollector() *SystemCollector {
	return &SystemCollector{}
}

// Collect 采集一轮系统指标
func (c *SystemCollector) Collect(ctx context.Context) (*protocol.HostStat, error) {
	stat := &protocol.HostStat{
		LatestTS: uint64(time.Now().Unix()),
	}

	// CPU 使用率（采样 1 秒）
	percents, err := cpu.PercentWithContext(ctx, time.Second, false)
	if err != nil {
		return nil, err
	}
	if len(percents) > 0 {
		stat.CPU = percents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	stat.MemoryTotal = vm.Total
	stat.MemoryUsed = vm.Used

	// 全网卡合并计数
	counters, err := gopsnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(counters) > 0 {
		now := time.Now()
		in, out := counters[0].BytesRecv, counters[0].BytesSent
		if !c.prevAt.IsZero() {
			elapsed := now.Sub(c.prevAt)
			stat.NetworkRx = ComputeSpeed(c.prevIn, in, elapsed)
			stat.NetworkTx = ComputeSpeed(c.prevOut, out, elapsed)
		}
		stat.NetworkIn = in
		stat.NetworkOut = out
		c.prevIn, c.prevOut, c.prevAt = in, out, now
	}

	stat.Disks = c.collectDisks(ctx)
	stat.SysInfo = c.collectSysInfo(ctx)
	if stat.SysInfo != nil {
		stat.Uptime = hostUptime(ctx)
	}

	stat.Online4 = probe("tcp4", probeV4)
	stat.Online6 = probe("tcp6", probeV6)

	return stat, nil
}

func (c *SystemCollector) collectDisks(ctx context.Context) []protocol.DiskUsage {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var disks []protocol.DiskUsage
	for _, p := range partitions {
		if pseudoFS[strings.ToLower(p.Fstype)] || seen[p.Mountpoint] {
			continue
		}
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil || usage.Total == 0 {
			continue
		}
		seen[p.Mountpoint] = true
		disks = append(disks, protocol.DiskUsage{
			Name:       p.Device,
			MountPoint: p.Mountpoint,
			FileSystem: p.Fstype,
			Total:      usage.Total,
			Used:       usage.Used,
			Free:       usage.Free,
		})
	}
	return disks
}

func (c *SystemCollector) collectSysInfo(ctx context.Context) *protocol.SysInfo {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil
	}
	sysInfo := &protocol.SysInfo{
		HostName:      info.Hostname,
		OSName:        info.Platform,
		OSArch:        info.KernelArch,
		OSFamily:      info.PlatformFamily,
		OSRelease:     info.PlatformVersion,
		KernelVersion: info.KernelVersion,
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		sysInfo.CPUBrand = cpus[0].ModelName
	}
	if num, err := cpu.CountsWithContext(ctx, true); err == nil {
		sysInfo.CPUNum = num
	}
	return sysInfo
}

func hostUptime(ctx context.Context) uint64 {
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0
	}
	return uptime
}

// ComputeSpeed 由前后两次累计值与间隔计算每秒速率，计数回绕时返回 0
func ComputeSpeed(prev, cur uint64, elapsed time.Duration) uint64 {
	if elapsed <= 0 || cur < prev {
		return 0
	}
	return uint64(float64(cur-prev) / elapsed.Seconds())
}

func probe(network, addr string) bool {
	conn, err := net.DialTimeout(network, addr, 3*time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
