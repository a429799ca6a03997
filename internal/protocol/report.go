package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedPayload 上报数据不符合协议
	ErrMalformedPayload = errors.New("malformed report payload")
	// ErrUnsupportedMedia 不支持的 Content-Type
	ErrUnsupportedMedia = errors.New("unsupported media type")
)

// DiskUsage 单块磁盘用量
type DiskUsage struct {
	Name       string `json:"name,omitempty"`
	MountPoint string `json:"mount_point"`
	FileSystem string `json:"file_system,omitempty"`
	Total      uint64 `json:"total"`
	Used       uint64 `json:"used"`
	Free       uint64 `json:"free,omitempty"`
}

// SysInfo 系统信息
type SysInfo struct {
	Version       string `json:"version"`
	HostName      string `json:"host_name"`
	OSName        string `json:"os_name"`
	OSArch        string `json:"os_arch"`
	OSFamily      string `json:"os_family"`
	OSRelease     string `json:"os_release"`
	KernelVersion string `json:"kernel_version"`
	CPUNum        int    `json:"cpu_num"`
	CPUBrand      string `json:"cpu_brand"`
}

// IPInfo IP 归属地信息（粘性字段，由外部查询服务异步补充）
type IPInfo struct {
	Query      string `json:"query"`
	Continent  string `json:"continent"`
	Country    string `json:"country"`
	RegionName string `json:"region_name"`
	City       string `json:"city"`
	ISP        string `json:"isp"`
	Org        string `json:"org"`
}

// HostStat 一次上报，同时也是实时快照中的单元
type HostStat struct {
	Name     string `json:"name"`
	Alias    string `json:"alias"`
	GID      string `json:"gid"`
	Location string `json:"location"`
	Type     string `json:"type"`
	Labels   string `json:"labels"`

	Notify   bool   `json:"notify"`
	Vnstat   bool   `json:"vnstat"` // 计数器已由外部工具按周期累计，跳过重置检测
	Disabled bool   `json:"disabled"`
	Weight   uint64 `json:"weight"`
	Pos      int    `json:"pos"`

	CPU         float64 `json:"cpu"`
	MemoryTotal uint64  `json:"memory_total"`
	MemoryUsed  uint64  `json:"memory_used"`

	NetworkIn  uint64 `json:"network_in"`  // 累计流量
	NetworkOut uint64 `json:"network_out"` // 累计流量
	NetworkRx  uint64 `json:"network_rx"`  // 瞬时速率
	NetworkTx  uint64 `json:"network_tx"`  // 瞬时速率

	LastNetworkIn  uint64 `json:"last_network_in"`  // 当前计费周期锚点
	LastNetworkOut uint64 `json:"last_network_out"` // 当前计费周期锚点

	Online4 bool `json:"online4"`
	Online6 bool `json:"online6"`

	Uptime    uint64 `json:"uptime"`
	UptimeStr string `json:"uptime_str"`
	LatestTS  uint64 `json:"latest_ts"`

	Disks   []DiskUsage `json:"disks,omitempty"`
	SysInfo *SysInfo    `json:"sys_info,omitempty"`
	IPInfo  *IPInfo     `json:"ip_info,omitempty"`
}

// Clone 深拷贝，供只读快照使用（SysInfo/IPInfo 发布后只读，浅拷贝即可）
func (s *HostStat) Clone() *HostStat {
	c := *s
	if len(s.Disks) > 0 {
		c.Disks = make([]DiskUsage, len(s.Disks))
		copy(c.Disks, s.Disks)
	}
	return &c
}

// StatsSnapshot 发布给读方的不可变快照
type StatsSnapshot struct {
	Updated uint64      `json:"updated"`
	Servers []*HostStat `json:"servers"`
}

// reportEnvelope 用于区分"字段缺失"与"显式 false"
type reportEnvelope struct {
	HostStat
	Notify *bool `json:"notify"`
}

// ParseReport 按 Content-Type 解析上报数据并在边界处校验。
// 二进制编码（protobuf）的上报暂不支持，返回 ErrUnsupportedMedia。
func ParseReport(body []byte, contentType string) (*HostStat, error) {
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		return parseJSON(body)
	case strings.HasPrefix(contentType, "application/octet-stream"):
		return nil, ErrUnsupportedMedia
	default:
		return nil, ErrUnsupportedMedia
	}
}

func parseJSON(body []byte) (*HostStat, error) {
	var env reportEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	stat := env.HostStat
	// notify 缺省为 true，与客户端默认行为一致
	stat.Notify = env.Notify == nil || *env.Notify
	if err := stat.Validate(); err != nil {
		return nil, err
	}
	return &stat, nil
}

// Validate 边界校验：必填字段与数值范围
func (s *HostStat) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: name 不能为空", ErrMalformedPayload)
	}
	if s.CPU < 0 || s.CPU > 100 {
		return fmt.Errorf("%w: cpu 超出 [0,100]: %f", ErrMalformedPayload, s.CPU)
	}
	if s.MemoryUsed > s.MemoryTotal {
		return fmt.Errorf("%w: memory_used 大于 memory_total", ErrMalformedPayload)
	}
	for _, d := range s.Disks {
		if d.MountPoint == "" {
			return fmt.Errorf("%w: 磁盘缺少 mount_point", ErrMalformedPayload)
		}
	}
	return nil
}
