package service

import (
	"context"
	"time"
)

// HistoryPoint 单个历史数据点。value 对 cpu/内存/磁盘是百分比，
// 对网络是瞬时速率；total/used 仅在有意义时出现。
type HistoryPoint struct {
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
	Total     uint64  `json:"total,omitempty"`
	Used      uint64  `json:"used,omitempty"`
}

// HostHistory 单主机的历史序列，磁盘按挂载点分组
type HostHistory struct {
	Name              string                    `json:"name"`
	Alias             string                    `json:"alias"`
	Online            bool                      `json:"online"`
	DataPoints        int                       `json:"data_points"`
	CPUHistory        []HistoryPoint            `json:"cpu_history"`
	MemoryHistory     []HistoryPoint            `json:"memory_history"`
	NetworkInHistory  []HistoryPoint            `json:"network_in_history"`
	NetworkOutHistory []HistoryPoint            `json:"network_out_history"`
	DisksHistory      map[string][]HistoryPoint `json:"disks_history"`
}

// HistoryResp 历史查询响应
type HistoryResp struct {
	Updated uint64         `json:"updated"`
	Servers []*HostHistory `json:"servers"`
}

// QueryHistory 查询时间范围内的历史数据并整形为前端需要的序列结构。
// 分辨率由存储层按跨度自动选择。
func (s *StatsService) QueryHistory(ctx context.Context, start, end int64) (*HistoryResp, error) {
	series, err := s.repo.QueryRange(ctx, "", start, end)
	if err != nil {
		return nil, err
	}

	resp := &HistoryResp{
		Updated: uint64(time.Now().Unix()),
		Servers: make([]*HostHistory, 0, len(series)),
	}
	for _, hs := range series {
		if len(hs.Points) == 0 {
			continue
		}
		latest := hs.Points[len(hs.Points)-1]
		host := &HostHistory{
			Name:              hs.Name,
			Alias:             hs.Alias,
			Online:            latest.Online,
			DataPoints:        len(hs.Points),
			CPUHistory:        make([]HistoryPoint, 0, len(hs.Points)),
			MemoryHistory:     make([]HistoryPoint, 0, len(hs.Points)),
			NetworkInHistory:  make([]HistoryPoint, 0, len(hs.Points)),
			NetworkOutHistory: make([]HistoryPoint, 0, len(hs.Points)),
			DisksHistory:      make(map[string][]HistoryPoint),
		}
		for _, p := range hs.Points {
			host.CPUHistory = append(host.CPUHistory, HistoryPoint{
				Timestamp: p.Timestamp,
				Value:     p.CPU,
			})
			host.MemoryHistory = append(host.MemoryHistory, HistoryPoint{
				Timestamp: p.Timestamp,
				Value:     percent(p.MemoryUsed, p.MemoryTotal),
				Total:     p.MemoryTotal,
				Used:      p.MemoryUsed,
			})
			host.NetworkInHistory = append(host.NetworkInHistory, HistoryPoint{
				Timestamp: p.Timestamp,
				Value:     float64(p.NetworkInSpeed),
				Total:     p.NetworkIn,
			})
			host.NetworkOutHistory = append(host.NetworkOutHistory, HistoryPoint{
				Timestamp: p.Timestamp,
				Value:     float64(p.NetworkOutSpeed),
				Total:     p.NetworkOut,
			})
			for _, d := range p.Disks {
				host.DisksHistory[d.MountPoint] = append(host.DisksHistory[d.MountPoint], HistoryPoint{
					Timestamp: d.Timestamp,
					Value:     percent(d.Used, d.Total),
					Total:     d.Total,
					Used:      d.Used,
				})
			}
		}
		resp.Servers = append(resp.Servers, host)
	}
	return resp, nil
}

func percent(used, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(used) / float64(total) * 100
}
