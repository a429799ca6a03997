package models

// Host 主机行（name 唯一，首次上报时惰性创建）
type Host struct {
	ID    int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Name  string `gorm:"uniqueIndex" json:"name"`
	Alias string `json:"alias"`
}

func (Host) TableName() string {
	return "hosts"
}

// Stat 原始采样行，每主机每时间戳一条
type Stat struct {
	ID              int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID          int64   `gorm:"index:idx_stats_host_ts" json:"hostId"`
	Timestamp       int64   `gorm:"index:idx_stats_host_ts;index:idx_stats_ts" json:"timestamp"` // 秒
	CPU             float64 `json:"cpu"`
	MemoryTotal     uint64  `json:"memoryTotal"`
	MemoryUsed      uint64  `json:"memoryUsed"`
	NetworkIn       uint64  `json:"networkIn"`  // 累计值
	NetworkOut      uint64  `json:"networkOut"` // 累计值
	NetworkInSpeed  uint64  `json:"networkInSpeed"`
	NetworkOutSpeed uint64  `json:"networkOutSpeed"`
	Online          bool    `json:"online"`
}

func (Stat) TableName() string {
	return "stats"
}

// DiskStat 原始磁盘采样行，每主机每时间戳每挂载点一条
type DiskStat struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID     int64  `gorm:"index:idx_disk_stats_host_ts" json:"hostId"`
	Timestamp  int64  `gorm:"index:idx_disk_stats_host_ts;index:idx_disk_stats_ts" json:"timestamp"`
	MountPoint string `json:"mountPoint"`
	Total      uint64 `json:"total"`
	Used       uint64 `json:"used"`
}

func (DiskStat) TableName() string {
	return "disk_stats"
}

// LastNetwork 每主机最近一次累计计数器锚点，用于进程重启后恢复计费周期
type LastNetwork struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID     int64  `gorm:"uniqueIndex" json:"hostId"`
	NetworkIn  uint64 `json:"networkIn"`
	NetworkOut uint64 `json:"networkOut"`
	UpdatedAt  int64  `json:"updatedAt"`
}

func (LastNetwork) TableName() string {
	return "last_network"
}

// AggregatedStat 聚合采样行，唯一键 (host_id, timestamp, interval_minutes)，
// timestamp 对齐到桶边界
type AggregatedStat struct {
	ID              int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID          int64   `gorm:"uniqueIndex:ux_agg_host_ts_interval;index:idx_agg_host_ts" json:"hostId"`
	Timestamp       int64   `gorm:"uniqueIndex:ux_agg_host_ts_interval;index:idx_agg_host_ts;index:idx_agg_ts" json:"timestamp"`
	IntervalMinutes int     `gorm:"uniqueIndex:ux_agg_host_ts_interval" json:"intervalMinutes"`
	CPU             float64 `json:"cpu"`
	MemoryTotal     uint64  `json:"memoryTotal"`
	MemoryUsed      uint64  `json:"memoryUsed"`
	NetworkIn       uint64  `json:"networkIn"`
	NetworkOut      uint64  `json:"networkOut"`
	NetworkInSpeed  uint64  `json:"networkInSpeed"`
	NetworkOutSpeed uint64  `json:"networkOutSpeed"`
	Online          bool    `json:"online"`
}

func (AggregatedStat) TableName() string {
	return "aggregated_stats"
}

// AggregatedDiskStat 聚合磁盘行，唯一键含挂载点
type AggregatedDiskStat struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	HostID          int64  `gorm:"uniqueIndex:ux_agg_disk_key;index:idx_agg_disk_host_ts" json:"hostId"`
	Timestamp       int64  `gorm:"uniqueIndex:ux_agg_disk_key;index:idx_agg_disk_host_ts;index:idx_agg_disk_ts" json:"timestamp"`
	IntervalMinutes int    `gorm:"uniqueIndex:ux_agg_disk_key" json:"intervalMinutes"`
	MountPoint      string `gorm:"uniqueIndex:ux_agg_disk_key" json:"mountPoint"`
	Total           uint64 `json:"total"`
	Used            uint64 `json:"used"`
}

func (AggregatedDiskStat) TableName() string {
	return "aggregated_disk_stats"
}
