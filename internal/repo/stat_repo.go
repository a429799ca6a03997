package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dushixiang/vigil/internal/models"
	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrHostNotFound 更新计数器锚点时主机行尚不存在（应先 EnsureHost）
var ErrHostNotFound = errors.New("host not found")

// AggregationTiers 聚合分辨率（分钟），维护任务按升序依次执行
var AggregationTiers = []int{5, 15, 30, 60}

// MaxPointsPerHost 范围查询每主机返回的数据点上限
const MaxPointsPerHost = 600

// OpenDatabase 打开 SQLite 数据库并迁移表结构。
// 连接池上限为 1：单连接串行化所有存储访问，并发调用方阻塞等待。
func OpenDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Host{},
		&models.Stat{},
		&models.DiskStat{},
		&models.LastNetwork{},
		&models.AggregatedStat{},
		&models.AggregatedDiskStat{},
	); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return db, nil
}

// StatRepo 时序存储，持久行的唯一所有者
type StatRepo struct {
	db *gorm.DB
}

func NewStatRepo(db *gorm.DB) *StatRepo {
	return &StatRepo{db: db}
}

// EnsureHost 首次见到主机时创建主机行；alias 非空时就地更新。永不删除。
func (r *StatRepo) EnsureHost(ctx context.Context, name, alias string) (int64, error) {
	var host models.Host
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		host = models.Host{Name: name, Alias: alias}
		if err := r.db.WithContext(ctx).Create(&host).Error; err != nil {
			return 0, err
		}
		return host.ID, nil
	}
	if err != nil {
		return 0, err
	}
	if alias != "" && alias != host.Alias {
		if err := r.db.WithContext(ctx).Model(&models.Host{}).
			Where("id = ?", host.ID).Update("alias", alias).Error; err != nil {
			return 0, err
		}
	}
	return host.ID, nil
}

// UpdateLastNetwork 幂等更新主机的计数器锚点（按主机唯一，存在即覆盖）
func (r *StatRepo) UpdateLastNetwork(ctx context.Context, name string, in, out uint64) error {
	var host models.Host
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&host).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrHostNotFound, name)
	}
	if err != nil {
		return err
	}
	row := models.LastNetwork{
		HostID:     host.ID,
		NetworkIn:  in,
		NetworkOut: out,
		UpdatedAt:  time.Now().Unix(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "host_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"network_in", "network_out", "updated_at"}),
		}).
		Create(&row).Error
}

// LastNetworkEntry 主机名与其计数器锚点
type LastNetworkEntry struct {
	Name       string
	NetworkIn  uint64
	NetworkOut uint64
}

// LoadLastNetwork 加载全部计数器锚点，启动时恢复计费周期
func (r *StatRepo) LoadLastNetwork(ctx context.Context) ([]LastNetworkEntry, error) {
	var entries []LastNetworkEntry
	err := r.db.WithContext(ctx).
		Table("last_network").
		Select("hosts.name AS name, last_network.network_in AS network_in, last_network.network_out AS network_out").
		Joins("JOIN hosts ON hosts.id = last_network.host_id").
		Scan(&entries).Error
	return entries, err
}

// SaveStat 持久化一次上报：一条原始行 + N 条磁盘行，同一事务内全有或全无
func (r *StatRepo) SaveStat(ctx context.Context, stat *protocol.HostStat, timestamp int64) error {
	hostID, err := r.EnsureHost(ctx, stat.Name, stat.Alias)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.Stat{
			HostID:          hostID,
			Timestamp:       timestamp,
			CPU:             stat.CPU,
			MemoryTotal:     stat.MemoryTotal,
			MemoryUsed:      stat.MemoryUsed,
			NetworkIn:       stat.NetworkIn,
			NetworkOut:      stat.NetworkOut,
			NetworkInSpeed:  stat.NetworkRx,
			NetworkOutSpeed: stat.NetworkTx,
			Online:          stat.Online4 || stat.Online6,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		for _, d := range stat.Disks {
			diskRow := models.DiskStat{
				HostID:     hostID,
				Timestamp:  timestamp,
				MountPoint: d.MountPoint,
				Total:      d.Total,
				Used:       d.Used,
			}
			if err := tx.Create(&diskRow).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// DiskPoint 一个时间点上单挂载点的用量
type DiskPoint struct {
	Timestamp  int64  `json:"timestamp"`
	MountPoint string `json:"mountPoint"`
	Total      uint64 `json:"total"`
	Used       uint64 `json:"used"`
}

// StatPoint 一个时间点的主机采样（原始或聚合），附带当时的磁盘行
type StatPoint struct {
	Timestamp       int64       `json:"timestamp"`
	CPU             float64     `json:"cpu"`
	MemoryTotal     uint64      `json:"memoryTotal"`
	MemoryUsed      uint64      `json:"memoryUsed"`
	NetworkIn       uint64      `json:"networkIn"`
	NetworkOut      uint64      `json:"networkOut"`
	NetworkInSpeed  uint64      `json:"networkInSpeed"`
	NetworkOutSpeed uint64      `json:"networkOutSpeed"`
	Online          bool        `json:"online"`
	Disks           []DiskPoint `json:"disks,omitempty"`
}

// HostSeries 单主机在查询范围内的有序采样序列
type HostSeries struct {
	Name   string
	Alias  string
	Points []StatPoint
}

// SelectTier 按查询跨度选择聚合层级（分钟，0 表示原始数据）
func SelectTier(start, end int64) int {
	span := end - start
	switch {
	case span > 3*86400:
		return 60
	case span >= 86400:
		return 30
	case span >= 12*3600:
		return 15
	case span >= 3600:
		return 5
	default:
		return 0
	}
}

// QueryRange 范围查询。hostName 为空时返回范围内有数据的全部主机。
// 按跨度选层；所选层对该主机尚无数据时回退到原始表，保证新数据可查。
func (r *StatRepo) QueryRange(ctx context.Context, hostName string, start, end int64) ([]HostSeries, error) {
	hosts, err := r.hostsInRange(ctx, hostName, start, end)
	if err != nil {
		return nil, err
	}

	tier := SelectTier(start, end)
	result := make([]HostSeries, 0, len(hosts))
	for _, h := range hosts {
		points, err := r.queryHost(ctx, h.ID, tier, start, end)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			continue
		}
		result = append(result, HostSeries{Name: h.Name, Alias: h.Alias, Points: points})
	}
	return result, nil
}

func (r *StatRepo) hostsInRange(ctx context.Context, hostName string, start, end int64) ([]models.Host, error) {
	var hosts []models.Host
	q := r.db.WithContext(ctx).
		Distinct("hosts.id, hosts.name, hosts.alias").
		Table("hosts").
		Joins("JOIN stats ON stats.host_id = hosts.id").
		Where("stats.timestamp BETWEEN ? AND ?", start, end)
	if hostName != "" {
		q = q.Where("hosts.name = ?", hostName)
	}
	if err := q.Scan(&hosts).Error; err != nil {
		return nil, err
	}
	if len(hosts) > 0 {
		return hosts, nil
	}
	// 原始表已被裁剪时仅聚合表中仍有历史
	q = r.db.WithContext(ctx).
		Distinct("hosts.id, hosts.name, hosts.alias").
		Table("hosts").
		Joins("JOIN aggregated_stats ON aggregated_stats.host_id = hosts.id").
		Where("aggregated_stats.timestamp BETWEEN ? AND ?", start, end)
	if hostName != "" {
		q = q.Where("hosts.name = ?", hostName)
	}
	err := q.Scan(&hosts).Error
	return hosts, err
}

func (r *StatRepo) queryHost(ctx context.Context, hostID int64, tier int, start, end int64) ([]StatPoint, error) {
	if tier > 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.AggregatedStat{}).
			Where("host_id = ? AND interval_minutes = ? AND timestamp BETWEEN ? AND ?", hostID, tier, start, end).
			Count(&count).Error; err != nil {
			return nil, err
		}
		if count > 0 {
			return r.queryAggregated(ctx, hostID, tier, start, end)
		}
	}
	return r.queryRaw(ctx, hostID, start, end)
}

func (r *StatRepo) queryRaw(ctx context.Context, hostID int64, start, end int64) ([]StatPoint, error) {
	var rows []models.Stat
	if err := r.db.WithContext(ctx).
		Where("host_id = ? AND timestamp BETWEEN ? AND ?", hostID, start, end).
		Order("timestamp ASC").
		Limit(MaxPointsPerHost).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	var diskRows []models.DiskStat
	if err := r.db.WithContext(ctx).
		Where("host_id = ? AND timestamp BETWEEN ? AND ?", hostID, start, end).
		Order("timestamp ASC, mount_point ASC").
		Find(&diskRows).Error; err != nil {
		return nil, err
	}

	disksByTS := make(map[int64][]DiskPoint)
	for _, d := range diskRows {
		disksByTS[d.Timestamp] = append(disksByTS[d.Timestamp], DiskPoint{
			Timestamp:  d.Timestamp,
			MountPoint: d.MountPoint,
			Total:      d.Total,
			Used:       d.Used,
		})
	}

	points := make([]StatPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, StatPoint{
			Timestamp:       row.Timestamp,
			CPU:             row.CPU,
			MemoryTotal:     row.MemoryTotal,
			MemoryUsed:      row.MemoryUsed,
			NetworkIn:       row.NetworkIn,
			NetworkOut:      row.NetworkOut,
			NetworkInSpeed:  row.NetworkInSpeed,
			NetworkOutSpeed: row.NetworkOutSpeed,
			Online:          row.Online,
			Disks:           disksByTS[row.Timestamp],
		})
	}
	return points, nil
}

func (r *StatRepo) queryAggregated(ctx context.Context, hostID int64, tier int, start, end int64) ([]StatPoint, error) {
	var rows []models.AggregatedStat
	if err := r.db.WithContext(ctx).
		Where("host_id = ? AND interval_minutes = ? AND timestamp BETWEEN ? AND ?", hostID, tier, start, end).
		Order("timestamp ASC").
		Limit(MaxPointsPerHost).
		Find(&rows).Error; err != nil {
		return nil, err
	}

	var diskRows []models.AggregatedDiskStat
	if err := r.db.WithContext(ctx).
		Where("host_id = ? AND interval_minutes = ? AND timestamp BETWEEN ? AND ?", hostID, tier, start, end).
		Order("timestamp ASC, mount_point ASC").
		Find(&diskRows).Error; err != nil {
		return nil, err
	}

	// 磁盘行按精确时间戳匹配
	disksByTS := make(map[int64][]DiskPoint)
	for _, d := range diskRows {
		disksByTS[d.Timestamp] = append(disksByTS[d.Timestamp], DiskPoint{
			Timestamp:  d.Timestamp,
			MountPoint: d.MountPoint,
			Total:      d.Total,
			Used:       d.Used,
		})
	}

	points := make([]StatPoint, 0, len(rows))
	for _, row := range rows {
		points = append(points, StatPoint{
			Timestamp:       row.Timestamp,
			CPU:             row.CPU,
			MemoryTotal:     row.MemoryTotal,
			MemoryUsed:      row.MemoryUsed,
			NetworkIn:       row.NetworkIn,
			NetworkOut:      row.NetworkOut,
			NetworkInSpeed:  row.NetworkInSpeed,
			NetworkOutSpeed: row.NetworkOutSpeed,
			Online:          row.Online,
			Disks:           disksByTS[row.Timestamp],
		})
	}
	return points, nil
}

// Aggregate 增量聚合一个层级。从该层已聚合的最大时间戳续跑（无则从最早原始
// 数据起），只处理已完整经过的桶；写入为 INSERT OR REPLACE，重跑同一桶安全。
func (r *StatRepo) Aggregate(ctx context.Context, intervalMinutes int) error {
	return r.aggregateAt(ctx, intervalMinutes, time.Now().Unix())
}

func (r *StatRepo) aggregateAt(ctx context.Context, intervalMinutes int, now int64) error {
	width := int64(intervalMinutes) * 60

	var resume sql.NullInt64
	if err := r.db.WithContext(ctx).Model(&models.AggregatedStat{}).
		Where("interval_minutes = ?", intervalMinutes).
		Select("MAX(timestamp)").Scan(&resume).Error; err != nil {
		return err
	}
	if !resume.Valid {
		var earliest sql.NullInt64
		if err := r.db.WithContext(ctx).Model(&models.Stat{}).
			Select("MIN(timestamp)").Scan(&earliest).Error; err != nil {
			return err
		}
		if !earliest.Valid {
			return nil
		}
		resume = sql.NullInt64{Valid: true, Int64: earliest.Int64 - earliest.Int64%width}
	}

	// 只遍历有数据的桶，空洞不产生空转
	var buckets []int64
	if err := r.db.WithContext(ctx).Raw(
		"SELECT DISTINCT (timestamp / ?) * ? AS bucket FROM stats WHERE timestamp >= ? ORDER BY bucket",
		width, width, resume.Int64).Scan(&buckets).Error; err != nil {
		return err
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, bucket := range buckets {
			// 未走完的桶留给下一轮
			if bucket+width > now {
				break
			}
			if err := tx.Exec(`
				INSERT OR REPLACE INTO aggregated_stats
					(host_id, timestamp, interval_minutes, cpu, memory_total, memory_used,
					 network_in, network_out, network_in_speed, network_out_speed, online)
				SELECT host_id, ?, ?, AVG(cpu),
					   CAST(AVG(memory_total) AS INTEGER), CAST(AVG(memory_used) AS INTEGER),
					   MAX(network_in), MAX(network_out),
					   CAST(AVG(network_in_speed) AS INTEGER), CAST(AVG(network_out_speed) AS INTEGER),
					   MAX(online)
				FROM stats
				WHERE timestamp >= ? AND timestamp < ?
				GROUP BY host_id`,
				bucket, intervalMinutes, bucket, bucket+width).Error; err != nil {
				return err
			}
			if err := tx.Exec(`
				INSERT OR REPLACE INTO aggregated_disk_stats
					(host_id, timestamp, interval_minutes, mount_point, total, used)
				SELECT host_id, ?, ?, mount_point,
					   CAST(AVG(total) AS INTEGER), CAST(AVG(used) AS INTEGER)
				FROM disk_stats
				WHERE timestamp >= ? AND timestamp < ?
				GROUP BY host_id, mount_point`,
				bucket, intervalMinutes, bucket, bucket+width).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// PruneRaw 删除超过保留期的原始行，返回删除行数。聚合表是长期记录，不裁剪。
func (r *StatRepo) PruneRaw(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().Unix() - int64(retentionDays)*86400
	var deleted int64

	res := r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.Stat{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected

	res = r.db.WithContext(ctx).Where("timestamp < ?", cutoff).Delete(&models.DiskStat{})
	if res.Error != nil {
		return deleted, res.Error
	}
	deleted += res.RowsAffected
	return deleted, nil
}

// Optimize 每日数据库整理
func (r *StatRepo) Optimize(ctx context.Context) error {
	if err := r.db.WithContext(ctx).Exec("ANALYZE").Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).Exec("VACUUM").Error
}

// RunMaintenance 按升序聚合每个层级后裁剪原始数据。
// 调用方必须串行调度，两次调用不可重叠。
func (r *StatRepo) RunMaintenance(ctx context.Context, retentionDays int) error {
	for _, tier := range AggregationTiers {
		if err := r.Aggregate(ctx, tier); err != nil {
			return fmt.Errorf("聚合 %d 分钟层失败: %w", tier, err)
		}
	}
	if _, err := r.PruneRaw(ctx, retentionDays); err != nil {
		return fmt.Errorf("裁剪原始数据失败: %w", err)
	}
	return nil
}
