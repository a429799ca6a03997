package repo

import (
	"context"
	"errors"
	"testing"

	"github.com/dushixiang/vigil/internal/models"
	"github.com/dushixiang/vigil/internal/protocol"
)

func newTestRepo(t *testing.T) *StatRepo {
	t.Helper()
	db, err := OpenDatabase(":memory:")
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	return NewStatRepo(db)
}

func sampleStat(name string, cpu float64, netIn, netOut uint64) *protocol.HostStat {
	return &protocol.HostStat{
		Name:        name,
		CPU:         cpu,
		MemoryTotal: 1000,
		MemoryUsed:  500,
		NetworkIn:   netIn,
		NetworkOut:  netOut,
		NetworkRx:   100,
		NetworkTx:   200,
		Online4:     true,
		Disks: []protocol.DiskUsage{
			{MountPoint: "/", Total: 100, Used: 40},
			{MountPoint: "/data", Total: 200, Used: 80},
		},
	}
}

func TestEnsureHost(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	id1, err := r.EnsureHost(ctx, "s1", "web")
	if err != nil {
		t.Fatalf("创建主机失败: %v", err)
	}
	id2, err := r.EnsureHost(ctx, "s1", "")
	if err != nil {
		t.Fatalf("重复 EnsureHost 失败: %v", err)
	}
	if id1 != id2 {
		t.Errorf("同名主机应返回相同 ID: %d != %d", id1, id2)
	}

	var host models.Host
	if err := r.db.Where("name = ?", "s1").First(&host).Error; err != nil {
		t.Fatalf("查询主机失败: %v", err)
	}
	if host.Alias != "web" {
		t.Errorf("空别名不应覆盖已有别名: %s", host.Alias)
	}

	if _, err := r.EnsureHost(ctx, "s1", "web2"); err != nil {
		t.Fatalf("更新别名失败: %v", err)
	}
	if err := r.db.Where("name = ?", "s1").First(&host).Error; err != nil {
		t.Fatalf("查询主机失败: %v", err)
	}
	if host.Alias != "web2" {
		t.Errorf("非空别名应更新: %s", host.Alias)
	}
}

func TestUpdateLastNetwork(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.UpdateLastNetwork(ctx, "missing", 1, 2); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("未知主机应返回 ErrHostNotFound，实际: %v", err)
	}

	if _, err := r.EnsureHost(ctx, "s1", ""); err != nil {
		t.Fatalf("创建主机失败: %v", err)
	}
	if err := r.UpdateLastNetwork(ctx, "s1", 100, 200); err != nil {
		t.Fatalf("写入锚点失败: %v", err)
	}
	if err := r.UpdateLastNetwork(ctx, "s1", 300, 400); err != nil {
		t.Fatalf("覆盖锚点失败: %v", err)
	}

	entries, err := r.LoadLastNetwork(ctx)
	if err != nil {
		t.Fatalf("加载锚点失败: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("锚点应按主机唯一，实际 %d 条", len(entries))
	}
	if entries[0].Name != "s1" || entries[0].NetworkIn != 300 || entries[0].NetworkOut != 400 {
		t.Errorf("锚点内容错误: %+v", entries[0])
	}
}

func TestSaveStatAndQueryRaw(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for i, ts := range []int64{100, 200, 300} {
		stat := sampleStat("s1", float64(10*(i+1)), uint64(1000*(i+1)), uint64(2000*(i+1)))
		if err := r.SaveStat(ctx, stat, ts); err != nil {
			t.Fatalf("保存上报失败: %v", err)
		}
	}
	// 无磁盘的上报同样入库
	noDisk := sampleStat("s2", 5, 10, 20)
	noDisk.Disks = nil
	if err := r.SaveStat(ctx, noDisk, 100); err != nil {
		t.Fatalf("保存无磁盘上报失败: %v", err)
	}

	series, err := r.QueryRange(ctx, "s1", 0, 500)
	if err != nil {
		t.Fatalf("范围查询失败: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("应只返回 s1，实际 %d 个主机", len(series))
	}
	points := series[0].Points
	if len(points) != 3 {
		t.Fatalf("数据点数量错误: %d", len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp <= points[i-1].Timestamp {
			t.Error("数据点应按时间升序")
		}
	}
	if points[0].CPU != 10 || points[2].CPU != 30 {
		t.Errorf("cpu 数值错误: %f/%f", points[0].CPU, points[2].CPU)
	}
	if len(points[0].Disks) != 2 {
		t.Errorf("磁盘行应按时间戳匹配，实际 %d 条", len(points[0].Disks))
	}

	series, err = r.QueryRange(ctx, "", 0, 500)
	if err != nil {
		t.Fatalf("全主机范围查询失败: %v", err)
	}
	if len(series) != 2 {
		t.Errorf("应返回两个主机，实际 %d", len(series))
	}
}

func TestSelectTier(t *testing.T) {
	cases := []struct {
		span int64
		want int
	}{
		{600, 0},
		{3599, 0},
		{3600, 5},
		{12*3600 - 1, 5},
		{12 * 3600, 15},
		{86399, 15},
		{86400, 30},
		{3 * 86400, 30},
		{3*86400 + 1, 60},
		{7 * 86400, 60},
	}
	for _, c := range cases {
		if got := SelectTier(0, c.span); got != c.want {
			t.Errorf("跨度 %d 应选 %d 分钟层，实际 %d", c.span, c.want, got)
		}
	}
}

func TestAggregate(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// 桶 [0,300): cpu 10/20/30，累计流量递增到 300
	// 桶 [300,600): cpu 40/60
	samples := []struct {
		ts    int64
		cpu   float64
		netIn uint64
	}{
		{0, 10, 100}, {60, 20, 200}, {120, 30, 300},
		{300, 40, 400}, {360, 60, 500},
	}
	for _, s := range samples {
		stat := sampleStat("s1", s.cpu, s.netIn, s.netIn*2)
		if err := r.SaveStat(ctx, stat, s.ts); err != nil {
			t.Fatalf("保存上报失败: %v", err)
		}
	}

	if err := r.aggregateAt(ctx, 5, 600); err != nil {
		t.Fatalf("聚合失败: %v", err)
	}

	var rows []models.AggregatedStat
	if err := r.db.Where("interval_minutes = ?", 5).Order("timestamp ASC").Find(&rows).Error; err != nil {
		t.Fatalf("查询聚合行失败: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("应聚合出 2 个桶，实际 %d", len(rows))
	}
	for _, row := range rows {
		if row.Timestamp%300 != 0 {
			t.Errorf("聚合时间戳应对齐到桶边界: %d", row.Timestamp)
		}
	}
	if rows[0].CPU != 20 {
		t.Errorf("cpu 应取平均值 20，实际 %f", rows[0].CPU)
	}
	if rows[0].NetworkIn != 300 {
		t.Errorf("累计流量应取最大值 300，实际 %d", rows[0].NetworkIn)
	}
	if rows[1].CPU != 50 || rows[1].NetworkIn != 500 {
		t.Errorf("第二个桶聚合错误: cpu=%f net=%d", rows[1].CPU, rows[1].NetworkIn)
	}
	if !rows[0].Online {
		t.Error("桶内任一采样在线则聚合在线")
	}

	var diskRows []models.AggregatedDiskStat
	if err := r.db.Where("interval_minutes = ? AND timestamp = ?", 5, int64(0)).
		Find(&diskRows).Error; err != nil {
		t.Fatalf("查询聚合磁盘行失败: %v", err)
	}
	if len(diskRows) != 2 {
		t.Errorf("每个挂载点应各有一条聚合磁盘行，实际 %d", len(diskRows))
	}

	// 重跑同一范围必须幂等
	if err := r.aggregateAt(ctx, 5, 600); err != nil {
		t.Fatalf("重复聚合失败: %v", err)
	}
	var count int64
	if err := r.db.Model(&models.AggregatedStat{}).Where("interval_minutes = ?", 5).Count(&count).Error; err != nil {
		t.Fatalf("统计聚合行失败: %v", err)
	}
	if count != 2 {
		t.Errorf("重复聚合不应产生新行，实际 %d 行", count)
	}
}

func TestAggregateSkipsPartialBucket(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.SaveStat(ctx, sampleStat("s1", 10, 100, 200), 0); err != nil {
		t.Fatalf("保存上报失败: %v", err)
	}
	if err := r.SaveStat(ctx, sampleStat("s1", 20, 200, 400), 310); err != nil {
		t.Fatalf("保存上报失败: %v", err)
	}

	// now=500 时桶 [300,600) 尚未走完，不应被聚合
	if err := r.aggregateAt(ctx, 5, 500); err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	var count int64
	if err := r.db.Model(&models.AggregatedStat{}).Where("interval_minutes = ?", 5).Count(&count).Error; err != nil {
		t.Fatalf("统计聚合行失败: %v", err)
	}
	if count != 1 {
		t.Errorf("只应聚合完整的桶，实际 %d 行", count)
	}
}

func TestQueryRangeTierFallback(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	for _, ts := range []int64{100, 200, 300} {
		if err := r.SaveStat(ctx, sampleStat("s1", 10, 100, 200), ts); err != nil {
			t.Fatalf("保存上报失败: %v", err)
		}
	}

	// 跨度 4 天选 60 分钟层，但该层尚无数据，应回退到原始表
	series, err := r.QueryRange(ctx, "s1", 0, 4*86400)
	if err != nil {
		t.Fatalf("范围查询失败: %v", err)
	}
	if len(series) != 1 || len(series[0].Points) != 3 {
		t.Fatalf("聚合层为空时应回退原始数据: %+v", series)
	}

	// 聚合后同样的查询改走 60 分钟层
	if err := r.aggregateAt(ctx, 60, 7200); err != nil {
		t.Fatalf("聚合失败: %v", err)
	}
	series, err = r.QueryRange(ctx, "s1", 0, 4*86400)
	if err != nil {
		t.Fatalf("范围查询失败: %v", err)
	}
	if len(series) != 1 || len(series[0].Points) != 1 {
		t.Fatalf("应返回 60 分钟层的单个桶: %+v", series)
	}
	if series[0].Points[0].Timestamp%3600 != 0 {
		t.Errorf("聚合点时间戳应对齐小时: %d", series[0].Points[0].Timestamp)
	}
}

func TestQueryRangePointCap(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	stat := sampleStat("s1", 10, 100, 200)
	stat.Disks = nil
	for ts := int64(0); ts < 650; ts++ {
		if err := r.SaveStat(ctx, stat, ts); err != nil {
			t.Fatalf("保存上报失败: %v", err)
		}
	}

	// 跨度不足一小时走原始表，返回点数不得超过上限
	series, err := r.QueryRange(ctx, "s1", 0, 3000)
	if err != nil {
		t.Fatalf("范围查询失败: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("主机数量错误: %d", len(series))
	}
	points := series[0].Points
	if len(points) != MaxPointsPerHost {
		t.Fatalf("原始点数应封顶 %d，实际 %d", MaxPointsPerHost, len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp <= points[i-1].Timestamp {
			t.Fatal("数据点应按时间升序")
		}
	}
}

func TestQueryRangeAggregatedPointCap(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	hostID, err := r.EnsureHost(ctx, "s1", "")
	if err != nil {
		t.Fatalf("创建主机失败: %v", err)
	}
	for i := int64(0); i < 700; i++ {
		row := models.AggregatedStat{
			HostID:          hostID,
			Timestamp:       i * 3600,
			IntervalMinutes: 60,
			CPU:             10,
			Online:          true,
		}
		if err := r.db.Create(&row).Error; err != nil {
			t.Fatalf("写入聚合行失败: %v", err)
		}
	}

	// 跨度超过 3 天走 60 分钟层，同样封顶
	series, err := r.QueryRange(ctx, "s1", 0, 700*3600)
	if err != nil {
		t.Fatalf("范围查询失败: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("主机数量错误: %d", len(series))
	}
	points := series[0].Points
	if len(points) != MaxPointsPerHost {
		t.Fatalf("聚合点数应封顶 %d，实际 %d", MaxPointsPerHost, len(points))
	}
	for i := 1; i < len(points); i++ {
		if points[i].Timestamp <= points[i-1].Timestamp {
			t.Fatal("聚合点应按时间升序")
		}
	}
}

func TestPruneRaw(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	// ts=100 远早于保留期，必然被裁剪
	if err := r.SaveStat(ctx, sampleStat("s1", 10, 100, 200), 100); err != nil {
		t.Fatalf("保存上报失败: %v", err)
	}
	if err := r.aggregateAt(ctx, 5, 600); err != nil {
		t.Fatalf("聚合失败: %v", err)
	}

	deleted, err := r.PruneRaw(ctx, 3)
	if err != nil {
		t.Fatalf("裁剪失败: %v", err)
	}
	// 1 条原始行 + 2 条磁盘行
	if deleted != 3 {
		t.Errorf("应删除 3 行，实际 %d", deleted)
	}

	var rawCount, aggCount int64
	if err := r.db.Model(&models.Stat{}).Count(&rawCount).Error; err != nil {
		t.Fatalf("统计原始行失败: %v", err)
	}
	if err := r.db.Model(&models.AggregatedStat{}).Count(&aggCount).Error; err != nil {
		t.Fatalf("统计聚合行失败: %v", err)
	}
	if rawCount != 0 {
		t.Errorf("原始行应被清空，实际 %d", rawCount)
	}
	if aggCount != 1 {
		t.Errorf("聚合行不应被裁剪，实际 %d", aggCount)
	}

	// 裁剪后历史查询仍可从聚合层取数
	series, err := r.QueryRange(ctx, "s1", 0, 4*86400)
	if err != nil {
		t.Fatalf("范围查询失败: %v", err)
	}
	if len(series) != 1 {
		t.Fatalf("裁剪后应仍能查到聚合历史: %+v", series)
	}
}

func TestRunMaintenance(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	if err := r.SaveStat(ctx, sampleStat("s1", 10, 100, 200), 100); err != nil {
		t.Fatalf("保存上报失败: %v", err)
	}
	if err := r.RunMaintenance(ctx, 3); err != nil {
		t.Fatalf("维护任务失败: %v", err)
	}
	for _, tier := range AggregationTiers {
		var count int64
		if err := r.db.Model(&models.AggregatedStat{}).
			Where("interval_minutes = ?", tier).Count(&count).Error; err != nil {
			t.Fatalf("统计 %d 分钟层失败: %v", tier, err)
		}
		if count != 1 {
			t.Errorf("%d 分钟层应有 1 个桶，实际 %d", tier, count)
		}
	}
}
