package protocol

import (
	"errors"
	"testing"
)

func TestParseReportJSON(t *testing.T) {
	body := []byte(`{
		"name": "s1",
		"alias": "web",
		"cpu": 42.5,
		"memory_total": 1024,
		"memory_used": 512,
		"network_in": 1000,
		"network_out": 2000,
		"disks": [{"mount_point": "/", "total": 100, "used": 50}]
	}`)
	stat, err := ParseReport(body, "application/json")
	if err != nil {
		t.Fatalf("解析合法上报失败: %v", err)
	}
	if stat.Name != "s1" || stat.Alias != "web" {
		t.Errorf("name/alias 解析错误: %s/%s", stat.Name, stat.Alias)
	}
	if stat.CPU != 42.5 {
		t.Errorf("cpu 解析错误: %f", stat.CPU)
	}
	if len(stat.Disks) != 1 || stat.Disks[0].MountPoint != "/" {
		t.Errorf("disks 解析错误: %+v", stat.Disks)
	}
}

func TestParseReportNotifyDefault(t *testing.T) {
	stat, err := ParseReport([]byte(`{"name": "s1"}`), "application/json")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !stat.Notify {
		t.Error("notify 缺省时应为 true")
	}

	stat, err = ParseReport([]byte(`{"name": "s1", "notify": false}`), "application/json")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if stat.Notify {
		t.Error("notify 显式为 false 时不应被覆盖")
	}
}

func TestParseReportMalformed(t *testing.T) {
	cases := []string{
		`{not json`,
		`{"name": ""}`,
		`{"name": "s1", "cpu": 150}`,
		`{"name": "s1", "cpu": -1}`,
		`{"name": "s1", "memory_total": 100, "memory_used": 200}`,
		`{"name": "s1", "disks": [{"total": 1}]}`,
	}
	for _, body := range cases {
		if _, err := ParseReport([]byte(body), "application/json"); !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("非法上报 %q 应返回 ErrMalformedPayload，实际: %v", body, err)
		}
	}
}

func TestParseReportUnsupportedMedia(t *testing.T) {
	for _, ct := range []string{"application/octet-stream", "text/plain", ""} {
		if _, err := ParseReport([]byte(`{"name":"s1"}`), ct); !errors.Is(err, ErrUnsupportedMedia) {
			t.Errorf("Content-Type %q 应返回 ErrUnsupportedMedia，实际: %v", ct, err)
		}
	}
}

func TestParseReportContentTypeWithCharset(t *testing.T) {
	if _, err := ParseReport([]byte(`{"name":"s1"}`), "application/json; charset=utf-8"); err != nil {
		t.Errorf("带 charset 的 JSON Content-Type 应被接受: %v", err)
	}
}

func TestHostStatClone(t *testing.T) {
	stat := &HostStat{
		Name:  "s1",
		Disks: []DiskUsage{{MountPoint: "/", Total: 100, Used: 50}},
	}
	c := stat.Clone()
	c.Disks[0].Used = 99
	if stat.Disks[0].Used != 50 {
		t.Error("Clone 后修改副本磁盘不应影响原对象")
	}
	c.Name = "s2"
	if stat.Name != "s1" {
		t.Error("Clone 后修改副本字段不应影响原对象")
	}
}
