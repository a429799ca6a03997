package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dushixiang/vigil/internal/config"
	"github.com/dushixiang/vigil/internal/repo"
	"github.com/dushixiang/vigil/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()
	cfg := &config.Config{
		Hosts:  []*config.Host{{Name: "s1", Password: "p1", Notify: true}},
		Groups: []*config.Group{{GID: "g1", Password: "gp1", Notify: true}},
	}
	if err := cfg.Normalize(); err != nil {
		t.Fatalf("配置规范化失败: %v", err)
	}
	db, err := repo.OpenDatabase(":memory:")
	if err != nil {
		t.Fatalf("打开内存数据库失败: %v", err)
	}
	svc := service.NewStatsService(zap.NewNop(), cfg, repo.NewStatRepo(db), nil)

	e := echo.New()
	NewStatsHandler(zap.NewNop(), svc).Register(e)
	return e
}

func doReport(e *echo.Echo, body, contentType, user, pass string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/report", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, contentType)
	if pass != "" {
		req.SetBasicAuth(user, pass)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestReportAuth(t *testing.T) {
	e := newTestServer(t)

	rec := doReport(e, `{"name":"s1"}`, "application/json", "s1", "p1")
	if rec.Code != http.StatusOK {
		t.Errorf("正确口令应返回 200，实际 %d", rec.Code)
	}

	rec = doReport(e, `{"name":"s1"}`, "application/json", "s1", "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("缺少凭证应返回 401，实际 %d", rec.Code)
	}

	rec = doReport(e, `{"name":"s1"}`, "application/json", "s1", "bad")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("错误口令应返回 401，实际 %d", rec.Code)
	}

	// 组口令兜底
	rec = doReport(e, `{"name":"n1","gid":"g1"}`, "application/json", "n1", "gp1")
	if rec.Code != http.StatusOK {
		t.Errorf("组口令应通过鉴权，实际 %d", rec.Code)
	}
}

func TestReportContentType(t *testing.T) {
	e := newTestServer(t)

	rec := doReport(e, "binary", "application/octet-stream", "s1", "p1")
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("二进制上报应返回 415，实际 %d", rec.Code)
	}

	rec = doReport(e, `{bad json`, "application/json", "s1", "p1")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("非法 JSON 应返回 400，实际 %d", rec.Code)
	}
}

func TestStatsJSON(t *testing.T) {
	e := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/json/stats.json", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("快照接口应返回 200，实际 %d", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "{}" {
		t.Errorf("未发布快照时应返回空对象，实际 %q", body)
	}
}

func TestHistoryJSON(t *testing.T) {
	e := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/json/history.json", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("默认范围查询应返回 200，实际 %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"servers"`) {
		t.Errorf("响应应包含 servers 字段: %s", rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/json/history.json?start_time=abc", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("非法 start_time 应返回 400，实际 %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/json/history.json?start_time=200&end_time=100", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("start 大于 end 应返回 400，实际 %d", rec.Code)
	}
}
