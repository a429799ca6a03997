package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dushixiang/vigil/internal/protocol"
	"github.com/dushixiang/vigil/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// defaultHistorySpan 未指定范围时默认查最近 10 分钟
const defaultHistorySpan = 600

// StatsHandler 上报与查询接口
type StatsHandler struct {
	logger *zap.Logger
	svc    *service.StatsService
}

func NewStatsHandler(logger *zap.Logger, svc *service.StatsService) *StatsHandler {
	return &StatsHandler{logger: logger, svc: svc}
}

// Register 注册路由
func (h *StatsHandler) Register(e *echo.Echo) {
	e.POST("/report", h.Report)
	e.GET("/json/stats.json", h.StatsJSON)
	e.GET("/json/history.json", h.HistoryJSON)
}

// Report 接收客户端上报。凭证取自 Basic Auth 的密码部分，
// 先按主机名鉴权，组模式回退到组口令。
func (h *StatsHandler) Report(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}
	contentType := c.Request().Header.Get(echo.HeaderContentType)

	stat, err := protocol.ParseReport(body, contentType)
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedMedia) {
			return c.NoContent(http.StatusUnsupportedMediaType)
		}
		h.logger.Warn("上报解析失败", zap.Error(err))
		return c.NoContent(http.StatusBadRequest)
	}

	_, pass, ok := c.Request().BasicAuth()
	if !ok || !h.svc.Authorized(stat, pass) {
		return c.NoContent(http.StatusUnauthorized)
	}

	if err := h.svc.Enqueue(c.Request().Context(), stat); err != nil {
		h.logger.Error("上报入队失败", zap.String("name", stat.Name), zap.Error(err))
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}

// StatsJSON 返回最近发布的实时快照
func (h *StatsHandler) StatsJSON(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, []byte(h.svc.SnapshotJSON()))
}

// HistoryJSON 历史数据查询，参数 start_time/end_time 为 Unix 秒
func (h *StatsHandler) HistoryJSON(c echo.Context) error {
	now := time.Now().Unix()
	start := now - defaultHistorySpan
	end := now

	if v := c.QueryParam("start_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "start_time 无效"})
		}
		start = n
	}
	if v := c.QueryParam("end_time"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "end_time 无效"})
		}
		end = n
	}
	if start > end {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "时间范围无效"})
	}

	resp, err := h.svc.QueryHistory(c.Request().Context(), start, end)
	if err != nil {
		h.logger.Error("历史查询失败", zap.Error(err))
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.JSON(http.StatusOK, resp)
}
