package api

import (
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/api/response"
	"github.com/rebeccapanel/Rebecca-sub001/internal/ws"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// StatsHandler 统计处理器
type StatsHandler struct {
	app *App
	ws  *ws.Server
}

// NewStatsHandler 创建统计处理器
func NewStatsHandler(app *App, wsServer *ws.Server) *StatsHandler {
	return &StatsHandler{app: app, ws: wsServer}
}

// Overview 面板总览：节点聚合状态、用户分布与全网流量
func (h *StatsHandler) Overview(c *gin.Context) {
	master, err := h.app.Registry.MasterSnapshot()
	if err != nil {
		logger.Error("读取集群聚合状态失败", zap.Error(err))
		response.InternalError(c, "Failed to read master state")
		return
	}

	userCounts, err := h.app.DB.DB.SQLite.CountUsersByStatus()
	if err != nil {
		logger.Error("统计用户分布失败", zap.Error(err))
		response.InternalError(c, "Failed to count users")
		return
	}

	uplink, downlink, err := h.app.DB.DB.SQLite.GetTrafficTotals()
	if err != nil {
		logger.Error("查询流量总量失败", zap.Error(err))
		response.InternalError(c, "Failed to read traffic totals")
		return
	}

	totalUsers := 0
	for _, n := range userCounts {
		totalUsers += n
	}

	// 主控伪节点的实时计数（缓存不可用时为零）
	var rtUplink, rtDownlink int64
	if h.app.DB.HasCache() {
		rtUplink, rtDownlink, _ = h.app.DB.Cache.Redis.GetTraffic(dbinit.MasterNodeID)
	}

	response.Success(c, gin.H{
		"nodes": gin.H{
			"total":     master.Total,
			"connected": master.Connected,
			"by_status": master.Counts,
		},
		"users": gin.H{
			"total":     totalUsers,
			"by_status": userCounts,
		},
		"traffic": gin.H{
			"uplink":   uplink,
			"downlink": downlink,
			"total":    uplink + downlink,
			"realtime": gin.H{
				"uplink":   rtUplink,
				"downlink": rtDownlink,
			},
		},
		"websocket": h.ws.GetStats(),
	})
}

// MasterState 集群聚合状态
func (h *StatsHandler) MasterState(c *gin.Context) {
	master, err := h.app.Registry.MasterSnapshot()
	if err != nil {
		logger.Error("读取集群聚合状态失败", zap.Error(err))
		response.InternalError(c, "Failed to read master state")
		return
	}

	response.Success(c, master)
}

// QuotaHandler 配额重置处理器
type QuotaHandler struct {
	app *App
}

// NewQuotaHandler 创建配额重置处理器
func NewQuotaHandler(app *App) *QuotaHandler {
	return &QuotaHandler{app: app}
}

// RunReset 立即执行一轮配额重置扫描
func (h *QuotaHandler) RunReset(c *gin.Context) {
	resets, err := h.app.Scheduler.RunOnce()
	if err != nil {
		logger.Error("手动配额重置扫描失败", zap.Error(err))
		response.InternalError(c, "Reset scan failed")
		return
	}

	response.SuccessWithMessage(c, "Reset scan finished", gin.H{
		"resets": resets,
	})
}
