package api

import (
	"github.com/rebeccapanel/Rebecca-sub001/internal/api/response"
	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// UsageHandler 用量上报处理器
type UsageHandler struct {
	app *App
}

// NewUsageHandler 创建用量上报处理器
func NewUsageHandler(app *App) *UsageHandler {
	return &UsageHandler{app: app}
}

// UsageReportRequest 用量上报请求
type UsageReportRequest struct {
	Items []service.UsageReportItem `json:"items" binding:"required"`
}

// Report 批量摄入用量桶。同一 (节点, 桶) 的重复上报是订正，
// 单条失败不影响其余条目
func (h *UsageHandler) Report(c *gin.Context) {
	var req UsageReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}
	if len(req.Items) == 0 {
		response.BadRequest(c, "Empty report")
		return
	}

	// 节点令牌只能给自己上报，管理令牌可代任意节点订正
	if nodeID := c.GetString("node_id"); nodeID != "" {
		for i := range req.Items {
			req.Items[i].NodeID = nodeID
		}
	}

	accepted, dropped := h.app.Ledger.IngestBatch(req.Items)

	logger.Debug("HTTP用量上报已处理",
		zap.Int("accepted", accepted),
		zap.Int("dropped", dropped))

	response.Success(c, gin.H{
		"accepted": accepted,
		"dropped":  dropped,
	})
}

// Totals 全网累计流量（不含主控伪节点自身行）
func (h *UsageHandler) Totals(c *gin.Context) {
	uplink, downlink, err := h.app.DB.DB.SQLite.GetTrafficTotals()
	if err != nil {
		logger.Error("查询流量总量失败", zap.Error(err))
		response.InternalError(c, "Failed to read traffic totals")
		return
	}

	response.Success(c, gin.H{
		"uplink":   uplink,
		"downlink": downlink,
		"total":    uplink + downlink,
	})
}
