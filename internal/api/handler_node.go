package api

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/api/response"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/ws"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NodeHandler 节点处理器
type NodeHandler struct {
	app *App
	ws  *ws.Server
}

// NewNodeHandler 创建节点处理器
func NewNodeHandler(app *App, wsServer *ws.Server) *NodeHandler {
	return &NodeHandler{app: app, ws: wsServer}
}

// CreateNodeRequest 创建节点请求
type CreateNodeRequest struct {
	Name             string  `json:"name" binding:"required"`
	Address          string  `json:"address" binding:"required"`
	Port             int64   `json:"port"`
	APIPort          int64   `json:"api_port"`
	DataLimit        *int64  `json:"data_limit"`
	UsageCoefficient float64 `json:"usage_coefficient"`
	GeoMode          string  `json:"geo_mode"`
	TLSEnabled       bool    `json:"tls_enabled"`
	TLSCert          string  `json:"tls_cert"`
	ProxyHost        string  `json:"proxy_host"`
	ProxyPort        int64   `json:"proxy_port"`
	ProxyUser        string  `json:"proxy_user"`
	ProxyPass        string  `json:"proxy_pass"`
}

// UpdateNodeRequest 更新节点请求（nil 字段保持原值）
type UpdateNodeRequest struct {
	Name             *string  `json:"name"`
	Address          *string  `json:"address"`
	Port             *int64   `json:"port"`
	APIPort          *int64   `json:"api_port"`
	UsageCoefficient *float64 `json:"usage_coefficient"`
	GeoMode          *string  `json:"geo_mode"`
	TLSEnabled       *bool    `json:"tls_enabled"`
	TLSCert          *string  `json:"tls_cert"`
	ProxyHost        *string  `json:"proxy_host"`
	ProxyPort        *int64   `json:"proxy_port"`
	ProxyUser        *string  `json:"proxy_user"`
	ProxyPass        *string  `json:"proxy_pass"`
}

// Create 创建节点
func (h *NodeHandler) Create(c *gin.Context) {
	var req CreateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	if req.GeoMode != "" && req.GeoMode != string(dbinit.GeoModeDefault) && req.GeoMode != string(dbinit.GeoModeCustom) {
		response.BadRequest(c, "Invalid geo_mode: "+req.GeoMode)
		return
	}

	node := &dbinit.Node{
		ID:               uuid.New().String(),
		Name:             req.Name,
		Address:          sql.NullString{String: req.Address, Valid: req.Address != ""},
		UsageCoefficient: req.UsageCoefficient,
		GeoMode:          dbinit.GeoMode(req.GeoMode),
		TLSEnabled:       req.TLSEnabled,
		TLSCert:          sql.NullString{String: req.TLSCert, Valid: req.TLSCert != ""},
		ProxyHost:        sql.NullString{String: req.ProxyHost, Valid: req.ProxyHost != ""},
		ProxyUser:        sql.NullString{String: req.ProxyUser, Valid: req.ProxyUser != ""},
		ProxyPass:        sql.NullString{String: req.ProxyPass, Valid: req.ProxyPass != ""},
	}
	if req.Port > 0 {
		node.Port = sql.NullInt64{Int64: req.Port, Valid: true}
	}
	if req.APIPort > 0 {
		node.APIPort = sql.NullInt64{Int64: req.APIPort, Valid: true}
	}
	if req.DataLimit != nil && *req.DataLimit > 0 {
		node.DataLimit = sql.NullInt64{Int64: *req.DataLimit, Valid: true}
	}
	if req.ProxyPort > 0 {
		node.ProxyPort = sql.NullInt64{Int64: req.ProxyPort, Valid: true}
	}

	if err := h.app.DB.DB.SQLite.CreateNode(node); err != nil {
		logger.Error("创建节点失败",
			zap.String("name", req.Name),
			zap.Error(err))
		response.InternalError(c, "Failed to create node")
		return
	}

	logger.Info("节点已创建",
		zap.String("nodeID", node.ID),
		zap.String("name", node.Name))

	response.Created(c, node)
}

// List 列出节点
func (h *NodeHandler) List(c *gin.Context) {
	status := c.Query("status")
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	nodes, err := h.app.DB.DB.SQLite.ListNodes(status, limit, offset)
	if err != nil {
		logger.Error("列出节点失败", zap.Error(err))
		response.InternalError(c, "Failed to list nodes")
		return
	}

	response.Success(c, gin.H{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// Get 获取节点详情
func (h *NodeHandler) Get(c *gin.Context) {
	id := c.Param("id")

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil {
		logger.Error("获取节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if node == nil {
		response.NotFound(c, "Node not found")
		return
	}

	_, online := h.ws.GetManager().GetConnection(id)

	response.Success(c, gin.H{
		"node":   node,
		"online": online,
	})
}

// Update 更新节点基础信息
func (h *NodeHandler) Update(c *gin.Context) {
	id := c.Param("id")

	var req UpdateNodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil {
		logger.Error("获取节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if node == nil {
		response.NotFound(c, "Node not found")
		return
	}

	if req.Name != nil {
		node.Name = *req.Name
	}
	if req.Address != nil {
		node.Address = sql.NullString{String: *req.Address, Valid: *req.Address != ""}
	}
	if req.Port != nil {
		node.Port = sql.NullInt64{Int64: *req.Port, Valid: *req.Port > 0}
	}
	if req.APIPort != nil {
		node.APIPort = sql.NullInt64{Int64: *req.APIPort, Valid: *req.APIPort > 0}
	}
	if req.UsageCoefficient != nil {
		node.UsageCoefficient = *req.UsageCoefficient
	}
	if req.GeoMode != nil {
		if *req.GeoMode != string(dbinit.GeoModeDefault) && *req.GeoMode != string(dbinit.GeoModeCustom) {
			response.BadRequest(c, "Invalid geo_mode: "+*req.GeoMode)
			return
		}
		node.GeoMode = dbinit.GeoMode(*req.GeoMode)
	}
	if req.TLSEnabled != nil {
		node.TLSEnabled = *req.TLSEnabled
	}
	if req.TLSCert != nil {
		node.TLSCert = sql.NullString{String: *req.TLSCert, Valid: *req.TLSCert != ""}
	}
	if req.ProxyHost != nil {
		node.ProxyHost = sql.NullString{String: *req.ProxyHost, Valid: *req.ProxyHost != ""}
	}
	if req.ProxyPort != nil {
		node.ProxyPort = sql.NullInt64{Int64: *req.ProxyPort, Valid: *req.ProxyPort > 0}
	}
	if req.ProxyUser != nil {
		node.ProxyUser = sql.NullString{String: *req.ProxyUser, Valid: *req.ProxyUser != ""}
	}
	if req.ProxyPass != nil {
		node.ProxyPass = sql.NullString{String: *req.ProxyPass, Valid: *req.ProxyPass != ""}
	}

	if err := h.app.DB.DB.SQLite.UpdateNode(node); err != nil {
		logger.Error("更新节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Failed to update node")
		return
	}

	response.Success(c, node)
}

// Delete 删除节点
func (h *NodeHandler) Delete(c *gin.Context) {
	id := c.Param("id")

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil {
		logger.Error("获取节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if node == nil {
		response.NotFound(c, "Node not found")
		return
	}
	if node.IsMaster() {
		response.BadRequest(c, "Master node cannot be deleted")
		return
	}

	if err := h.app.DB.DB.SQLite.DeleteNode(id); err != nil {
		logger.Error("删除节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Failed to delete node")
		return
	}

	logger.Info("节点已删除", zap.String("nodeID", id), zap.String("name", node.Name))

	response.Success(c, gin.H{
		"message": "Node deleted",
		"id":      id,
	})
}

// Enable 恢复已停用的节点
func (h *NodeHandler) Enable(c *gin.Context) {
	id := c.Param("id")

	if err := h.app.Registry.Enable(id); err != nil {
		h.stateError(c, id, "enable", err)
		return
	}

	response.SuccessWithMessage(c, "Node enabled", gin.H{"id": id})
}

// DisableNodeRequest 停用节点请求
type DisableNodeRequest struct {
	Reason string `json:"reason"`
}

// Disable 停用节点
func (h *NodeHandler) Disable(c *gin.Context) {
	id := c.Param("id")

	var req DisableNodeRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "disabled by admin"
	}

	if err := h.app.Registry.Disable(id, req.Reason); err != nil {
		h.stateError(c, id, "disable", err)
		return
	}

	response.SuccessWithMessage(c, "Node disabled", gin.H{"id": id})
}

// Retry 将故障节点放回探测队列
func (h *NodeHandler) Retry(c *gin.Context) {
	id := c.Param("id")

	if err := h.app.Registry.Retry(id); err != nil {
		h.stateError(c, id, "retry", err)
		return
	}

	response.SuccessWithMessage(c, "Node queued for retry", gin.H{"id": id})
}

// SetDataLimitRequest 调整节点限额请求（data_limit 为空表示取消限额）
type SetDataLimitRequest struct {
	DataLimit *int64 `json:"data_limit"`
}

// SetDataLimit 调整节点流量限额
func (h *NodeHandler) SetDataLimit(c *gin.Context) {
	id := c.Param("id")

	var req SetDataLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	limit := sql.NullInt64{}
	if req.DataLimit != nil {
		if *req.DataLimit < 0 {
			response.BadRequest(c, "data_limit must be non-negative")
			return
		}
		limit = sql.NullInt64{Int64: *req.DataLimit, Valid: true}
	}

	if err := h.app.Registry.RaiseLimit(id, limit); err != nil {
		h.stateError(c, id, "set limit", err)
		return
	}

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil || node == nil {
		response.SuccessWithMessage(c, "Data limit updated", gin.H{"id": id})
		return
	}

	response.SuccessWithMessage(c, "Data limit updated", gin.H{
		"id":         id,
		"data_limit": node.DataLimit,
		"status":     node.Status,
	})
}

// IssueTokenRequest 签发节点令牌请求
type IssueTokenRequest struct {
	TTLHours int `json:"ttl_hours"`
}

// IssueToken 签发节点注册令牌，节点用它通过 /ws/node 接入
func (h *NodeHandler) IssueToken(c *gin.Context) {
	id := c.Param("id")

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil {
		logger.Error("获取节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if node == nil {
		response.NotFound(c, "Node not found")
		return
	}
	if node.IsMaster() {
		response.BadRequest(c, "Master node does not need a token")
		return
	}

	var req IssueTokenRequest
	_ = c.ShouldBindJSON(&req)
	if req.TTLHours <= 0 {
		req.TTLHours = 24 * 365
	}

	ttl := time.Duration(req.TTLHours) * time.Hour
	token, err := h.app.Issuer.MintAdminToken(id, auth.RoleNode, ttl)
	if err != nil {
		logger.Error("签发节点令牌失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Failed to issue token")
		return
	}

	logger.Info("节点令牌已签发",
		zap.String("nodeID", id),
		zap.Int("ttlHours", req.TTLHours))

	response.Success(c, gin.H{
		"node_id":    id,
		"token":      token,
		"expires_at": time.Now().Add(ttl).Unix(),
	})
}

// SyncConfig 立即向节点推送用户配置。
// 已建立 WebSocket 通道时走通道，否则退回节点管理面 HTTP 推送
func (h *NodeHandler) SyncConfig(c *gin.Context) {
	id := c.Param("id")

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil {
		logger.Error("获取节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if node == nil {
		response.NotFound(c, "Node not found")
		return
	}
	if node.IsMaster() {
		response.BadRequest(c, "Master node does not receive config")
		return
	}

	if _, online := h.ws.GetManager().GetConnection(id); online {
		h.ws.GetHandler().SendNodeConfig(id)
		response.SuccessWithMessage(c, "Config pushed via websocket", gin.H{"id": id})
		return
	}

	payload, err := h.ws.GetHandler().BuildConfigPayload()
	if err != nil {
		logger.Error("构建节点配置失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Failed to build config")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(),
		time.Duration(h.app.Config.Node.RPCTimeout)*time.Second)
	defer cancel()

	if err := h.app.Nodes.PushConfig(ctx, node, payload); err != nil {
		logger.Error("HTTP推送节点配置失败", zap.String("id", id), zap.Error(err))
		response.Error(c, 502, "Failed to push config", err)
		return
	}

	response.SuccessWithMessage(c, "Config pushed via http", gin.H{"id": id})
}

// ListUsage 查询节点用量采样
func (h *NodeHandler) ListUsage(c *gin.Context) {
	id := c.Param("id")

	node, err := h.app.DB.DB.SQLite.GetNode(id)
	if err != nil {
		logger.Error("获取节点失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if node == nil {
		response.NotFound(c, "Node not found")
		return
	}

	now := time.Now().UTC()
	from := now.Add(-7 * 24 * time.Hour)
	to := now
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(c, "Invalid from timestamp: "+v)
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.BadRequest(c, "Invalid to timestamp: "+v)
			return
		}
		to = t
	}
	limit := queryInt(c, "limit", 168)

	samples, err := h.app.DB.DB.SQLite.ListNodeUsageSamples(id, from, to, limit)
	if err != nil {
		logger.Error("查询节点用量失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Failed to list usage samples")
		return
	}

	response.Success(c, gin.H{
		"node_id": id,
		"from":    from,
		"to":      to,
		"samples": samples,
	})
}

// GetRuntimeStats 读取节点最近一次运行状态快照
func (h *NodeHandler) GetRuntimeStats(c *gin.Context) {
	id := c.Param("id")

	stats, err := h.ws.GetHandler().Stats().GetNodeStats(id)
	if err != nil {
		logger.Error("读取节点状态失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Failed to read node stats")
		return
	}
	if stats == nil {
		response.NotFound(c, "No recent stats for node")
		return
	}

	response.Success(c, stats)
}

// stateError 状态机错误到HTTP错误的映射
func (h *NodeHandler) stateError(c *gin.Context, id, op string, err error) {
	switch {
	case errors.Is(err, dbinit.ErrUnknownEntity):
		response.NotFound(c, "Node not found")
	case errors.Is(err, dbinit.ErrInvalidTransition):
		response.Conflict(c, "Node state does not allow this operation", err)
	default:
		logger.Error("节点状态操作失败",
			zap.String("id", id),
			zap.String("op", op),
			zap.Error(err))
		response.InternalError(c, "Node operation failed")
	}
}

// queryInt 读取整型查询参数
func queryInt(c *gin.Context, key string, fallback int) int {
	v := c.Query(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
