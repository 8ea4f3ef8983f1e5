package api

import (
	"database/sql"
	"errors"
	"fmt"
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

// UserHandler 用户处理器
type UserHandler struct {
	app *App
	ws  *ws.Server
}

// NewUserHandler 创建用户处理器
func NewUserHandler(app *App, wsServer *ws.Server) *UserHandler {
	return &UserHandler{app: app, ws: wsServer}
}

// CreateUserRequest 创建用户请求
type CreateUserRequest struct {
	Username               string `json:"username" binding:"required,min=3,max=64"`
	DataLimit              *int64 `json:"data_limit"`
	DataLimitResetStrategy string `json:"data_limit_reset_strategy"`
}

// Create 创建用户并签发凭据键
func (h *UserHandler) Create(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	if req.DataLimitResetStrategy != "" && !validResetStrategy(req.DataLimitResetStrategy) {
		response.BadRequest(c, "Unsupported reset strategy: "+req.DataLimitResetStrategy)
		return
	}

	// 检查用户名是否已存在
	existing, err := h.app.DB.DB.SQLite.GetUserByUsername(req.Username)
	if err != nil {
		logger.Error("查询用户失败", zap.String("username", req.Username), zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}
	if existing != nil {
		response.Conflict(c, "Username already exists")
		return
	}

	key, err := h.app.Codec.GenerateKey()
	if err != nil {
		logger.Error("生成凭据键失败", zap.Error(err))
		response.InternalError(c, "Failed to generate credential key")
		return
	}

	user := &dbinit.User{
		ID:                     uuid.New().String(),
		Username:               req.Username,
		AdminID:                h.currentAdminID(c),
		Status:                 dbinit.UserStatusActive,
		DataLimitResetStrategy: dbinit.ResetStrategy(req.DataLimitResetStrategy),
		CredentialKey:          sql.NullString{String: key, Valid: true},
	}
	if req.DataLimit != nil && *req.DataLimit > 0 {
		user.DataLimit = sql.NullInt64{Int64: *req.DataLimit, Valid: true}
	}

	if err := h.app.DB.DB.SQLite.CreateUser(user); err != nil {
		logger.Error("创建用户失败", zap.String("username", req.Username), zap.Error(err))
		response.InternalError(c, "Failed to create user")
		return
	}

	logger.Info("用户已创建",
		zap.String("userID", user.ID),
		zap.String("username", user.Username))

	// 新用户要出现在所有在线节点的授权表中
	h.ws.BroadcastConfig()

	response.Created(c, h.userView(user))
}

// List 列出用户
func (h *UserHandler) List(c *gin.Context) {
	status := c.Query("status")
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	users, err := h.app.DB.DB.SQLite.ListUsers(status, limit, offset)
	if err != nil {
		logger.Error("列出用户失败", zap.Error(err))
		response.InternalError(c, "Failed to list users")
		return
	}

	response.Success(c, gin.H{
		"users": users,
		"count": len(users),
	})
}

// Get 获取用户详情，包含各协议身份与订阅地址
func (h *UserHandler) Get(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	response.Success(c, h.userView(user))
}

// SetStatusRequest 设置用户状态请求
type SetStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetStatus 管理员设置用户状态。只接受 active/disabled，
// limited/expired 由系统维护
func (h *UserHandler) SetStatus(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	status := dbinit.UserStatus(req.Status)
	if status != dbinit.UserStatusActive && status != dbinit.UserStatusDisabled {
		response.BadRequest(c, "Status must be active or disabled")
		return
	}
	if user.Status == status {
		response.Success(c, h.userView(user))
		return
	}

	if err := h.app.DB.DB.SQLite.SetUserStatus(user.ID, status); err != nil {
		logger.Error("设置用户状态失败",
			zap.String("userID", user.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		response.InternalError(c, "Failed to set user status")
		return
	}

	user.Status = status
	h.invalidateSubscription(user)

	switch status {
	case dbinit.UserStatusDisabled:
		h.ws.NotifyUserDisabled(user)
	case dbinit.UserStatusActive:
		h.ws.NotifyUserEnabled(user)
	}

	logger.Info("用户状态已更新",
		zap.String("userID", user.ID),
		zap.String("status", string(status)))

	response.Success(c, h.userView(user))
}

// Delete 软删除用户，凭据即刻失效
func (h *UserHandler) Delete(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	if err := h.app.DB.DB.SQLite.SetUserStatus(user.ID, dbinit.UserStatusDeleted); err != nil {
		logger.Error("删除用户失败", zap.String("userID", user.ID), zap.Error(err))
		response.InternalError(c, "Failed to delete user")
		return
	}

	user.Status = dbinit.UserStatusDeleted
	h.invalidateSubscription(user)
	h.ws.NotifyUserDisabled(user)

	logger.Info("用户已删除",
		zap.String("userID", user.ID),
		zap.String("username", user.Username))

	response.Success(c, gin.H{
		"message": "User deleted",
		"id":      user.ID,
	})
}

// RotateKey 轮换用户凭据键，旧键与旧身份即刻失效
func (h *UserHandler) RotateKey(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	key, err := h.app.Codec.GenerateKey()
	if err != nil {
		logger.Error("生成凭据键失败", zap.Error(err))
		response.InternalError(c, "Failed to generate credential key")
		return
	}

	if err := h.app.DB.DB.SQLite.SetCredentialKey(user.ID, sql.NullString{String: key, Valid: true}); err != nil {
		logger.Error("写入凭据键失败", zap.String("userID", user.ID), zap.Error(err))
		response.InternalError(c, "Failed to rotate credential key")
		return
	}

	// 旧键的订阅缓存失效，所有在线节点重新下发授权表
	h.invalidateSubscription(user)
	user.CredentialKey = sql.NullString{String: key, Valid: true}
	h.ws.BroadcastConfig()

	logger.Info("用户凭据键已轮换", zap.String("userID", user.ID))

	response.Success(c, h.userView(user))
}

// DeriveKeyRequest 反推凭据键请求，identities 为协议到 UUID 的映射
type DeriveKeyRequest struct {
	Identities map[string]string `json:"identities" binding:"required"`
}

// DeriveKey 由既有协议身份反推凭据键（迁移工具）。
// 所有给出的协议必须反推出同一个键
func (h *UserHandler) DeriveKey(c *gin.Context) {
	var req DeriveKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	identities := make(map[auth.Protocol]uuid.UUID, len(req.Identities))
	for proto, raw := range req.Identities {
		p := auth.Protocol(proto)
		if !p.Valid() {
			response.BadRequest(c, "Unknown protocol: "+proto)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, fmt.Sprintf("Invalid uuid for %s: %s", proto, raw))
			return
		}
		identities[p] = id
	}

	key, err := h.app.Codec.DeriveKey(identities)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrAmbiguousKey):
			response.Conflict(c, "Identities derive different keys", err)
		case errors.Is(err, auth.ErrInvalidKeyFormat):
			response.BadRequest(c, "No identities given")
		default:
			logger.Error("反推凭据键失败", zap.Error(err))
			response.InternalError(c, "Failed to derive key")
		}
		return
	}

	result := gin.H{"key": key}

	// 如果该键已归属某个用户，一并返回
	if owner, err := h.app.DB.DB.SQLite.GetUserByCredentialKey(key); err == nil && owner != nil {
		result["user"] = owner
	}

	response.Success(c, result)
}

// ListResetLogs 列出用户的流量重置审计记录
func (h *UserHandler) ListResetLogs(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	limit := queryInt(c, "limit", 50)
	logs, err := h.app.DB.DB.SQLite.ListResetLogs(user.ID, limit)
	if err != nil {
		logger.Error("查询重置记录失败", zap.String("userID", user.ID), zap.Error(err))
		response.InternalError(c, "Failed to list reset logs")
		return
	}

	response.Success(c, gin.H{
		"user_id": user.ID,
		"logs":    logs,
	})
}

// ResetTraffic 管理员手动重置用户流量
func (h *UserHandler) ResetTraffic(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	now := time.Now().UTC()
	preReset, wasLimited, err := h.app.DB.DB.SQLite.ResetUserTraffic(user.ID, now)
	if err != nil {
		if errors.Is(err, dbinit.ErrUnknownEntity) {
			response.NotFound(c, "User not found")
			return
		}
		logger.Error("手动重置用户流量失败", zap.String("userID", user.ID), zap.Error(err))
		response.InternalError(c, "Failed to reset traffic")
		return
	}

	logger.Info("用户流量已手动重置",
		zap.String("userID", user.ID),
		zap.Int64("preResetBytes", preReset))

	if wasLimited {
		user.Status = dbinit.UserStatusActive
		user.UsedTraffic = 0
		user.LastTrafficResetTime = now
		h.ws.NotifyUserEnabled(user)
	}

	response.SuccessWithMessage(c, "Traffic reset", gin.H{
		"user_id":     user.ID,
		"pre_reset":   preReset,
		"was_limited": wasLimited,
		"reset_at":    now,
	})
}

// IssueSubscriptionToken 签发订阅令牌，凭令牌可匿名拉取订阅文档
func (h *UserHandler) IssueSubscriptionToken(c *gin.Context) {
	user, ok := h.loadUser(c)
	if !ok {
		return
	}

	ttl := time.Duration(h.app.Config.Subscription.TokenTTLHour) * time.Hour
	token, err := h.app.Issuer.MintSubscriptionToken(user.ID, ttl)
	if err != nil {
		logger.Error("签发订阅令牌失败", zap.String("userID", user.ID), zap.Error(err))
		response.InternalError(c, "Failed to issue subscription token")
		return
	}

	response.Success(c, gin.H{
		"user_id":    user.ID,
		"token":      token,
		"url":        fmt.Sprintf("%s/sub/t/%s", h.app.Config.Subscription.URLPrefix, token),
		"expires_at": time.Now().Add(ttl).Unix(),
	})
}

// loadUser 按路径参数读取用户，不存在时写出404
func (h *UserHandler) loadUser(c *gin.Context) (*dbinit.User, bool) {
	id := c.Param("id")

	user, err := h.app.DB.DB.SQLite.GetUser(id)
	if err != nil {
		logger.Error("获取用户失败", zap.String("id", id), zap.Error(err))
		response.InternalError(c, "Database error")
		return nil, false
	}
	if user == nil {
		response.NotFound(c, "User not found")
		return nil, false
	}
	return user, true
}

// userView 用户详情视图，带协议身份与订阅地址
func (h *UserHandler) userView(user *dbinit.User) gin.H {
	view := gin.H{"user": user}

	if user.CredentialKey.Valid {
		proxies := make(map[string]string, len(auth.AllProtocols))
		for _, protocol := range auth.AllProtocols {
			id, err := h.app.Codec.KeyToUUID(user.CredentialKey.String, protocol)
			if err != nil {
				continue
			}
			proxies[string(protocol)] = id.String()
		}
		view["proxies"] = proxies
		view["subscription_url"] = fmt.Sprintf("%s/sub/%s",
			h.app.Config.Subscription.URLPrefix, user.CredentialKey.String)
	}

	return view
}

// invalidateSubscription 清除该用户凭据键的订阅缓存
func (h *UserHandler) invalidateSubscription(user *dbinit.User) {
	if !user.CredentialKey.Valid || !h.app.DB.HasCache() {
		return
	}
	if err := h.app.DB.Cache.Redis.InvalidateSubscription(user.CredentialKey.String); err != nil {
		logger.Debug("清除订阅缓存失败",
			zap.String("userID", user.ID),
			zap.Error(err))
	}
}

// currentAdminID 当前登录管理员的ID
func (h *UserHandler) currentAdminID(c *gin.Context) sql.NullString {
	username := c.GetString("username")
	if username == "" {
		return sql.NullString{}
	}
	admin, err := h.app.DB.DB.SQLite.GetAdminByUsername(username)
	if err != nil || admin == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: admin.ID, Valid: true}
}

// validResetStrategy 检查重置策略是否受支持
func validResetStrategy(s string) bool {
	switch dbinit.ResetStrategy(s) {
	case dbinit.ResetNever, dbinit.ResetDay, dbinit.ResetWeek, dbinit.ResetMonth, dbinit.ResetYear:
		return true
	}
	return false
}
