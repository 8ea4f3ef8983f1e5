package api

import (
	"strings"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/api/response"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	app *App
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(app *App) *AuthHandler {
	return &AuthHandler{app: app}
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse 登录响应
type LoginResponse struct {
	Token     string `json:"token"`
	AdminID   string `json:"admin_id"`
	Username  string `json:"username"`
	Role      string `json:"role"`
	ExpiresAt int64  `json:"expires_at"`
}

// Login 管理员登录
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request: "+err.Error())
		return
	}

	// 获取管理员
	admin, err := h.app.DB.DB.SQLite.GetAdminByUsername(req.Username)
	if err != nil {
		logger.Error("获取管理员失败",
			zap.String("username", req.Username),
			zap.Error(err))
		response.InternalError(c, "Database error")
		return
	}

	if admin == nil {
		response.Unauthorized(c, "Invalid username or password")
		return
	}

	// 验证密码
	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)); err != nil {
		response.Unauthorized(c, "Invalid username or password")
		return
	}

	// 签发管理令牌
	ttl := time.Duration(h.app.Config.Auth.AdminTokenTTLHour) * time.Hour
	token, err := h.app.Issuer.MintAdminToken(admin.Username, admin.Role, ttl)
	if err != nil {
		logger.Error("签发管理令牌失败", zap.Error(err))
		response.InternalError(c, "Failed to generate token")
		return
	}

	expiresAt := time.Now().Add(ttl)

	// 缓存会话加速后续校验
	if h.app.DB.HasCache() {
		session := &dbinit.Session{
			Token:     token,
			AdminID:   admin.ID,
			Username:  admin.Username,
			Role:      admin.Role,
			CreatedAt: time.Now(),
			ExpiresAt: expiresAt,
		}
		if err := h.app.DB.Cache.Redis.SetSession(token, session, ttl); err != nil {
			logger.Warn("缓存会话失败", zap.Error(err))
		}
	}

	logger.Info("管理员登录成功",
		zap.String("adminID", admin.ID),
		zap.String("username", admin.Username),
		zap.String("role", admin.Role))

	response.Success(c, LoginResponse{
		Token:     token,
		AdminID:   admin.ID,
		Username:  admin.Username,
		Role:      admin.Role,
		ExpiresAt: expiresAt.Unix(),
	})
}

// Logout 管理员登出
func (h *AuthHandler) Logout(c *gin.Context) {
	// 如果有Redis，删除session缓存
	if h.app.DB.HasCache() {
		authHeader := c.GetHeader("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token := strings.TrimPrefix(authHeader, "Bearer ")
			_ = h.app.DB.Cache.Redis.DeleteSession(token)
		}
	}

	response.SuccessWithMessage(c, "Logged out successfully", nil)
}
