package middleware

import (
	"strings"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"

	"github.com/gin-gonic/gin"
)

// JWTAuth 管理令牌认证中间件。
//
// 令牌经管理域校验，节点注册令牌虽同域签发但角色为 node，
// 在此一律拒绝。Redis 可用时优先走会话缓存。
func JWTAuth(issuer *auth.TokenIssuer, dbManager *db.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(401, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(401, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		tokenString := parts[1]

		// 会话缓存命中则跳过签名校验
		if dbManager.HasCache() {
			session, err := dbManager.Cache.Redis.GetSession(tokenString)
			if err == nil && session != nil && session.Role != auth.RoleNode {
				if time.Now().Before(session.ExpiresAt) {
					c.Set("admin_id", session.AdminID)
					c.Set("username", session.Username)
					c.Set("role", session.Role)
					c.Next()
					return
				}
			}
		}

		claims, err := issuer.VerifyAdminToken(tokenString)
		if err != nil || claims == nil {
			c.JSON(401, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}
		if claims.Role == auth.RoleNode {
			c.JSON(403, gin.H{"error": "Node tokens cannot access the admin API"})
			c.Abort()
			return
		}

		c.Set("admin_id", claims.Subject)
		c.Set("username", claims.Username)
		c.Set("role", claims.Role)

		if dbManager.HasCache() && claims.ExpiresAt != nil {
			session := &dbinit.Session{
				Token:     tokenString,
				AdminID:   claims.Subject,
				Username:  claims.Username,
				Role:      claims.Role,
				CreatedAt: time.Now(),
				ExpiresAt: claims.ExpiresAt.Time,
			}
			_ = dbManager.Cache.Redis.SetSession(tokenString, session, time.Until(claims.ExpiresAt.Time))
		}

		c.Next()
	}
}

// NodeAuth 上报通道认证。节点令牌与管理令牌都可通过，
// 节点身份写入上下文，处理器据此把上报限定在节点自身
func NodeAuth(issuer *auth.TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(401, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(401, gin.H{"error": "Invalid authorization header format"})
			c.Abort()
			return
		}

		claims, err := issuer.VerifyAdminToken(parts[1])
		if err != nil || claims == nil {
			c.JSON(401, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set("username", claims.Username)
		c.Set("role", claims.Role)
		if claims.Role == auth.RoleNode {
			c.Set("node_id", claims.Username)
		}

		c.Next()
	}
}

// RequireRole 角色检查中间件
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, exists := c.Get("role")
		if !exists {
			c.JSON(403, gin.H{"error": "Role not found in context"})
			c.Abort()
			return
		}

		roleStr := userRole.(string)
		for _, role := range roles {
			if roleStr == role {
				c.Next()
				return
			}
		}

		c.JSON(403, gin.H{"error": "Insufficient permissions"})
		c.Abort()
	}
}
