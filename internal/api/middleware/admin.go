package middleware

import (
	"github.com/rebeccapanel/Rebecca-sub001/internal/api/response"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"

	"github.com/gin-gonic/gin"
)

// AdminAuth 管理员权限中间件（sudo 或 admin）
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists || (role != auth.RoleAdmin && role != auth.RoleSudo) {
			response.Forbidden(c, "Admin access required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// SudoAuth 超级管理员权限中间件
func SudoAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, exists := c.Get("role")
		if !exists || role != auth.RoleSudo {
			response.Forbidden(c, "Sudo access required")
			c.Abort()
			return
		}
		c.Next()
	}
}
