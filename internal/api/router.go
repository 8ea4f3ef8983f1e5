package api

import (
	"github.com/rebeccapanel/Rebecca-sub001/internal/api/middleware"
	"github.com/rebeccapanel/Rebecca-sub001/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 设置路由
func SetupRouter(app *App, wsServer *ws.Server) *gin.Engine {
	// 设置Gin模式
	if app.Config.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// 全局中间件
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	router.Use(middleware.CORS())

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
			"cache":  app.DB.HasCache(),
		})
	})

	// Prometheus 监控指标
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// WebSocket 端点（节点连接）
	router.GET("/ws/node", wsServer.HandleWebSocket)

	// WebSocket 状态
	router.GET("/ws/stats", func(c *gin.Context) {
		c.JSON(200, wsServer.GetStats())
	})

	// API v1
	v1 := router.Group("/api/v1")
	{
		// 认证路由（无需JWT）
		auth := v1.Group("/auth")
		{
			authHandler := NewAuthHandler(app)
			auth.POST("/login", authHandler.Login)
			auth.POST("/logout", authHandler.Logout)
		}

		// 需要JWT认证的路由
		authorized := v1.Group("")
		authorized.Use(middleware.JWTAuth(app.Issuer, app.DB))
		{
			// 节点管理
			nodes := authorized.Group("/nodes")
			{
				nodeHandler := NewNodeHandler(app, wsServer)

				nodes.POST("", middleware.AdminAuth(), nodeHandler.Create)
				nodes.GET("", nodeHandler.List)
				nodes.GET("/:id", nodeHandler.Get)
				nodes.PUT("/:id", middleware.AdminAuth(), nodeHandler.Update)
				nodes.DELETE("/:id", middleware.SudoAuth(), nodeHandler.Delete)

				// 节点状态机操作
				nodes.POST("/:id/enable", middleware.AdminAuth(), nodeHandler.Enable)
				nodes.POST("/:id/disable", middleware.AdminAuth(), nodeHandler.Disable)
				nodes.POST("/:id/retry", middleware.AdminAuth(), nodeHandler.Retry)
				nodes.PUT("/:id/limit", middleware.AdminAuth(), nodeHandler.SetDataLimit)

				// 节点接入与下发
				nodes.POST("/:id/token", middleware.AdminAuth(), nodeHandler.IssueToken)
				nodes.POST("/:id/sync", middleware.AdminAuth(), nodeHandler.SyncConfig)
				nodes.GET("/:id/usage", nodeHandler.ListUsage)
				nodes.GET("/:id/stats", nodeHandler.GetRuntimeStats)
			}

			// 用户管理
			users := authorized.Group("/users")
			{
				userHandler := NewUserHandler(app, wsServer)

				users.POST("", middleware.AdminAuth(), userHandler.Create)
				users.GET("", userHandler.List)
				users.GET("/:id", userHandler.Get)
				users.PUT("/:id/status", middleware.AdminAuth(), userHandler.SetStatus)
				users.DELETE("/:id", middleware.AdminAuth(), userHandler.Delete)

				// 凭证密钥管理
				users.POST("/:id/rotate-key", middleware.AdminAuth(), userHandler.RotateKey)
				users.POST("/derive-key", middleware.AdminAuth(), userHandler.DeriveKey)

				// 流量与订阅
				users.GET("/:id/resets", userHandler.ListResetLogs)
				users.POST("/:id/reset-traffic", middleware.AdminAuth(), userHandler.ResetTraffic)
				users.POST("/:id/subscription-token", userHandler.IssueSubscriptionToken)
			}

			// 配额重置
			quota := authorized.Group("/quota")
			{
				quotaHandler := NewQuotaHandler(app)
				quota.POST("/run-reset", middleware.SudoAuth(), quotaHandler.RunReset)
			}

			// 统计和监控
			stats := authorized.Group("/stats")
			{
				statsHandler := NewStatsHandler(app, wsServer)
				stats.GET("/overview", statsHandler.Overview)
				stats.GET("/master", statsHandler.MasterState)
			}
		}

		// 用量上报。HTTP 轮询节点持节点令牌上报自身用量，
		// 管理令牌可代任意节点订正；WebSocket 节点走 /ws/node
		usage := v1.Group("/usage")
		{
			usageHandler := NewUsageHandler(app)
			usage.POST("/report", middleware.NodeAuth(app.Issuer), usageHandler.Report)
			usage.GET("/totals", middleware.JWTAuth(app.Issuer, app.DB), usageHandler.Totals)
		}
	}

	return router
}
