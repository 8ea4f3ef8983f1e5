package ws

import (
	"net/http"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// 节点客户端不带 Origin，浏览器跨源一律拒绝
		return r.Header.Get("Origin") == ""
	},
}

// Server WebSocket 服务器
type Server struct {
	manager *Manager
	handler *Handler
	db      *db.Manager
}

// NewServer 创建 WebSocket 服务器
func NewServer(dbManager *db.Manager, registry *service.NodeRegistry,
	ledger *service.UsageLedger, issuer *auth.TokenIssuer, codec *auth.KeyCodec) *Server {
	manager := NewManager()
	handler := NewHandler(manager, dbManager, registry, ledger, issuer, codec)

	return &Server{
		manager: manager,
		handler: handler,
		db:      dbManager,
	}
}

// Start 启动服务器
func (s *Server) Start() {
	go s.manager.Run()
	logger.Info("✓ WebSocket 服务器已启动")
}

// Stop 停止服务器
func (s *Server) Stop() {
	s.manager.Stop()
}

// HandleWebSocket WebSocket 处理函数
func (s *Server) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", zap.Error(err))
		return
	}

	s.handler.HandleConnection(conn)
}

// GetManager 获取管理器（用于外部调用）
func (s *Server) GetManager() *Manager {
	return s.manager
}

// GetHandler 获取处理器（用于外部调用）
func (s *Server) GetHandler() *Handler {
	return s.handler
}

// Syncer 返回接到本服务器的配置下发适配器
func (s *Server) Syncer() service.Syncer {
	return &hubSyncer{server: s}
}

// NotifyUserDisabled 向所有在线节点广播用户摘除事件
func (s *Server) NotifyUserDisabled(user *dbinit.User) {
	s.broadcastUserEvent(MsgTypeUserDisable, user)
}

// NotifyUserEnabled 向所有在线节点广播用户放行事件
func (s *Server) NotifyUserEnabled(user *dbinit.User) {
	s.broadcastUserEvent(MsgTypeUserEnable, user)
}

func (s *Server) broadcastUserEvent(msgType MessageType, user *dbinit.User) {
	payload := &UserEventPayload{
		UserID:   user.ID,
		Username: user.Username,
		Status:   string(user.Status),
	}
	if grant, ok := s.handler.userGrant(user); ok {
		payload.Proxies = grant.Proxies
	}

	msg, err := NewMessage(msgType, payload)
	if err != nil {
		logger.Error("创建用户事件消息失败", zap.Error(err))
		return
	}

	s.manager.BroadcastToAll(msg)
	logger.Info("用户事件已广播",
		zap.String("type", string(msgType)),
		zap.String("userID", user.ID))
}

// BroadcastConfig 向所有在线节点重新下发完整配置
func (s *Server) BroadcastConfig() {
	for _, nodeID := range s.manager.GetAllNodeIDs() {
		go s.handler.SendNodeConfig(nodeID)
	}
}

// GetStats 获取统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"online_nodes": s.manager.GetNodeCount(),
		"node_ids":     s.manager.GetAllNodeIDs(),
	}
}
