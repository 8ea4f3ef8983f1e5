package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handler WebSocket 消息处理器
type Handler struct {
	manager  *Manager
	db       *db.Manager
	registry *service.NodeRegistry
	ledger   *service.UsageLedger
	issuer   *auth.TokenIssuer
	codec    *auth.KeyCodec
	stats    *StatsHandler
}

// NewHandler 创建处理器
func NewHandler(manager *Manager, dbManager *db.Manager, registry *service.NodeRegistry,
	ledger *service.UsageLedger, issuer *auth.TokenIssuer, codec *auth.KeyCodec) *Handler {
	return &Handler{
		manager:  manager,
		db:       dbManager,
		registry: registry,
		ledger:   ledger,
		issuer:   issuer,
		codec:    codec,
		stats:    NewStatsHandler(dbManager),
	}
}

// Stats 获取运行状态处理器（用于外部调用）
func (h *Handler) Stats() *StatsHandler {
	return h.stats
}

// HandleConnection 处理新连接，首条消息必须是注册消息
func (h *Handler) HandleConnection(conn *websocket.Conn) {
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		logger.Error("读取注册消息失败", zap.Error(err))
		conn.Close()
		return
	}

	if msg.Type != MsgTypeNodeRegister {
		h.sendError(conn, "INVALID_FIRST_MESSAGE", "首条消息必须是注册消息")
		conn.Close()
		return
	}
	var req NodeRegisterRequest
	if err := msg.ParseData(&req); err != nil {
		h.sendError(conn, "INVALID_REQUEST", "无效的注册请求")
		conn.Close()
		return
	}

	if !h.validateToken(req.Token, req.NodeID) {
		h.sendError(conn, "AUTH_FAILED", "节点令牌验证失败")
		conn.Close()
		return
	}

	// 推进节点状态。disabled/limited 节点的注册在此被拒绝
	if err := h.registry.MarkConnected(req.NodeID, "ws registered"); err != nil {
		switch {
		case errors.Is(err, dbinit.ErrUnknownEntity):
			h.sendError(conn, "NODE_NOT_FOUND", "节点不存在")
		case errors.Is(err, dbinit.ErrInvalidTransition):
			h.sendError(conn, "REGISTER_REFUSED", "节点当前状态不允许接入")
		default:
			h.sendError(conn, "REGISTER_FAILED", "节点注册失败")
		}
		conn.Close()
		return
	}

	nodeConn := &NodeConnection{
		NodeID:   req.NodeID,
		Conn:     conn,
		Send:     make(chan *Message, 256),
		LastSeen: time.Now(),
		IsAlive:  true,
		done:     make(chan struct{}),
	}
	h.manager.register <- nodeConn
	h.sendRegisterAck(nodeConn, true, "注册成功")
	go h.SendNodeConfig(req.NodeID)
	go h.readPump(nodeConn)
	go h.writePump(nodeConn)

	logger.Info("节点已注册",
		zap.String("nodeID", req.NodeID),
		zap.String("version", req.Version))
}

func (h *Handler) readPump(conn *NodeConnection) {
	defer h.handleDisconnect(conn)

	conn.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.UpdateLastSeen()
		return nil
	})

	for {
		var msg Message
		err := conn.Conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket 读取错误",
					zap.String("nodeID", conn.NodeID),
					zap.Error(err))
			}
			break
		}

		conn.Conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		conn.UpdateLastSeen()
		h.handleMessage(conn, &msg)
	}
}

// handleDisconnect 连接退出清理。只有仍持有注册表项的连接才把节点置为故障，
// 重连竞争时被顶替的旧连接不得影响新会话
func (h *Handler) handleDisconnect(conn *NodeConnection) {
	current, exists := h.manager.GetConnection(conn.NodeID)
	active := exists && current == conn

	h.manager.unregister <- conn
	conn.Close()

	if !active {
		return
	}
	if err := h.registry.MarkError(conn.NodeID, "connection lost"); err != nil &&
		!errors.Is(err, dbinit.ErrInvalidTransition) {
		logger.Error("断连状态推进失败",
			zap.String("nodeID", conn.NodeID),
			zap.Error(err))
	}
}

// writePump 发送消息
func (h *Handler) writePump(conn *NodeConnection) {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg := <-conn.Send:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteJSON(msg); err != nil {
				logger.Error("WebSocket 写入错误",
					zap.String("nodeID", conn.NodeID),
					zap.Error(err))
				return
			}

		case <-conn.done:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage 处理消息
func (h *Handler) handleMessage(conn *NodeConnection, msg *Message) {
	logger.Debug("收到消息",
		zap.String("nodeID", conn.NodeID),
		zap.String("type", string(msg.Type)))

	switch msg.Type {
	case MsgTypeHeartbeat:
		h.handleHeartbeat(conn, msg)

	case MsgTypeUsageReport:
		h.handleUsageReport(conn, msg)

	case MsgTypeNodeStatus:
		h.stats.HandleStatsReport(conn, msg.Data)

	case MsgTypePong:
		// Pong 已在 readPump 中处理

	default:
		logger.Warn("未知消息类型",
			zap.String("nodeID", conn.NodeID),
			zap.String("type", string(msg.Type)))
	}
}

// handleHeartbeat 处理心跳
func (h *Handler) handleHeartbeat(conn *NodeConnection, msg *Message) {
	var req HeartbeatRequest
	if err := msg.ParseData(&req); err != nil {
		logger.Error("解析心跳请求失败", zap.Error(err))
		return
	}

	resp := &HeartbeatResponse{
		Success:   true,
		Timestamp: time.Now(),
	}

	respMsg, _ := NewMessage(MsgTypeHeartbeat, resp)
	select {
	case conn.Send <- respMsg:
	case <-conn.done:
	}
}

// handleUsageReport 处理用量上报，逐条结算且单条失败不中断批次
func (h *Handler) handleUsageReport(conn *NodeConnection, msg *Message) {
	var req UsageReportRequest
	if err := msg.ParseData(&req); err != nil {
		logger.Error("解析用量上报失败",
			zap.String("nodeID", conn.NodeID),
			zap.Error(err))
		return
	}

	// 上报条目只允许落在本连接的节点上
	for i := range req.Items {
		req.Items[i].NodeID = conn.NodeID
	}

	accepted, dropped := h.ledger.IngestBatch(req.Items)

	resp := &UsageReportResponse{
		Success:  true,
		Accepted: accepted,
		Dropped:  dropped,
	}
	respMsg, _ := NewMessage(MsgTypeUsageReport, resp)
	select {
	case conn.Send <- respMsg:
	case <-conn.done:
	}
}

// validateToken 验证节点注册令牌
func (h *Handler) validateToken(token, nodeID string) bool {
	if token == "" || nodeID == "" {
		return false
	}

	claims, err := h.issuer.VerifyAdminToken(token)
	if err != nil || claims == nil {
		logger.Warn("节点令牌验证失败", zap.String("nodeID", nodeID), zap.Error(err))
		return false
	}
	if claims.Role != auth.RoleNode || claims.Username != nodeID {
		logger.Warn("节点令牌与节点不匹配",
			zap.String("tokenNodeID", claims.Username),
			zap.String("requestNodeID", nodeID))
		return false
	}

	return true
}

// SendNodeConfig 下发完整用户配置到指定节点
func (h *Handler) SendNodeConfig(nodeID string) {
	payload, err := h.BuildConfigPayload()
	if err != nil {
		logger.Error("构建节点配置失败",
			zap.String("nodeID", nodeID),
			zap.Error(err))
		return
	}

	msg, err := NewMessage(MsgTypeConfigUpdate, payload)
	if err != nil {
		logger.Error("创建配置消息失败", zap.Error(err))
		return
	}

	if err := h.manager.SendToNode(nodeID, msg); err != nil {
		logger.Error("发送节点配置失败",
			zap.String("nodeID", nodeID),
			zap.Error(err))
		return
	}

	logger.Info("节点配置已下发",
		zap.String("nodeID", nodeID),
		zap.Int("userCount", len(payload.Users)))
}

// BuildConfigPayload 构建当前可通行的用户集合
func (h *Handler) BuildConfigPayload() (*NodeConfigPayload, error) {
	users, err := h.db.DB.SQLite.ListUsers(string(dbinit.UserStatusActive), 10000, 0)
	if err != nil {
		return nil, err
	}

	payload := &NodeConfigPayload{
		GeneratedAt: time.Now().UTC(),
		Users:       make([]UserGrant, 0, len(users)),
	}
	for _, user := range users {
		grant, ok := h.userGrant(user)
		if !ok {
			continue
		}
		payload.Users = append(payload.Users, grant)
	}

	return payload, nil
}

// userGrant 把用户凭据键展开为各协议的代理身份
func (h *Handler) userGrant(user *dbinit.User) (UserGrant, bool) {
	if !user.CredentialKey.Valid {
		return UserGrant{}, false
	}

	proxies := make(map[string]string, len(auth.AllProtocols))
	for _, protocol := range auth.AllProtocols {
		id, err := h.codec.KeyToUUID(user.CredentialKey.String, protocol)
		if err != nil {
			logger.Warn("用户凭据键展开失败",
				zap.String("userID", user.ID),
				zap.String("protocol", string(protocol)),
				zap.Error(err))
			return UserGrant{}, false
		}
		proxies[string(protocol)] = id.String()
	}

	return UserGrant{
		UserID:   user.ID,
		Username: user.Username,
		Proxies:  proxies,
	}, true
}

// sendRegisterAck 发送注册确认
func (h *Handler) sendRegisterAck(conn *NodeConnection, success bool, message string) {
	resp := &NodeRegisterResponse{
		Success: success,
		Message: message,
		NodeID:  conn.NodeID,
	}

	msg, _ := NewMessage(MsgTypeRegisterAck, resp)
	select {
	case conn.Send <- msg:
	case <-conn.done:
	}
}

// sendError 发送错误消息
func (h *Handler) sendError(conn *websocket.Conn, code, message string) {
	errMsg := &ErrorMessage{
		Code:    code,
		Message: message,
	}

	msg, _ := NewMessage(MsgTypeError, errMsg)
	data, _ := json.Marshal(msg)
	conn.WriteMessage(websocket.TextMessage, data)
}
