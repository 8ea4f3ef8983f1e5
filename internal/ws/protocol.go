package ws

import (
	"encoding/json"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
)

// MessageType 消息类型
type MessageType string

const (
	// 节点 -> 控制面
	MsgTypeNodeRegister MessageType = "node_register" // 节点注册
	MsgTypeHeartbeat    MessageType = "heartbeat"     // 心跳
	MsgTypeUsageReport  MessageType = "usage_report"  // 用量上报
	MsgTypeNodeStatus   MessageType = "node_status"   // 节点运行状态

	// 控制面 -> 节点
	MsgTypeRegisterAck  MessageType = "register_ack"  // 注册确认
	MsgTypeConfigUpdate MessageType = "config_update" // 下发完整用户配置
	MsgTypeUserDisable  MessageType = "user_disable"  // 单用户摘除
	MsgTypeUserEnable   MessageType = "user_enable"   // 单用户恢复
	MsgTypePing         MessageType = "ping"          // Ping

	// 双向
	MsgTypePong  MessageType = "pong"  // Pong
	MsgTypeError MessageType = "error" // 错误消息
)

// Message WebSocket 消息结构
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// NodeRegisterRequest 节点注册请求
type NodeRegisterRequest struct {
	NodeID  string `json:"node_id"` // 节点ID
	Token   string `json:"token"`   // 节点注册令牌
	Version string `json:"version"` // 节点版本
}

// NodeRegisterResponse 节点注册响应
type NodeRegisterResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	NodeID  string `json:"node_id"`
}

// HeartbeatRequest 心跳请求
type HeartbeatRequest struct {
	NodeID      string  `json:"node_id"`
	CPUUsage    float64 `json:"cpu_usage"`    // CPU使用率 0-100
	MemoryUsage int64   `json:"memory_usage"` // 内存使用(bytes)
	Connections int     `json:"connections"`  // 当前连接数
}

// HeartbeatResponse 心跳响应
type HeartbeatResponse struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// UsageReportRequest 用量上报请求，每条为一个完整时间桶的累计值
type UsageReportRequest struct {
	NodeID string                    `json:"node_id"`
	Items  []service.UsageReportItem `json:"items"`
}

// UsageReportResponse 用量上报响应
type UsageReportResponse struct {
	Success  bool `json:"success"`
	Accepted int  `json:"accepted"`
	Dropped  int  `json:"dropped"`
}

// UserGrant 下发给节点的单个用户通行配置
type UserGrant struct {
	UserID   string            `json:"user_id"`
	Username string            `json:"username"`
	Proxies  map[string]string `json:"proxies"` // 协议 -> 代理身份UUID
}

// NodeConfigPayload 完整节点配置（当前可通行的用户集合）
type NodeConfigPayload struct {
	GeneratedAt time.Time   `json:"generated_at"`
	Users       []UserGrant `json:"users"`
}

// UserEventPayload 单用户摘除/恢复事件
type UserEventPayload struct {
	UserID   string            `json:"user_id"`
	Username string            `json:"username"`
	Status   string            `json:"status"`
	Proxies  map[string]string `json:"proxies,omitempty"`
}

// ErrorMessage 错误消息
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewMessage 创建新消息
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      dataBytes,
	}, nil
}

// ParseData 解析消息数据
func (m *Message) ParseData(v interface{}) error {
	return json.Unmarshal(m.Data, v)
}
