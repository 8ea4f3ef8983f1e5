package ws

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

// NodeStats 节点运行状态快照（node_status 消息载荷）
type NodeStats struct {
	NodeID      string    `json:"node_id"`
	Timestamp   time.Time `json:"timestamp"`
	Version     string    `json:"version"`      // 节点版本
	Uptime      int64     `json:"uptime"`       // 运行秒数
	CPUUsage    float64   `json:"cpu_usage"`    // CPU 使用率 (0-100%)
	MemoryUsage float64   `json:"memory_usage"` // 内存使用率 (0-100%)
	Connections int       `json:"connections"`  // 当前连接数
	ActiveUsers int       `json:"active_users"` // 在线用户数
}

// StatsHandler 运行状态处理器
type StatsHandler struct {
	db *db.Manager
}

// NewStatsHandler 创建运行状态处理器
func NewStatsHandler(dbManager *db.Manager) *StatsHandler {
	return &StatsHandler{
		db: dbManager,
	}
}

// HandleStatsReport 处理节点运行状态上报。
// 快照只进缓存供面板展示，计费数据走用量账本
func (h *StatsHandler) HandleStatsReport(nodeConn *NodeConnection, data json.RawMessage) {
	var stats NodeStats
	if err := json.Unmarshal(data, &stats); err != nil {
		logger.Error("解析节点状态失败",
			zap.String("nodeID", nodeConn.NodeID),
			zap.Error(err))
		return
	}

	stats.NodeID = nodeConn.NodeID
	stats.Timestamp = time.Now()

	if err := h.storeStatsToRedis(&stats); err != nil {
		logger.Debug("缓存节点状态失败", zap.Error(err))
	}

	logger.Debug("收到节点状态",
		zap.String("nodeID", stats.NodeID),
		zap.Float64("cpu", stats.CPUUsage),
		zap.Int("connections", stats.Connections),
		zap.Int("activeUsers", stats.ActiveUsers))
}

// storeStatsToRedis 状态快照写入缓存，5分钟过期
func (h *StatsHandler) storeStatsToRedis(stats *NodeStats) error {
	if !h.db.HasCache() {
		return fmt.Errorf("redis 不可用")
	}

	key := fmt.Sprintf("node:stats:%s", stats.NodeID)
	return h.db.Cache.Redis.Set(key, stats, 5*time.Minute)
}

// GetNodeStats 读取节点最近一次状态快照，没有快照时返回 nil
func (h *StatsHandler) GetNodeStats(nodeID string) (*NodeStats, error) {
	if !h.db.HasCache() {
		return nil, nil
	}

	var stats NodeStats
	if err := h.db.Cache.Redis.Get(fmt.Sprintf("node:stats:%s", nodeID), &stats); err != nil {
		return nil, err
	}
	if stats.NodeID == "" {
		return nil, nil
	}
	return &stats, nil
}
