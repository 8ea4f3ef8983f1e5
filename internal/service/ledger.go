package service

import (
	"errors"
	"sync"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/metrics"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

// UsageReportItem 节点上报的单个用量桶
type UsageReportItem struct {
	NodeID   string    `json:"node_id"`
	UserID   string    `json:"user_id"`
	Uplink   int64     `json:"uplink"`
	Downlink int64     `json:"downlink"`
	BucketTS time.Time `json:"bucket_ts"`
}

// UsageLedger 用量账本。
//
// 同一 (节点, 时间桶) 的重复上报是订正而非累加，订正差值以增量
// 方式结算到节点、用户与所属管理员的累计计数上。结算后检查配额，
// 超限用户与节点在此翻转并发出下发事件。
type UsageLedger struct {
	db       *db.Manager
	registry *NodeRegistry
	bucket   time.Duration

	mu     sync.RWMutex
	syncer Syncer
}

// NewUsageLedger 创建用量账本
func NewUsageLedger(dbManager *db.Manager, registry *NodeRegistry, bucketSeconds int) *UsageLedger {
	bucket := time.Duration(bucketSeconds) * time.Second
	if bucket <= 0 {
		bucket = time.Hour
	}
	return &UsageLedger{
		db:       dbManager,
		registry: registry,
		bucket:   bucket,
		syncer:   noopSyncer{},
	}
}

// SetSyncer 接入配置下发通道
func (l *UsageLedger) SetSyncer(s Syncer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s != nil {
		l.syncer = s
	}
}

func (l *UsageLedger) getSyncer() Syncer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.syncer
}

// BucketFor 将任意时间归一化到所属桶边界（UTC）
func (l *UsageLedger) BucketFor(ts time.Time) time.Time {
	return ts.UTC().Truncate(l.bucket)
}

// Ingest 摄入单个用量桶并结算配额
func (l *UsageLedger) Ingest(item UsageReportItem) error {
	bucket := l.BucketFor(item.BucketTS)

	result, err := l.db.DB.SQLite.ApplyUsage(item.NodeID, item.UserID, item.Uplink, item.Downlink, bucket)
	if err != nil {
		switch {
		case errors.Is(err, dbinit.ErrUnknownEntity):
			metrics.UsageSamplesTotal.WithLabelValues("dropped").Inc()
			logger.Warn("用量样本指向未知实体，已丢弃",
				zap.String("nodeID", item.NodeID),
				zap.String("userID", item.UserID),
				zap.Error(err))
		case errors.Is(err, dbinit.ErrInvalidSample):
			metrics.UsageSamplesTotal.WithLabelValues("invalid").Inc()
			logger.Warn("用量样本非法，已拒绝",
				zap.String("nodeID", item.NodeID),
				zap.String("userID", item.UserID),
				zap.Int64("uplink", item.Uplink),
				zap.Int64("downlink", item.Downlink),
				zap.Error(err))
		}
		return err
	}

	metrics.UsageSamplesTotal.WithLabelValues("applied").Inc()
	metrics.UsageBytesTotal.WithLabelValues("uplink").Add(float64(result.DeltaUplink))
	metrics.UsageBytesTotal.WithLabelValues("downlink").Add(float64(result.DeltaDownlink))

	// 实时计数只作面板展示，失败不影响结算
	if l.db.HasCache() {
		if err := l.db.Cache.Redis.IncrementTraffic(item.NodeID, result.DeltaUplink, result.DeltaDownlink); err != nil {
			logger.Debug("实时流量计数更新失败", zap.Error(err))
		}
	}

	l.settleUserQuota(result.User)
	l.settleNodeQuota(result.Node)

	return nil
}

// IngestBatch 摄入一批用量桶，单条失败不中断其余条目
func (l *UsageLedger) IngestBatch(items []UsageReportItem) (accepted, dropped int) {
	for _, item := range items {
		if err := l.Ingest(item); err != nil {
			dropped++
			continue
		}
		accepted++
	}
	return accepted, dropped
}

// settleUserQuota 结算后检查用户配额并在首次超限时发出事件
func (l *UsageLedger) settleUserQuota(user *dbinit.User) {
	if user == nil || !user.OverLimit() {
		return
	}

	flipped, err := l.db.DB.SQLite.MarkUserLimited(user.ID)
	if err != nil {
		logger.Error("用户超限翻转失败", zap.String("userID", user.ID), zap.Error(err))
		return
	}
	if !flipped {
		return
	}

	metrics.QuotaEventsTotal.WithLabelValues("user_limited").Inc()
	logger.Info("用户配额超限",
		zap.String("userID", user.ID),
		zap.String("username", user.Username),
		zap.Int64("usedTraffic", user.UsedTraffic))

	limited := *user
	limited.Status = dbinit.UserStatusLimited
	l.getSyncer().UserLimited(&limited)
}

// settleNodeQuota 结算后检查节点配额，只有 connected 节点会被限流
func (l *UsageLedger) settleNodeQuota(node *dbinit.Node) {
	if node == nil || node.IsMaster() || !node.OverLimit() {
		return
	}
	if node.Status != dbinit.NodeStatusConnected {
		return
	}

	if err := l.registry.MarkLimited(node.ID); err != nil {
		if errors.Is(err, dbinit.ErrInvalidTransition) {
			return
		}
		logger.Error("节点超限翻转失败", zap.String("nodeID", node.ID), zap.Error(err))
		return
	}
	metrics.QuotaEventsTotal.WithLabelValues("node_limited").Inc()
	logger.Info("节点配额超限", zap.String("nodeID", node.ID), zap.String("name", node.Name))
}
