package service

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

// NodeRegistry 节点状态注册表。
//
// 节点生命周期：connecting -> connected -> error/limited/disabled。
// 探测与通道事件只能在 connecting/connected/error 之间移动节点；
// limited 需管理员调高限额后放行，disabled 只有管理员能解除。
// 所有翻转都经数据库条件更新完成，并发下每次翻转至多发生一次。
type NodeRegistry struct {
	db *db.Manager

	mu     sync.RWMutex
	syncer Syncer
}

// NewNodeRegistry 创建节点状态注册表
func NewNodeRegistry(dbManager *db.Manager) *NodeRegistry {
	return &NodeRegistry{
		db:     dbManager,
		syncer: noopSyncer{},
	}
}

// SetSyncer 接入配置下发通道
func (r *NodeRegistry) SetSyncer(s Syncer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s != nil {
		r.syncer = s
	}
}

func (r *NodeRegistry) getSyncer() Syncer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.syncer
}

// getNode 读取节点，不存在时返回 ErrUnknownEntity
func (r *NodeRegistry) getNode(nodeID string) (*dbinit.Node, error) {
	node, err := r.db.DB.SQLite.GetNode(nodeID)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, fmt.Errorf("node %s: %w", nodeID, dbinit.ErrUnknownEntity)
	}
	return node, nil
}

// cas 条件翻转并在成功时发出通知
func (r *NodeRegistry) cas(nodeID string, from, to dbinit.NodeStatus, message string) (bool, error) {
	ok, err := r.db.DB.SQLite.CASNodeStatus(nodeID, from, to, message)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	r.afterTransition(nodeID, from, to)
	return true, nil
}

// afterTransition 翻转成功后的日志与下发通知
func (r *NodeRegistry) afterTransition(nodeID string, from, to dbinit.NodeStatus) {
	logger.Info("节点状态翻转",
		zap.String("nodeID", nodeID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	syncer := r.getSyncer()

	if from == dbinit.NodeStatusConnected || to == dbinit.NodeStatusConnected {
		node, err := r.db.DB.SQLite.GetNode(nodeID)
		if err == nil && node != nil {
			syncer.NodeStateChanged(node, from)
		}
	}

	state, err := r.MasterSnapshot()
	if err != nil {
		logger.Warn("主控聚合视图重算失败", zap.Error(err))
		return
	}
	syncer.MasterStateChanged(state)
}

// === 探测与通道驱动的翻转 ===

// MarkConnected 探测成功或节点完成注册。
// connecting 直接进入 connected，error 先回到 connecting 再进入；
// disabled 与 limited 不受探测影响。
func (r *NodeRegistry) MarkConnected(nodeID, message string) error {
	ok, err := r.cas(nodeID, dbinit.NodeStatusConnecting, dbinit.NodeStatusConnected, message)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	node, err := r.getNode(nodeID)
	if err != nil {
		return err
	}

	switch node.Status {
	case dbinit.NodeStatusConnected:
		return nil
	case dbinit.NodeStatusError:
		if _, err := r.cas(nodeID, dbinit.NodeStatusError, dbinit.NodeStatusConnecting, "retrying"); err != nil {
			return err
		}
		ok, err := r.cas(nodeID, dbinit.NodeStatusConnecting, dbinit.NodeStatusConnected, message)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("node %s changed state during reconnect: %w", nodeID, dbinit.ErrInvalidTransition)
		}
		return nil
	default:
		return fmt.Errorf("node %s is %s, cannot connect: %w", nodeID, node.Status, dbinit.ErrInvalidTransition)
	}
}

// MarkError 探测失败或通道断开。只有 connected 会进入 error；
// connecting 节点探测失败时原地等待下一轮。
func (r *NodeRegistry) MarkError(nodeID, message string) error {
	ok, err := r.cas(nodeID, dbinit.NodeStatusConnected, dbinit.NodeStatusError, message)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	node, err := r.getNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == dbinit.NodeStatusError {
		return nil
	}
	return fmt.Errorf("node %s is %s, probe cannot mark error: %w", nodeID, node.Status, dbinit.ErrInvalidTransition)
}

// Retry 将故障节点放回 connecting 等待下轮探测
func (r *NodeRegistry) Retry(nodeID string) error {
	ok, err := r.cas(nodeID, dbinit.NodeStatusError, dbinit.NodeStatusConnecting, "retry scheduled")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	node, err := r.getNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == dbinit.NodeStatusConnecting {
		return nil
	}
	return fmt.Errorf("node %s is %s, cannot retry: %w", nodeID, node.Status, dbinit.ErrInvalidTransition)
}

// MarkLimited 账本侧超限翻转，只作用于 connected 节点
func (r *NodeRegistry) MarkLimited(nodeID string) error {
	ok, err := r.cas(nodeID, dbinit.NodeStatusConnected, dbinit.NodeStatusLimited, "data limit reached")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	node, err := r.getNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status == dbinit.NodeStatusLimited {
		return nil
	}
	return fmt.Errorf("node %s is %s, cannot limit: %w", nodeID, node.Status, dbinit.ErrInvalidTransition)
}

// === 管理操作 ===

// Disable 管理员停用节点，任意状态可进入 disabled
func (r *NodeRegistry) Disable(nodeID, reason string) error {
	for i := 0; i < 3; i++ {
		node, err := r.getNode(nodeID)
		if err != nil {
			return err
		}
		if node.Status == dbinit.NodeStatusDisabled {
			return nil
		}

		ok, err := r.cas(nodeID, node.Status, dbinit.NodeStatusDisabled, reason)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("node %s kept changing state: %w", nodeID, dbinit.ErrInvalidTransition)
}

// Enable 管理员恢复停用节点，回到 connecting 等待探测
func (r *NodeRegistry) Enable(nodeID string) error {
	ok, err := r.cas(nodeID, dbinit.NodeStatusDisabled, dbinit.NodeStatusConnecting, "re-enabled by admin")
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	node, err := r.getNode(nodeID)
	if err != nil {
		return err
	}
	return fmt.Errorf("node %s is %s, only disabled nodes can be re-enabled: %w",
		nodeID, node.Status, dbinit.ErrInvalidTransition)
}

// RaiseLimit 管理员调整节点限额。limited 节点在新限额放行时回到
// connecting，仍然超限则保持 limited。
func (r *NodeRegistry) RaiseLimit(nodeID string, limit sql.NullInt64) error {
	if _, err := r.getNode(nodeID); err != nil {
		return err
	}

	if err := r.db.DB.SQLite.SetNodeDataLimit(nodeID, limit); err != nil {
		return err
	}

	node, err := r.getNode(nodeID)
	if err != nil {
		return err
	}
	if node.Status != dbinit.NodeStatusLimited || node.OverLimit() {
		return nil
	}

	if _, err := r.cas(nodeID, dbinit.NodeStatusLimited, dbinit.NodeStatusConnecting, "data limit raised"); err != nil {
		return err
	}
	return nil
}

// === 聚合视图 ===

// MasterSnapshot 主控聚合视图
func (r *NodeRegistry) MasterSnapshot() (*MasterState, error) {
	counts, err := r.db.DB.SQLite.CountNodesByStatus()
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}

	return &MasterState{
		Total:     total,
		Connected: counts[dbinit.NodeStatusConnected],
		Counts:    counts,
	}, nil
}
