package service

import (
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
)

// MasterState 主控聚合视图（随任意节点状态变化而重算）
type MasterState struct {
	Total     int                       `json:"total"`
	Connected int                       `json:"connected"`
	Counts    map[dbinit.NodeStatus]int `json:"counts"`
}

// Syncer 配置下发协作方。注册表与账本在状态翻转后通过它向
// 在线节点推送变更，实现方为 WebSocket 通道。
type Syncer interface {
	// NodeStateChanged 节点进入或离开 connected 时触发
	NodeStateChanged(node *dbinit.Node, previous dbinit.NodeStatus)
	// MasterStateChanged 主控聚合视图变化时触发
	MasterStateChanged(state *MasterState)
	// UserLimited 用户触发配额超限事件
	UserLimited(user *dbinit.User)
	// UserReactivated 用户因配额重置恢复可用
	UserReactivated(user *dbinit.User)
}

// noopSyncer 未接入下发通道时的占位实现
type noopSyncer struct{}

func (noopSyncer) NodeStateChanged(*dbinit.Node, dbinit.NodeStatus) {}
func (noopSyncer) MasterStateChanged(*MasterState)                 {}
func (noopSyncer) UserLimited(*dbinit.User)                        {}
func (noopSyncer) UserReactivated(*dbinit.User)                    {}
