package ws

import (
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/service"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

// hubSyncer 把注册表与账本的状态事件翻译成节点通道消息
type hubSyncer struct {
	server *Server
}

// NodeStateChanged 节点进入 connected 时下发完整配置
func (s *hubSyncer) NodeStateChanged(node *dbinit.Node, previous dbinit.NodeStatus) {
	if node.Status == dbinit.NodeStatusConnected {
		go s.server.handler.SendNodeConfig(node.ID)
		return
	}

	logger.Debug("节点离开在线状态",
		zap.String("nodeID", node.ID),
		zap.String("from", string(previous)),
		zap.String("to", string(node.Status)))
}

// MasterStateChanged 集群聚合状态变化
func (s *hubSyncer) MasterStateChanged(state *service.MasterState) {
	logger.Debug("集群状态变化",
		zap.Int("total", state.Total),
		zap.Int("connected", state.Connected))
}

// UserLimited 超限用户广播摘除
func (s *hubSyncer) UserLimited(user *dbinit.User) {
	s.server.NotifyUserDisabled(user)
}

// UserReactivated 重置恢复的用户广播放行
func (s *hubSyncer) UserReactivated(user *dbinit.User) {
	s.server.NotifyUserEnabled(user)
}
