package service

import (
	"context"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/metrics"
	"github.com/rebeccapanel/Rebecca-sub001/internal/nodeclient"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"

	"go.uber.org/zap"
)

// NodeProber 节点探测服务（定时任务）。
//
// 周期性探测 connecting/connected/error 状态的节点：探测成功进入
// connected，connected 节点失败进入 error，error 节点先放回
// connecting 再试，connecting 节点失败原地等待下一轮。
// disabled 与 limited 不参与探测，master 伪节点与无地址节点跳过。
type NodeProber struct {
	db       *db.Manager
	registry *NodeRegistry
	client   *nodeclient.Client
	interval time.Duration
	timeout  time.Duration
	stopChan chan struct{}
}

// NewNodeProber 创建节点探测服务
func NewNodeProber(dbManager *db.Manager, registry *NodeRegistry, interval, timeout time.Duration) *NodeProber {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NodeProber{
		db:       dbManager,
		registry: registry,
		client:   nodeclient.New(timeout),
		interval: interval,
		timeout:  timeout,
		stopChan: make(chan struct{}),
	}
}

// Start 启动探测循环
func (p *NodeProber) Start() {
	logger.Info("节点探测服务启动",
		zap.Duration("interval", p.interval),
		zap.Duration("timeout", p.timeout))
	go p.loop()
}

func (p *NodeProber) loop() {
	p.probeAll()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probeAll()
		case <-p.stopChan:
			return
		}
	}
}

// Stop 停止探测循环
func (p *NodeProber) Stop() {
	close(p.stopChan)
}

// probeAll 执行一轮探测
func (p *NodeProber) probeAll() {
	nodes, err := p.db.DB.SQLite.ListNodes("", 1000, 0)
	if err != nil {
		logger.Error("获取节点列表失败", zap.Error(err))
		return
	}

	// 预置全部状态，归零的状态也要刷新指标
	counts := map[dbinit.NodeStatus]int{
		dbinit.NodeStatusConnecting: 0,
		dbinit.NodeStatusConnected:  0,
		dbinit.NodeStatusError:      0,
		dbinit.NodeStatusDisabled:   0,
		dbinit.NodeStatusLimited:    0,
	}
	for _, node := range nodes {
		if node.IsMaster() {
			continue
		}
		counts[node.Status]++

		switch node.Status {
		case dbinit.NodeStatusDisabled, dbinit.NodeStatusLimited:
			// 管理员或配额决定的状态，探测不得触碰
			continue
		case dbinit.NodeStatusError:
			if err := p.registry.Retry(node.ID); err != nil {
				logger.Debug("故障节点回收失败", zap.String("nodeID", node.ID), zap.Error(err))
				continue
			}
		}

		if !node.Address.Valid || node.Address.String == "" {
			continue
		}

		p.probeOne(node)
	}

	for status, n := range counts {
		metrics.NodesByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// probeOne 探测单个节点并驱动状态翻转
func (p *NodeProber) probeOne(node *dbinit.Node) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.Probe(ctx, node); err != nil {
		logger.Debug("节点探测失败",
			zap.String("nodeID", node.ID),
			zap.String("name", node.Name),
			zap.Error(err))
		// connecting 节点探测失败原地等待，只有 connected 会被打入 error
		if node.Status == dbinit.NodeStatusConnected {
			if err := p.registry.MarkError(node.ID, err.Error()); err != nil {
				logger.Debug("节点状态更新失败", zap.String("nodeID", node.ID), zap.Error(err))
			}
		}
		return
	}

	if err := p.registry.MarkConnected(node.ID, "probe ok"); err != nil {
		logger.Debug("节点状态更新失败", zap.String("nodeID", node.ID), zap.Error(err))
	}
}
