package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 节点状态指标
	NodesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebecca_nodes_by_status",
			Help: "各状态节点数量",
		},
		[]string{"status"},
	)

	// 用量摄入指标
	UsageSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebecca_usage_samples_total",
			Help: "用量样本处理总数",
		},
		[]string{"result"},
	)

	// 流量指标
	UsageBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebecca_usage_bytes_total",
			Help: "结算流量总字节数",
		},
		[]string{"direction"},
	)

	// 配额事件指标
	QuotaEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebecca_quota_events_total",
			Help: "配额事件总数",
		},
		[]string{"event"},
	)

	// 配额重置指标
	QuotaResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rebecca_quota_resets_total",
			Help: "用户流量重置总数",
		},
	)

	// API请求指标
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebecca_http_requests_total",
			Help: "HTTP请求总数",
		},
		[]string{"method", "endpoint", "status"},
	)

	// API延迟指标
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebecca_http_duration_seconds",
			Help:    "HTTP请求延迟（秒）",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// WebSocket连接数
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebecca_websocket_connections",
			Help: "WebSocket连接数",
		},
	)

	// 订阅请求指标
	SubscriptionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebecca_subscription_requests_total",
			Help: "订阅请求总数",
		},
		[]string{"result"},
	)
)
