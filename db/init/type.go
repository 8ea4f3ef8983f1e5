package dbinit

import (
	"database/sql"
	"time"
)

// MasterNodeID 主控伪节点的固定ID，聚合无法归属到具体远端节点的流量
const MasterNodeID = "master"

// NodeStatus 节点状态
type NodeStatus string

const (
	NodeStatusConnecting NodeStatus = "connecting" // 连接中：初始状态，等待握手/探测
	NodeStatusConnected  NodeStatus = "connected"  // 已连接：探测正常，可下发配置
	NodeStatusError      NodeStatus = "error"      // 异常：探测或 RPC 失败，等待重试
	NodeStatusDisabled   NodeStatus = "disabled"   // 已禁用：管理员手动禁用，自动探测不得改变
	NodeStatusLimited    NodeStatus = "limited"    // 限额：累计流量达到 data_limit，需管理员调整限额解除
)

// String 返回规范的持久化形式
func (s NodeStatus) String() string { return string(s) }

// Valid 检查是否为已知状态值
func (s NodeStatus) Valid() bool {
	switch s {
	case NodeStatusConnecting, NodeStatusConnected, NodeStatusError,
		NodeStatusDisabled, NodeStatusLimited:
		return true
	}
	return false
}

// UserStatus 用户状态
type UserStatus string

const (
	UserStatusActive   UserStatus = "active"   // 正常
	UserStatusDisabled UserStatus = "disabled" // 管理员禁用
	UserStatusLimited  UserStatus = "limited"  // 流量超限
	UserStatusExpired  UserStatus = "expired"  // 已过期
	UserStatusOnHold   UserStatus = "on_hold"  // 暂挂（尚未激活计时）
	UserStatusDeleted  UserStatus = "deleted"  // 已删除（软删除）
)

// String 返回规范的持久化形式
func (s UserStatus) String() string { return string(s) }

// ResetStrategy 流量重置策略
type ResetStrategy string

const (
	ResetNever ResetStrategy = "no_reset" // 从不重置
	ResetDay   ResetStrategy = "day"      // 每 24 小时
	ResetWeek  ResetStrategy = "week"     // 每 7 天
	ResetMonth ResetStrategy = "month"    // 跨自然月边界
	ResetYear  ResetStrategy = "year"     // 跨自然年边界
)

// String 返回规范的持久化形式
func (s ResetStrategy) String() string { return string(s) }

// GeoMode 节点地理配置模式
type GeoMode string

const (
	GeoModeDefault GeoMode = "default" // 使用全局 geo 资源
	GeoModeCustom  GeoMode = "custom"  // 节点自带 geo 资源
)

// Node 节点信息（主控伪节点复用同一张表，address/port 为空）
type Node struct {
	ID               string         `json:"id" db:"id"`                                 // 节点唯一ID
	Name             string         `json:"name" db:"name"`                             // 节点名称
	Address          sql.NullString `json:"address" db:"address"`                       // 节点地址（master 为空）
	Port             sql.NullInt64  `json:"port" db:"port"`                             // 业务端口
	APIPort          sql.NullInt64  `json:"api_port" db:"api_port"`                     // 控制端口（探测/下发）
	Status           NodeStatus     `json:"status" db:"status"`                         // 当前状态
	StatusMessage    string         `json:"status_message" db:"status_message"`         // 最近一次状态变更原因
	DataLimit        sql.NullInt64  `json:"data_limit" db:"data_limit"`                 // 字节上限，NULL=不限
	LifetimeUsage    int64          `json:"lifetime_usage" db:"lifetime_usage"`         // 累计流量（单调递增）
	Uplink           int64          `json:"uplink" db:"uplink"`                         // 当前周期上行
	Downlink         int64          `json:"downlink" db:"downlink"`                     // 当前周期下行
	UsageCoefficient float64        `json:"usage_coefficient" db:"usage_coefficient"`   // 计费系数
	GeoMode          GeoMode        `json:"geo_mode" db:"geo_mode"`                     // default/custom
	TLSEnabled       bool           `json:"tls_enabled" db:"tls_enabled"`               // 是否走 TLS
	TLSCert          sql.NullString `json:"tls_cert" db:"tls_cert"`                     // 证书（PEM，可为空）
	ProxyHost        sql.NullString `json:"proxy_host" db:"proxy_host"`                 // 出站代理地址
	ProxyPort        sql.NullInt64  `json:"proxy_port" db:"proxy_port"`                 // 出站代理端口
	ProxyUser        sql.NullString `json:"proxy_user" db:"proxy_user"`                 // 出站代理用户名
	ProxyPass        sql.NullString `json:"-" db:"proxy_pass"`                          // 出站代理密码
	LastStatusChange time.Time      `json:"last_status_change" db:"last_status_change"` // 状态最后变更时间
	CreatedAt        time.Time      `json:"created_at" db:"created_at"`                 // 创建时间
	UpdatedAt        time.Time      `json:"updated_at" db:"updated_at"`                 // 更新时间
}

// IsMaster 是否为主控伪节点
func (n *Node) IsMaster() bool { return n.ID == MasterNodeID }

// OverLimit 累计流量是否达到上限
func (n *Node) OverLimit() bool {
	return n.DataLimit.Valid && n.DataLimit.Int64 > 0 && n.LifetimeUsage >= n.DataLimit.Int64
}

// UsageSample 节点用量采样（按桶去重，重发视为订正）
type UsageSample struct {
	NodeID    string    `json:"node_id" db:"node_id"`     // 节点ID
	BucketTS  time.Time `json:"bucket_ts" db:"bucket_ts"` // 采样桶时间戳
	Uplink    int64     `json:"uplink" db:"uplink"`       // 桶内上行总量（全量值，非增量）
	Downlink  int64     `json:"downlink" db:"downlink"`   // 桶内下行总量（全量值，非增量）
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// UsageResult 单次用量摄入在事务提交后的结果快照
type UsageResult struct {
	Node          *Node `json:"node"`
	User          *User `json:"user"`
	DeltaUplink   int64 `json:"delta_uplink"`
	DeltaDownlink int64 `json:"delta_downlink"`
	ChargedBytes  int64 `json:"charged_bytes"`
}

// User 订阅用户
type User struct {
	ID                     string         `json:"id" db:"id"`                                               // 用户ID
	Username               string         `json:"username" db:"username"`                                   // 用户名
	AdminID                sql.NullString `json:"admin_id" db:"admin_id"`                                   // 归属管理员
	Status                 UserStatus     `json:"status" db:"status"`                                       // 状态
	UsedTraffic            int64          `json:"used_traffic" db:"used_traffic"`                           // 当前周期已用流量
	LifetimeUsedTraffic    int64          `json:"lifetime_used_traffic" db:"lifetime_used_traffic"`         // 累计已用流量
	DataLimit              sql.NullInt64  `json:"data_limit" db:"data_limit"`                               // 字节上限，NULL=不限
	DataLimitResetStrategy ResetStrategy  `json:"data_limit_reset_strategy" db:"data_limit_reset_strategy"` // 重置策略
	LastTrafficResetTime   time.Time      `json:"last_traffic_reset_time" db:"last_traffic_reset_time"`     // 上次重置时间
	CredentialKey          sql.NullString `json:"credential_key" db:"credential_key"`                       // 32位小写hex，唯一，迁移期可为空
	CreatedAt              time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at" db:"updated_at"`
}

// OverLimit 本周期流量是否达到上限
func (u *User) OverLimit() bool {
	return u.DataLimit.Valid && u.DataLimit.Int64 > 0 && u.UsedTraffic >= u.DataLimit.Int64
}

// Admin 管理员
type Admin struct {
	ID            string    `json:"id" db:"id"`                         // 管理员ID
	Username      string    `json:"username" db:"username"`             // 用户名
	PasswordHash  string    `json:"-" db:"password_hash"`               // bcrypt 哈希
	Role          string    `json:"role" db:"role"`                     // sudo/admin
	LifetimeUsage int64     `json:"lifetime_usage" db:"lifetime_usage"` // 名下用户累计流量
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// TrafficResetLog 用户流量重置审计记录（只追加）
type TrafficResetLog struct {
	ID                 string    `json:"id" db:"id"`                                     // 记录ID
	UserID             string    `json:"user_id" db:"user_id"`                           // 用户ID
	UsedTrafficAtReset int64     `json:"used_traffic_at_reset" db:"used_traffic_at_reset"` // 重置前已用流量
	ResetAt            time.Time `json:"reset_at" db:"reset_at"`                         // 重置时间
}

// Secrets 密钥单例（id 固定为 1，各列首次使用时生成，之后不再变动）
type Secrets struct {
	ID                 int            `json:"-" db:"id"`
	SubscriptionSecret sql.NullString `json:"-" db:"subscription_secret"` // 订阅令牌签名密钥（hex）
	AdminSecret        sql.NullString `json:"-" db:"admin_secret"`        // 管理令牌签名密钥（hex）
	VMessMask          sql.NullString `json:"-" db:"vmess_mask"`          // vmess UUID 掩码（16字节hex）
	VLESSMask          sql.NullString `json:"-" db:"vless_mask"`          // vless UUID 掩码（16字节hex）
	UpdatedAt          time.Time      `json:"-" db:"updated_at"`
}

// Session 管理会话（存储在Redis）
type Session struct {
	Token     string    `json:"token"`
	AdminID   string    `json:"admin_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}
