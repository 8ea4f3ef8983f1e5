package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Database     DatabaseConfig     `yaml:"database"`
	Auth         AuthConfig         `yaml:"auth"`
	Node         NodeConfig         `yaml:"node"`
	Quota        QuotaConfig        `yaml:"quota"`
	TLS          TLSConfig          `yaml:"tls"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig 管理 API 服务器配置
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	HTTP3Port    int    `yaml:"http3_port"`   // HTTP/3 (QUIC) 端口
	Mode         string `yaml:"mode"`         // debug, release
	EnableHTTP3  bool   `yaml:"enable_http3"` // 启用 HTTP/3
	ReadTimeout  int    `yaml:"read_timeout"`
	WriteTimeout int    `yaml:"write_timeout"`
}

// SubscriptionConfig 订阅服务配置
type SubscriptionConfig struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	URLPrefix    string   `yaml:"url_prefix"`      // 生成订阅链接时使用的外部前缀
	AliasPaths   []string `yaml:"alias_paths"`     // 额外路径模板，必须包含 {key} 占位符
	CORSOrigins  []string `yaml:"cors_origins"`    // 允许的跨域来源，空则允许所有
	TokenTTLHour int      `yaml:"token_ttl_hours"` // 订阅令牌有效期（小时）
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// AuthConfig 认证配置
type AuthConfig struct {
	AdminTokenTTLHour int    `yaml:"admin_token_ttl_hours"` // 管理令牌有效期（小时）
	BootstrapAdmin    string `yaml:"bootstrap_admin"`       // 首次运行创建的管理员用户名
	BootstrapPassword string `yaml:"bootstrap_password"`    // 首次运行创建的管理员密码
}

// NodeConfig 节点通信配置
type NodeConfig struct {
	ProbeInterval  int `yaml:"probe_interval"` // 健康探测间隔（秒）
	ProbeTimeout   int `yaml:"probe_timeout"`  // 单次探测超时（秒）
	RPCTimeout     int `yaml:"rpc_timeout"`    // 配置下发等 RPC 超时（秒）
	UsageBucketSec int `yaml:"usage_bucket_s"` // 用量采样桶宽度（秒）
}

// QuotaConfig 配额重置配置
type QuotaConfig struct {
	ResetCron string `yaml:"reset_cron"` // cron 表达式，默认每小时
}

// TLSConfig TLS配置
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	OutputPath string `yaml:"output_path"` // 日志文件路径
	MaxSize    int    `yaml:"max_size"`    // 单个日志文件大小(MB)
	MaxBackups int    `yaml:"max_backups"` // 保留的旧日志文件数量
	MaxAge     int    `yaml:"max_age"`     // 保留天数
	Compress   bool   `yaml:"compress"`    // 是否压缩
}

// LoadConfig 从文件加载配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadConfigOrDefault 加载配置或使用默认值
func LoadConfigOrDefault(path string) *Config {
	if path == "" {
		return DefaultConfig()
	}

	config, err := LoadConfig(path)
	if err != nil {
		fmt.Printf("Failed to load config: %v, using defaults\n", err)
		return DefaultConfig()
	}

	return config
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			HTTP3Port:    8443,
			Mode:         "debug",
			EnableHTTP3:  false,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Subscription: SubscriptionConfig{
			Host:         "0.0.0.0",
			Port:         8100,
			URLPrefix:    "http://localhost:8100",
			AliasPaths:   []string{},
			CORSOrigins:  []string{},
			TokenTTLHour: 72,
		},
		Database: DatabaseConfig{
			SQLitePath:    "./data/rebecca.db",
			RedisAddr:     "localhost:6379",
			RedisPassword: "",
			RedisDB:       0,
		},
		Auth: AuthConfig{
			AdminTokenTTLHour: 24,
			BootstrapAdmin:    "admin",
			BootstrapPassword: "", // 留空则首次引导时随机生成
		},
		Node: NodeConfig{
			ProbeInterval:  30,
			ProbeTimeout:   5,
			RPCTimeout:     10,
			UsageBucketSec: 3600,
		},
		Quota: QuotaConfig{
			ResetCron: "0 * * * *", // 每小时整点
		},
		TLS: TLSConfig{
			Enabled:  false,
			CertFile: "",
			KeyFile:  "",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "./logs/rebecca.log",
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// SaveConfig 保存配置到文件
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
