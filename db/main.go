package db

import (
	"fmt"
	"log"

	"github.com/rebeccapanel/Rebecca-sub001/db/cache"
	"github.com/rebeccapanel/Rebecca-sub001/db/sqlite"
)

// DB 持久层访问入口（SQLite）
type DB struct {
	SQLite *sqlite.SQLiteDB
}

// Cache 缓存层访问入口（Redis，可缺席）
type Cache struct {
	Redis *cache.RedisCache
}

// Manager 数据库管理器，持有各存储的生命周期
type Manager struct {
	DB    *DB
	Cache *Cache
}

// Config 数据库配置
type Config struct {
	// SQLite配置
	SQLitePath string

	// Redis配置
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewManager 创建新的数据库管理器
func NewManager(cfg *Config) (*Manager, error) {
	// 初始化SQLite
	store, err := sqlite.NewSQLiteDB(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to init SQLite: %w", err)
	}
	log.Printf("✓ SQLite initialized: %s", cfg.SQLitePath)

	manager := &Manager{
		DB: &DB{SQLite: store},
	}

	// 初始化Redis（可选，连接失败时降级为无缓存运行）
	if cfg.RedisAddr != "" {
		redisCache, err := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Printf("⚠ Redis connection failed: %v (continuing without cache)", err)
		} else {
			log.Printf("✓ Redis connected: %s", cfg.RedisAddr)
			manager.Cache = &Cache{Redis: redisCache}
		}
	}

	return manager, nil
}

// Close 关闭所有数据库连接
func (m *Manager) Close() error {
	var errs []error

	if m.DB != nil && m.DB.SQLite != nil {
		if err := m.DB.SQLite.Close(); err != nil {
			errs = append(errs, fmt.Errorf("SQLite close error: %w", err))
		}
	}

	if m.HasCache() {
		if err := m.Cache.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("Redis close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}

	return nil
}

// HasCache 检查是否有缓存可用
func (m *Manager) HasCache() bool {
	return m.Cache != nil && m.Cache.Redis != nil
}
