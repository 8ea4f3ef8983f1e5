package dbinit

import (
	"database/sql"
	"fmt"
)

const (
	// SQLite 初始化脚本
	SQLiteInitSchema = `
-- 管理员表
CREATE TABLE IF NOT EXISTS admins (
    id TEXT PRIMARY KEY,
    username TEXT UNIQUE NOT NULL,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'admin' CHECK(role IN ('sudo', 'admin')),
    lifetime_usage INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_admins_username ON admins(username);

-- 用户表
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    username TEXT UNIQUE NOT NULL,
    admin_id TEXT,
    status TEXT NOT NULL DEFAULT 'active'
        CHECK(status IN ('active', 'disabled', 'limited', 'expired', 'on_hold', 'deleted')),
    used_traffic INTEGER NOT NULL DEFAULT 0,
    lifetime_used_traffic INTEGER NOT NULL DEFAULT 0,
    data_limit INTEGER,
    data_limit_reset_strategy TEXT NOT NULL DEFAULT 'no_reset',
    last_traffic_reset_time DATETIME DEFAULT CURRENT_TIMESTAMP,
    credential_key TEXT UNIQUE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (admin_id) REFERENCES admins(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_users_status ON users(status);
CREATE INDEX IF NOT EXISTS idx_users_admin_id ON users(admin_id);
CREATE INDEX IF NOT EXISTS idx_users_credential_key ON users(credential_key);
CREATE INDEX IF NOT EXISTS idx_users_reset_strategy ON users(data_limit_reset_strategy);

-- 节点表（主控伪节点固定 id='master'，address/port 为空）
CREATE TABLE IF NOT EXISTS nodes (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    address TEXT,
    port INTEGER,
    api_port INTEGER,
    status TEXT NOT NULL DEFAULT 'connecting'
        CHECK(status IN ('connecting', 'connected', 'error', 'disabled', 'limited')),
    status_message TEXT NOT NULL DEFAULT '',
    data_limit INTEGER,
    lifetime_usage INTEGER NOT NULL DEFAULT 0,
    uplink INTEGER NOT NULL DEFAULT 0,
    downlink INTEGER NOT NULL DEFAULT 0,
    usage_coefficient REAL NOT NULL DEFAULT 1.0,
    geo_mode TEXT NOT NULL DEFAULT 'default' CHECK(geo_mode IN ('default', 'custom')),
    tls_enabled INTEGER NOT NULL DEFAULT 0,
    tls_cert TEXT,
    proxy_host TEXT,
    proxy_port INTEGER,
    proxy_user TEXT,
    proxy_pass TEXT,
    last_status_change DATETIME DEFAULT CURRENT_TIMESTAMP,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);

-- 节点用量采样表（按桶唯一，重发覆盖）
CREATE TABLE IF NOT EXISTS node_usage_samples (
    node_id TEXT NOT NULL,
    bucket_ts DATETIME NOT NULL,
    uplink INTEGER NOT NULL DEFAULT 0,
    downlink INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (node_id, bucket_ts),
    FOREIGN KEY (node_id) REFERENCES nodes(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_usage_samples_bucket ON node_usage_samples(bucket_ts);

-- 用户流量重置记录表（只追加）
CREATE TABLE IF NOT EXISTS user_usage_reset_logs (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    used_traffic_at_reset INTEGER NOT NULL,
    reset_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_reset_logs_user_id ON user_usage_reset_logs(user_id);

-- 密钥单例表（各列懒生成，生成后不再改写）
CREATE TABLE IF NOT EXISTS secrets (
    id INTEGER PRIMARY KEY CHECK(id = 1),
    subscription_secret TEXT,
    admin_secret TEXT,
    vmess_mask TEXT,
    vless_mask TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- 种子数据：主控伪节点与密钥单例行必须始终存在
INSERT OR IGNORE INTO nodes (id, name, status) VALUES ('master', 'Master', 'connecting');
INSERT OR IGNORE INTO secrets (id) VALUES (1);
`
)

// InitSQLiteSchema 初始化 SQLite 数据库schema
func InitSQLiteSchema(db *sql.DB) error {
	_, err := db.Exec(SQLiteInitSchema)
	if err != nil {
		return fmt.Errorf("failed to initialize SQLite schema: %w", err)
	}
	return nil
}

// CreateTriggers 创建触发器
func CreateTriggers(db *sql.DB) error {
	triggers := []string{
		// 节点更新时间触发器
		`CREATE TRIGGER IF NOT EXISTS update_nodes_timestamp
		 AFTER UPDATE ON nodes
		 BEGIN
		     UPDATE nodes SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		 END;`,

		// 用户更新时间触发器
		`CREATE TRIGGER IF NOT EXISTS update_users_timestamp
		 AFTER UPDATE ON users
		 BEGIN
		     UPDATE users SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
		 END;`,

		// 采样更新时间触发器
		`CREATE TRIGGER IF NOT EXISTS update_usage_samples_timestamp
		 AFTER UPDATE ON node_usage_samples
		 BEGIN
		     UPDATE node_usage_samples SET updated_at = CURRENT_TIMESTAMP
		     WHERE node_id = NEW.node_id AND bucket_ts = NEW.bucket_ts;
		 END;`,

		// 主控伪节点必须始终存在
		`CREATE TRIGGER IF NOT EXISTS protect_master_node
		 BEFORE DELETE ON nodes
		 WHEN OLD.id = 'master'
		 BEGIN
		     SELECT RAISE(ABORT, 'master node cannot be deleted');
		 END;`,

		// 密钥单例行不可删除
		`CREATE TRIGGER IF NOT EXISTS protect_secrets_row
		 BEFORE DELETE ON secrets
		 BEGIN
		     SELECT RAISE(ABORT, 'secrets row cannot be deleted');
		 END;`,
	}

	for _, trigger := range triggers {
		if _, err := db.Exec(trigger); err != nil {
			return fmt.Errorf("failed to create trigger: %w", err)
		}
	}

	return nil
}
