package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteDB SQLite数据库客户端
type SQLiteDB struct {
	db *sql.DB
}

// NewSQLiteDB 创建新的SQLite数据库连接
func NewSQLiteDB(dbPath string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	if strings.Contains(dbPath, ":memory:") {
		// 内存库每个连接都是独立的库，必须限制为单连接
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	// 测试连接
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	client := &SQLiteDB{db: db}

	// 初始化schema
	if err := dbinit.InitSQLiteSchema(db); err != nil {
		return nil, err
	}

	// 创建触发器
	if err := dbinit.CreateTriggers(db); err != nil {
		return nil, err
	}

	return client, nil
}

// Close 关闭数据库连接
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// Get 获取底层的 *sql.DB
func (s *SQLiteDB) Get() *sql.DB {
	return s.db
}

// === Node 操作 ===

const nodeColumns = `id, name, address, port, api_port, status, status_message,
	data_limit, lifetime_usage, uplink, downlink, usage_coefficient, geo_mode,
	tls_enabled, tls_cert, proxy_host, proxy_port, proxy_user, proxy_pass,
	last_status_change, created_at, updated_at`

func scanNode(row interface{ Scan(...interface{}) error }) (*dbinit.Node, error) {
	node := &dbinit.Node{}
	err := row.Scan(
		&node.ID, &node.Name, &node.Address, &node.Port, &node.APIPort,
		&node.Status, &node.StatusMessage, &node.DataLimit, &node.LifetimeUsage,
		&node.Uplink, &node.Downlink, &node.UsageCoefficient, &node.GeoMode,
		&node.TLSEnabled, &node.TLSCert, &node.ProxyHost, &node.ProxyPort,
		&node.ProxyUser, &node.ProxyPass, &node.LastStatusChange,
		&node.CreatedAt, &node.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return node, nil
}

// CreateNode 创建节点
func (s *SQLiteDB) CreateNode(node *dbinit.Node) error {
	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.Status == "" {
		node.Status = dbinit.NodeStatusConnecting
	}
	if node.GeoMode == "" {
		node.GeoMode = dbinit.GeoModeDefault
	}
	if node.UsageCoefficient == 0 {
		node.UsageCoefficient = 1.0
	}

	query := `
		INSERT INTO nodes (id, name, address, port, api_port, status, status_message,
			data_limit, usage_coefficient, geo_mode, tls_enabled, tls_cert,
			proxy_host, proxy_port, proxy_user, proxy_pass)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, node.ID, node.Name, node.Address, node.Port, node.APIPort,
		node.Status, node.StatusMessage, node.DataLimit, node.UsageCoefficient,
		node.GeoMode, node.TLSEnabled, node.TLSCert,
		node.ProxyHost, node.ProxyPort, node.ProxyUser, node.ProxyPass)
	return err
}

// GetNode 获取节点
func (s *SQLiteDB) GetNode(id string) (*dbinit.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = ?`
	return scanNode(s.db.QueryRow(query, id))
}

// ListNodes 列出节点
func (s *SQLiteDB) ListNodes(status string, limit, offset int) ([]*dbinit.Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1=1`
	args := []interface{}{}

	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}

	query += ` ORDER BY created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	nodes := []*dbinit.Node{}
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}

	return nodes, rows.Err()
}

// UpdateNode 更新节点基础信息（状态由 CASNodeStatus 单独管理）
func (s *SQLiteDB) UpdateNode(node *dbinit.Node) error {
	query := `
		UPDATE nodes
		SET name=?, address=?, port=?, api_port=?, data_limit=?, usage_coefficient=?,
			geo_mode=?, tls_enabled=?, tls_cert=?, proxy_host=?, proxy_port=?,
			proxy_user=?, proxy_pass=?
		WHERE id=?
	`
	result, err := s.db.Exec(query, node.Name, node.Address, node.Port, node.APIPort,
		node.DataLimit, node.UsageCoefficient, node.GeoMode, node.TLSEnabled,
		node.TLSCert, node.ProxyHost, node.ProxyPort, node.ProxyUser, node.ProxyPass,
		node.ID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("node not found")
	}

	return nil
}

// SetNodeDataLimit 调整节点流量上限
func (s *SQLiteDB) SetNodeDataLimit(id string, limit sql.NullInt64) error {
	result, err := s.db.Exec(`UPDATE nodes SET data_limit = ? WHERE id = ?`, limit, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("node not found")
	}
	return nil
}

// DeleteNode 删除节点（master 受触发器保护）
func (s *SQLiteDB) DeleteNode(id string) error {
	result, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("node not found")
	}

	return nil
}

// CASNodeStatus 条件更新节点状态：仅当前状态等于 from 时才写入 to。
// 返回是否发生了写入，供调用方区分竞争失败与成功迁移。
func (s *SQLiteDB) CASNodeStatus(id string, from, to dbinit.NodeStatus, message string) (bool, error) {
	query := `
		UPDATE nodes
		SET status = ?, status_message = ?, last_status_change = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`
	result, err := s.db.Exec(query, to, message, id, from)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// CountNodesByStatus 按状态统计节点数量（不含 master 伪节点）
func (s *SQLiteDB) CountNodesByStatus() (map[dbinit.NodeStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM nodes WHERE id != ? GROUP BY status`,
		dbinit.MasterNodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[dbinit.NodeStatus]int)
	for rows.Next() {
		var status dbinit.NodeStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}
