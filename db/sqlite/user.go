package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"

	"github.com/google/uuid"
)

// === User 操作 ===

const userColumns = `id, username, admin_id, status, used_traffic, lifetime_used_traffic,
	data_limit, data_limit_reset_strategy, last_traffic_reset_time, credential_key,
	created_at, updated_at`

func scanUser(row interface{ Scan(...interface{}) error }) (*dbinit.User, error) {
	user := &dbinit.User{}
	err := row.Scan(
		&user.ID, &user.Username, &user.AdminID, &user.Status,
		&user.UsedTraffic, &user.LifetimeUsedTraffic, &user.DataLimit,
		&user.DataLimitResetStrategy, &user.LastTrafficResetTime,
		&user.CredentialKey, &user.CreatedAt, &user.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser 创建用户
func (s *SQLiteDB) CreateUser(user *dbinit.User) error {
	if user.ID == "" {
		user.ID = uuid.New().String()
	}
	if user.Status == "" {
		user.Status = dbinit.UserStatusActive
	}
	if user.DataLimitResetStrategy == "" {
		user.DataLimitResetStrategy = dbinit.ResetNever
	}
	if user.LastTrafficResetTime.IsZero() {
		user.LastTrafficResetTime = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, username, admin_id, status, data_limit,
			data_limit_reset_strategy, last_traffic_reset_time, credential_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, user.ID, user.Username, user.AdminID, user.Status,
		user.DataLimit, user.DataLimitResetStrategy, user.LastTrafficResetTime,
		user.CredentialKey)
	return err
}

// GetUser 获取用户
func (s *SQLiteDB) GetUser(id string) (*dbinit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(s.db.QueryRow(query, id))
}

// GetUserByUsername 按用户名获取用户
func (s *SQLiteDB) GetUserByUsername(username string) (*dbinit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return scanUser(s.db.QueryRow(query, username))
}

// GetUserByCredentialKey 按订阅凭据键获取用户
func (s *SQLiteDB) GetUserByCredentialKey(key string) (*dbinit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE credential_key = ?`
	return scanUser(s.db.QueryRow(query, key))
}

// ListUsers 列出用户
func (s *SQLiteDB) ListUsers(status string, limit, offset int) ([]*dbinit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
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

	users := []*dbinit.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// CountUsersByStatus 按状态统计用户数量
func (s *SQLiteDB) CountUsersByStatus() (map[dbinit.UserStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM users GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[dbinit.UserStatus]int)
	for rows.Next() {
		var status dbinit.UserStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}

	return counts, rows.Err()
}

// SetUserStatus 设置用户状态（管理操作，无条件写入）
func (s *SQLiteDB) SetUserStatus(id string, status dbinit.UserStatus) error {
	result, err := s.db.Exec(`UPDATE users SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

// MarkUserLimited 将超限用户置为 limited。
// 条件写入保证并发摄入下只有一次翻转成功，返回是否由本次调用完成。
func (s *SQLiteDB) MarkUserLimited(id string) (bool, error) {
	query := `
		UPDATE users SET status = 'limited'
		WHERE id = ? AND status NOT IN ('limited', 'disabled', 'deleted', 'expired')
	`
	result, err := s.db.Exec(query, id)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SetCredentialKey 写入用户订阅凭据键（唯一约束由数据库保证）
func (s *SQLiteDB) SetCredentialKey(userID string, key sql.NullString) error {
	result, err := s.db.Exec(`UPDATE users SET credential_key = ? WHERE id = ?`, key, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("user not found")
	}
	return nil
}

// ListResetCandidates 列出重置策略非 no_reset 且状态为 active/limited 的用户
func (s *SQLiteDB) ListResetCandidates() ([]*dbinit.User, error) {
	query := `SELECT ` + userColumns + ` FROM users
		WHERE data_limit_reset_strategy != 'no_reset'
		  AND status IN ('active', 'limited')
		ORDER BY created_at ASC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []*dbinit.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}

	return users, rows.Err()
}

// ResetUserTraffic 重置用户流量：在单个事务内记录审计行、清零计数并把
// limited 用户恢复为 active。返回重置前的已用流量与是否发生了恢复。
func (s *SQLiteDB) ResetUserTraffic(userID string, now time.Time) (int64, bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, false, err
	}
	defer tx.Rollback()

	var preReset int64
	var status dbinit.UserStatus
	err = tx.QueryRow(`SELECT used_traffic, status FROM users WHERE id = ?`, userID).
		Scan(&preReset, &status)
	if err == sql.ErrNoRows {
		return 0, false, fmt.Errorf("reset user %s: %w", userID, dbinit.ErrUnknownEntity)
	}
	if err != nil {
		return 0, false, err
	}

	_, err = tx.Exec(`
		INSERT INTO user_usage_reset_logs (id, user_id, used_traffic_at_reset, reset_at)
		VALUES (?, ?, ?, ?)`,
		uuid.New().String(), userID, preReset, now)
	if err != nil {
		return 0, false, err
	}

	_, err = tx.Exec(`
		UPDATE users
		SET used_traffic = 0,
		    last_traffic_reset_time = ?,
		    status = CASE WHEN status = 'limited' THEN 'active' ELSE status END
		WHERE id = ?`,
		now, userID)
	if err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}

	return preReset, status == dbinit.UserStatusLimited, nil
}

// ListResetLogs 列出用户的重置审计记录
func (s *SQLiteDB) ListResetLogs(userID string, limit int) ([]*dbinit.TrafficResetLog, error) {
	query := `
		SELECT id, user_id, used_traffic_at_reset, reset_at
		FROM user_usage_reset_logs
		WHERE user_id = ?
		ORDER BY reset_at DESC
		LIMIT ?
	`
	rows, err := s.db.Query(query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*dbinit.TrafficResetLog{}
	for rows.Next() {
		log := &dbinit.TrafficResetLog{}
		err := rows.Scan(&log.ID, &log.UserID, &log.UsedTrafficAtReset, &log.ResetAt)
		if err != nil {
			return nil, err
		}
		logs = append(logs, log)
	}

	return logs, rows.Err()
}

// === Admin 操作 ===

// CreateAdmin 创建管理员
func (s *SQLiteDB) CreateAdmin(admin *dbinit.Admin) error {
	if admin.ID == "" {
		admin.ID = uuid.New().String()
	}
	if admin.Role == "" {
		admin.Role = "admin"
	}

	query := `
		INSERT INTO admins (id, username, password_hash, role)
		VALUES (?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, admin.ID, admin.Username, admin.PasswordHash, admin.Role)
	return err
}

// GetAdmin 获取管理员
func (s *SQLiteDB) GetAdmin(id string) (*dbinit.Admin, error) {
	admin := &dbinit.Admin{}
	query := `SELECT id, username, password_hash, role, lifetime_usage, created_at, updated_at
		FROM admins WHERE id = ?`
	err := s.db.QueryRow(query, id).Scan(
		&admin.ID, &admin.Username, &admin.PasswordHash, &admin.Role,
		&admin.LifetimeUsage, &admin.CreatedAt, &admin.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// GetAdminByUsername 按用户名获取管理员
func (s *SQLiteDB) GetAdminByUsername(username string) (*dbinit.Admin, error) {
	admin := &dbinit.Admin{}
	query := `SELECT id, username, password_hash, role, lifetime_usage, created_at, updated_at
		FROM admins WHERE username = ?`
	err := s.db.QueryRow(query, username).Scan(
		&admin.ID, &admin.Username, &admin.PasswordHash, &admin.Role,
		&admin.LifetimeUsage, &admin.CreatedAt, &admin.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return admin, nil
}

// CountAdmins 统计管理员数量
func (s *SQLiteDB) CountAdmins() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM admins`).Scan(&count)
	return count, err
}
