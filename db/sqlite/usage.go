package sqlite

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
)

// === 用量摄入操作 ===

// ApplyUsage 摄入一个节点用量桶并在单个事务内结算全部派生计数。
//
// 同一 (node_id, bucket_ts) 的重复上报按订正处理：采样行被替换，
// 新旧桶值之差作为增量累加到节点计数、用户计数与所属管理员计数上。
// 每个方向的订正值不得小于已记录值，否则返回 ErrInvalidSample。
// 连接串携带 _txlock=immediate，事务从 BEGIN 起即持有写锁，
// 增量读取与累加之间不存在丢失更新的窗口。
func (s *SQLiteDB) ApplyUsage(nodeID, userID string, uplink, downlink int64, bucket time.Time) (*dbinit.UsageResult, error) {
	if uplink < 0 || downlink < 0 {
		return nil, fmt.Errorf("usage sample node=%s user=%s: %w", nodeID, userID, dbinit.ErrInvalidSample)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var coefficient float64
	err = tx.QueryRow(`SELECT usage_coefficient FROM nodes WHERE id = ?`, nodeID).Scan(&coefficient)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("usage sample node %s: %w", nodeID, dbinit.ErrUnknownEntity)
	}
	if err != nil {
		return nil, err
	}

	var userExists string
	err = tx.QueryRow(`SELECT id FROM users WHERE id = ?`, userID).Scan(&userExists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("usage sample user %s: %w", userID, dbinit.ErrUnknownEntity)
	}
	if err != nil {
		return nil, err
	}

	var oldUplink, oldDownlink int64
	err = tx.QueryRow(`SELECT uplink, downlink FROM node_usage_samples WHERE node_id = ? AND bucket_ts = ?`,
		nodeID, bucket).Scan(&oldUplink, &oldDownlink)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}

	if uplink < oldUplink || downlink < oldDownlink {
		return nil, fmt.Errorf("usage sample node=%s bucket=%s shrinks recorded value: %w",
			nodeID, bucket.Format(time.RFC3339), dbinit.ErrInvalidSample)
	}

	deltaUplink := uplink - oldUplink
	deltaDownlink := downlink - oldDownlink
	charged := int64(math.Round(float64(deltaUplink+deltaDownlink) * coefficient))

	_, err = tx.Exec(`
		INSERT INTO node_usage_samples (node_id, bucket_ts, uplink, downlink)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(node_id, bucket_ts) DO UPDATE SET
			uplink = excluded.uplink,
			downlink = excluded.downlink`,
		nodeID, bucket, uplink, downlink)
	if err != nil {
		return nil, err
	}

	if deltaUplink != 0 || deltaDownlink != 0 {
		_, err = tx.Exec(`
			UPDATE nodes
			SET lifetime_usage = lifetime_usage + ?,
			    uplink = uplink + ?,
			    downlink = downlink + ?
			WHERE id = ?`,
			deltaUplink+deltaDownlink, deltaUplink, deltaDownlink, nodeID)
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(`
			UPDATE users
			SET used_traffic = used_traffic + ?,
			    lifetime_used_traffic = lifetime_used_traffic + ?
			WHERE id = ?`,
			charged, charged, userID)
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(`
			UPDATE admins
			SET lifetime_usage = lifetime_usage + ?
			WHERE id = (SELECT admin_id FROM users WHERE id = ?)`,
			charged, userID)
		if err != nil {
			return nil, err
		}
	}

	node, err := scanNode(tx.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, nodeID))
	if err != nil {
		return nil, err
	}
	user, err := scanUser(tx.QueryRow(`SELECT `+userColumns+` FROM users WHERE id = ?`, userID))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &dbinit.UsageResult{
		Node:          node,
		User:          user,
		DeltaUplink:   deltaUplink,
		DeltaDownlink: deltaDownlink,
		ChargedBytes:  charged,
	}, nil
}

// GetUsageSample 获取指定节点与时间桶的采样
func (s *SQLiteDB) GetUsageSample(nodeID string, bucket time.Time) (*dbinit.UsageSample, error) {
	sample := &dbinit.UsageSample{}
	query := `SELECT node_id, bucket_ts, uplink, downlink, created_at, updated_at
		FROM node_usage_samples WHERE node_id = ? AND bucket_ts = ?`
	err := s.db.QueryRow(query, nodeID, bucket).Scan(
		&sample.NodeID, &sample.BucketTS, &sample.Uplink, &sample.Downlink,
		&sample.CreatedAt, &sample.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sample, nil
}

// ListNodeUsageSamples 列出节点在时间区间内的采样，按桶时间升序
func (s *SQLiteDB) ListNodeUsageSamples(nodeID string, from, to time.Time, limit int) ([]*dbinit.UsageSample, error) {
	query := `SELECT node_id, bucket_ts, uplink, downlink, created_at, updated_at
		FROM node_usage_samples
		WHERE node_id = ? AND bucket_ts >= ? AND bucket_ts <= ?
		ORDER BY bucket_ts ASC
		LIMIT ?`

	rows, err := s.db.Query(query, nodeID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	samples := []*dbinit.UsageSample{}
	for rows.Next() {
		sample := &dbinit.UsageSample{}
		err := rows.Scan(&sample.NodeID, &sample.BucketTS, &sample.Uplink, &sample.Downlink,
			&sample.CreatedAt, &sample.UpdatedAt)
		if err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}

	return samples, rows.Err()
}

// GetTrafficTotals 统计全部真实节点的累计上下行（不含 master 伪节点）
func (s *SQLiteDB) GetTrafficTotals() (uplink, downlink int64, err error) {
	query := `SELECT COALESCE(SUM(uplink), 0), COALESCE(SUM(downlink), 0)
		FROM nodes WHERE id != ?`
	err = s.db.QueryRow(query, dbinit.MasterNodeID).Scan(&uplink, &downlink)
	return uplink, downlink, err
}
