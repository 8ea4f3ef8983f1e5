package service

import (
	"database/sql"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.Config{Level: "error"})
	os.Exit(m.Run())
}

// newTestManager 打开独立的内存数据库
func newTestManager(t *testing.T) *db.Manager {
	t.Helper()
	mgr, err := db.NewManager(&db.Config{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

// seedAdmin 创建测试管理员
func seedAdmin(t *testing.T, mgr *db.Manager, username string) *dbinit.Admin {
	t.Helper()
	admin := &dbinit.Admin{Username: username, PasswordHash: "x", Role: "admin"}
	if err := mgr.DB.SQLite.CreateAdmin(admin); err != nil {
		t.Fatal(err)
	}
	return admin
}

// seedUser 创建测试用户
func seedUser(t *testing.T, mgr *db.Manager, username, adminID string, dataLimit int64) *dbinit.User {
	t.Helper()
	user := &dbinit.User{Username: username}
	if adminID != "" {
		user.AdminID = sql.NullString{String: adminID, Valid: true}
	}
	if dataLimit > 0 {
		user.DataLimit = sql.NullInt64{Int64: dataLimit, Valid: true}
	}
	if err := mgr.DB.SQLite.CreateUser(user); err != nil {
		t.Fatal(err)
	}
	return user
}

// seedNode 创建测试节点并推进到指定状态
func seedNode(t *testing.T, mgr *db.Manager, name string, status dbinit.NodeStatus, dataLimit int64) *dbinit.Node {
	t.Helper()
	node := &dbinit.Node{
		Name:    name,
		Address: sql.NullString{String: "10.0.0.1", Valid: true},
		APIPort: sql.NullInt64{Int64: 62050, Valid: true},
	}
	if dataLimit > 0 {
		node.DataLimit = sql.NullInt64{Int64: dataLimit, Valid: true}
	}
	if err := mgr.DB.SQLite.CreateNode(node); err != nil {
		t.Fatal(err)
	}
	if status != dbinit.NodeStatusConnecting {
		forceNodeStatus(t, mgr, node.ID, status)
		node.Status = status
	}
	return node
}

// forceNodeStatus 测试专用：直接写入节点状态
func forceNodeStatus(t *testing.T, mgr *db.Manager, nodeID string, status dbinit.NodeStatus) {
	t.Helper()
	if _, err := mgr.DB.SQLite.Get().Exec(
		`UPDATE nodes SET status = ? WHERE id = ?`, status, nodeID); err != nil {
		t.Fatal(err)
	}
}

// getNode 测试读取节点
func getNode(t *testing.T, mgr *db.Manager, nodeID string) *dbinit.Node {
	t.Helper()
	node, err := mgr.DB.SQLite.GetNode(nodeID)
	if err != nil {
		t.Fatal(err)
	}
	if node == nil {
		t.Fatalf("node %s not found", nodeID)
	}
	return node
}

// getUser 测试读取用户
func getUser(t *testing.T, mgr *db.Manager, userID string) *dbinit.User {
	t.Helper()
	user, err := mgr.DB.SQLite.GetUser(userID)
	if err != nil {
		t.Fatal(err)
	}
	if user == nil {
		t.Fatalf("user %s not found", userID)
	}
	return user
}

// nodeChange 记录一次节点状态通知
type nodeChange struct {
	NodeID   string
	Previous dbinit.NodeStatus
	Current  dbinit.NodeStatus
}

// recordingSyncer 记录下发事件的 Syncer 实现
type recordingSyncer struct {
	mu            sync.Mutex
	nodeChanges   []nodeChange
	masterChanges []*MasterState
	limited       []string
	reactivated   []string
}

func (r *recordingSyncer) NodeStateChanged(node *dbinit.Node, previous dbinit.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeChanges = append(r.nodeChanges, nodeChange{
		NodeID:   node.ID,
		Previous: previous,
		Current:  node.Status,
	})
}

func (r *recordingSyncer) MasterStateChanged(state *MasterState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.masterChanges = append(r.masterChanges, state)
}

func (r *recordingSyncer) UserLimited(user *dbinit.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limited = append(r.limited, user.ID)
}

func (r *recordingSyncer) UserReactivated(user *dbinit.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reactivated = append(r.reactivated, user.ID)
}

func (r *recordingSyncer) nodeChangeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodeChanges)
}

func (r *recordingSyncer) limitedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.limited...)
}

func (r *recordingSyncer) reactivatedUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reactivated...)
}

// bucketAt 构造测试桶时间
func bucketAt(hour int) time.Time {
	return time.Date(2025, 6, 1, hour, 0, 0, 0, time.UTC)
}
