package service

import (
	"database/sql"
	"errors"
	"testing"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
)

func TestProbeDrivenTransitions(t *testing.T) {
	tests := []struct {
		name       string
		initial    dbinit.NodeStatus
		action     string
		wantStatus dbinit.NodeStatus
		wantErr    bool
	}{
		{"探测成功接入", dbinit.NodeStatusConnecting, "connect", dbinit.NodeStatusConnected, false},
		{"重复接入为幂等", dbinit.NodeStatusConnected, "connect", dbinit.NodeStatusConnected, false},
		{"故障节点经回收后接入", dbinit.NodeStatusError, "connect", dbinit.NodeStatusConnected, false},
		{"停用节点不可接入", dbinit.NodeStatusDisabled, "connect", dbinit.NodeStatusDisabled, true},
		{"限流节点不可接入", dbinit.NodeStatusLimited, "connect", dbinit.NodeStatusLimited, true},
		{"在线节点探测失败", dbinit.NodeStatusConnected, "error", dbinit.NodeStatusError, false},
		{"接入中节点探测失败原地等待", dbinit.NodeStatusConnecting, "error", dbinit.NodeStatusConnecting, true},
		{"重复故障为幂等", dbinit.NodeStatusError, "error", dbinit.NodeStatusError, false},
		{"停用节点不受探测失败影响", dbinit.NodeStatusDisabled, "error", dbinit.NodeStatusDisabled, true},
		{"限流节点不受探测失败影响", dbinit.NodeStatusLimited, "error", dbinit.NodeStatusLimited, true},
		{"故障节点回收重试", dbinit.NodeStatusError, "retry", dbinit.NodeStatusConnecting, false},
		{"在线节点不可回收", dbinit.NodeStatusConnected, "retry", dbinit.NodeStatusConnected, true},
		{"停用节点不可回收", dbinit.NodeStatusDisabled, "retry", dbinit.NodeStatusDisabled, true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			mgr := newTestManager(t)
			registry := NewNodeRegistry(mgr)
			node := seedNode(t, mgr, "n1", tt.initial, 0)

			var err error
			switch tt.action {
			case "connect":
				err = registry.MarkConnected(node.ID, "probe ok")
			case "error":
				err = registry.MarkError(node.ID, "probe failed")
			case "retry":
				err = registry.Retry(node.ID)
			}

			if tt.wantErr {
				if !errors.Is(err, dbinit.ErrInvalidTransition) {
					t.Errorf("expected ErrInvalidTransition, got %v", err)
				}
			} else if err != nil {
				t.Fatal(err)
			}

			got := getNode(t, mgr, node.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, got.Status)
			}
		})
	}
}

func TestDisabledOnlyLeavesByAdmin(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)
	node := seedNode(t, mgr, "n1", dbinit.NodeStatusConnected, 0)

	if err := registry.Disable(node.ID, "maintenance"); err != nil {
		t.Fatal(err)
	}
	if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusDisabled {
		t.Fatalf("expected disabled, got %s", got.Status)
	}

	// 探测路径全部拒绝
	if err := registry.MarkConnected(node.ID, "probe ok"); !errors.Is(err, dbinit.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := registry.MarkError(node.ID, "probe failed"); !errors.Is(err, dbinit.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if err := registry.Retry(node.ID); !errors.Is(err, dbinit.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusDisabled {
		t.Fatalf("expected disabled to stick, got %s", got.Status)
	}

	// 只有管理员恢复才放行
	if err := registry.Enable(node.ID); err != nil {
		t.Fatal(err)
	}
	if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusConnecting {
		t.Fatalf("expected connecting after enable, got %s", got.Status)
	}
}

func TestDisableFromAnyStatus(t *testing.T) {
	statuses := []dbinit.NodeStatus{
		dbinit.NodeStatusConnecting, dbinit.NodeStatusConnected,
		dbinit.NodeStatusError, dbinit.NodeStatusLimited, dbinit.NodeStatusDisabled,
	}

	for _, status := range statuses {
		status := status
		t.Run(string(status), func(t *testing.T) {
			mgr := newTestManager(t)
			registry := NewNodeRegistry(mgr)
			node := seedNode(t, mgr, "n1", status, 0)

			if err := registry.Disable(node.ID, "admin"); err != nil {
				t.Fatal(err)
			}
			if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusDisabled {
				t.Errorf("expected disabled, got %s", got.Status)
			}
		})
	}
}

func TestEnableRequiresDisabled(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)
	node := seedNode(t, mgr, "n1", dbinit.NodeStatusConnected, 0)

	if err := registry.Enable(node.ID); !errors.Is(err, dbinit.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestLimitedStickyUntilLimitRaised(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)

	node := seedNode(t, mgr, "n1", dbinit.NodeStatusConnected, 100)
	if _, err := mgr.DB.SQLite.Get().Exec(
		`UPDATE nodes SET lifetime_usage = 300 WHERE id = ?`, node.ID); err != nil {
		t.Fatal(err)
	}

	if err := registry.MarkLimited(node.ID); err != nil {
		t.Fatal(err)
	}
	if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusLimited {
		t.Fatalf("expected limited, got %s", got.Status)
	}

	// 新限额仍低于累计用量，保持 limited
	if err := registry.RaiseLimit(node.ID, sql.NullInt64{Int64: 200, Valid: true}); err != nil {
		t.Fatal(err)
	}
	if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusLimited {
		t.Fatalf("expected limited to stick, got %s", got.Status)
	}

	// 限额放行后回到 connecting
	if err := registry.RaiseLimit(node.ID, sql.NullInt64{Int64: 1000, Valid: true}); err != nil {
		t.Fatal(err)
	}
	if got := getNode(t, mgr, node.ID); got.Status != dbinit.NodeStatusConnecting {
		t.Fatalf("expected connecting after limit raise, got %s", got.Status)
	}
}

func TestMarkLimitedOnlyConnected(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)
	node := seedNode(t, mgr, "n1", dbinit.NodeStatusConnecting, 100)

	if err := registry.MarkLimited(node.ID); !errors.Is(err, dbinit.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransitionNotifications(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)
	rec := &recordingSyncer{}
	registry.SetSyncer(rec)

	node := seedNode(t, mgr, "n1", dbinit.NodeStatusConnecting, 0)

	// 进入 connected：节点通知 + 聚合通知
	if err := registry.MarkConnected(node.ID, "probe ok"); err != nil {
		t.Fatal(err)
	}
	if rec.nodeChangeCount() != 1 {
		t.Fatalf("expected 1 node change, got %d", rec.nodeChangeCount())
	}
	rec.mu.Lock()
	change := rec.nodeChanges[0]
	masterAfterConnect := len(rec.masterChanges)
	rec.mu.Unlock()
	if change.Previous != dbinit.NodeStatusConnecting || change.Current != dbinit.NodeStatusConnected {
		t.Errorf("expected connecting->connected, got %s->%s", change.Previous, change.Current)
	}
	if masterAfterConnect == 0 {
		t.Error("expected master state notification")
	}

	// 离开 connected：再次节点通知
	if err := registry.MarkError(node.ID, "probe failed"); err != nil {
		t.Fatal(err)
	}
	if rec.nodeChangeCount() != 2 {
		t.Fatalf("expected 2 node changes, got %d", rec.nodeChangeCount())
	}

	// error -> connecting 不涉及 connected，只有聚合通知
	if err := registry.Retry(node.ID); err != nil {
		t.Fatal(err)
	}
	if rec.nodeChangeCount() != 2 {
		t.Fatalf("expected node changes to stay at 2, got %d", rec.nodeChangeCount())
	}

	rec.mu.Lock()
	lastMaster := rec.masterChanges[len(rec.masterChanges)-1]
	rec.mu.Unlock()
	if lastMaster.Connected != 0 {
		t.Errorf("expected 0 connected in aggregate, got %d", lastMaster.Connected)
	}
	if lastMaster.Total != 1 {
		t.Errorf("expected 1 node in aggregate, got %d", lastMaster.Total)
	}
}

func TestMasterSnapshotExcludesMaster(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)

	seedNode(t, mgr, "n1", dbinit.NodeStatusConnected, 0)
	seedNode(t, mgr, "n2", dbinit.NodeStatusError, 0)

	state, err := registry.MasterSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if state.Total != 2 {
		t.Errorf("expected total 2, got %d", state.Total)
	}
	if state.Connected != 1 {
		t.Errorf("expected 1 connected, got %d", state.Connected)
	}
}

func TestUnknownNodeTransition(t *testing.T) {
	mgr := newTestManager(t)
	registry := NewNodeRegistry(mgr)

	if err := registry.MarkConnected("missing", "probe ok"); !errors.Is(err, dbinit.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity, got %v", err)
	}
}
