package sqlite

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
)

func newTestStore(t *testing.T) *SQLiteDB {
	t.Helper()
	store, err := NewSQLiteDB(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCreateNode(t *testing.T, store *SQLiteDB, name string) *dbinit.Node {
	t.Helper()
	node := &dbinit.Node{Name: name}
	if err := store.CreateNode(node); err != nil {
		t.Fatal(err)
	}
	return node
}

func mustCreateUser(t *testing.T, store *SQLiteDB, username string) *dbinit.User {
	t.Helper()
	user := &dbinit.User{Username: username}
	if err := store.CreateUser(user); err != nil {
		t.Fatal(err)
	}
	return user
}

func TestCASNodeStatus(t *testing.T) {
	store := newTestStore(t)
	node := mustCreateNode(t, store, "n1")

	ok, err := store.CASNodeStatus(node.ID, dbinit.NodeStatusConnecting, dbinit.NodeStatusConnected, "probe ok")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected CAS from connecting to succeed")
	}

	// 前置状态已不匹配，CAS 必须失败且不写入
	ok, err = store.CASNodeStatus(node.ID, dbinit.NodeStatusConnecting, dbinit.NodeStatusError, "stale")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected stale CAS to fail")
	}

	got, err := store.GetNode(node.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != dbinit.NodeStatusConnected {
		t.Errorf("expected connected, got %s", got.Status)
	}
	if got.StatusMessage != "probe ok" {
		t.Errorf("expected status message recorded, got %q", got.StatusMessage)
	}
	if got.LastStatusChange.IsZero() {
		t.Error("expected last_status_change stamped")
	}
}

func TestCountNodesByStatusExcludesMaster(t *testing.T) {
	store := newTestStore(t)
	mustCreateNode(t, store, "n1")
	n2 := mustCreateNode(t, store, "n2")

	if _, err := store.CASNodeStatus(n2.ID, dbinit.NodeStatusConnecting, dbinit.NodeStatusConnected, ""); err != nil {
		t.Fatal(err)
	}

	counts, err := store.CountNodesByStatus()
	if err != nil {
		t.Fatal(err)
	}
	if counts[dbinit.NodeStatusConnecting] != 1 || counts[dbinit.NodeStatusConnected] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 2 {
		t.Errorf("expected master excluded from counts, got total %d", total)
	}
}

func TestMasterNodeSeededAndProtected(t *testing.T) {
	store := newTestStore(t)

	master, err := store.GetNode(dbinit.MasterNodeID)
	if err != nil {
		t.Fatal(err)
	}
	if master == nil {
		t.Fatal("expected master pseudo node to be seeded")
	}
	if !master.IsMaster() {
		t.Error("expected IsMaster true for master row")
	}

	if err := store.DeleteNode(dbinit.MasterNodeID); err == nil {
		t.Fatal("expected delete of master to be rejected")
	}
	if got, _ := store.GetNode(dbinit.MasterNodeID); got == nil {
		t.Fatal("expected master row to survive delete attempt")
	}
}

func TestUpdateMissingNode(t *testing.T) {
	store := newTestStore(t)

	err := store.UpdateNode(&dbinit.Node{ID: "ghost", Name: "x"})
	if err == nil {
		t.Fatal("expected error for missing node")
	}
	if err := store.SetNodeDataLimit("ghost", sql.NullInt64{Int64: 1, Valid: true}); err == nil {
		t.Fatal("expected error for missing node")
	}
}

func TestApplyUsageUpsertsSample(t *testing.T) {
	store := newTestStore(t)
	node := mustCreateNode(t, store, "n1")
	user := mustCreateUser(t, store, "alice")
	bucket := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.ApplyUsage(node.ID, user.ID, 100, 200, bucket); err != nil {
		t.Fatal(err)
	}
	result, err := store.ApplyUsage(node.ID, user.ID, 150, 260, bucket)
	if err != nil {
		t.Fatal(err)
	}
	if result.DeltaUplink != 50 || result.DeltaDownlink != 60 {
		t.Errorf("expected deltas 50/60, got %d/%d", result.DeltaUplink, result.DeltaDownlink)
	}

	sample, err := store.GetUsageSample(node.ID, bucket)
	if err != nil {
		t.Fatal(err)
	}
	if sample == nil {
		t.Fatal("expected sample row")
	}
	if sample.Uplink != 150 || sample.Downlink != 260 {
		t.Errorf("expected replaced sample 150/260, got %d/%d", sample.Uplink, sample.Downlink)
	}

	samples, err := store.ListNodeUsageSamples(node.ID, bucket.Add(-time.Hour), bucket.Add(time.Hour), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(samples) != 1 {
		t.Errorf("expected single sample in range, got %d", len(samples))
	}
}

func TestApplyUsageRejectsUnknownAndNegative(t *testing.T) {
	store := newTestStore(t)
	node := mustCreateNode(t, store, "n1")
	user := mustCreateUser(t, store, "alice")
	bucket := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.ApplyUsage("ghost", user.ID, 1, 1, bucket); !errors.Is(err, dbinit.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity for node, got %v", err)
	}
	if _, err := store.ApplyUsage(node.ID, "ghost", 1, 1, bucket); !errors.Is(err, dbinit.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity for user, got %v", err)
	}
	if _, err := store.ApplyUsage(node.ID, user.ID, -1, 1, bucket); !errors.Is(err, dbinit.ErrInvalidSample) {
		t.Errorf("expected ErrInvalidSample, got %v", err)
	}
}

func TestGetTrafficTotalsExcludesMaster(t *testing.T) {
	store := newTestStore(t)
	node := mustCreateNode(t, store, "n1")
	user := mustCreateUser(t, store, "alice")
	bucket := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	if _, err := store.ApplyUsage(node.ID, user.ID, 100, 200, bucket); err != nil {
		t.Fatal(err)
	}
	// 主控伪节点吸收无法归属的流量，但不计入集群总量
	if _, err := store.ApplyUsage(dbinit.MasterNodeID, user.ID, 1000, 1000, bucket); err != nil {
		t.Fatal(err)
	}

	uplink, downlink, err := store.GetTrafficTotals()
	if err != nil {
		t.Fatal(err)
	}
	if uplink != 100 || downlink != 200 {
		t.Errorf("expected totals 100/200 excluding master, got %d/%d", uplink, downlink)
	}
}

func TestResetUserTraffic(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "alice")

	if _, err := store.Get().Exec(
		`UPDATE users SET used_traffic = 500, status = 'limited' WHERE id = ?`, user.ID); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	preReset, wasLimited, err := store.ResetUserTraffic(user.ID, now)
	if err != nil {
		t.Fatal(err)
	}
	if preReset != 500 {
		t.Errorf("expected pre-reset 500, got %d", preReset)
	}
	if !wasLimited {
		t.Error("expected wasLimited true")
	}

	got, err := store.GetUser(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.UsedTraffic != 0 {
		t.Errorf("expected used_traffic 0, got %d", got.UsedTraffic)
	}
	if got.Status != dbinit.UserStatusActive {
		t.Errorf("expected active after reset, got %s", got.Status)
	}

	logs, err := store.ListResetLogs(user.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].UsedTrafficAtReset != 500 {
		t.Fatalf("unexpected reset logs: %+v", logs)
	}

	// 再次重置：无新增用量，前值为 0 且无需恢复状态
	preReset, wasLimited, err = store.ResetUserTraffic(user.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if preReset != 0 || wasLimited {
		t.Errorf("expected 0/false on second reset, got %d/%v", preReset, wasLimited)
	}

	if _, _, err := store.ResetUserTraffic("ghost", now); !errors.Is(err, dbinit.ErrUnknownEntity) {
		t.Errorf("expected ErrUnknownEntity, got %v", err)
	}
}

func TestMarkUserLimitedFlipsOnce(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "alice")

	flipped, err := store.MarkUserLimited(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !flipped {
		t.Fatal("expected first flip to succeed")
	}

	flipped, err = store.MarkUserLimited(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if flipped {
		t.Fatal("expected second flip to be a no-op")
	}

	disabled := mustCreateUser(t, store, "bob")
	if err := store.SetUserStatus(disabled.ID, dbinit.UserStatusDisabled); err != nil {
		t.Fatal(err)
	}
	flipped, err = store.MarkUserLimited(disabled.ID)
	if err != nil {
		t.Fatal(err)
	}
	if flipped {
		t.Fatal("expected disabled user to stay disabled")
	}
}

func TestListResetCandidates(t *testing.T) {
	store := newTestStore(t)

	day := mustCreateUser(t, store, "day-user")
	if _, err := store.Get().Exec(
		`UPDATE users SET data_limit_reset_strategy = 'day' WHERE id = ?`, day.ID); err != nil {
		t.Fatal(err)
	}
	limited := mustCreateUser(t, store, "limited-user")
	if _, err := store.Get().Exec(
		`UPDATE users SET data_limit_reset_strategy = 'month', status = 'limited' WHERE id = ?`, limited.ID); err != nil {
		t.Fatal(err)
	}
	mustCreateUser(t, store, "no-reset-user")
	off := mustCreateUser(t, store, "disabled-user")
	if _, err := store.Get().Exec(
		`UPDATE users SET data_limit_reset_strategy = 'day', status = 'disabled' WHERE id = ?`, off.ID); err != nil {
		t.Fatal(err)
	}

	candidates, err := store.ListResetCandidates()
	if err != nil {
		t.Fatal(err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	ids := map[string]bool{}
	for _, u := range candidates {
		ids[u.ID] = true
	}
	if !ids[day.ID] || !ids[limited.ID] {
		t.Errorf("unexpected candidate set: %v", ids)
	}
}

func TestCredentialKeyLookup(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "alice")

	key := "0a1b2c3d4e5f60718293a4b5c6d7e8f9"
	if err := store.SetCredentialKey(user.ID, sql.NullString{String: key, Valid: true}); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetUserByCredentialKey(key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != user.ID {
		t.Fatalf("expected user by key, got %+v", got)
	}

	missing, err := store.GetUserByCredentialKey("ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("expected nil for unknown key, got %+v", missing)
	}

	// 键唯一，重复占用应报错
	other := mustCreateUser(t, store, "bob")
	if err := store.SetCredentialKey(other.ID, sql.NullString{String: key, Valid: true}); err == nil {
		t.Fatal("expected unique constraint violation")
	}
}

func TestLazySecrets(t *testing.T) {
	store := newTestStore(t)

	first, err := store.SubscriptionSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(first))
	}

	second, err := store.SubscriptionSecret()
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("expected subscription secret to be stable across reads")
	}

	admin, err := store.AdminSecret()
	if err != nil {
		t.Fatal(err)
	}
	if admin == first {
		t.Error("expected admin and subscription secrets to differ")
	}
}

func TestWarmSecretsFillsAllColumns(t *testing.T) {
	store := newTestStore(t)

	if err := store.WarmSecrets(); err != nil {
		t.Fatal(err)
	}

	secrets, err := store.GetSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if secrets == nil {
		t.Fatal("expected secrets row")
	}
	if !secrets.SubscriptionSecret.Valid || !secrets.AdminSecret.Valid ||
		!secrets.VMessMask.Valid || !secrets.VLESSMask.Valid {
		t.Fatalf("expected all columns filled, got %+v", secrets)
	}

	admin := secrets.AdminSecret.String
	if err := store.WarmSecrets(); err != nil {
		t.Fatal(err)
	}
	again, err := store.GetSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if again.AdminSecret.String != admin {
		t.Error("expected warmup to be idempotent")
	}
}

func TestProtocolMasks(t *testing.T) {
	store := newTestStore(t)

	vmess, err := store.ProtocolMask("vmess")
	if err != nil {
		t.Fatal(err)
	}
	if len(vmess) != 16 {
		t.Fatalf("expected 16-byte mask, got %d", len(vmess))
	}

	again, err := store.ProtocolMask("vmess")
	if err != nil {
		t.Fatal(err)
	}
	if string(vmess) != string(again) {
		t.Error("expected mask to be stable across reads")
	}

	vless, err := store.ProtocolMask("vless")
	if err != nil {
		t.Fatal(err)
	}
	if string(vmess) == string(vless) {
		t.Error("expected per-protocol masks to differ")
	}

	if _, err := store.ProtocolMask("trojan"); err == nil {
		t.Error("expected unknown protocol to be rejected")
	}
}

func TestGetNodeMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	node, err := store.GetNode("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if node != nil {
		t.Errorf("expected nil for missing node, got %+v", node)
	}

	user, err := store.GetUser("ghost")
	if err != nil {
		t.Fatal(err)
	}
	if user != nil {
		t.Errorf("expected nil for missing user, got %+v", user)
	}
}
