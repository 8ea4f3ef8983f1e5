package sub

import (
	"database/sql"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/db"
	dbinit "github.com/rebeccapanel/Rebecca-sub001/db/init"
	"github.com/rebeccapanel/Rebecca-sub001/internal/auth"
	"github.com/rebeccapanel/Rebecca-sub001/internal/config"
	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.Config{Level: "error"})
	os.Exit(m.Run())
}

// fixture 订阅测试环境：内存库 + 完整路由
type fixture struct {
	mgr    *db.Manager
	issuer *auth.TokenIssuer
	codec  *auth.KeyCodec
	server *Server
}

func newFixture(t *testing.T, aliases ...string) *fixture {
	t.Helper()

	mgr, err := db.NewManager(&db.Config{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close() })

	issuer := auth.NewTokenIssuer(mgr.DB.SQLite)
	codec := auth.NewKeyCodec(mgr.DB.SQLite)

	cfg := &config.SubscriptionConfig{
		Host:       "127.0.0.1",
		AliasPaths: aliases,
	}
	return &fixture{
		mgr:    mgr,
		issuer: issuer,
		codec:  codec,
		server: NewServer(cfg, NewHandler(mgr, issuer, codec)),
	}
}

// get 对订阅路由发起一次请求
func (f *fixture) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	f.server.httpServer.Handler.ServeHTTP(rec, req)

	res := rec.Result()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	return res, string(body)
}

// seedUser 创建带凭据键的用户并推进到指定状态
func (f *fixture) seedUser(t *testing.T, username string, status dbinit.UserStatus, dataLimit int64) (*dbinit.User, string) {
	t.Helper()

	user := &dbinit.User{Username: username}
	if dataLimit > 0 {
		user.DataLimit = sql.NullInt64{Int64: dataLimit, Valid: true}
	}
	if err := f.mgr.DB.SQLite.CreateUser(user); err != nil {
		t.Fatal(err)
	}

	key, err := f.codec.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.DB.SQLite.SetCredentialKey(user.ID, sql.NullString{String: key, Valid: true}); err != nil {
		t.Fatal(err)
	}

	if status != dbinit.UserStatusActive {
		if err := f.mgr.DB.SQLite.SetUserStatus(user.ID, status); err != nil {
			t.Fatal(err)
		}
	}
	return user, key
}

// seedNode 创建业务节点并写入指定状态
func (f *fixture) seedNode(t *testing.T, name, addr string, port int64, status dbinit.NodeStatus) *dbinit.Node {
	t.Helper()

	node := &dbinit.Node{
		Name:    name,
		Address: sql.NullString{String: addr, Valid: true},
		Port:    sql.NullInt64{Int64: port, Valid: true},
		APIPort: sql.NullInt64{Int64: 62050, Valid: true},
	}
	if err := f.mgr.DB.SQLite.CreateNode(node); err != nil {
		t.Fatal(err)
	}
	if status != dbinit.NodeStatusConnecting {
		if _, err := f.mgr.DB.SQLite.Get().Exec(
			`UPDATE nodes SET status = ? WHERE id = ?`, status, node.ID); err != nil {
			t.Fatal(err)
		}
		node.Status = status
	}
	return node
}

func TestAliasesServeIdenticalBytes(t *testing.T) {
	f := newFixture(t, "/s/{key}", "/subscribe?token={key}")
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	f.seedNode(t, "sg-1", "sg.example.com", 8443, dbinit.NodeStatusConnecting)
	_, key := f.seedUser(t, "alice", dbinit.UserStatusActive, 0)

	paths := []string{
		"/sub/" + key,
		"/s/" + key,
		"/subscribe?token=" + key,
	}

	var canonical string
	for _, path := range paths {
		res, body := f.get(t, path)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, res.StatusCode)
		}
		if ct := res.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
			t.Errorf("%s: unexpected content type %q", path, ct)
		}
		if body == "" {
			t.Fatalf("%s: empty body", path)
		}
		if canonical == "" {
			canonical = body
			continue
		}
		if body != canonical {
			t.Errorf("%s: body differs from canonical path", path)
		}
	}
}

func TestSubscriptionDocument(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	f.seedNode(t, "down-1", "down.example.com", 443, dbinit.NodeStatusDisabled)
	f.seedNode(t, "err-1", "err.example.com", 443, dbinit.NodeStatusError)
	_, key := f.seedUser(t, "alice", dbinit.UserStatusActive, 0)

	res, body := f.get(t, "/sub/"+key)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}

	plain, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		t.Fatalf("body is not base64: %v", err)
	}

	// 只有可服务节点入选：disabled/error/master 均排除
	links := strings.Split(string(plain), "\n")
	if len(links) != len(auth.AllProtocols) {
		t.Fatalf("expected %d links, got %d: %q", len(auth.AllProtocols), len(links), plain)
	}
	if !strings.HasPrefix(links[0], "vmess://") {
		t.Errorf("expected vmess link first, got %q", links[0])
	}
	if !strings.HasPrefix(links[1], "vless://") {
		t.Errorf("expected vless link second, got %q", links[1])
	}

	id, err := f.codec.KeyToUUID(key, auth.ProtocolVLESS)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(links[1], id.String()) {
		t.Errorf("vless link missing per-protocol identity: %q", links[1])
	}
	if !strings.Contains(links[1], "hk.example.com:443") {
		t.Errorf("vless link missing node endpoint: %q", links[1])
	}
}

func TestSubscriptionNotFoundUniform(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	_, activeKey := f.seedUser(t, "alice", dbinit.UserStatusActive, 0)
	_, disabledKey := f.seedUser(t, "bob", dbinit.UserStatusDisabled, 0)
	_, deletedKey := f.seedUser(t, "carol", dbinit.UserStatusDeleted, 0)
	_, expiredKey := f.seedUser(t, "dave", dbinit.UserStatusExpired, 0)

	if res, _ := f.get(t, "/sub/"+activeKey); res.StatusCode != http.StatusOK {
		t.Fatalf("active user: expected 200, got %d", res.StatusCode)
	}

	cases := []struct {
		name string
		path string
	}{
		{"too short", "/sub/abc123"},
		{"non-hex", "/sub/" + strings.Repeat("zx", 16)},
		{"unknown key", "/sub/" + strings.Repeat("ab", 16)},
		{"disabled user", "/sub/" + disabledKey},
		{"deleted user", "/sub/" + deletedKey},
		{"expired user", "/sub/" + expiredKey},
	}

	// 所有拒绝原因必须产生完全相同的响应，不给键格式试探留信号
	var canonical string
	for _, tc := range cases {
		res, body := f.get(t, tc.path)
		if res.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", tc.name, res.StatusCode)
			continue
		}
		if canonical == "" {
			canonical = body
			continue
		}
		if body != canonical {
			t.Errorf("%s: rejection body differs between causes", tc.name)
		}
	}
}

func TestSubscriptionKeyNormalization(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	_, key := f.seedUser(t, "alice", dbinit.UserStatusActive, 0)

	res, upper := f.get(t, "/sub/"+strings.ToUpper(key))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("uppercase key: expected 200, got %d", res.StatusCode)
	}

	_, lower := f.get(t, "/sub/"+key)
	if upper != lower {
		t.Errorf("uppercase and lowercase key produced different documents")
	}
}

func TestSubscriptionServesLimitedAndOnHold(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	_, limitedKey := f.seedUser(t, "alice", dbinit.UserStatusLimited, 100)
	_, holdKey := f.seedUser(t, "bob", dbinit.UserStatusOnHold, 0)

	for _, key := range []string{limitedKey, holdKey} {
		if res, _ := f.get(t, "/sub/"+key); res.StatusCode != http.StatusOK {
			t.Errorf("key %s: expected 200, got %d", key, res.StatusCode)
		}
	}
}

func TestSubscriptionUserinfoHeader(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	user, key := f.seedUser(t, "alice", dbinit.UserStatusActive, 1<<30)

	if _, err := f.mgr.DB.SQLite.Get().Exec(
		`UPDATE users SET used_traffic = 12345 WHERE id = ?`, user.ID); err != nil {
		t.Fatal(err)
	}

	res, _ := f.get(t, "/sub/"+key)
	want := "upload=0; download=12345; total=1073741824; expire=0"
	if info := res.Header.Get("Subscription-Userinfo"); info != want {
		t.Errorf("expected userinfo %q, got %q", want, info)
	}

	_, freeKey := f.seedUser(t, "bob", dbinit.UserStatusActive, 0)
	res, _ = f.get(t, "/sub/"+freeKey)
	if info := res.Header.Get("Subscription-Userinfo"); info != "" {
		t.Errorf("unlimited user should have no userinfo header, got %q", info)
	}
}

func TestSubscriptionByToken(t *testing.T) {
	f := newFixture(t)
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	user, key := f.seedUser(t, "alice", dbinit.UserStatusActive, 0)

	token, err := f.issuer.MintSubscriptionToken(user.ID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	res, tokenBody := f.get(t, "/sub/t/"+token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("token path: expected 200, got %d", res.StatusCode)
	}

	_, keyBody := f.get(t, "/sub/"+key)
	if tokenBody != keyBody {
		t.Errorf("token path and key path produced different documents")
	}

	// 主题为凭据键的令牌同样可用
	keyToken, err := f.issuer.MintSubscriptionToken(key, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res, _ := f.get(t, "/sub/t/"+keyToken); res.StatusCode != http.StatusOK {
		t.Errorf("credential-key subject: expected 200, got %d", res.StatusCode)
	}

	if res, _ := f.get(t, "/sub/t/not-a-token"); res.StatusCode != http.StatusNotFound {
		t.Errorf("bogus token: expected 404, got %d", res.StatusCode)
	}

	// 管理域令牌不得跨入订阅域
	adminToken, err := f.issuer.MintAdminToken("root", auth.RoleSudo, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if res, _ := f.get(t, "/sub/t/"+adminToken); res.StatusCode != http.StatusNotFound {
		t.Errorf("admin token: expected 404, got %d", res.StatusCode)
	}
}

func TestAliasWithoutPlaceholderIgnored(t *testing.T) {
	f := newFixture(t, "/broken/path")
	f.seedNode(t, "hk-1", "hk.example.com", 443, dbinit.NodeStatusConnected)
	_, key := f.seedUser(t, "alice", dbinit.UserStatusActive, 0)

	if res, _ := f.get(t, "/sub/"+key); res.StatusCode != http.StatusOK {
		t.Fatalf("canonical path: expected 200, got %d", res.StatusCode)
	}
	if res, _ := f.get(t, "/broken/path"); res.StatusCode != http.StatusNotFound {
		t.Errorf("skipped alias: expected 404, got %d", res.StatusCode)
	}
}
