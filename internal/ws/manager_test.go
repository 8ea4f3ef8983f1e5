package ws

import (
	"os"
	"testing"
	"time"

	"github.com/rebeccapanel/Rebecca-sub001/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init(&logger.Config{Level: "error"})
	os.Exit(m.Run())
}

func newTestConn(nodeID string) *NodeConnection {
	return &NodeConnection{
		NodeID:   nodeID,
		Send:     make(chan *Message, 4),
		LastSeen: time.Now(),
		IsAlive:  true,
		done:     make(chan struct{}),
	}
}

func startManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	go m.Run()
	t.Cleanup(m.Stop)
	return m
}

func waitForCount(t *testing.T, m *Manager, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.GetNodeCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connections, got %d", want, m.GetNodeCount())
}

func TestManagerRegisterUnregister(t *testing.T) {
	m := startManager(t)

	conn := newTestConn("n1")
	m.register <- conn
	waitForCount(t, m, 1)

	m.unregister <- conn
	waitForCount(t, m, 0)
}

func TestManagerReconnectKeepsNewConnection(t *testing.T) {
	m := startManager(t)

	old := newTestConn("n1")
	m.register <- old
	waitForCount(t, m, 1)

	// 同一节点重连，新连接顶替旧连接
	fresh := newTestConn("n1")
	m.register <- fresh
	waitForCount(t, m, 1)

	// 被顶替的旧连接注销时不得摘掉新连接
	m.unregister <- old
	time.Sleep(50 * time.Millisecond)

	current, exists := m.GetConnection("n1")
	if !exists || current != fresh {
		t.Fatal("expected the fresh connection to survive stale unregister")
	}
}

func TestSendToNode(t *testing.T) {
	m := startManager(t)

	conn := newTestConn("n1")
	m.register <- conn
	waitForCount(t, m, 1)

	msg, err := NewMessage(MsgTypePing, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.SendToNode("n1", msg); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-conn.Send:
		if got.Type != MsgTypePing {
			t.Errorf("expected ping, got %s", got.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("expected message on send channel")
	}

	if err := m.SendToNode("ghost", msg); err != ErrNodeNotConnected {
		t.Errorf("expected ErrNodeNotConnected, got %v", err)
	}
}

func TestBroadcastReachesAllNodes(t *testing.T) {
	m := startManager(t)

	a := newTestConn("n1")
	b := newTestConn("n2")
	m.register <- a
	m.register <- b
	waitForCount(t, m, 2)

	msg, err := NewMessage(MsgTypeUserDisable, &UserEventPayload{UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	m.BroadcastToAll(msg)

	for _, conn := range []*NodeConnection{a, b} {
		select {
		case got := <-conn.Send:
			if got.Type != MsgTypeUserDisable {
				t.Errorf("expected user_disable, got %s", got.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("expected broadcast on %s", conn.NodeID)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	req := &NodeRegisterRequest{NodeID: "n1", Token: "tok", Version: "1.2.3"}
	msg, err := NewMessage(MsgTypeNodeRegister, req)
	if err != nil {
		t.Fatal(err)
	}

	var parsed NodeRegisterRequest
	if err := msg.ParseData(&parsed); err != nil {
		t.Fatal(err)
	}
	if parsed != *req {
		t.Errorf("expected %+v, got %+v", req, parsed)
	}
}
