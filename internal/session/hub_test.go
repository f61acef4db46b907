package session

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
)

func testHubServer(t *testing.T, maxConnsPerPeer int) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := config.Load()
	cfg.MaxConnectionsPerPeer = maxConnsPerPeer
	cfg.SessionFrameRate = 1000
	cfg.SessionFrameWindow = time.Second

	hub := NewHub(cfg)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r)
	}))
	t.Cleanup(srv.Close)
	return hub, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestConnectionCapRejectsExcessFromSamePeer(t *testing.T) {
	hub, srv := testHubServer(t, 2)

	c1 := dialWS(t, srv)
	defer c1.Close()
	c2 := dialWS(t, srv)
	defer c2.Close()

	time.Sleep(50 * time.Millisecond)
	if got := hub.Count(); got != 2 {
		t.Fatalf("expected 2 registered sessions, got %d", got)
	}

	// The cap is enforced before the upgrade, so the third dial never
	// completes the handshake and the dialer surfaces the plain HTTP
	// status instead of a websocket.Conn.
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("expected third connection from same peer to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 response, got: %+v (err: %v)", resp, err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := hub.Count(); got != 2 {
		t.Fatalf("expected rejected connection to not register, session count = %d", got)
	}
}

func TestConnectionCapReleasedOnDisconnect(t *testing.T) {
	hub, srv := testHubServer(t, 1)

	c1 := dialWS(t, srv)
	time.Sleep(50 * time.Millisecond)
	if got := hub.Count(); got != 1 {
		t.Fatalf("expected 1 registered session, got %d", got)
	}
	c1.Close()
	time.Sleep(100 * time.Millisecond)

	c2 := dialWS(t, srv)
	defer c2.Close()
	time.Sleep(50 * time.Millisecond)
	if got := hub.Count(); got != 1 {
		t.Fatalf("expected new connection to take the freed slot, session count = %d", got)
	}
}

func TestUnlimitedConnectionsWhenCapDisabled(t *testing.T) {
	hub, srv := testHubServer(t, 0)

	conns := make([]*websocket.Conn, 0, 5)
	for i := 0; i < 5; i++ {
		conns = append(conns, dialWS(t, srv))
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if got := hub.Count(); got != 5 {
		t.Fatalf("expected all 5 connections to register with cap disabled, got %d", got)
	}
}
