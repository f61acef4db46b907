package attestation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

func testGateway(t *testing.T, bootstrapURL string) (*Gateway, *session.Hub) {
	t.Helper()
	cfg := config.Load()
	cfg.BootstrapURL = bootstrapURL
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.SessionTokenTTL = time.Hour
	cfg.SessionFrameRate = 1000
	cfg.SessionFrameWindow = time.Second
	g, err := NewGateway(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hub := session.NewHub(cfg)
	return g, hub
}

func TestGracePeriodAllowsThenExpires(t *testing.T) {
	g, hub := testGateway(t, "http://bootstrap.invalid")
	g.Wire(hub)

	s := session.NewTestSession(hub, "conn-1")
	g.handleConnect(s)
	s.RecvForTest(100 * time.Millisecond) // drain server_identity

	if !g.Allowed(s.ID) {
		t.Fatalf("expected chunk ops allowed within grace period")
	}

	time.Sleep(100 * time.Millisecond)

	if g.Allowed(s.ID) {
		t.Fatalf("expected chunk ops denied after grace period expiry without attestation")
	}
}

func TestAttestHappyPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/attest/challenge", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"nonce":   "abc123",
			"regions": []map[string]int{{"offset": 0, "length": 16}},
		})
	})
	mux.HandleFunc("/attest/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"valid":         true,
			"session_token": "tok-xyz",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g, hub := testGateway(t, srv.URL)
	g.Wire(hub)

	s := session.NewTestSession(hub, "conn-2")
	g.handleConnect(s)
	s.RecvForTest(100 * time.Millisecond)

	reqPayload, _ := json.Marshal(map[string]string{"build_token": "bt", "device_id": "dev1"})
	g.handleAttestRequest(s, reqPayload)

	typ, payload, ok := s.RecvForTest(200 * time.Millisecond)
	if !ok || typ != "attest_challenge" {
		t.Fatalf("expected attest_challenge, got %v %v", typ, payload)
	}
	m := payload.(map[string]interface{})
	if m["nonce"] != "abc123" {
		t.Errorf("expected nonce passthrough, got %v", m["nonce"])
	}

	if !g.Allowed(s.ID) {
		t.Errorf("pending attestation should allow chunk ops")
	}

	respPayload, _ := json.Marshal(map[string]interface{}{
		"nonce":     "abc123",
		"responses": []map[string]interface{}{{"region_index": 0, "hmac": "deadbeef"}},
	})
	g.handleAttestResponse(s, respPayload)

	typ, payload, ok = s.RecvForTest(200 * time.Millisecond)
	if !ok || typ != "attest_success" {
		t.Fatalf("expected attest_success, got %v %v", typ, payload)
	}

	if !g.Allowed(s.ID) {
		t.Errorf("attested session should be allowed")
	}
}

func TestAttestVerifyFailureClosesSocket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/attest/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"valid": false})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	g, hub := testGateway(t, srv.URL)
	g.Wire(hub)

	s := session.NewTestSession(hub, "conn-3")
	g.handleConnect(s)
	s.RecvForTest(100 * time.Millisecond)

	respPayload, _ := json.Marshal(map[string]interface{}{
		"nonce":     "n",
		"responses": []map[string]interface{}{{"region_index": 0, "hmac": "x"}},
	})
	g.handleAttestResponse(s, respPayload)

	typ, _, ok := s.RecvForTest(200 * time.Millisecond)
	if !ok || typ != "attest_failed" {
		t.Fatalf("expected attest_failed, got %v", typ)
	}
}

func TestAttestRequestMissingFields(t *testing.T) {
	g, hub := testGateway(t, "http://bootstrap.invalid")
	g.Wire(hub)

	s := session.NewTestSession(hub, "conn-4")
	g.handleConnect(s)
	s.RecvForTest(100 * time.Millisecond)

	reqPayload, _ := json.Marshal(map[string]string{"build_token": ""})
	g.handleAttestRequest(s, reqPayload)

	typ, _, ok := s.RecvForTest(200 * time.Millisecond)
	if !ok || typ != "attest_error" {
		t.Fatalf("expected attest_error for missing fields, got %v", typ)
	}
}

// TestConnectSequenceSendsServerInfoBeforeServerIdentity dials a real
// websocket connection through Hub.ServeWS with attestation wired, and
// checks the first two frames off the wire are server_info then
// server_identity, in that order. Registration in ServeWS runs connect
// hooks (this gateway's handleConnect) synchronously after server_info is
// queued, so the order is deterministic rather than a race between two
// goroutines.
func TestConnectSequenceSendsServerInfoBeforeServerIdentity(t *testing.T) {
	cfg := config.Load()
	cfg.BootstrapURL = "http://bootstrap.invalid"
	cfg.GracePeriod = 50 * time.Millisecond
	cfg.SessionTokenTTL = time.Hour
	cfg.SessionFrameRate = 1000
	cfg.SessionFrameWindow = time.Second
	cfg.ServerID = "node-a"
	cfg.Endpoint = "wss://node-a.example:7443"

	g, err := NewGateway(cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hub := session.NewHub(cfg)
	g.Wire(hub)
	go hub.Run()
	t.Cleanup(hub.Stop)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = hub.ServeWS(w, r)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(time.Second))

	var first, second wsproto.Frame
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first frame: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("read second frame: %v", err)
	}

	if first.Type != wsproto.TypeServerInfo {
		t.Fatalf("expected first frame %q, got %q", wsproto.TypeServerInfo, first.Type)
	}
	if second.Type != wsproto.TypeServerIdentity {
		t.Fatalf("expected second frame %q, got %q", wsproto.TypeServerIdentity, second.Type)
	}
}

func TestDisabledWhenNoBootstrapConfigured(t *testing.T) {
	g, hub := testGateway(t, "")
	g.Wire(hub)
	s := session.NewTestSession(hub, "conn-5")
	if !g.Allowed(s.ID) {
		t.Errorf("expected attestation disabled to always allow")
	}
}
