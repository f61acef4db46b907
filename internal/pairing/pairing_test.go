package pairing

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
)

func testConfig() *config.Config {
	cfg := config.Load()
	cfg.PairRequestTimeout = 120 * time.Millisecond
	cfg.PairRequestWarningTime = 30 * time.Millisecond
	cfg.PairRequestFanInCap = 10
	cfg.SessionFrameRate = 1000
	cfg.SessionFrameWindow = time.Second
	return cfg
}

func registerCode(t *testing.T, r *Registry, s *session.Session, code, pubKey string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"pairingCode": code, "publicKey": pubKey})
	r.handleRegister(s, payload)
	if _, _, ok := s.RecvForTest(100 * time.Millisecond); !ok {
		t.Fatalf("expected registered response for %s", code)
	}
}

func TestPairHappyPath(t *testing.T) {
	cfg := testConfig()
	hub := session.NewHub(cfg)
	r := NewRegistry(cfg, nil)

	a := session.NewTestSession(hub, "a")
	b := session.NewTestSession(hub, "b")

	registerCode(t, r, a, "REQ234", "PK1")
	registerCode(t, r, b, "TGT567", "PK2")

	reqPayload, _ := json.Marshal(map[string]string{"targetCode": "TGT567"})
	r.handlePairRequest(a, reqPayload)

	typ, payload, ok := b.RecvForTest(100 * time.Millisecond)
	if !ok || typ != "pair_incoming" {
		t.Fatalf("expected pair_incoming, got %v %v", typ, payload)
	}

	respPayload, _ := json.Marshal(map[string]interface{}{"targetCode": "REQ234", "accepted": true})
	r.handlePairResponse(b, respPayload)

	typA, payloadA, okA := a.RecvForTest(100 * time.Millisecond)
	if !okA || typA != "pair_matched" {
		t.Fatalf("expected pair_matched for A, got %v %v", typA, payloadA)
	}
	m := payloadA.(map[string]interface{})
	if m["isInitiator"] != true {
		t.Errorf("expected A to be initiator")
	}

	typB, payloadB, okB := b.RecvForTest(100 * time.Millisecond)
	if !okB || typB != "pair_matched" {
		t.Fatalf("expected pair_matched for B, got %v %v", typB, payloadB)
	}
	mb := payloadB.(map[string]interface{})
	if mb["isInitiator"] != false {
		t.Errorf("expected B to not be initiator")
	}
}

const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func requesterCode(i int) string {
	return fmt.Sprintf("%c%c%c234", alphabet[i%len(alphabet)], alphabet[(i+1)%len(alphabet)], alphabet[(i+2)%len(alphabet)])
}

func TestPairFanInCap(t *testing.T) {
	cfg := testConfig()
	hub := session.NewHub(cfg)
	r := NewRegistry(cfg, nil)

	target := session.NewTestSession(hub, "target")
	registerCode(t, r, target, "TGT567", "PKT")

	for i := 0; i < 10; i++ {
		s := session.NewTestSession(hub, fmt.Sprintf("req%d", i))
		registerCode(t, r, s, requesterCode(i), "PK")
		payload, _ := json.Marshal(map[string]string{"targetCode": "TGT567"})
		r.handlePairRequest(s, payload)
		if _, _, ok := target.RecvForTest(50 * time.Millisecond); !ok {
			t.Fatalf("expected pair_incoming for request %d", i)
		}
	}

	eleventh := session.NewTestSession(hub, "req10")
	registerCode(t, r, eleventh, requesterCode(10), "PK")
	payload, _ := json.Marshal(map[string]string{"targetCode": "TGT567"})
	r.handlePairRequest(eleventh, payload)

	typ, _, ok := eleventh.RecvForTest(50 * time.Millisecond)
	if !ok || typ != "pair_error" {
		t.Fatalf("expected pair_error for 11th requester, got %v", typ)
	}
}

func TestSecondRegisterRefused(t *testing.T) {
	cfg := testConfig()
	hub := session.NewHub(cfg)
	r := NewRegistry(cfg, nil)

	s := session.NewTestSession(hub, "a")
	registerCode(t, r, s, "REQ234", "PK1")

	payload, _ := json.Marshal(map[string]string{"pairingCode": "NEW789", "publicKey": "PK1"})
	r.handleRegister(s, payload)

	typ, _, ok := s.RecvForTest(50 * time.Millisecond)
	if !ok || typ != "error" {
		t.Fatalf("expected error on second register, got %v", typ)
	}
	if s.PairingCode() != "REQ234" {
		t.Errorf("expected pairing code unchanged, got %s", s.PairingCode())
	}
}
