package chunkrelay

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
)

func testRelay() (*Relay, *session.Hub, *config.Config) {
	cfg := config.Load()
	cfg.ChunkCacheSize = 2
	cfg.ChunkPayloadMax = 4096
	cfg.SessionFrameRate = 1000
	cfg.SessionFrameWindow = time.Second
	hub := session.NewHub(cfg)
	return NewRelay(cfg, nil), hub, cfg
}

func announce(t *testing.T, r *Relay, s *session.Session, peerID, chunkID, channelID string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]interface{}{
		"peerId": peerID,
		"chunks": []map[string]string{{"chunkId": chunkID, "channelId": channelID}},
	})
	r.handleAnnounce(s, payload)
	if _, _, ok := s.RecvForTest(100 * time.Millisecond); !ok {
		t.Fatalf("expected chunk_announce_ack")
	}
}

func TestChunkPullDedup(t *testing.T) {
	r, hub, _ := testRelay()
	source := session.NewTestSession(hub, "source")
	r1 := session.NewTestSession(hub, "r1")
	r2 := session.NewTestSession(hub, "r2")

	announce(t, r, source, "peer-s", "c1", "ch1")

	reqPayload, _ := json.Marshal(map[string]string{"chunkId": "c1", "channelId": "ch1"})
	r.handleRequest(r1, reqPayload)
	r.handleRequest(r2, reqPayload)

	typ, _, ok := source.RecvForTest(100 * time.Millisecond)
	if !ok || typ != "chunk_pull" {
		t.Fatalf("expected exactly one chunk_pull, got %v", typ)
	}
	if _, _, ok := source.RecvForTest(50 * time.Millisecond); ok {
		t.Fatalf("expected no second chunk_pull")
	}

	for _, requester := range []*session.Session{r1, r2} {
		typ, _, ok := requester.RecvForTest(100 * time.Millisecond)
		if !ok || typ != "chunk_pulling" {
			t.Fatalf("expected chunk_pulling, got %v", typ)
		}
	}

	data := []byte("hello world")
	pushPayload, _ := json.Marshal(map[string]string{
		"chunkId": "c1", "channelId": "ch1", "data": base64.StdEncoding.EncodeToString(data),
	})
	r.handlePush(source, pushPayload)

	for _, requester := range []*session.Session{r1, r2} {
		typ, payload, ok := requester.RecvForTest(100 * time.Millisecond)
		if !ok || typ != "chunk_response" {
			t.Fatalf("expected chunk_response, got %v", typ)
		}
		m := payload.(map[string]interface{})
		if m["source"] != "relay" {
			t.Errorf("expected source=relay, got %v", m["source"])
		}
	}

	typ, payload, ok := source.RecvForTest(100 * time.Millisecond)
	if !ok || typ != "chunk_push_ack" {
		t.Fatalf("expected chunk_push_ack, got %v", typ)
	}
	m := payload.(map[string]interface{})
	if m["servedCount"] != 2 {
		t.Errorf("expected servedCount=2, got %v", m["servedCount"])
	}
}

func TestChunkCacheHit(t *testing.T) {
	r, hub, _ := testRelay()
	source := session.NewTestSession(hub, "source")
	requester := session.NewTestSession(hub, "requester")

	data := []byte("cached bytes")
	pushPayload, _ := json.Marshal(map[string]string{
		"chunkId": "c1", "channelId": "ch1", "data": base64.StdEncoding.EncodeToString(data),
	})
	r.handlePush(source, pushPayload)
	source.RecvForTest(100 * time.Millisecond) // drain ack

	reqPayload, _ := json.Marshal(map[string]string{"chunkId": "c1", "channelId": "ch1"})
	r.handleRequest(requester, reqPayload)

	typ, payload, ok := requester.RecvForTest(100 * time.Millisecond)
	if !ok || typ != "chunk_response" {
		t.Fatalf("expected chunk_response, got %v", typ)
	}
	m := payload.(map[string]interface{})
	if m["source"] != "cache" {
		t.Errorf("expected source=cache, got %v", m["source"])
	}
}

func TestChunkPushTooLarge(t *testing.T) {
	r, hub, cfg := testRelay()
	source := session.NewTestSession(hub, "source")

	data := make([]byte, cfg.ChunkPayloadMax+1)
	pushPayload, _ := json.Marshal(map[string]string{
		"chunkId": "c1", "channelId": "ch1", "data": base64.StdEncoding.EncodeToString(data),
	})
	r.handlePush(source, pushPayload)

	typ, _, ok := source.RecvForTest(100 * time.Millisecond)
	if !ok || typ != "error" {
		t.Fatalf("expected error for oversized chunk, got %v", typ)
	}
	if r.hot.Contains("c1") {
		t.Errorf("oversized chunk must not be cached")
	}
}

func TestChunkNoSourceAvailable(t *testing.T) {
	r, hub, _ := testRelay()
	requester := session.NewTestSession(hub, "requester")

	reqPayload, _ := json.Marshal(map[string]string{"chunkId": "unknown", "channelId": "ch1"})
	r.handleRequest(requester, reqPayload)

	typ, _, ok := requester.RecvForTest(100 * time.Millisecond)
	if !ok || typ != "chunk_error" {
		t.Fatalf("expected chunk_error, got %v", typ)
	}
}
