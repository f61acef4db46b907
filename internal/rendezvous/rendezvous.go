// Package rendezvous implements the daily meeting-point and hourly
// live-match registries, backed by internal/storage.RendezvousStore.
package rendezvous

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/storage"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

// PeerDirectory resolves a peer-id to its currently live session, so a
// fresh hourly-token match can be pushed to it asynchronously.
type PeerDirectory interface {
	ByPeerID(peerID string) (*session.Session, bool)
}

// Registry coordinates the durable store with the in-process peer-id to
// session binding needed for live-match notification.
type Registry struct {
	cfg   *config.Config
	store *storage.RendezvousStore

	mu         sync.RWMutex
	sessByPeer map[string]*session.Session
	seenPoints map[string]bool
	seenTokens map[string]bool
}

func NewRegistry(cfg *config.Config, store *storage.RendezvousStore) *Registry {
	return &Registry{
		cfg:        cfg,
		store:      store,
		sessByPeer: make(map[string]*session.Session),
		seenPoints: make(map[string]bool),
		seenTokens: make(map[string]bool),
	}
}

// Sweep reconciles the peer-index sets for every point/token hash this
// server has ever seen — Redis already expires the backing rows; this
// just stops SMEMBERS from accumulating stale member entries. Run every
// ~5 minutes by internal/scheduler.
func (r *Registry) Sweep(ctx context.Context) error {
	r.mu.RLock()
	points := make([]string, 0, len(r.seenPoints))
	for p := range r.seenPoints {
		points = append(points, p)
	}
	tokens := make([]string, 0, len(r.seenTokens))
	for t := range r.seenTokens {
		tokens = append(tokens, t)
	}
	r.mu.RUnlock()

	return r.store.SweepIndexes(ctx, points, tokens)
}

func (r *Registry) Wire(hub *session.Hub) {
	hub.RegisterHandler(wsproto.InRegisterRendezvous, r.handleRegisterRendezvous)
	hub.RegisterHandler(wsproto.InHeartbeat, r.handleHeartbeat)
	hub.OnDisconnect(r.handleDisconnect)
}

func (r *Registry) ByPeerID(peerID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessByPeer[peerID]
	return s, ok
}

func (r *Registry) bind(peerID string, s *session.Session) {
	r.mu.Lock()
	r.sessByPeer[peerID] = s
	r.mu.Unlock()
}

func (r *Registry) handleDisconnect(s *session.Session) {
	r.mu.Lock()
	for peerID, bound := range r.sessByPeer {
		if bound == s {
			delete(r.sessByPeer, peerID)
		}
	}
	r.mu.Unlock()
}

type deadDropEntry struct {
	PeerID   string `json:"peerId"`
	DeadDrop string `json:"deadDrop"`
}

type liveMatchEntry struct {
	PeerID  string `json:"peerId"`
	RelayID string `json:"relayId"`
}

func (r *Registry) handleRegisterRendezvous(s *session.Session, raw json.RawMessage) {
	var payload wsproto.RegisterRendezvousPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}

	peerID := s.ID
	r.bind(peerID, s)

	r.mu.Lock()
	for _, p := range payload.Points {
		r.seenPoints[p] = true
	}
	for _, t := range payload.Tokens {
		r.seenTokens[t] = true
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deadDrops := make(map[string][]deadDropEntry)
	for _, p := range payload.Points {
		// Observe pre-existing rows before upserting our own.
		existing, err := r.store.ListPointPeers(ctx, p, peerID)
		if err != nil {
			logger.Rendezvous().Error().Err(err).Str("point", p).Msg("list point peers failed")
			s.SendError("storage error")
			return
		}
		entries := make([]deadDropEntry, 0, len(existing))
		for _, row := range existing {
			entries = append(entries, deadDropEntry{PeerID: row.PeerID, DeadDrop: row.DeadDrop})
		}
		deadDrops[p] = entries

		dd := payload.DeadDrop
		if payload.DeadDrops != nil {
			if v, ok := payload.DeadDrops[p]; ok {
				dd = v
			}
		}
		if err := r.store.UpsertPoint(ctx, p, peerID, dd, payload.RelayID, r.cfg.DailyTTL); err != nil {
			logger.Rendezvous().Error().Err(err).Str("point", p).Msg("upsert point failed")
			s.SendError("storage error")
			return
		}
	}

	liveMatches := make(map[string][]liveMatchEntry)
	for _, t := range payload.Tokens {
		existing, err := r.store.ListTokenPeers(ctx, t, peerID)
		if err != nil {
			logger.Rendezvous().Error().Err(err).Str("token", t).Msg("list token peers failed")
			s.SendError("storage error")
			return
		}
		entries := make([]liveMatchEntry, 0, len(existing))
		for _, row := range existing {
			entries = append(entries, liveMatchEntry{PeerID: row.PeerID, RelayID: row.RelayID})
		}
		liveMatches[t] = entries

		// Upsert before notifying so the new row is durable first.
		if err := r.store.UpsertToken(ctx, t, peerID, payload.RelayID, r.cfg.HourlyTTL); err != nil {
			logger.Rendezvous().Error().Err(err).Str("token", t).Msg("upsert token failed")
			s.SendError("storage error")
			return
		}

		for _, row := range existing {
			if peerSession, ok := r.ByPeerID(row.PeerID); ok {
				peerSession.Send(wsproto.TypeMatch, map[string]interface{}{
					"peerId":  peerID,
					"relayId": payload.RelayID,
				})
			}
		}
	}

	s.Send(wsproto.TypeRendezvousResult, map[string]interface{}{
		"deadDrops":   deadDrops,
		"liveMatches": liveMatches,
	})
}

func (r *Registry) handleHeartbeat(s *session.Session, raw json.RawMessage) {
	s.Send("heartbeat_ack", map[string]interface{}{"at": time.Now().UnixMilli()})
}
