// Package chunkrelay implements announce/request/push for chunk data. Cache
// hits are served from an in-process LRU whose eviction order comes from the
// entries' own access fields; every pushed chunk is also written through to
// internal/storage.ChunkStore, but requests never read that store back.
package chunkrelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/errs"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/storage"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

type cacheEntry struct {
	channelID    string
	data         []byte
	cachedAt     time.Time
	lastAccessed time.Time
	accessCount  int64
}

// pendingSet coalesces concurrent requesters for the same chunk: exactly
// one chunk_pull is issued per chunk while a pull is outstanding.
type pendingSet struct {
	requesters []*session.Session
	sourceID   string
}

// Relay coordinates chunk announce/request/push. Cache eviction and
// pending-set manipulation complete without I/O under r.mu, per the
// concurrency model's no-suspend-while-locked rule; only the Redis
// write-through for durability happens outside the lock.
type Relay struct {
	cfg   *config.Config
	store *storage.ChunkStore

	mu            sync.Mutex
	hot           *lru.Cache[string, *cacheEntry]
	sources       map[string]map[string]*session.Session // chunkID -> peerID -> session
	peerChunks    map[string]map[string]bool             // peerID -> chunkIDs (reverse index for disconnect)
	pending       map[string]*pendingSet
	sessionByPeer map[string]string // sessionID -> peerID, to resolve disconnects back to peer ids
}

func NewRelay(cfg *config.Config, store *storage.ChunkStore) *Relay {
	hot, _ := lru.New[string, *cacheEntry](cfg.ChunkCacheSize)
	return &Relay{
		cfg:           cfg,
		store:         store,
		hot:           hot,
		sources:       make(map[string]map[string]*session.Session),
		peerChunks:    make(map[string]map[string]bool),
		pending:       make(map[string]*pendingSet),
		sessionByPeer: make(map[string]string),
	}
}

func (r *Relay) Wire(hub *session.Hub) {
	hub.RegisterHandler(wsproto.InChunkAnnounce, r.handleAnnounce)
	hub.RegisterHandler(wsproto.InChunkRequest, r.handleRequest)
	hub.RegisterHandler(wsproto.InChunkPush, r.handlePush)
	hub.RequireAttestation(wsproto.InChunkAnnounce)
	hub.RequireAttestation(wsproto.InChunkRequest)
	hub.RequireAttestation(wsproto.InChunkPush)
	hub.OnDisconnect(r.handleDisconnect)
}

func (r *Relay) handleAnnounce(s *session.Session, raw json.RawMessage) {
	var payload wsproto.ChunkAnnouncePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	registered := 0
	r.mu.Lock()
	for _, item := range payload.Chunks {
		if item.ChunkID == "" {
			continue
		}
		if r.sources[item.ChunkID] == nil {
			r.sources[item.ChunkID] = make(map[string]*session.Session)
		}
		r.sources[item.ChunkID][payload.PeerID] = s
		if r.peerChunks[payload.PeerID] == nil {
			r.peerChunks[payload.PeerID] = make(map[string]bool)
		}
		r.peerChunks[payload.PeerID][item.ChunkID] = true
		registered++
	}
	r.sessionByPeer[s.ID] = payload.PeerID
	r.mu.Unlock()

	if r.store != nil {
		for _, item := range payload.Chunks {
			if item.ChunkID == "" {
				continue
			}
			if err := r.store.UpsertSource(ctx, item.ChunkID, payload.PeerID, r.cfg.ChunkSourceTTL); err != nil {
				logger.ChunkRelay().Error().Err(err).Msg("upsert chunk source failed")
			}
		}
	}

	s.Send(wsproto.TypeChunkAnnounceAck, map[string]interface{}{"registered": registered})
}

func (r *Relay) handleRequest(s *session.Session, raw json.RawMessage) {
	var payload wsproto.ChunkRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}

	r.mu.Lock()
	if entry, ok := r.hot.Get(payload.ChunkID); ok {
		entry.lastAccessed = time.Now()
		entry.accessCount++
		r.mu.Unlock()
		s.Send(wsproto.TypeChunkResponse, map[string]interface{}{
			"chunkId": payload.ChunkID,
			"source":  "cache",
			"data":    base64.StdEncoding.EncodeToString(entry.data),
		})
		return
	}

	if set, ok := r.pending[payload.ChunkID]; ok {
		set.requesters = append(set.requesters, s)
		r.mu.Unlock()
		s.Send(wsproto.TypeChunkPulling, map[string]interface{}{"chunkId": payload.ChunkID})
		return
	}

	sourceSession, sourceOK := r.pickSourceLocked(payload.ChunkID)
	if !sourceOK {
		r.mu.Unlock()
		s.Send(wsproto.TypeChunkError, map[string]string{
			"error": errs.ErrNoSourceAvailable.Error() + " " + payload.ChunkID,
		})
		return
	}
	r.pending[payload.ChunkID] = &pendingSet{requesters: []*session.Session{s}}
	r.mu.Unlock()

	sourceSession.Send(wsproto.TypeChunkPull, map[string]interface{}{
		"chunkId":   payload.ChunkID,
		"channelId": payload.ChannelID,
	})
	s.Send(wsproto.TypeChunkPulling, map[string]interface{}{"chunkId": payload.ChunkID})
}

// pickSourceLocked must be called with r.mu held.
func (r *Relay) pickSourceLocked(chunkID string) (*session.Session, bool) {
	peers, ok := r.sources[chunkID]
	if !ok {
		return nil, false
	}
	for _, sess := range peers {
		return sess, true
	}
	return nil, false
}

func (r *Relay) handlePush(s *session.Session, raw json.RawMessage) {
	var payload wsproto.ChunkPushPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}

	data, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		s.SendError("invalid base64 chunk data")
		return
	}
	if len(data) > r.cfg.ChunkPayloadMax {
		s.SendError(errs.ErrChunkTooLarge.Error())
		return
	}

	now := time.Now()
	entry := &cacheEntry{channelID: payload.ChannelID, data: data, cachedAt: now, lastAccessed: now}

	r.mu.Lock()
	if r.hot.Len() >= r.cfg.ChunkCacheSize {
		r.evictOneLocked()
	}
	r.hot.Add(payload.ChunkID, entry)

	set, hadPending := r.pending[payload.ChunkID]
	if hadPending {
		delete(r.pending, payload.ChunkID)
	}

	if r.sources[payload.ChunkID] == nil {
		r.sources[payload.ChunkID] = make(map[string]*session.Session)
	}
	peerID := r.sessionByPeer[s.ID]
	if peerID != "" {
		r.sources[payload.ChunkID][peerID] = s
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	row := storage.CachedChunk{
		ChunkID: payload.ChunkID, ChannelID: payload.ChannelID, Data: data,
		CachedAt: now, LastAccessed: now, AccessCount: 0,
	}
	if r.store != nil {
		if err := r.store.PutCached(ctx, row, r.cfg.ChunkCacheTTL); err != nil {
			logger.ChunkRelay().Error().Err(err).Msg("put cached chunk failed")
		}
	}

	served := 0
	if hadPending {
		encoded := base64.StdEncoding.EncodeToString(data)
		for _, requester := range set.requesters {
			requester.Send(wsproto.TypeChunkResponse, map[string]interface{}{
				"chunkId": payload.ChunkID,
				"source":  "relay",
				"data":    encoded,
			})
			served++
		}
	}

	s.Send(wsproto.TypeChunkPushAck, map[string]interface{}{
		"chunkId":     payload.ChunkID,
		"cached":      true,
		"servedCount": served,
	})
}

// evictOneLocked drops the entry with the least-recent last-accessed,
// ties broken by lowest access-count then lowest cached-at. Must be
// called with r.mu held and entries present.
func (r *Relay) evictOneLocked() {
	var victim string
	var victimEntry *cacheEntry
	for _, key := range r.hot.Keys() {
		entry, ok := r.hot.Peek(key)
		if !ok {
			continue
		}
		if victimEntry == nil || isOlder(entry, victimEntry) {
			victim = key
			victimEntry = entry
		}
	}
	if victim != "" {
		r.hot.Remove(victim)
	}
}

func isOlder(a, b *cacheEntry) bool {
	if !a.lastAccessed.Equal(b.lastAccessed) {
		return a.lastAccessed.Before(b.lastAccessed)
	}
	if a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	return a.cachedAt.Before(b.cachedAt)
}

// handleDisconnect removes the peer's source rows and purges it from
// every pending-request set, synchronously, per the concurrency model.
func (r *Relay) handleDisconnect(s *session.Session) {
	r.mu.Lock()
	peerID := r.sessionByPeer[s.ID]
	delete(r.sessionByPeer, s.ID)

	var chunkIDs []string
	if peerID != "" {
		for chunkID := range r.peerChunks[peerID] {
			chunkIDs = append(chunkIDs, chunkID)
			if peers, ok := r.sources[chunkID]; ok {
				delete(peers, peerID)
			}
		}
		delete(r.peerChunks, peerID)
	}

	for _, set := range r.pending {
		filtered := set.requesters[:0]
		for _, requester := range set.requesters {
			if requester != s {
				filtered = append(filtered, requester)
			}
		}
		set.requesters = filtered
	}
	r.mu.Unlock()

	if r.store != nil && peerID != "" && len(chunkIDs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.RemoveSourcesForPeer(ctx, peerID, chunkIDs); err != nil {
			logger.ChunkRelay().Error().Err(err).Msg("remove chunk sources for peer failed")
		}
	}
}

// Sweep trims the in-process hot tier entries that have outlived the cache
// TTL, independently of LRU pressure. Redis TTL reaps the durable cache and
// source rows; the in-process source map is not swept.
func (r *Relay) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, key := range r.hot.Keys() {
		entry, ok := r.hot.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(entry.cachedAt) > r.cfg.ChunkCacheTTL {
			r.hot.Remove(key)
		}
	}
}
