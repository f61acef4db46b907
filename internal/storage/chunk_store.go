package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/cache"
)

// CachedChunk is the durable copy of a pushed chunk. chunkrelay writes these
// rows but serves cache hits from its own in-process LRU.
type CachedChunk struct {
	ChunkID      string    `json:"chunkId"`
	ChannelID    string    `json:"channelId"`
	Data         []byte    `json:"data"`
	CachedAt     time.Time `json:"cachedAt"`
	LastAccessed time.Time `json:"lastAccessed"`
	AccessCount  int64     `json:"accessCount"`
}

// ChunkStore persists chunk sources and cached chunk rows in Redis.
type ChunkStore struct {
	cache *cache.Cache
}

func NewChunkStore(c *cache.Cache) *ChunkStore {
	return &ChunkStore{cache: c}
}

// UpsertSource refreshes announced-at for (chunkID, peerID); a re-announce
// of the same pair is idempotent on identity, only the timestamp moves.
func (s *ChunkStore) UpsertSource(ctx context.Context, chunkID, peerID string, ttl time.Duration) error {
	row := struct {
		ChunkID     string    `json:"chunkId"`
		PeerID      string    `json:"peerId"`
		AnnouncedAt time.Time `json:"announcedAt"`
	}{chunkID, peerID, time.Now()}

	if err := s.cache.Set(ctx, cache.ChunkSourceKey(chunkID, peerID), row, ttl); err != nil {
		return fmt.Errorf("upsert chunk source: %w", err)
	}
	return s.cache.SAdd(ctx, cache.ChunkSourceIndexKey(chunkID), peerID)
}

// ListSources returns peer ids currently announced for chunkID.
func (s *ChunkStore) ListSources(ctx context.Context, chunkID string) ([]string, error) {
	peers, err := s.cache.SMembers(ctx, cache.ChunkSourceIndexKey(chunkID))
	if err != nil {
		return nil, fmt.Errorf("list chunk sources: %w", err)
	}
	var alive []string
	for _, p := range peers {
		if ok, _ := s.cache.Exists(ctx, cache.ChunkSourceKey(chunkID, p)); ok {
			alive = append(alive, p)
		} else {
			_ = s.cache.SRem(ctx, cache.ChunkSourceIndexKey(chunkID), p)
		}
	}
	return alive, nil
}

// RemoveSourcesForPeer drops this peer from every chunk-source index it
// appears in. chunkIDs is supplied by the in-process peer->chunk reverse
// index chunkrelay maintains for O(1) disconnect cleanup.
func (s *ChunkStore) RemoveSourcesForPeer(ctx context.Context, peerID string, chunkIDs []string) error {
	for _, chunkID := range chunkIDs {
		if err := s.cache.Delete(ctx, cache.ChunkSourceKey(chunkID, peerID)); err != nil {
			return err
		}
		if err := s.cache.SRem(ctx, cache.ChunkSourceIndexKey(chunkID), peerID); err != nil {
			return err
		}
	}
	return nil
}

func (s *ChunkStore) PutCached(ctx context.Context, row CachedChunk, ttl time.Duration) error {
	if err := s.cache.Set(ctx, cache.ChunkCacheKey(row.ChunkID), row, ttl); err != nil {
		return fmt.Errorf("put cached chunk: %w", err)
	}
	return nil
}

func (s *ChunkStore) GetCached(ctx context.Context, chunkID string) (CachedChunk, bool, error) {
	var row CachedChunk
	if err := s.cache.Get(ctx, cache.ChunkCacheKey(chunkID), &row); err != nil {
		return CachedChunk{}, false, nil
	}
	return row, true, nil
}

func (s *ChunkStore) DeleteCached(ctx context.Context, chunkID string) error {
	return s.cache.Delete(ctx, cache.ChunkCacheKey(chunkID))
}
