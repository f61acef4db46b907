// Package storage holds the durable-state abstractions: Redis-backed
// rendezvous and chunk rows, and the Postgres-backed federation membership
// table. Upsert is the default write mode throughout, per spec.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/cache"
)

// PointRow is a durable daily-point row.
type PointRow struct {
	PointHash string    `json:"pointHash"`
	PeerID    string    `json:"peerId"`
	DeadDrop  string    `json:"deadDrop"`
	RelayID   string    `json:"relayId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// TokenRow is a durable hourly-token row.
type TokenRow struct {
	TokenHash string    `json:"tokenHash"`
	PeerID    string    `json:"peerId"`
	RelayID   string    `json:"relayId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// RendezvousStore persists daily points and hourly tokens. Primary-key
// upsert semantics fall out of plain key overwrite: the same
// (pointHash, peerID) always maps to the same Redis key.
type RendezvousStore struct {
	cache *cache.Cache
}

func NewRendezvousStore(c *cache.Cache) *RendezvousStore {
	return &RendezvousStore{cache: c}
}

// UpsertPoint writes the peer's row at pointHash and indexes it so other
// peers' lookups at the same point can enumerate it.
func (s *RendezvousStore) UpsertPoint(ctx context.Context, pointHash, peerID, deadDrop, relayID string, ttl time.Duration) error {
	row := PointRow{
		PointHash: pointHash,
		PeerID:    peerID,
		DeadDrop:  deadDrop,
		RelayID:   relayID,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.cache.Set(ctx, cache.RendezvousPointKey(pointHash, peerID), row, ttl); err != nil {
		return fmt.Errorf("upsert point: %w", err)
	}
	if err := s.cache.SAdd(ctx, cache.RendezvousPointIndexKey(pointHash), peerID); err != nil {
		return fmt.Errorf("index point: %w", err)
	}
	return nil
}

// ListPointPeers returns the current row for every peer registered at
// pointHash except excludePeerID, fetched before any concurrent upsert
// this call itself performs (callers must upsert after listing to honor
// the spec's "observe pre-existing rows" ordering).
func (s *RendezvousStore) ListPointPeers(ctx context.Context, pointHash, excludePeerID string) ([]PointRow, error) {
	peers, err := s.cache.SMembers(ctx, cache.RendezvousPointIndexKey(pointHash))
	if err != nil {
		return nil, fmt.Errorf("list point peers: %w", err)
	}

	var rows []PointRow
	for _, peerID := range peers {
		if peerID == excludePeerID {
			continue
		}
		var row PointRow
		if err := s.cache.Get(ctx, cache.RendezvousPointKey(pointHash, peerID), &row); err != nil {
			// row expired since the index was read; drop the stale member.
			_ = s.cache.SRem(ctx, cache.RendezvousPointIndexKey(pointHash), peerID)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *RendezvousStore) UpsertToken(ctx context.Context, tokenHash, peerID, relayID string, ttl time.Duration) error {
	row := TokenRow{
		TokenHash: tokenHash,
		PeerID:    peerID,
		RelayID:   relayID,
		ExpiresAt: time.Now().Add(ttl),
	}
	if err := s.cache.Set(ctx, cache.RendezvousTokenKey(tokenHash, peerID), row, ttl); err != nil {
		return fmt.Errorf("upsert token: %w", err)
	}
	if err := s.cache.SAdd(ctx, cache.RendezvousTokenIndexKey(tokenHash), peerID); err != nil {
		return fmt.Errorf("index token: %w", err)
	}
	return nil
}

func (s *RendezvousStore) ListTokenPeers(ctx context.Context, tokenHash, excludePeerID string) ([]TokenRow, error) {
	peers, err := s.cache.SMembers(ctx, cache.RendezvousTokenIndexKey(tokenHash))
	if err != nil {
		return nil, fmt.Errorf("list token peers: %w", err)
	}

	var rows []TokenRow
	for _, peerID := range peers {
		if peerID == excludePeerID {
			continue
		}
		var row TokenRow
		if err := s.cache.Get(ctx, cache.RendezvousTokenKey(tokenHash, peerID), &row); err != nil {
			_ = s.cache.SRem(ctx, cache.RendezvousTokenIndexKey(tokenHash), peerID)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// SweepIndexes drops index members whose backing row has already expired
// in Redis. Redis itself is the expiry mechanism; this reconciles the
// SMEMBERS sets so they don't accumulate stale entries indefinitely.
func (s *RendezvousStore) SweepIndexes(ctx context.Context, pointHashes, tokenHashes []string) error {
	for _, p := range pointHashes {
		if _, err := s.ListPointPeers(ctx, p, ""); err != nil {
			return err
		}
	}
	for _, t := range tokenHashes {
		if _, err := s.ListTokenPeers(ctx, t, ""); err != nil {
			return err
		}
	}
	return nil
}
