package cache

import "fmt"

// Key prefixes for the durable rows kept in Redis. Postgres owns the
// federation membership table; everything TTL-bearing lives here.
const (
	PrefixRendezvousPoint = "rendezvous:point"
	PrefixRendezvousToken = "rendezvous:token"
	PrefixChunkSource     = "chunk:source"
	PrefixChunkCache      = "chunk:cache"
	PrefixAttestToken     = "attest:token"
	PrefixLock            = "lock"
)

func RendezvousPointKey(pointHash, peerID string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixRendezvousPoint, pointHash, peerID)
}

func RendezvousPointIndexKey(pointHash string) string {
	return fmt.Sprintf("%s:%s:peers", PrefixRendezvousPoint, pointHash)
}

func RendezvousTokenKey(tokenHash, peerID string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixRendezvousToken, tokenHash, peerID)
}

func RendezvousTokenIndexKey(tokenHash string) string {
	return fmt.Sprintf("%s:%s:peers", PrefixRendezvousToken, tokenHash)
}

func ChunkSourceKey(chunkID, peerID string) string {
	return fmt.Sprintf("%s:%s:%s", PrefixChunkSource, chunkID, peerID)
}

func ChunkSourceIndexKey(chunkID string) string {
	return fmt.Sprintf("%s:%s:peers", PrefixChunkSource, chunkID)
}

func ChunkCacheKey(chunkID string) string {
	return fmt.Sprintf("%s:%s", PrefixChunkCache, chunkID)
}

func AttestTokenKey(connectionID string) string {
	return fmt.Sprintf("%s:%s", PrefixAttestToken, connectionID)
}

func LockKey(name string) string {
	return fmt.Sprintf("%s:%s", PrefixLock, name)
}
