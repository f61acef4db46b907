// Package federation implements the consistent-hash-ring membership layer:
// which replica(s) own a given pairing code or rendezvous key, and the
// redirect hints register emits when this server isn't primary. Ring
// mutations persist to Postgres and broadcast over NATS so every replica's
// in-memory ring converges without the hot routing path depending on
// either store.
package federation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/pairing"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/storage"
)

const (
	SubjectMembership = "zajel.federation.membership"
	SubjectHeartbeat  = "zajel.federation.heartbeat"
)

// membershipEvent is the gossip envelope broadcast on SubjectMembership.
type membershipEvent struct {
	Op          string `json:"op"` // add, remove, status
	ServerID    string `json:"serverId"`
	Endpoint    string `json:"endpoint"`
	Status      string `json:"status"`
	Incarnation int64  `json:"incarnation"`
	Origin      string `json:"origin"` // originating server, to ignore our own echo
}

type heartbeatEvent struct {
	ServerID string `json:"serverId"`
	At       int64  `json:"at"`
}

// Registry owns the in-memory ring plus its Postgres/NATS backing. The
// hot routing path (getResponsibleNodes, shouldHandleLocally,
// getRedirectTargets) only ever touches the in-memory ring under r.mu.
type Registry struct {
	cfg   *config.Config
	store *storage.MembershipStore
	nc    *nats.Conn

	mu          sync.RWMutex
	ring        *ring
	incarnation map[string]int64
	lastSeen    map[string]time.Time
}

var _ pairing.Redirector = (*Registry)(nil)

func NewRegistry(cfg *config.Config, store *storage.MembershipStore) *Registry {
	return &Registry{
		cfg:         cfg,
		store:       store,
		ring:        newRing(cfg.VirtualNodes),
		incarnation: make(map[string]int64),
		lastSeen:    make(map[string]time.Time),
	}
}

// Connect establishes the NATS gossip connection and subscribes to
// membership/heartbeat subjects. A connection failure disables gossip but
// never routing: the local ring still works off its own Postgres-loaded
// view. Mirrors internal/events/subscriber.go's reconnect-option style.
func (reg *Registry) Connect(natsURL string) error {
	opts := []nats.Option{
		nats.Name("zajel-federation"),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Federation().Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Federation().Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Federation().Error().Err(err).Msg("nats error")
		}),
	}

	nc, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return err
	}
	reg.nc = nc

	if _, err := nc.Subscribe(SubjectMembership, reg.onMembershipEvent); err != nil {
		return err
	}
	if _, err := nc.Subscribe(SubjectHeartbeat, reg.onHeartbeat); err != nil {
		return err
	}
	return nil
}

func (reg *Registry) Close() {
	if reg.nc != nil {
		reg.nc.Close()
	}
}

// LoadFromStore seeds the in-memory ring from Postgres at startup.
func (reg *Registry) LoadFromStore(ctx context.Context) error {
	rows, err := reg.store.List(ctx)
	if err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, row := range rows {
		reg.ring.addNode(row.ServerID, row.Endpoint)
		reg.ring.updateNodeStatus(row.ServerID, row.Status)
		reg.incarnation[row.ServerID] = row.Incarnation
		reg.lastSeen[row.ServerID] = row.LastSeen
	}
	return nil
}

// AddNode registers this server's own membership row or a peer discovered
// out of band: persists, updates the local ring, and broadcasts.
func (reg *Registry) AddNode(ctx context.Context, serverID, endpoint string) error {
	reg.mu.Lock()
	reg.ring.addNode(serverID, endpoint)
	reg.incarnation[serverID]++
	incarnation := reg.incarnation[serverID]
	reg.mu.Unlock()

	if err := reg.store.Upsert(ctx, storage.MembershipRow{
		ServerID: serverID, NodeID: serverID, Endpoint: endpoint,
		Status: StatusAlive, Incarnation: incarnation, LastSeen: time.Now(),
	}); err != nil {
		return err
	}

	reg.publish(SubjectMembership, membershipEvent{
		Op: "add", ServerID: serverID, Endpoint: endpoint,
		Status: StatusAlive, Incarnation: incarnation, Origin: reg.cfg.ServerID,
	})
	return nil
}

func (reg *Registry) RemoveNode(ctx context.Context, serverID string) error {
	reg.mu.Lock()
	reg.ring.removeNode(serverID)
	reg.mu.Unlock()

	if err := reg.store.Remove(ctx, serverID); err != nil {
		return err
	}
	reg.publish(SubjectMembership, membershipEvent{Op: "remove", ServerID: serverID, Origin: reg.cfg.ServerID})
	return nil
}

func (reg *Registry) UpdateNodeStatus(ctx context.Context, serverID, status string) error {
	reg.mu.Lock()
	ok := reg.ring.updateNodeStatus(serverID, status)
	reg.incarnation[serverID]++
	incarnation := reg.incarnation[serverID]
	reg.mu.Unlock()
	if !ok {
		return nil
	}

	if err := reg.store.UpdateStatus(ctx, serverID, status, incarnation); err != nil {
		return err
	}
	reg.publish(SubjectMembership, membershipEvent{
		Op: "status", ServerID: serverID, Status: status, Incarnation: incarnation, Origin: reg.cfg.ServerID,
	})
	return nil
}

// PublishHeartbeat is invoked periodically by internal/scheduler so peers
// can detect a suspect->failed transition without a full gossip protocol.
func (reg *Registry) PublishHeartbeat() {
	reg.publish(SubjectHeartbeat, heartbeatEvent{ServerID: reg.cfg.ServerID, At: time.Now().UnixMilli()})
}

// SweepSuspect marks nodes that haven't heartbeat-ed within HeartbeatTimeout
// as suspect; a node already suspect and still silent at a later sweep is
// marked failed.
func (reg *Registry) SweepSuspect(ctx context.Context) {
	deadline := reg.cfg.HeartbeatTimeout
	now := time.Now()

	reg.mu.Lock()
	var toMark []string
	for serverID, seen := range reg.lastSeen {
		if serverID == reg.cfg.ServerID {
			continue
		}
		n, ok := reg.ring.nodes[serverID]
		if !ok || n.Status == StatusFailed {
			continue
		}
		if now.Sub(seen) > deadline {
			toMark = append(toMark, serverID)
		}
	}
	reg.mu.Unlock()

	for _, serverID := range toMark {
		reg.mu.RLock()
		status := StatusSuspect
		if n, ok := reg.ring.nodes[serverID]; ok && n.Status == StatusSuspect {
			status = StatusFailed
		}
		reg.mu.RUnlock()
		if err := reg.UpdateNodeStatus(ctx, serverID, status); err != nil {
			logger.Federation().Error().Err(err).Str("server_id", serverID).Msg("failed to mark node status")
		}
	}
}

func (reg *Registry) publish(subject string, event interface{}) {
	if reg.nc == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := reg.nc.Publish(subject, data); err != nil {
		logger.Federation().Error().Err(err).Str("subject", subject).Msg("nats publish failed")
	}
}

func (reg *Registry) onMembershipEvent(msg *nats.Msg) {
	var ev membershipEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	if ev.Origin == reg.cfg.ServerID {
		return
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	switch ev.Op {
	case "add":
		reg.ring.addNode(ev.ServerID, ev.Endpoint)
		reg.ring.updateNodeStatus(ev.ServerID, ev.Status)
		reg.incarnation[ev.ServerID] = ev.Incarnation
		reg.lastSeen[ev.ServerID] = time.Now()
	case "remove":
		reg.ring.removeNode(ev.ServerID)
		delete(reg.incarnation, ev.ServerID)
		delete(reg.lastSeen, ev.ServerID)
	case "status":
		if ev.Incarnation >= reg.incarnation[ev.ServerID] {
			reg.ring.updateNodeStatus(ev.ServerID, ev.Status)
			reg.incarnation[ev.ServerID] = ev.Incarnation
		}
	}
}

func (reg *Registry) onHeartbeat(msg *nats.Msg) {
	var ev heartbeatEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return
	}
	reg.mu.Lock()
	reg.lastSeen[ev.ServerID] = time.Now()
	if n, ok := reg.ring.nodes[ev.ServerID]; ok && n.Status != StatusAlive {
		reg.ring.updateNodeStatus(ev.ServerID, StatusAlive)
	}
	reg.mu.Unlock()
}

// GetResponsibleNodes is the hot routing path: no I/O, just a ring walk.
func (reg *Registry) GetResponsibleNodes(key string, count int) []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.ring.getResponsibleNodes(key, count)
}

func (reg *Registry) ShouldHandleLocally(key string) bool {
	for _, serverID := range reg.GetResponsibleNodes(key, reg.cfg.ReplicationFactor) {
		if serverID == reg.cfg.ServerID {
			return true
		}
	}
	return false
}

// GetRedirectTargets implements pairing.Redirector: for each key whose
// primary isn't this server, include a redirect hint; entries sharing a
// server are merged by concatenating hashes.
func (reg *Registry) GetRedirectTargets(keys []string) []pairing.RedirectTarget {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	byServer := make(map[string]*pairing.RedirectTarget)
	var order []string
	for _, key := range keys {
		primary := reg.ring.getResponsibleNodes(key, 1)
		if len(primary) == 0 || primary[0] == reg.cfg.ServerID {
			continue
		}
		serverID := primary[0]
		target, ok := byServer[serverID]
		if !ok {
			endpoint, _ := reg.ring.endpointOf(serverID)
			target = &pairing.RedirectTarget{ServerID: serverID, Endpoint: endpoint}
			byServer[serverID] = target
			order = append(order, serverID)
		}
		target.Hashes = append(target.Hashes, key)
	}

	out := make([]pairing.RedirectTarget, 0, len(order))
	for _, serverID := range order {
		out = append(out, *byServer[serverID])
	}
	return out
}
