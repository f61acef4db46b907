package session

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/errs"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

// HandlerFunc decodes and acts on one inbound frame for one session.
type HandlerFunc func(s *Session, raw json.RawMessage)

// DisconnectHook is invoked once per session close, in registration order,
// so registries can purge cross-session state (pairing codes, subscriber
// sets, pending chunk requests) synchronously on disconnect.
type DisconnectHook func(s *Session)

// ConnectHook runs once a session is registered with the hub, before any
// inbound frame is processed — used by the attestation gateway to emit
// server_identity and record when the per-session grace period began.
type ConnectHook func(s *Session)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub owns the set of live sessions and the dispatch table built at wiring
// time by each registry (mirrors agent_message_handler.go's
// commandHandlers map, generalized across the full frame-type set).
type Hub struct {
	cfg *config.Config

	mu          sync.RWMutex
	sessions    map[string]*Session
	connsByHost map[string]int

	unregister chan *Session

	handlers        map[string]HandlerFunc
	disconnectHooks []DisconnectHook
	connectHooks    []ConnectHook
	requiresAttest  map[string]bool
	attestChecker   AttestationChecker

	done chan struct{}
}

// AttestationChecker gates chunk operations per spec §4.7. Implemented by
// internal/attestation; registered here to avoid an import cycle.
type AttestationChecker interface {
	Allowed(connectionID string) bool
}

func NewHub(cfg *config.Config) *Hub {
	return &Hub{
		cfg:            cfg,
		sessions:       make(map[string]*Session),
		connsByHost:    make(map[string]int),
		unregister:     make(chan *Session),
		handlers:       make(map[string]HandlerFunc),
		requiresAttest: make(map[string]bool),
		done:           make(chan struct{}),
	}
}

// RegisterHandler wires a frame type to its handling registry. Called once
// per type at process wiring time, before Run starts accepting connections.
func (h *Hub) RegisterHandler(frameType string, fn HandlerFunc) {
	h.handlers[frameType] = fn
}

// RequireAttestation marks a frame type as gated by the attestation
// checker (chunk_announce, chunk_request, chunk_push).
func (h *Hub) RequireAttestation(frameType string) {
	h.requiresAttest[frameType] = true
}

func (h *Hub) SetAttestationChecker(c AttestationChecker) {
	h.attestChecker = c
}

func (h *Hub) OnDisconnect(hook DisconnectHook) {
	h.disconnectHooks = append(h.disconnectHooks, hook)
}

func (h *Hub) OnConnect(hook ConnectHook) {
	h.connectHooks = append(h.connectHooks, hook)
}

// Run processes unregister events. Must be started before any connection
// is upgraded. Registration itself happens synchronously in ServeWS, not
// here, so that connect hooks run in a well-defined order relative to the
// session's own initial sends (see registerSession).
func (h *Hub) Run() {
	for {
		select {
		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s.ID]; ok {
				delete(h.sessions, s.ID)
			}
			host := hostOf(s.RemoteAddr)
			if h.connsByHost[host] > 0 {
				h.connsByHost[host]--
				if h.connsByHost[host] == 0 {
					delete(h.connsByHost, host)
				}
			}
			h.mu.Unlock()
			for _, hook := range h.disconnectHooks {
				hook(s)
			}
			close(s.send)
		case <-h.done:
			return
		}
	}
}

func (h *Hub) Stop() {
	close(h.done)
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (h *Hub) BySessionID(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// hostOf strips the port from a dial-style remote address so connections
// from the same peer sharing an IP, not an ephemeral source port, count
// toward the per-peer connection cap.
func hostOf(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// registerSession adds s to the session table and runs every connect hook
// in order, synchronously, on the caller's goroutine. Called from ServeWS
// after the initial server_info send, so server_info always reaches the
// client first and every hook-driven send (e.g. attestation's
// server_identity) is queued in order before any inbound frame from this
// session can be dispatched.
func (h *Hub) registerSession(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID] = s
	h.mu.Unlock()

	for _, hook := range h.connectHooks {
		hook(s)
	}
}

// releaseConnSlot undoes a connsByHost reservation taken before the upgrade
// attempt, used when the upgrade itself fails after the slot was claimed.
func (h *Hub) releaseConnSlot(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connsByHost[host] > 0 {
		h.connsByHost[host]--
		if h.connsByHost[host] == 0 {
			delete(h.connsByHost, host)
		}
	}
}

// ServeWS upgrades an HTTP request to a WebSocket and runs the session's
// pumps. Blocks until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	host := hostOf(r.RemoteAddr)
	if h.cfg.MaxConnectionsPerPeer > 0 {
		h.mu.Lock()
		if h.connsByHost[host] >= h.cfg.MaxConnectionsPerPeer {
			h.mu.Unlock()
			http.Error(w, errs.ErrTooManyConnections.Error(), http.StatusTooManyRequests)
			return errs.ErrTooManyConnections
		}
		h.connsByHost[host]++
		h.mu.Unlock()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.releaseConnSlot(host)
		return fmt.Errorf("websocket upgrade: %w", err)
	}

	s := newSession(uuid.New().String(), r.RemoteAddr, conn, h)

	s.Send(wsproto.TypeServerInfo, map[string]string{
		"serverId": h.cfg.ServerID,
		"endpoint": h.cfg.Endpoint,
	})

	// Registration (and any connect hook, e.g. attestation's
	// server_identity) happens after server_info is queued, so the two
	// always reach the client in spec order.
	h.registerSession(s)

	go s.writePump()
	s.readPump()
	return nil
}

// dispatch enforces the registered-session gate and the attestation gate,
// then invokes the frame's registered handler. Runs on the session's own
// reader goroutine, so per-session ordering is automatic.
func (h *Hub) dispatch(s *Session, frame wsproto.Frame) {
	if s.PairingCode() == "" && !wsproto.UnregisteredAllowed[frame.Type] {
		s.SendError(errs.ErrNotRegistered.Error())
		return
	}

	if h.requiresAttest[frame.Type] && h.attestChecker != nil && !h.attestChecker.Allowed(s.ID) {
		s.Send(wsproto.TypeError, map[string]string{
			"code":    "NOT_ATTESTED",
			"message": errs.ErrNotAttested.Error(),
		})
		return
	}

	handler, ok := h.handlers[frame.Type]
	if !ok {
		s.SendError(errs.ErrUnknownFrameType.Error())
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Session().Error().Interface("panic", r).Str("frame_type", frame.Type).Msg("handler panicked")
			s.SendError("internal error")
		}
	}()

	handler(s, frame.Raw)
}
