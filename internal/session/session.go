// Package session multiplexes WebSocket connections. Each Session is
// serviced by one reader and one writer goroutine; inbound frame handling
// for a given session is strictly serial, so session-local fields need no
// further locking beyond what cross-session lookups require.
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/errs"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// outboundFrame is what actually travels the send channel; it is marshaled
// lazily in writePump so callers never block on JSON encoding.
type outboundFrame struct {
	Type    string      `json:"type"`
	payload interface{}
}

func (f outboundFrame) MarshalJSON() ([]byte, error) {
	type envelope struct {
		Type string `json:"type"`
	}
	base, err := json.Marshal(f.payload)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		// payload wasn't an object (e.g. nil) — emit just the type
		return json.Marshal(envelope{Type: f.Type})
	}
	merged["type"], _ = json.Marshal(f.Type)
	return json.Marshal(merged)
}

// Session is a single live client connection.
type Session struct {
	ID         string
	RemoteAddr string
	CreatedAt  time.Time

	hub  *Hub
	conn *websocket.Conn
	send chan outboundFrame

	mu          sync.RWMutex
	pairingCode string
	publicKey   string
	lastActive  time.Time

	limiter *rate.Limiter

	closeOnce sync.Once
	log       zerolog.Logger
}

func newSession(id, remoteAddr string, conn *websocket.Conn, hub *Hub) *Session {
	now := time.Now()
	return &Session{
		ID:         id,
		RemoteAddr: remoteAddr,
		CreatedAt:  now,
		lastActive: now,
		hub:        hub,
		conn:       conn,
		send:       make(chan outboundFrame, sendBuffer),
		limiter:    rate.NewLimiter(rate.Every(hub.cfg.SessionFrameWindow/time.Duration(hub.cfg.SessionFrameRate)), hub.cfg.SessionFrameRate),
		log:        logger.Session().With().Str("session_id", id).Logger(),
	}
}

// Send enqueues a frame for delivery. A full outbound queue marks the
// session for disconnect rather than blocking the caller — per spec,
// emitting to another session is a non-blocking enqueue.
func (s *Session) Send(frameType string, payload interface{}) {
	select {
	case s.send <- outboundFrame{Type: frameType, payload: payload}:
	default:
		s.log.Warn().Str("frame_type", frameType).Msg("outbound queue full, dropping session")
		go s.Close("outbound queue full")
	}
}

// SendError is a convenience wrapper for the generic protocol-level error frame.
func (s *Session) SendError(message string) {
	s.Send(wsproto.TypeError, map[string]string{"message": message})
}

func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.log.Debug().Str("reason", reason).Msg("closing session")
		s.hub.unregister <- s
	})
}

func (s *Session) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

func (s *Session) SetPairingCode(code string) {
	s.mu.Lock()
	s.pairingCode = code
	s.mu.Unlock()
}

func (s *Session) PublicKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.publicKey
}

func (s *Session) SetPublicKey(key string) {
	s.mu.Lock()
	s.publicKey = key
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) readPump() {
	defer s.Close("read loop ended")

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.touch()

		if !s.limiter.Allow() {
			s.SendError(errs.ErrRateLimitExceeded.Error())
			continue
		}

		frame, err := wsproto.DecodeFrame(data)
		if err != nil {
			s.SendError(err.Error())
			continue
		}

		s.hub.dispatch(s, frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				s.log.Error().Err(err).Msg("failed to marshal outbound frame")
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
