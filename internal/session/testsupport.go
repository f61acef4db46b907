package session

import "time"

// NewTestSession builds a Session with no underlying connection, for unit
// tests of registries that only need Send/PairingCode/SetPairingCode.
// Mirrors the teacher's SetDB-style test seam (internal/db.Database).
func NewTestSession(hub *Hub, id string) *Session {
	return newSession(id, "test", nil, hub)
}

// RecvForTest drains one outbound frame, for assertions in registry tests.
func (s *Session) RecvForTest(timeout time.Duration) (frameType string, payload interface{}, ok bool) {
	select {
	case f, open := <-s.send:
		if !open {
			return "", nil, false
		}
		return f.Type, f.payload, true
	case <-time.After(timeout):
		return "", nil, false
	}
}
