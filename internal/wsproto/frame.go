// Package wsproto defines the JSON wire envelope carried over each
// session's WebSocket and the frame-type constants the multiplexer
// dispatches on.
package wsproto

import (
	"encoding/json"
	"fmt"
)

// Frame is the minimal shape every inbound message must satisfy: a
// required Type discriminator plus the rest of the object kept raw until
// a handler decodes it into its typed payload.
type Frame struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// DecodeFrame parses a single inbound text frame. It returns an error whose
// text begins "invalid JSON" when the bytes are not a JSON object, and one
// reading "missing required field: type" when the type is absent or not a
// string; the session sends that text back unchanged in an error frame.
func DecodeFrame(data []byte) (Frame, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("invalid JSON: %w", err)
	}

	typeRaw, ok := raw["type"]
	if !ok {
		return Frame{}, fmt.Errorf("missing required field: type")
	}

	var frameType string
	if err := json.Unmarshal(typeRaw, &frameType); err != nil {
		return Frame{}, fmt.Errorf("missing required field: type")
	}

	return Frame{Type: frameType, Raw: json.RawMessage(data)}, nil
}

// Decode unmarshals the frame's raw bytes into a typed payload.
func (f Frame) Decode(target interface{}) error {
	return json.Unmarshal(f.Raw, target)
}

// Outbound frame type constants (server -> client).
const (
	TypeServerInfo     = "server_info"
	TypeServerIdentity = "server_identity"
	TypePeerJoined     = "peer_joined"
	TypePeerLeft       = "peer_left"

	TypePairIncoming = "pair_incoming"
	TypePairExpiring = "pair_expiring"
	TypePairTimeout  = "pair_timeout"
	TypePairRejected = "pair_rejected"
	TypePairMatched  = "pair_matched"
	TypePairError    = "pair_error"

	TypeError = "error"

	TypeMatch            = "match"
	TypeRendezvousResult = "rendezvous_result"
	TypeRegistered       = "registered"

	TypeChunkPull        = "chunk_pull"
	TypeChunkResponse    = "chunk_response"
	TypeChunkPulling     = "chunk_pulling"
	TypeChunkError       = "chunk_error"
	TypeChunkAnnounceAck = "chunk_announce_ack"
	TypeChunkPushAck     = "chunk_push_ack"

	TypeAttestChallenge = "attest_challenge"
	TypeAttestSuccess   = "attest_success"
	TypeAttestFailed    = "attest_failed"
	TypeAttestError     = "attest_error"

	TypeChannelOwnerRegistered = "channel-owner-registered"
	TypeChannelSubscribed      = "channel-subscribed"
	TypeUpstreamMessage        = "upstream-message"
	TypeUpstreamAck            = "upstream-ack"
	TypeStreamStart            = "stream-start"
	TypeStreamStarted          = "stream-started"
	TypeStreamFrame            = "stream-frame"
	TypeStreamEnd              = "stream-end"
	TypeStreamEnded            = "stream-ended"
)

// Inbound frame type constants (client -> server).
const (
	InRegister       = "register"
	InPairRequest    = "pair_request"
	InPairResponse   = "pair_response"
	InSignalForward  = "signal_forward"
	InPing           = "ping"

	InRegisterRendezvous = "register_rendezvous"
	InHeartbeat          = "heartbeat"

	InChannelOwnerRegister = "channel-owner-register"
	InChannelSubscribe     = "channel-subscribe"
	InUpstreamMessage      = "upstream-message"
	InStreamStart          = "stream-start"
	InStreamFrame          = "stream-frame"
	InStreamEnd            = "stream-end"
	InChunkAnnounce        = "chunk_announce"
	InChunkRequest         = "chunk_request"
	InChunkPush            = "chunk_push"
	InAttestRequest        = "attest_request"
	InAttestResponse       = "attest_response"
)

// UnregisteredAllowed is the set of frame types a session may issue before
// it has completed register.
var UnregisteredAllowed = map[string]bool{
	InRegister:       true,
	InPing:           true,
	InAttestRequest:  true,
	InAttestResponse: true,
}
