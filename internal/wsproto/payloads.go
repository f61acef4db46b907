package wsproto

import "encoding/json"

// RegisterPayload is the inbound register frame.
type RegisterPayload struct {
	PairingCode string `json:"pairingCode"`
	PublicKey   string `json:"publicKey"`
}

type PairRequestPayload struct {
	TargetCode string `json:"targetCode"`
}

type PairResponsePayload struct {
	TargetCode string `json:"targetCode"`
	Accepted   bool   `json:"accepted"`
}

// SignalForwardPayload carries an opaque SDP/ICE envelope the server never
// inspects beyond routing it to peerCode.
type SignalForwardPayload struct {
	PeerCode string          `json:"peerCode"`
	Payload  json.RawMessage `json:"payload"`
}

type RegisterRendezvousPayload struct {
	Points     []string          `json:"points"`
	Tokens     []string          `json:"tokens"`
	DeadDrops  map[string]string `json:"deadDrops"`
	DeadDrop   string            `json:"deadDrop"`
	RelayID    string            `json:"relayId"`
}

type ChannelOwnerRegisterPayload struct {
	ChannelID string `json:"channelId"`
}

type ChannelSubscribePayload struct {
	ChannelID string `json:"channelId"`
}

type UpstreamMessagePayload struct {
	ChannelID         string          `json:"channelId"`
	Message           json.RawMessage `json:"message"`
	EphemeralPublicKey string         `json:"ephemeralPublicKey"`
}

type StreamStartPayload struct {
	ChannelID string `json:"channelId"`
	Title     string `json:"title"`
}

type StreamFramePayload struct {
	ChannelID string          `json:"channelId"`
	Frame     json.RawMessage `json:"frame"`
}

type StreamEndPayload struct {
	ChannelID string `json:"channelId"`
}

type ChunkAnnounceItem struct {
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
}

type ChunkAnnouncePayload struct {
	PeerID string              `json:"peerId"`
	Chunks []ChunkAnnounceItem `json:"chunks"`
}

type ChunkRequestPayload struct {
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
}

type ChunkPushPayload struct {
	ChunkID   string `json:"chunkId"`
	ChannelID string `json:"channelId"`
	Data      string `json:"data"`
}

type AttestRequestPayload struct {
	BuildToken string `json:"build_token"`
	DeviceID   string `json:"device_id"`
}

type AttestResponseItem struct {
	RegionIndex int    `json:"region_index"`
	HMAC        string `json:"hmac"`
}

type AttestResponsePayload struct {
	Nonce     string               `json:"nonce"`
	Responses []AttestResponseItem `json:"responses"`
}
