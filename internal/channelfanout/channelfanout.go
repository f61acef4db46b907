// Package channelfanout implements owner-bound upstream message queues and
// live-stream broadcast for a channel, modeled on the agent hub's
// subscriber-set broadcast pattern but keyed per channel rather than global.
package channelfanout

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/errs"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

type queuedUpstream struct {
	Message            json.RawMessage `json:"message"`
	EphemeralPublicKey string          `json:"ephemeralPublicKey"`
}

type liveStream struct {
	streamID string
	title    string
}

// channel holds the owner binding, subscriber set, queued upstream
// messages, and an active live-stream record, all guarded by Registry.mu.
type channel struct {
	owner       *session.Session
	subscribers map[string]*session.Session
	queue       []queuedUpstream
	stream      *liveStream
	streamSeq   int
}

// Registry tracks every channel this server has seen. Channels are
// created lazily on first owner-register or subscribe and are never
// explicitly deleted; they become garbage once owner and subscribers all
// disconnect, at which point the queue is the only retained memory and is
// bounded by UpstreamQueueCap.
type Registry struct {
	cfg *config.Config

	mu       sync.Mutex
	channels map[string]*channel

	limiters   map[string]*rate.Limiter
	limitersMu sync.Mutex
}

func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:      cfg,
		channels: make(map[string]*channel),
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *Registry) Wire(hub *session.Hub) {
	hub.RegisterHandler(wsproto.InChannelOwnerRegister, r.handleOwnerRegister)
	hub.RegisterHandler(wsproto.InChannelSubscribe, r.handleSubscribe)
	hub.RegisterHandler(wsproto.InUpstreamMessage, r.handleUpstream)
	hub.RegisterHandler(wsproto.InStreamStart, r.handleStreamStart)
	hub.RegisterHandler(wsproto.InStreamFrame, r.handleStreamFrame)
	hub.RegisterHandler(wsproto.InStreamEnd, r.handleStreamEnd)
	hub.OnDisconnect(r.handleDisconnect)
}

func (r *Registry) channelLocked(channelID string) *channel {
	c, ok := r.channels[channelID]
	if !ok {
		c = &channel{subscribers: make(map[string]*session.Session)}
		r.channels[channelID] = c
	}
	return c
}

func (r *Registry) handleOwnerRegister(s *session.Session, raw json.RawMessage) {
	var payload wsproto.ChannelOwnerRegisterPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ChannelID == "" {
		s.SendError(errs.ErrMissingChannelID.Error())
		return
	}

	r.mu.Lock()
	c := r.channelLocked(payload.ChannelID)
	c.owner = s
	queued := c.queue
	c.queue = nil
	r.mu.Unlock()

	for _, q := range queued {
		s.Send(wsproto.TypeUpstreamMessage, map[string]interface{}{
			"channelId":          payload.ChannelID,
			"message":            q.Message,
			"ephemeralPublicKey": q.EphemeralPublicKey,
		})
	}

	s.Send(wsproto.TypeChannelOwnerRegistered, map[string]string{"channelId": payload.ChannelID})
}

func (r *Registry) handleSubscribe(s *session.Session, raw json.RawMessage) {
	var payload wsproto.ChannelSubscribePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ChannelID == "" {
		s.SendError(errs.ErrMissingChannelID.Error())
		return
	}

	r.mu.Lock()
	c := r.channelLocked(payload.ChannelID)
	c.subscribers[s.ID] = s
	var activeStream *liveStream
	if c.stream != nil {
		activeStream = c.stream
	}
	r.mu.Unlock()

	if activeStream != nil {
		s.Send(wsproto.TypeStreamStart, map[string]interface{}{
			"streamId":  activeStream.streamID,
			"channelId": payload.ChannelID,
			"title":     activeStream.title,
		})
	}

	s.Send(wsproto.TypeChannelSubscribed, map[string]string{"channelId": payload.ChannelID})
}

func (r *Registry) handleUpstream(s *session.Session, raw json.RawMessage) {
	var payload wsproto.UpstreamMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}
	if payload.ChannelID == "" {
		s.SendError(errs.ErrMissingChannelID.Error())
		return
	}
	if len(payload.Message) == 0 {
		s.SendError(errs.ErrMissingMessage.Error())
		return
	}

	if !r.allowUpstream(s.ID) {
		s.Send(wsproto.TypeError, map[string]string{
			"message": "upstream-message rate limit exceeded",
		})
		return
	}

	r.mu.Lock()
	c := r.channelLocked(payload.ChannelID)
	owner := c.owner
	if owner == nil {
		c.queue = append(c.queue, queuedUpstream{Message: payload.Message, EphemeralPublicKey: payload.EphemeralPublicKey})
		if len(c.queue) > r.cfg.UpstreamQueueCap {
			c.queue = c.queue[len(c.queue)-r.cfg.UpstreamQueueCap:]
		}
	}
	r.mu.Unlock()

	if owner != nil {
		owner.Send(wsproto.TypeUpstreamMessage, map[string]interface{}{
			"channelId":          payload.ChannelID,
			"message":            payload.Message,
			"ephemeralPublicKey": payload.EphemeralPublicKey,
		})
	}

	var idHolder struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(payload.Message, &idHolder)

	s.Send(wsproto.TypeUpstreamAck, map[string]string{"messageId": idHolder.ID})
}

func (r *Registry) handleStreamStart(s *session.Session, raw json.RawMessage) {
	var payload wsproto.StreamStartPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ChannelID == "" {
		s.SendError(errs.ErrMissingChannelID.Error())
		return
	}

	r.mu.Lock()
	c := r.channelLocked(payload.ChannelID)
	if c.owner != s {
		r.mu.Unlock()
		s.Send(wsproto.TypeError, map[string]string{"message": errs.ErrNotChannelOwner.Error()})
		return
	}
	c.streamSeq++
	streamID := streamIDFor(payload.ChannelID, c.streamSeq)
	c.stream = &liveStream{streamID: streamID, title: payload.Title}
	subs := snapshotSubscribers(c)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Send(wsproto.TypeStreamStart, map[string]interface{}{
			"streamId":  streamID,
			"channelId": payload.ChannelID,
			"title":     payload.Title,
		})
	}

	s.Send(wsproto.TypeStreamStarted, map[string]interface{}{"subscriberCount": len(subs)})
}

func (r *Registry) handleStreamFrame(s *session.Session, raw json.RawMessage) {
	var payload wsproto.StreamFramePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ChannelID == "" {
		return
	}

	r.mu.Lock()
	c, ok := r.channels[payload.ChannelID]
	if !ok || c.owner != s || c.stream == nil {
		r.mu.Unlock()
		return
	}
	streamID := c.stream.streamID
	subs := snapshotSubscribers(c)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Send(wsproto.TypeStreamFrame, map[string]interface{}{
			"streamId":  streamID,
			"channelId": payload.ChannelID,
			"frame":     payload.Frame,
		})
	}
}

func (r *Registry) handleStreamEnd(s *session.Session, raw json.RawMessage) {
	var payload wsproto.StreamEndPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ChannelID == "" {
		s.SendError(errs.ErrMissingChannelID.Error())
		return
	}

	r.mu.Lock()
	c, ok := r.channels[payload.ChannelID]
	if !ok || c.owner != s {
		r.mu.Unlock()
		s.Send(wsproto.TypeError, map[string]string{"message": errs.ErrNotChannelOwner.Error()})
		return
	}
	var streamID string
	if c.stream != nil {
		streamID = c.stream.streamID
	}
	c.stream = nil
	subs := snapshotSubscribers(c)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Send(wsproto.TypeStreamEnd, map[string]interface{}{
			"streamId":  streamID,
			"channelId": payload.ChannelID,
		})
	}

	s.Send(wsproto.TypeStreamEnded, map[string]string{"channelId": payload.ChannelID})
}

// handleDisconnect drops the session from any subscriber set it joined and,
// if it owned a channel with an active stream, synthesizes a stream-end
// fan-out before clearing ownership.
func (r *Registry) handleDisconnect(s *session.Session) {
	type endNotice struct {
		channelID, streamID string
		subs                []*session.Session
	}
	var notices []endNotice

	r.mu.Lock()
	for channelID, c := range r.channels {
		delete(c.subscribers, s.ID)
		if c.owner == s {
			if c.stream != nil {
				notices = append(notices, endNotice{channelID: channelID, streamID: c.stream.streamID, subs: snapshotSubscribers(c)})
			}
			c.owner = nil
			c.stream = nil
		}
	}
	r.mu.Unlock()

	for _, n := range notices {
		for _, sub := range n.subs {
			sub.Send(wsproto.TypeStreamEnd, map[string]interface{}{
				"streamId":  n.streamID,
				"channelId": n.channelID,
			})
		}
	}
}

func snapshotSubscribers(c *channel) []*session.Session {
	subs := make([]*session.Session, 0, len(c.subscribers))
	for _, sub := range c.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

func streamIDFor(channelID string, seq int) string {
	return channelID + "-stream-" + strconv.Itoa(seq)
}

func (r *Registry) allowUpstream(sessionID string) bool {
	r.limitersMu.Lock()
	defer r.limitersMu.Unlock()
	limiter, ok := r.limiters[sessionID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(r.cfg.UpstreamMessageWindow/time.Duration(r.cfg.UpstreamMessageRate)), r.cfg.UpstreamMessageRate)
		r.limiters[sessionID] = limiter
	}
	return limiter.Allow()
}
