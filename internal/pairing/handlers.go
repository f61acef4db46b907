package pairing

import (
	"encoding/json"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/errs"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

func (r *Registry) handleRegister(s *session.Session, raw json.RawMessage) {
	var payload wsproto.RegisterPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}
	if payload.PairingCode == "" {
		s.SendError("Missing required field: pairingCode")
		return
	}
	if !validCode(payload.PairingCode) {
		s.SendError(errs.ErrInvalidCodeFormat.Error())
		return
	}

	r.mu.Lock()
	if s.PairingCode() != "" {
		r.mu.Unlock()
		s.SendError(errs.ErrAlreadyRegistered.Error())
		return
	}
	if _, taken := r.byCode[payload.PairingCode]; taken {
		r.mu.Unlock()
		s.SendError(errs.ErrCodeInUse.Error())
		return
	}
	r.byCode[payload.PairingCode] = s
	r.mu.Unlock()

	s.SetPairingCode(payload.PairingCode)
	s.SetPublicKey(payload.PublicKey)

	resp := map[string]interface{}{"pairingCode": payload.PairingCode}
	if r.redirector != nil {
		if targets := r.redirector.GetRedirectTargets([]string{payload.PairingCode}); len(targets) > 0 {
			resp["redirects"] = targets
		}
	}
	s.Send(wsproto.TypeRegistered, resp)
}

func (r *Registry) handlePing(s *session.Session, raw json.RawMessage) {
	s.Send("pong", map[string]interface{}{})
}

func (r *Registry) handlePairRequest(s *session.Session, raw json.RawMessage) {
	var payload wsproto.PairRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}
	fromCode := s.PairingCode()

	r.mu.Lock()
	target, ok := r.byCode[payload.TargetCode]
	if !ok || payload.TargetCode == fromCode {
		r.mu.Unlock()
		s.Send(wsproto.TypePairError, map[string]string{"error": errs.ErrPairRequestFailed.Error()})
		return
	}

	key := requestKey{from: fromCode, to: payload.TargetCode}
	_, replacing := r.pending[key]

	if !replacing {
		fanIn := r.fanInIdx[payload.TargetCode]
		if len(fanIn) >= r.cfg.PairRequestFanInCap {
			r.mu.Unlock()
			s.Send(wsproto.TypePairError, map[string]string{"error": errs.ErrPairRequestFailed.Error()})
			return
		}
	} else {
		r.cancelTimersLocked(r.pending[key])
	}

	now := time.Now()
	req := &pendingRequest{
		fromCode:      fromCode,
		toCode:        payload.TargetCode,
		fromPublicKey: s.PublicKey(),
		createdAt:     now,
		expiresAt:     now.Add(r.cfg.PairRequestTimeout),
	}
	r.pending[key] = req
	if r.fanInIdx[payload.TargetCode] == nil {
		r.fanInIdx[payload.TargetCode] = make(map[requestKey]bool)
	}
	r.fanInIdx[payload.TargetCode][key] = true

	r.scheduleTimersLocked(key)
	r.mu.Unlock()

	target.Send(wsproto.TypePairIncoming, map[string]interface{}{
		"fromCode":      fromCode,
		"fromPublicKey": req.fromPublicKey,
		"expiresIn":     r.cfg.PairRequestTimeout.Milliseconds(),
	})
}

// scheduleTimersLocked must be called with r.mu held. Timers carry only
// the registry key, never the record pointer, per Design Note §9.
func (r *Registry) scheduleTimersLocked(key requestKey) {
	req := r.pending[key]
	warnDelay := r.cfg.PairRequestTimeout - r.cfg.PairRequestWarningTime
	req.warnTimer = time.AfterFunc(warnDelay, func() { r.fireWarning(key) })
	req.timeoutTimer = time.AfterFunc(r.cfg.PairRequestTimeout, func() { r.fireTimeout(key) })
}

func (r *Registry) cancelTimersLocked(req *pendingRequest) {
	if req == nil {
		return
	}
	if req.warnTimer != nil {
		req.warnTimer.Stop()
	}
	if req.timeoutTimer != nil {
		req.timeoutTimer.Stop()
	}
}

func (r *Registry) fireWarning(key requestKey) {
	r.mu.Lock()
	req, ok := r.pending[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	from, fromOK := r.sessionByCode(req.fromCode)
	to, toOK := r.sessionByCode(req.toCode)
	if fromOK {
		from.Send(wsproto.TypePairExpiring, map[string]interface{}{"peerCode": req.toCode, "remainingSeconds": 30})
	}
	if toOK {
		to.Send(wsproto.TypePairExpiring, map[string]interface{}{"peerCode": req.fromCode, "remainingSeconds": 30})
	}
}

func (r *Registry) fireTimeout(key requestKey) {
	r.mu.Lock()
	req, ok := r.pending[key]
	if ok {
		r.purgeLocked(key)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if from, ok := r.sessionByCode(req.fromCode); ok {
		from.Send(wsproto.TypePairTimeout, map[string]interface{}{"peerCode": req.toCode})
	}
}

func (r *Registry) handlePairResponse(s *session.Session, raw json.RawMessage) {
	var payload wsproto.PairResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}
	toCode := s.PairingCode()
	key := requestKey{from: payload.TargetCode, to: toCode}

	r.mu.Lock()
	req, ok := r.pending[key]
	if !ok {
		r.mu.Unlock()
		s.Send(wsproto.TypePairError, map[string]string{"error": errs.ErrNoPendingRequest.Error()})
		return
	}
	r.purgeLocked(key)
	r.mu.Unlock()

	requester, requesterOK := r.sessionByCode(req.fromCode)

	if !payload.Accepted {
		if requesterOK {
			requester.Send(wsproto.TypePairRejected, map[string]interface{}{"peerCode": toCode})
		}
		return
	}

	if requesterOK {
		requester.Send(wsproto.TypePairMatched, map[string]interface{}{
			"peerCode":      toCode,
			"peerPublicKey": s.PublicKey(),
			"isInitiator":   true,
		})
	}
	s.Send(wsproto.TypePairMatched, map[string]interface{}{
		"peerCode":      req.fromCode,
		"peerPublicKey": req.fromPublicKey,
		"isInitiator":   false,
	})
}

func (r *Registry) handleSignalForward(s *session.Session, raw json.RawMessage) {
	var payload wsproto.SignalForwardPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.SendError("invalid JSON")
		return
	}
	target, ok := r.sessionByCode(payload.PeerCode)
	if !ok {
		return
	}
	target.Send("signal_forward", map[string]interface{}{
		"fromCode": s.PairingCode(),
		"payload":  payload.Payload,
	})
}

// purgeLocked removes the request and cancels its timers. Must hold r.mu.
func (r *Registry) purgeLocked(key requestKey) {
	req, ok := r.pending[key]
	if !ok {
		return
	}
	r.cancelTimersLocked(req)
	delete(r.pending, key)
	if fanIn, ok := r.fanInIdx[key.to]; ok {
		delete(fanIn, key)
		if len(fanIn) == 0 {
			delete(r.fanInIdx, key.to)
		}
	}
}

func (r *Registry) sessionByCode(code string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byCode[code]
	return s, ok
}

// handleDisconnect purges the session's code binding and every pair
// request it participates in, cancelling timers synchronously.
func (r *Registry) handleDisconnect(s *session.Session) {
	code := s.PairingCode()
	if code == "" {
		return
	}

	r.mu.Lock()
	if r.byCode[code] == s {
		delete(r.byCode, code)
	}
	for key := range r.pending {
		if key.from == code || key.to == code {
			r.purgeLocked(key)
		}
	}
	r.mu.Unlock()

	logger.Pairing().Debug().Str("code", code).Msg("session disconnected, code released")
}
