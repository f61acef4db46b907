// Package attestation implements the bootstrap-delegated attestation
// gateway that gates chunk operations: a per-session grace period, a
// challenge/response round trip against an external bootstrap service, and
// a write of each issued session token to Redis under the connection ID.
// The gateway never reads that Redis copy back: admission decisions use only
// in-process per-session state.
package attestation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/cache"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/errs"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/logger"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/wsproto"
)

type sessionState struct {
	sess        *session.Session
	connectedAt time.Time
	pending     bool
	attested    bool
	tokenExpiry time.Time
}

// cachedToken is what's stored in Redis under attest:token:<connectionID>.
type cachedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Gateway implements session.AttestationChecker. It is a no-op (always
// allows) when no bootstrap URL is configured.
type Gateway struct {
	cfg    *config.Config
	cache  *cache.Cache
	client *http.Client

	pub  ed25519.PublicKey
	priv ed25519.PrivateKey

	mu       sync.Mutex
	sessions map[string]*sessionState
}

func NewGateway(cfg *config.Config, c *cache.Cache) (*Gateway, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server identity key: %w", err)
	}
	return &Gateway{
		cfg:      cfg,
		cache:    c,
		client:   &http.Client{Timeout: 5 * time.Second},
		pub:      pub,
		priv:     priv,
		sessions: make(map[string]*sessionState),
	}, nil
}

func (g *Gateway) Wire(hub *session.Hub) {
	if !g.cfg.AttestationEnabled() {
		return
	}
	hub.SetAttestationChecker(g)
	hub.OnConnect(g.handleConnect)
	hub.OnDisconnect(g.handleDisconnect)
	hub.RegisterHandler(wsproto.InAttestRequest, g.handleAttestRequest)
	hub.RegisterHandler(wsproto.InAttestResponse, g.handleAttestResponse)
}

func (g *Gateway) handleConnect(s *session.Session) {
	g.mu.Lock()
	g.sessions[s.ID] = &sessionState{sess: s, connectedAt: time.Now()}
	g.mu.Unlock()

	nonce := make([]byte, 32)
	_, _ = rand.Read(nonce)
	sig := ed25519.Sign(g.priv, nonce)

	s.Send(wsproto.TypeServerIdentity, map[string]string{
		"publicKey": base64.StdEncoding.EncodeToString(g.pub),
		"nonce":     base64.StdEncoding.EncodeToString(nonce),
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
}

func (g *Gateway) handleDisconnect(s *session.Session) {
	g.mu.Lock()
	delete(g.sessions, s.ID)
	g.mu.Unlock()
}

// Allowed implements session.AttestationChecker.
func (g *Gateway) Allowed(connectionID string) bool {
	if !g.cfg.AttestationEnabled() {
		return true
	}

	g.mu.Lock()
	st, ok := g.sessions[connectionID]
	g.mu.Unlock()
	if !ok {
		return false
	}

	if st.attested && time.Now().Before(st.tokenExpiry) {
		return true
	}
	if st.pending {
		return true
	}
	if time.Since(st.connectedAt) < g.cfg.GracePeriod {
		return true
	}
	return false
}

func (g *Gateway) handleAttestRequest(s *session.Session, raw json.RawMessage) {
	var payload wsproto.AttestRequestPayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.BuildToken == "" || payload.DeviceID == "" {
		s.Send(wsproto.TypeAttestError, map[string]string{"message": errs.ErrMissingAttestField.Error()})
		return
	}

	g.mu.Lock()
	if st, ok := g.sessions[s.ID]; ok {
		st.pending = true
	}
	g.mu.Unlock()

	var result struct {
		Nonce   string        `json:"nonce"`
		Regions []interface{} `json:"regions"`
	}
	if err := g.postJSON("/attest/challenge", map[string]string{
		"build_token": payload.BuildToken,
		"device_id":   payload.DeviceID,
	}, &result); err != nil {
		s.Send(wsproto.TypeAttestError, map[string]string{"message": errs.ErrBootstrapUnreachable.Error() + ": " + err.Error()})
		return
	}

	s.Send(wsproto.TypeAttestChallenge, map[string]interface{}{
		"nonce":   result.Nonce,
		"regions": result.Regions,
	})
}

func (g *Gateway) handleAttestResponse(s *session.Session, raw json.RawMessage) {
	var payload wsproto.AttestResponsePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.Send(wsproto.TypeAttestFailed, map[string]string{"message": "invalid JSON"})
		s.Close("attestation failed")
		return
	}
	if len(payload.Responses) == 0 {
		s.Send(wsproto.TypeAttestFailed, map[string]string{"message": errs.ErrEmptyResponses.Error()})
		s.Close("attestation failed")
		return
	}

	var result struct {
		Valid        bool   `json:"valid"`
		SessionToken string `json:"session_token"`
	}
	if err := g.postJSON("/attest/verify", map[string]interface{}{
		"nonce":     payload.Nonce,
		"responses": payload.Responses,
	}, &result); err != nil {
		s.Send(wsproto.TypeAttestFailed, map[string]string{"message": errs.ErrAttestationFailed.Error() + ": " + errs.ErrBootstrapUnreachable.Error()})
		s.Close("attestation failed")
		return
	}

	if !result.Valid {
		s.Send(wsproto.TypeAttestFailed, map[string]string{"message": errs.ErrAttestationFailed.Error()})
		s.Close("attestation failed")
		return
	}

	expiry := time.Now().Add(g.cfg.SessionTokenTTL)
	g.mu.Lock()
	if st, ok := g.sessions[s.ID]; ok {
		st.attested = true
		st.pending = false
		st.tokenExpiry = expiry
	}
	g.mu.Unlock()

	if g.cache != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = g.cache.Set(ctx, cache.AttestTokenKey(s.ID), cachedToken{Token: result.SessionToken, ExpiresAt: expiry}, g.cfg.SessionTokenTTL)
		cancel()
	}

	s.Send(wsproto.TypeAttestSuccess, map[string]string{"session_token": result.SessionToken})
}

func (g *Gateway) postJSON(path string, body interface{}, target interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BootstrapURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		logger.Attestation().Error().Err(err).Str("path", path).Msg("bootstrap request failed")
		return fmt.Errorf("bootstrap request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("bootstrap returned status %d: %s", resp.StatusCode, string(respBody))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

// Sweep terminates sessions past the grace period that are neither
// attested nor pending. Run every ~30s by internal/scheduler.
func (g *Gateway) Sweep() {
	now := time.Now()

	g.mu.Lock()
	var expired []*session.Session
	for _, st := range g.sessions {
		if st.attested || st.pending {
			continue
		}
		if now.Sub(st.connectedAt) >= g.cfg.GracePeriod {
			expired = append(expired, st.sess)
		}
	}
	g.mu.Unlock()

	for _, s := range expired {
		s.Send(wsproto.TypeError, map[string]string{"code": "NOT_ATTESTED", "message": errs.ErrNotAttested.Error()})
		s.Close("attestation grace period expired")
	}
}
