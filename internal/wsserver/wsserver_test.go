package wsserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/federation"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
)

func TestHealthEndpointReportsSessionCount(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Load()
	cfg.VirtualNodes = 10
	cfg.ReplicationFactor = 1
	hub := session.NewHub(cfg)
	fed := federation.NewRegistry(cfg, nil)
	s := New(cfg, hub, fed)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
	require.Equal(t, cfg.ServerID, body["serverId"])
	require.Equal(t, float64(0), body["sessions"])
}

func TestRingStatusWithoutKeyReportsServerIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Load()
	cfg.VirtualNodes = 10
	cfg.ReplicationFactor = 2
	hub := session.NewHub(cfg)
	fed := federation.NewRegistry(cfg, nil)
	s := New(cfg, hub, fed)

	req := httptest.NewRequest(http.MethodGet, "/admin/ring", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, cfg.ServerID, body["serverId"])
	require.Equal(t, float64(2), body["replicationFactor"])
}

func TestRingStatusWithKeyReportsLocality(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Load()
	cfg.ServerID = "solo"
	cfg.VirtualNodes = 10
	cfg.ReplicationFactor = 1
	hub := session.NewHub(cfg)
	fed := federation.NewRegistry(cfg, nil)
	s := New(cfg, hub, fed)

	req := httptest.NewRequest(http.MethodGet, "/admin/ring?key=some-code", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "some-code", body["key"])
	require.Contains(t, body, "local")
	require.Contains(t, body, "responsible")
}

func TestWSConnectRateLimiterRejectsBurstFromSameIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Load()
	cfg.WSConnectRatePerSecond = 1
	cfg.WSConnectBurst = 2
	hub := session.NewHub(cfg)
	fed := federation.NewRegistry(cfg, nil)
	s := New(cfg, hub, fed)

	// The burst of 2 is consumed by plain (non-upgrade) requests that pass
	// the limiter and then fail the upgrade in handleWS; what matters here is
	// that the N+1th request from the same IP is rejected by the limiter,
	// which runs ahead of handleWS in the chain.
	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "203.0.113.5:5000"
		rec := httptest.NewRecorder()
		s.engine.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	require.Equal(t, http.StatusTooManyRequests, codes[2], "codes: %v", codes)
}

func TestSecurityHeadersAppliedToAllResponses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Load()
	hub := session.NewHub(cfg)
	fed := federation.NewRegistry(cfg, nil)
	s := New(cfg, hub, fed)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.engine.ServeHTTP(rec, req)

	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}
