// Package pairing implements the pairing-code registry and the
// pair-request state machine: ephemeral one-shot introductions between
// two live sessions.
package pairing

import (
	"regexp"
	"sync"
	"time"

	"github.com/Hamza-Labs-Core/zajel-sub008/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub008/internal/session"
)

// pairingCodePattern matches exactly 6 characters from the ambiguity-free
// 32-symbol alphabet.
var pairingCodePattern = regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{6}$`)

// pendingRequest is keyed by (fromCode, toCode) in the registry's map, not
// referenced by pointer from any timer — timers carry the key and look the
// record up on fire, so a purge racing a timer is always safe (Design Note
// on cyclic references).
type pendingRequest struct {
	fromCode      string
	toCode        string
	fromPublicKey string
	createdAt     time.Time
	expiresAt     time.Time
	warnTimer     *time.Timer
	timeoutTimer  *time.Timer
}

type requestKey struct {
	from string
	to   string
}

// Redirector resolves whether a code's primary replica set excludes this
// server, implemented by internal/federation.
type Redirector interface {
	GetRedirectTargets(keys []string) []RedirectTarget
}

type RedirectTarget struct {
	ServerID string   `json:"serverId"`
	Endpoint string   `json:"endpoint"`
	Hashes   []string `json:"hashes"`
}

// Registry tracks which session owns which pairing code and the live
// pair-request state machine between codes.
type Registry struct {
	cfg *config.Config

	mu       sync.Mutex
	byCode   map[string]*session.Session
	pending  map[requestKey]*pendingRequest
	fanInIdx map[string]map[requestKey]bool // target code -> requests targeting it

	redirector Redirector
}

func NewRegistry(cfg *config.Config, redirector Redirector) *Registry {
	return &Registry{
		cfg:        cfg,
		byCode:     make(map[string]*session.Session),
		pending:    make(map[requestKey]*pendingRequest),
		fanInIdx:   make(map[string]map[requestKey]bool),
		redirector: redirector,
	}
}

// Wire registers this registry's handlers and disconnect hook on the hub.
func (r *Registry) Wire(hub *session.Hub) {
	hub.RegisterHandler("register", r.handleRegister)
	hub.RegisterHandler("pair_request", r.handlePairRequest)
	hub.RegisterHandler("pair_response", r.handlePairResponse)
	hub.RegisterHandler("signal_forward", r.handleSignalForward)
	hub.RegisterHandler("ping", r.handlePing)
	hub.OnDisconnect(r.handleDisconnect)
}

func validCode(code string) bool {
	return pairingCodePattern.MatchString(code)
}
