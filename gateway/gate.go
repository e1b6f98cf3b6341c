package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/modelgate/store"
	"github.com/BaSui01/modelgate/types"
)

// Gate validates the caller's API key, enforces its rate limit, and checks
// its model allow-list. It guards every client-facing request.
type Gate struct {
	store   *store.Store
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewGate creates a credential gate backed by the config store.
func NewGate(st *store.Store, limiter *RateLimiter, logger *zap.Logger) *Gate {
	return &Gate{
		store:   st,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "credential_gate")),
	}
}

// anonymous is the sentinel identity returned in open (zero-credential)
// mode.
var anonymous = &store.Credential{Name: ""}

// Snapshot returns the current configuration snapshot. Handlers resolve it
// once per request and pass it through authentication and routing, so a
// reload mid-request never mixes configuration versions.
func (g *Gate) Snapshot() *store.Snapshot { return g.store.Current() }

// Authenticate resolves the request's credential against the given
// snapshot. model may be empty for endpoints that do not name one
// (e.g. listings).
func (g *Gate) Authenticate(snap *store.Snapshot, r *http.Request, model string) (*store.Credential, *types.Error) {
	// Open mode: no credentials configured yet, allow everything so a
	// fresh deployment can be bootstrapped through the admin API.
	if snap.Open() {
		return anonymous, nil
	}

	token := extractToken(r)
	if token == "" {
		return nil, types.NewError(types.ErrUnauthorized, "missing API key")
	}

	cred, ok := snap.CredentialByHash(hashKey(token))
	if !ok {
		return nil, types.NewError(types.ErrUnauthorized, "invalid API key")
	}

	if cred.Limited() && !g.limiter.Check(cred.ID, cred.RateLimitRPS, cred.BurstSize) {
		return nil, types.NewError(types.ErrRateLimited, "rate limit exceeded")
	}

	if model != "" && !cred.AllowedModels.Allows(model) {
		return nil, types.NewError(types.ErrForbidden, "model not allowed for this API key")
	}

	return cred, nil
}

// extractToken pulls the raw key from Authorization (stripping a Bearer
// prefix) or x-api-key.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// hashKey returns the SHA-256 hex digest of a raw key. Credentials are
// always compared by hash, never by raw string.
func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashKey exposes the digest for the admin API, which stores it at key
// creation.
func HashKey(raw string) string { return hashKey(raw) }
