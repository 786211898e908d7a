package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/haggle/internal/config"
)

type authContextKey struct{}

// AuthMiddleware rejects requests without a configured API key. Health and
// metrics stay open for probes. A key bound to an actor supplies X-Actor-ID
// and may not claim a different one.
type AuthMiddleware struct {
	enabled bool
	keys    []authKey
}

type authKey struct {
	sum   [sha256.Size]byte
	entry *config.APIKeyEntry
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{enabled: cfg.Enabled}
	for i := range cfg.Keys {
		am.keys = append(am.keys, authKey{
			sum:   sha256.Sum256([]byte(cfg.Keys[i].Key)),
			entry: &cfg.Keys[i],
		})
	}
	return am
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpsPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthenticated", Reason: "missing API key"})
			return
		}
		entry := am.lookup(key)
		if entry == nil {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "unauthenticated", Reason: "invalid API key"})
			return
		}

		if entry.Actor != "" {
			claimed := r.Header.Get(HeaderActorID)
			if claimed != "" && claimed != entry.Actor {
				writeJSON(w, http.StatusForbidden, errorBody{Error: "unauthorized", Reason: "API key is bound to another actor"})
				return
			}
			r.Header.Set(HeaderActorID, entry.Actor)
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ExtractAPIKey checks, in order: Authorization: Bearer <key>, the X-API-Key
// header and the api_key query parameter.
func ExtractAPIKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on a WebSocket handshake.
	return r.URL.Query().Get("api_key")
}

// lookup compares digests so neither key content nor length leaks through
// timing. Every configured key is compared.
func (am *AuthMiddleware) lookup(candidate string) *config.APIKeyEntry {
	sum := sha256.Sum256([]byte(candidate))
	var found *config.APIKeyEntry
	for _, k := range am.keys {
		if subtle.ConstantTimeCompare(sum[:], k.sum[:]) == 1 {
			found = k.entry
		}
	}
	return found
}

// KeyEntryFromContext returns the API key entry the request authenticated
// with, or nil when auth is disabled.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	entry, _ := ctx.Value(authContextKey{}).(*config.APIKeyEntry)
	return entry
}

// isOpsPath reports whether path is a probe endpoint exempt from auth and
// rate limiting.
func isOpsPath(path string) bool {
	switch path {
	case "/healthz", "/metrics", "/metrics/prometheus":
		return true
	}
	return false
}
