package gateway

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	corsMethods = "GET, POST, PUT, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-API-Key, X-Actor-ID, X-Trace-ID"
	corsExpose  = "Retry-After, X-Trace-ID"
	corsMaxAge  = "3600"
)

// originSet matches Origin headers against allow_origins entries. An entry
// is "*", a full origin ("https://shop.example") or a host pattern in the
// form the websocket upgrader accepts ("*.shop.example").
type originSet struct {
	any      bool
	exact    map[string]bool
	patterns []string
}

func newOriginSet(allow []string) originSet {
	set := originSet{exact: map[string]bool{}}
	for _, o := range allow {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
		case o == "*":
			set.any = true
		case strings.Contains(o, "://"):
			set.exact[strings.ToLower(o)] = true
		default:
			set.patterns = append(set.patterns, strings.ToLower(o))
		}
	}
	return set
}

func (s originSet) allows(origin string) bool {
	if origin == "" {
		return false
	}
	if s.any || s.exact[strings.ToLower(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.ToLower(u.Host)
	for _, p := range s.patterns {
		if ok, _ := path.Match(p, host); ok {
			return true
		}
	}
	return false
}

// NewCORSMiddleware allows browser calls from the listed origins. With no
// origins it is a pass-through and browsers fall back to same-origin rules.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	set := newOriginSet(allowOrigins)
	if !set.any && len(set.exact) == 0 && len(set.patterns) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("Vary", "Origin")
			origin := r.Header.Get("Origin")
			allowed := set.allows(origin)
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Expose-Headers", corsExpose)
				if preflight {
					h.Set("Access-Control-Allow-Methods", corsMethods)
					h.Set("Access-Control-Allow-Headers", corsHeaders)
					h.Set("Access-Control-Max-Age", corsMaxAge)
				}
			}
			if preflight {
				if !allowed {
					w.WriteHeader(http.StatusForbidden)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestSizeLimitMiddleware caps request bodies at maxBytes. Requests that
// declare a larger Content-Length are refused before the handler runs.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{
					Error:  "validation_error",
					Reason: fmt.Sprintf("request body exceeds %d bytes", maxBytes),
				})
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
