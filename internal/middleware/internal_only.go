package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// InternalSecretHeader carries the shared secret on server-to-server calls.
const InternalSecretHeader = "X-Internal-Secret"

func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil && h != "" {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// InternalAllowed reports whether r may reach an internal endpoint: loopback callers
// always, others only with the matching X-Internal-Secret.
func InternalAllowed(r *http.Request, secret string) bool {
	if isLoopback(r.RemoteAddr) {
		return true
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get(InternalSecretHeader))
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// InternalOnly rejects requests that fail InternalAllowed with 403.
func InternalOnly(secret string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !InternalAllowed(r, secret) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
