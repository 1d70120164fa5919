// Package middleware holds the mux middlewares shared by every route.
package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/PortNumber53/crosspost/internal/logger"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrade.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RequestLogger logs one line per request and turns handler panics into 500s.
func RequestLogger(l *log.Entry) mux.MiddlewareFunc {
	l = logger.OrDiscard(l)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			defer func() {
				if p := recover(); p != nil {
					l.WithFields(log.Fields{"method": r.Method, "path": r.URL.Path, "panic": p}).
						Error("handler panic\n" + string(debug.Stack()))
					if rec.status == 0 {
						http.Error(rec, `{"error":"internal error"}`, http.StatusInternalServerError)
					}
				}
				status := rec.status
				if status == 0 {
					status = http.StatusOK
				}
				entry := l.WithFields(log.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     status,
					"bytes":      rec.bytes,
					"durationMs": time.Since(start).Milliseconds(),
					"remote":     r.RemoteAddr,
				})
				if status >= 500 {
					entry.Warn("request")
					return
				}
				entry.Info("request")
			}()
			next.ServeHTTP(rec, r)
		})
	}
}
