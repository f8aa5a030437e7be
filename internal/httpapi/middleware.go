package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"auth9.org/internal/audit"
	"auth9.org/internal/ids"
	"auth9.org/internal/obs"
	"auth9.org/internal/ratelimit"
	"auth9.org/internal/token"
)

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Logging: method, path, status, duration
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: 200}
		start := time.Now()
		next.ServeHTTP(sw, r)
		obs.LogEvent(map[string]any{
			"level":       "info",
			"msg":         "http request",
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      sw.code,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  audit.RequestIDFromContext(r.Context()),
		})
	})
}

// SecurityHeaders: API-only hardening, no HTML is ever served
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RequestID attaches an id to the request context so audit events and log
// lines from one request can be correlated. Honors an inbound X-Request-ID.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if rid == "" {
			rid = ids.New()
		}
		w.Header().Set("X-Request-ID", rid)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), rid)))
	})
}

// MaxBodyBytes: limit request body size
func MaxBodyBytes(next http.Handler, maxBytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		next.ServeHTTP(w, r)
	})
}

// Admission applies the rate limiter keyed by the strongest identity signal
// available before the handler runs: a subject from a verifiable token,
// the client IP otherwise.
func (a *API) Admission(next http.Handler) http.Handler {
	if a.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ratelimit.KeyFor(a.admissionSubject(r), clientIP(r))
		if !a.limiter.Allow(r.Context(), key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// admissionSubject extracts a verified subject without touching the store:
// the bearer token when one is presented, the identity token in the body on
// the exchange endpoint. Full authn still happens inside the handlers.
func (a *API) admissionSubject(r *http.Request) string {
	if a.codec == nil {
		return ""
	}
	if raw := extractBearerToken(r); raw != "" {
		if sub := a.decodeSubject(raw); sub != "" {
			return sub
		}
	}
	if r.Method == http.MethodPost && r.URL.Path == "/v1/token/exchange" {
		return a.decodeSubject(peekIdentityToken(r))
	}
	return ""
}

func (a *API) decodeSubject(raw string) string {
	if raw == "" {
		return ""
	}
	d, err := a.codec.Decode(raw)
	if err != nil {
		return ""
	}
	switch d.Kind {
	case token.KindIdentity:
		return d.Identity.Subject
	case token.KindTenantAccess:
		return d.TenantAccess.Subject
	case token.KindServiceClient:
		return d.Service.Subject
	}
	return ""
}

// peekIdentityToken reads the identity_token field out of the body and puts
// the bytes back for the handler.
func peekIdentityToken(r *http.Request) string {
	body, _ := io.ReadAll(r.Body)
	r.Body = io.NopCloser(bytes.NewReader(body))
	var req struct {
		IdentityToken string `json:"identity_token"`
	}
	if json.Unmarshal(body, &req) != nil {
		return ""
	}
	return req.IdentityToken
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
