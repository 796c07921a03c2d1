package gateway

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opal-compute/gateway/core/controlplane/admission"
	"golang.org/x/time/rate"
)

const (
	envRateLimitRPS   = "API_RATE_LIMIT_RPS"
	envRateLimitBurst = "API_RATE_LIMIT_BURST"

	redacted = "[redacted]"
)

var credentialHeaders = map[string]bool{
	"Authorization":          true,
	"X-Api-Key":              true,
	"Cookie":                 true,
	"Sec-Websocket-Protocol": true,
}

// newLimiterFromEnv returns the global API limiter. A zero rate disables it.
func newLimiterFromEnv() *rate.Limiter {
	rps := envInt(envRateLimitRPS, defaultRateLimitRPS)
	burst := envInt(envRateLimitBurst, defaultRateLimitBurst)
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = rps
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func envInt(key string, fallback int) int {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}

func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/api/") || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			if !isAllowedOrigin(r) {
				http.Error(w, "origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isAllowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin.
		return true
	}

	allowed, allowAll := allowedOriginsFromEnv()
	if allowAll {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}

	_, ok := allowed[origin]
	return ok
}

func allowedOriginsFromEnv() (map[string]struct{}, bool) {
	for _, key := range []string{"CORS_ALLOWED_ORIGINS", "OPAL_ALLOWED_ORIGINS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		if raw == "*" {
			return nil, true
		}
		set := make(map[string]struct{})
		for _, part := range strings.Split(raw, ",") {
			if p := strings.TrimSpace(part); p != "" {
				set[p] = struct{}{}
			}
		}
		return set, false
	}
	return nil, false
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// tokenFromRequest reads the caller token from X-API-Key, a bearer
// Authorization header or the websocket subprotocol, in that order.
func tokenFromRequest(r *http.Request) string {
	if key := normalizeToken(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return normalizeToken(auth[7:])
	}
	return tokenFromWebSocket(r)
}

func normalizeToken(key string) string {
	// Common .env mistake: quoting values.
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(key), "\"'"))
}

func tokenFromWebSocket(r *http.Request) string {
	protocols := websocket.Subprotocols(r)
	prefix := wsAPIKeyProtocol + "."
	for i, protocol := range protocols {
		if strings.EqualFold(protocol, wsAPIKeyProtocol) && i+1 < len(protocols) {
			return decodeWSToken(protocols[i+1])
		}
		if strings.HasPrefix(strings.ToLower(protocol), prefix) {
			return decodeWSToken(protocol[len(prefix):])
		}
	}
	return ""
}

func decodeWSToken(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
		return string(decoded)
	}
	return raw
}

// callerFrom describes the request for the pipeline. bodyToken is used when
// no header carries a token.
func callerFrom(r *http.Request, bodyToken string) admission.Caller {
	token := tokenFromRequest(r)
	if token == "" {
		token = normalizeToken(bodyToken)
	}
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		if credentialHeaders[http.CanonicalHeaderKey(name)] {
			headers[name] = redacted
			continue
		}
		headers[name] = values[0]
	}
	return admission.Caller{
		Token:   token,
		Route:   r.Method + " " + r.URL.Path,
		Headers: headers,
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack forwards websocket hijacking support to the underlying writer when available.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hj.Hijack()
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
		}
	}
}
