package httpapi

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// publicPaths never require a bearer token, mirroring the teacher's
// isPublicPath allowlist: the liveness probe stays open, and /docs is
// guarded by its own Basic-Auth check instead (a request cannot carry both
// a Basic and a Bearer Authorization header). Readiness touches the state
// store and is credentialed like everything else this facade exposes.
var publicPaths = []string{
	"/health/liveness",
	"/docs",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

type traceIDKey struct{}

// TraceID reads the trace id a previous traceID middleware stashed on ctx.
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey{}).(string)
	return v
}

// traceIDMiddleware stamps every request/response pair with a trace id
// (google/uuid), surfaced both on the response header and in any
// ProblemDetail body, so a caller can correlate a failure against AFRelay's
// own request log (spec.md §4.5's RequestLogEntry).
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Trace-Id", id)
		ctx := context.WithValue(r.Context(), traceIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// visitor is one rate-limited caller's bucket and last-seen time, allowing
// cleanupVisitors to evict buckets nobody has used recently.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimitConfig mirrors the teacher's per-IP rate/burst knobs.
type rateLimitConfig struct {
	RatePerSecond rate.Limit
	Burst         int
}

// GlobalRateLimiter is a per-caller token bucket keyed by remote address,
// grounded on the teacher's GlobalRateLimiter: a background goroutine
// started in the constructor periodically evicts idle buckets so the map
// doesn't grow unbounded across a long-lived process.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	cfg      rateLimitConfig
}

// NewGlobalRateLimiter builds a limiter and starts its cleanup goroutine.
func NewGlobalRateLimiter(ratePerSecond float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		cfg:      rateLimitConfig{RatePerSecond: rate.Limit(ratePerSecond), Burst: burst},
	}
	go rl.cleanupVisitors()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.cfg.RatePerSecond, rl.cfg.Burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

func (rl *GlobalRateLimiter) cleanupVisitors() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for key, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware rejects a request with 429 once its caller's bucket is empty.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if key == "" {
			key = "unknown"
		}
		if !rl.getVisitor(key).Allow() {
			writeProblem(w, r, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// claims is the minimal JWT payload AFRelay's single shared-secret HMAC
// token carries — unlike the teacher's keyset-based, multi-tenant
// HelmClaims, a private relay deployment only needs to prove possession of
// the shared secret, not identify a tenant.
type claims struct {
	jwt.RegisteredClaims
}

// NewAuthMiddleware builds the bearer-auth middleware: fail-closed except
// for publicPaths, validating against a single HMAC secret rather than the
// teacher's JWKS-backed KeySet (spec.md §6's "bearer token auth except
// /health/liveness" — this deployment has exactly one trusted caller, the
// invoicing software's own backend, so a shared secret is sufficient).
func NewAuthMiddleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, r, "missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeUnauthorized(w, r, "expected 'Bearer <token>' Authorization header")
				return
			}

			if secret == "" {
				writeUnauthorized(w, r, "authentication is not configured")
				return
			}

			token, err := jwt.ParseWithClaims(parts[1], &claims{}, func(t *jwt.Token) (any, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeUnauthorized(w, r, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// basicAuthMiddleware protects GET /docs with the DOCS_USERNAME/
// DOCS_PASSWORD credential pair, independent of the bearer-token scheme the
// rest of the facade uses — the docs endpoint is meant for a human with a
// browser, not the invoicing software's backend. Plain stdlib
// http.Request.BasicAuth rather than an external library: HTTP Basic Auth
// challenge/response is a three-line std-library check, and nothing in the
// example pack reaches for a dependency to do it differently.
func basicAuthMiddleware(username, password string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if username == "" && password == "" {
			writeNotFound(w, r, "documentation endpoint is not configured")
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || u != username || p != password {
			w.Header().Set("WWW-Authenticate", `Basic realm="afrelay-docs"`)
			writeUnauthorized(w, r, "invalid documentation credentials")
			return
		}
		next(w, r)
	}
}
