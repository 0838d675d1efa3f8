package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/leasecoord/pkg/auth"
	"github.com/nimburion/leasecoord/pkg/config"
	"github.com/nimburion/leasecoord/pkg/observability/logger"
)

const limiterIdleTTL = 10 * time.Minute

// TokenValidator checks admin bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
}

// ManagementOption customizes a ManagementServer.
type ManagementOption func(*ManagementServer)

// WithTokenValidator replaces the validator built from the admin_auth settings.
func WithTokenValidator(v TokenValidator) ManagementOption {
	return func(s *ManagementServer) {
		s.guard.validator = v
	}
}

// adminGuard rate limits admin requests per client address, then authenticates them.
type adminGuard struct {
	validator TokenValidator
	limit     rate.Limit
	burst     int
	now       func() time.Time
	log       logger.Logger

	mu       sync.Mutex
	limiters map[string]*clientLimiter
	lastGC   time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAdminGuard(cfg config.ManagementConfig, log logger.Logger) *adminGuard {
	g := &adminGuard{
		limit:    rate.Limit(cfg.AdminRateLimit.RequestsPerSecond),
		burst:    cfg.AdminRateLimit.Burst,
		now:      time.Now,
		log:      log,
		limiters: map[string]*clientLimiter{},
	}
	if a := cfg.AdminAuth; a.Enabled {
		g.validator = auth.NewValidator(auth.NewJWKSClient(a.JWKSURL, a.CacheTTL, log), a.Issuer, a.Audience, a.Scope)
	}
	return g
}

func (g *adminGuard) wrap(action string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		if !g.allow(client) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}

		subject := "anonymous"
		if g.validator != nil {
			token, ok := auth.BearerToken(r.Header.Get("Authorization"))
			if !ok {
				w.Header().Set("WWW-Authenticate", `Bearer realm="leasecoord"`)
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bearer token required"})
				return
			}
			claims, err := g.validator.Validate(r.Context(), token)
			if err != nil {
				status := http.StatusUnauthorized
				if errors.Is(err, auth.ErrForbidden) {
					status = http.StatusForbidden
				}
				g.log.Warn("admin request rejected", "action", action, "client", client, "error", err)
				writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
				return
			}
			subject = claims.Subject
		}

		g.log.Info("admin request", "action", action, "client", client, "subject", subject)
		next(w, r)
	}
}

func (g *adminGuard) allow(client string) bool {
	if g.limit <= 0 {
		return true
	}
	now := g.now()
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.Sub(g.lastGC) > limiterIdleTTL {
		for key, cl := range g.limiters {
			if now.Sub(cl.lastSeen) > limiterIdleTTL {
				delete(g.limiters, key)
			}
		}
		g.lastGC = now
	}
	cl, ok := g.limiters[client]
	if !ok {
		cl = &clientLimiter{limiter: rate.NewLimiter(g.limit, g.burst)}
		g.limiters[client] = cl
	}
	cl.lastSeen = now
	return cl.limiter.AllowN(now, 1)
}

// clientAddr is the peer host. Forwarding headers are ignored: the management
// port is not meant to sit behind a shared proxy.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
