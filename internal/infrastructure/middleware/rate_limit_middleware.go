package middleware

import (
	"sync"
	"time"

	"camgrid/pkg/config"
	"camgrid/pkg/errors"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// rateLimiterStore stores per-key (for example, per IP) rate limiters. Keys idle
// for longer than idleTTL are swept on access.
type rateLimiterStore struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	rate      rate.Limit
	burstSize int
	idleTTL   time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newRateLimiterStore never evicts a key before its bucket would have refilled,
// so dropping an idle limiter cannot hand a client extra tokens.
func newRateLimiterStore(r rate.Limit, burst int, idleTTL time.Duration) *rateLimiterStore {
	if r > 0 {
		refill := time.Duration(float64(burst) / float64(r) * float64(time.Second))
		if idleTTL < refill {
			idleTTL = refill
		}
	}
	return &rateLimiterStore{
		limiters:  make(map[string]*limiterEntry),
		rate:      r,
		burstSize: burst,
		idleTTL:   idleTTL,
		now:       time.Now,
	}
}

func (s *rateLimiterStore) getLimiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.lastSweep.IsZero() {
		s.lastSweep = now
	}
	if s.idleTTL > 0 && now.Sub(s.lastSweep) >= s.idleTTL {
		for k, e := range s.limiters {
			if now.Sub(e.lastSeen) >= s.idleTTL {
				delete(s.limiters, k)
			}
		}
		s.lastSweep = now
	}

	entry, exists := s.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burstSize)}
		s.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (s *rateLimiterStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.limiters)
}

func passThrough(c *gin.Context) { c.Next() }

func abortWith(c *gin.Context, appErr *errors.AppError) {
	c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

// NewHTTPRateLimitMiddleware returns Gin middleware that applies simple IP-based rate limiting.
// Clients are keyed by gin's ClientIP, which only honours X-Forwarded-For from
// the engine's trusted proxies.
func NewHTTPRateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	store := newRateLimiterStore(rate.Limit(cfg.RateLimiting.HTTP.RequestsPerSecond), cfg.RateLimiting.HTTP.Burst, cfg.RateLimiting.IdleTimeout)

	var globalSem chan struct{}
	if cfg.RateLimiting.HTTP.MaxConcurrent > 0 {
		globalSem = make(chan struct{}, cfg.RateLimiting.HTTP.MaxConcurrent)
	}

	return func(c *gin.Context) {
		// Global concurrent requests throttling
		if globalSem != nil {
			select {
			case globalSem <- struct{}{}:
				defer func() { <-globalSem }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many concurrent requests"))
				return
			}
		}

		if !store.getLimiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "1")
			abortWith(c, errors.NewRateLimitError())
			return
		}
		c.Next()
	}
}

// NewStreamConnectionLimitMiddleware limits how often one IP may open long-lived
// frame connections (WebSocket, MJPEG) and how many may be open at once.
func NewStreamConnectionLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	if !cfg.RateLimiting.Enabled {
		return passThrough
	}

	perMinute := cfg.RateLimiting.WebSocket.ConnectionsPerMinute
	store := newRateLimiterStore(rate.Every(time.Minute/time.Duration(perMinute)), perMinute, cfg.RateLimiting.IdleTimeout)

	var open chan struct{}
	if cfg.RateLimiting.WebSocket.MaxConcurrent > 0 {
		open = make(chan struct{}, cfg.RateLimiting.WebSocket.MaxConcurrent)
	}

	return func(c *gin.Context) {
		if !store.getLimiter(c.ClientIP()).Allow() {
			c.Header("Retry-After", "60")
			abortWith(c, errors.NewRateLimitError())
			return
		}

		if open != nil {
			select {
			case open <- struct{}{}:
				defer func() { <-open }()
			default:
				abortWith(c, errors.NewServiceUnavailableError("too many open stream connections"))
				return
			}
		}
		c.Next()
	}
}
