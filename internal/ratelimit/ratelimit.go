// Package ratelimit throttles uploads per client address and globally using
// fixed windows kept in memory or in Redis.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Store counts hits for key within window and reports whether the hit fits
// under limit. When it does not, the duration until the window resets is
// returned.
type Store interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

// Rule is a limit of Limit hits per Window. A zero Limit disables the rule.
type Rule struct {
	Limit  int
	Window time.Duration
}

func (r Rule) enabled() bool {
	return r.Limit > 0 && r.Window > 0
}

var (
	DefaultPerClient = Rule{Limit: 5, Window: 15 * time.Minute}
	DefaultGlobal    = Rule{Limit: 100, Window: 15 * time.Minute}
)

type Config struct {
	Store     Store
	PerClient Rule
	Global    Rule
	// KeyPrefix namespaces keys in shared stores.
	KeyPrefix string
	Logger    *slog.Logger
}

type Limiter struct {
	store     Store
	perClient Rule
	global    Rule
	prefix    string
	logger    *slog.Logger
}

func New(cfg Config) *Limiter {
	l := &Limiter{
		store:     cfg.Store,
		perClient: cfg.PerClient,
		global:    cfg.Global,
		prefix:    strings.TrimSpace(cfg.KeyPrefix),
		logger:    cfg.Logger,
	}
	if l.store == nil {
		l.store = NewMemoryStore()
	}
	if l.prefix == "" {
		l.prefix = "mediaforge:ratelimit"
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Allow applies the per-client rule and then the global rule. Store errors
// are logged and the request is let through.
func (l *Limiter) Allow(ctx context.Context, client string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	if client == "" {
		client = "unknown"
	}
	if l.perClient.enabled() {
		if ok, retry := l.check(ctx, l.prefix+":client:"+client, l.perClient); !ok {
			return false, retry
		}
	}
	if l.global.enabled() {
		if ok, retry := l.check(ctx, l.prefix+":global", l.global); !ok {
			return false, retry
		}
	}
	return true, 0
}

func (l *Limiter) check(ctx context.Context, key string, rule Rule) (bool, time.Duration) {
	allowed, retry, err := l.store.Allow(ctx, key, rule.Limit, rule.Window)
	if err != nil {
		l.logger.Warn("rate limit store unavailable", "key", key, "error", err)
		return true, 0
	}
	if !allowed && retry <= 0 {
		retry = rule.Window
	}
	return allowed, retry
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// header in whole seconds.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retry := l.Allow(r.Context(), ClientIP(r))
		if !allowed {
			seconds := int(math.Ceil(retry.Seconds()))
			if seconds < 1 {
				seconds = 1
			}
			l.logger.Info("upload rate limited", "client", ClientIP(r), "retry_after_seconds", seconds)
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many uploads, try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the host part of RemoteAddr. A proxy-aware middleware is
// expected to have rewritten RemoteAddr already.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryStore keeps fixed-window counters in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	sweeps  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), now: time.Now}
}

func (s *MemoryStore) Allow(_ context.Context, key string, limit int, period time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(period)}
		s.windows[key] = w
	}
	w.count++
	s.cleanupLocked(now)
	if w.count <= limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}

func (s *MemoryStore) cleanupLocked(now time.Time) {
	s.sweeps++
	if s.sweeps < 256 {
		return
	}
	s.sweeps = 0
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
		}
	}
}
