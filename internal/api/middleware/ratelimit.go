package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig is a token bucket applied to each client address.
type RateLimitConfig struct {
	Rate  rate.Limit
	Burst int
	// Idle buckets older than MaxAge are swept every CleanupInterval.
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

// DefaultRateLimitConfig covers the phone UI and carer endpoints. The UI
// polls and issues commands from the device itself, so the bucket is wide.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            20,
		Burst:           40,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// LoginRateLimitConfig guards PIN login. A PIN has few digits, so guesses
// are held to one every 10 seconds after a burst of 5.
func LoginRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Rate:            rate.Every(10 * time.Second),
		Burst:           5,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          time.Hour,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter keeps one bucket per client address.
type IPRateLimiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	entries map[string]*bucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewIPRateLimiter creates a limiter and starts sweeping idle buckets.
// Call Stop when done.
func NewIPRateLimiter(cfg RateLimitConfig) *IPRateLimiter {
	rl := &IPRateLimiter{
		cfg:     cfg,
		entries: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow takes a token for ip if one is available.
func (rl *IPRateLimiter) Allow(ip string) bool {
	ok, _ := rl.take(ip)
	return ok
}

// take takes a token for ip. When none is available it reports how long
// until the next one without consuming it.
func (rl *IPRateLimiter) take(ip string) (bool, time.Duration) {
	now := time.Now()

	rl.mu.Lock()
	b := rl.entries[ip]
	if b == nil {
		b = &bucket{limiter: rate.NewLimiter(rl.cfg.Rate, rl.cfg.Burst)}
		rl.entries[ip] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return false, wait
	}
	return true, 0
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *IPRateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *IPRateLimiter) sweep() {
	t := time.NewTicker(rl.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-t.C:
			rl.cleanup()
		}
	}
}

func (rl *IPRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.cfg.MaxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	before := len(rl.entries)
	for ip, b := range rl.entries {
		if b.lastSeen.Before(cutoff) {
			delete(rl.entries, ip)
		}
	}
	if n := before - len(rl.entries); n > 0 {
		slog.Debug("rate limiter swept idle clients", "removed", n, "remaining", len(rl.entries))
	}
}

// RateLimit rejects requests over the client's budget with 429 and a
// Retry-After header giving the whole seconds until the next token.
func RateLimit(limiter *IPRateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if ok, wait := limiter.take(ip); !ok {
				secs := int(math.Ceil(wait.Seconds()))
				if secs < 1 {
					secs = 1
				}
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "retry_after", secs)
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is RemoteAddr without the port. chi's RealIP runs first, so a
// proxy-supplied address has already replaced it.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
