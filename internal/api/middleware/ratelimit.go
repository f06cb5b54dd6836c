package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/painel-eleitoral/server/internal/api/problem"
	"github.com/painel-eleitoral/server/internal/config"
)

const (
	limiterSweepInterval = 5 * time.Minute
	limiterIdleTTL       = 15 * time.Minute
)

// RateLimit throttles uploads per client address to cfg.IngestPerMinute,
// allowing a burst of the same size. A zero limit returns next unchanged.
func RateLimit(cfg config.RateLimitConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if cfg.IngestPerMinute <= 0 {
			return next
		}
		clients := newClientLimiters(cfg.IngestPerMinute)
		proxies := parseProxyPrefixes(cfg.TrustedProxyCIDRs)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if clients.allow(clientAddr(r, proxies)) {
				next.ServeHTTP(w, r)
				return
			}
			problem.Write(w, r, http.StatusTooManyRequests, problem.TypeRateLimited, "Too many uploads", nil, "",
				problem.WithDetail(fmt.Sprintf("at most %d uploads per minute per client", cfg.IngestPerMinute)),
				problem.WithRetryAfter(clients.refill))
		})
	}
}

// clientLimiters holds one token bucket per client, swept when idle.
type clientLimiters struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	burst   int
	refill  time.Duration

	done     chan struct{}
	doneOnce sync.Once
}

type bucket struct {
	*rate.Limiter
	seen time.Time
}

func newClientLimiters(perMinute int) *clientLimiters {
	c := &clientLimiters{
		buckets: make(map[string]*bucket),
		burst:   perMinute,
		refill:  time.Minute / time.Duration(perMinute),
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

func (c *clientLimiters) allow(client string) bool {
	now := time.Now()

	c.mu.Lock()
	b, ok := c.buckets[client]
	if !ok {
		b = &bucket{Limiter: rate.NewLimiter(rate.Every(c.refill), c.burst)}
		c.buckets[client] = b
	}
	b.seen = now
	c.mu.Unlock()

	return b.AllowN(now, 1)
}

func (c *clientLimiters) sweepLoop() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.sweep(now)
		case <-c.done:
			return
		}
	}
}

func (c *clientLimiters) sweep(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for client, b := range c.buckets {
		if now.Sub(b.seen) > limiterIdleTTL {
			delete(c.buckets, client)
		}
	}
}

func (c *clientLimiters) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// parseProxyPrefixes skips entries that do not parse; config validation
// already rejects them at startup.
func parseProxyPrefixes(cidrs []string) []netip.Prefix {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, cidr := range cidrs {
		if p, err := netip.ParsePrefix(strings.TrimSpace(cidr)); err == nil {
			prefixes = append(prefixes, p.Masked())
		}
	}
	return prefixes
}

// clientAddr is the peer address, or the first X-Forwarded-For hop
// (then X-Real-IP) when the peer is a trusted proxy.
func clientAddr(r *http.Request, proxies []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(peer); err == nil {
		peer = host
	}
	if !trusted(peer, proxies) {
		return peer
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return peer
}

func trusted(peer string, proxies []netip.Prefix) bool {
	addr, err := netip.ParseAddr(peer)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range proxies {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
