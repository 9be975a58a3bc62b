// Package ratelimit throttles inbound requests per client key.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	httperrors "gitea.jw6.us/james/calsync/internal/http/errors"
	"gitea.jw6.us/james/calsync/internal/metrics"
)

const defaultMaxEntries = 10000

// KeyFunc maps a request to the key its budget is tracked under.
type KeyFunc func(r *http.Request) string

// Limiter keeps one token bucket per key. Idle buckets are dropped after
// twice the cleanup interval.
type Limiter struct {
	name       string
	key        KeyFunc
	rate       rate.Limit
	burst      int
	cleanup    time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// New builds a limiter and starts its cleanup loop. name labels the
// rejection metric.
func New(name string, r rate.Limit, burst int, cleanup time.Duration, key KeyFunc) *Limiter {
	l := &Limiter{
		name:       name,
		key:        key,
		rate:       r,
		burst:      burst,
		cleanup:    cleanup,
		maxEntries: defaultMaxEntries,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
		stop:       make(chan struct{}),
	}
	if cleanup > 0 {
		go l.cleanupLoop()
	}
	return l
}

// NewIPRateLimiter limits per client IP. trustedProxies lists CIDR ranges or
// single addresses whose forwarding headers are believed; with none
// configured every proxy is trusted.
func NewIPRateLimiter(name string, r rate.Limit, burst int, cleanup time.Duration, trustedProxies []string) *Limiter {
	return New(name, r, burst, cleanup, ClientIP(trustedProxies))
}

// Close stops the cleanup loop.
func (l *Limiter) Close() {
	l.once.Do(func() { close(l.stop) })
}

// Allow reports whether a request for key may proceed and, if not, how long
// until it would.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.now()
	res := l.bucketFor(key, now).ReserveN(now, 1)
	if !res.OK() {
		return false, time.Second
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (l *Limiter) bucketFor(key string, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		if len(l.buckets) >= l.maxEntries {
			l.evictOldest()
		}
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastAccess = now
	return b.limiter
}

func (l *Limiter) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, b := range l.buckets {
		if oldestKey == "" || b.lastAccess.Before(oldest) {
			oldestKey = key
			oldest = b.lastAccess
		}
	}
	if oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-2 * l.cleanup)
	for key, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Middleware rejects requests over budget with 429 and a Retry-After header.
func (l *Limiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := l.Allow(l.key(r)); !ok {
				metrics.IncRateLimited(l.name)
				httperrors.TooManyRequests(w, r, wait)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP keys requests by the originating client address.
func ClientIP(trustedProxies []string) KeyFunc {
	nets := parseProxies(trustedProxies)
	return func(r *http.Request) string {
		return clientIP(r, nets)
	}
}

func parseProxies(proxies []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, entry := range proxies {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip, bits = ip.To4(), 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

func clientIP(r *http.Request, trusted []*net.IPNet) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == nil {
		return r.RemoteAddr
	}
	if len(trusted) > 0 && !containsIP(trusted, remoteIP) {
		return remoteIP.String()
	}

	// X-Forwarded-For is "client, proxy1, proxy2"; the client comes first.
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	if parsed := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); parsed != nil {
		return parsed.String()
	}
	return remoteIP.String()
}

func containsIP(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
