package lim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"ephem/metrics"
	"ephem/svc/db"
	"ephem/svc/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxLimiters = 10000
	limiterTTL  = 30 * time.Minute
	window      = time.Minute
)

// Limiter applies two checks per client IP and endpoint: a local token
// bucket that absorbs bursts, then a fixed one-minute window counted in the
// active store so instances sharing a remote agree on usage.
type Limiter struct {
	sel            *db.Selector
	trustedProxies []string
	local          *expirable.LRU[string, *rate.Limiter]
	mu             sync.Mutex
	rpm            int
	burst          int
}

type RateLimitResult struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

func New(rpm, burst int, sel *db.Selector, trustedProxies []string) *Limiter {
	for _, proxy := range trustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				panic(fmt.Sprintf("invalid CIDR in trustedProxies: %s: %v", proxy, err))
			}
		} else if net.ParseIP(proxy) == nil {
			panic(fmt.Sprintf("invalid IP in trustedProxies: %s", proxy))
		}
	}
	return &Limiter{
		sel:            sel,
		trustedProxies: trustedProxies,
		local:          expirable.NewLRU[string, *rate.Limiter](maxLimiters, nil, limiterTTL),
		rpm:            rpm,
		burst:          burst,
	}
}

func (l *Limiter) CheckLimit(r *http.Request, endpoint string) *RateLimitResult {
	ip := GetRealIP(r, l.trustedProxies)
	key := endpoint + ":" + ip
	now := time.Now()
	deny := &RateLimitResult{Allowed: false, Limit: l.rpm, Remaining: 0, Reset: now.Add(window)}

	if !l.bucket(key).Allow() {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return deny
	}
	ctx, cancel := context.WithTimeout(r.Context(), 250*time.Millisecond)
	defer cancel()
	usage, err := db.Call(ctx, l.sel, "rate_limit", func(b db.Backend) (int, error) {
		return b.RateLimit(ctx, key, l.rpm, window)
	})
	if err != nil {
		util.Warn().Err(err).Str("ip", util.RedactIP(ip)).Msg("shared rate limit unavailable, local bucket only")
		return &RateLimitResult{Allowed: true, Limit: l.rpm, Remaining: l.rpm - 1, Reset: now.Add(window)}
	}
	if usage > l.rpm {
		metrics.RateLimitHits.WithLabelValues(endpoint).Inc()
		return deny
	}
	return &RateLimitResult{
		Allowed:   true,
		Limit:     l.rpm,
		Remaining: l.rpm - usage,
		Reset:     now.Add(window),
	}
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.local.Get(key); ok {
		return lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)
	l.local.Add(key, lim)
	return lim
}

func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 {
		return remoteIP
	}
	if !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}

	const maxIPsToParse = 100
	parsedCount := 0
	remaining := xff

	// walk right to left; the first hop that is not a trusted proxy is the client
	for len(remaining) > 0 && parsedCount < maxIPsToParse {
		lastComma := strings.LastIndexByte(remaining, ',')
		var ipStr string
		if lastComma == -1 {
			ipStr = strings.TrimSpace(remaining)
			remaining = ""
		} else {
			ipStr = strings.TrimSpace(remaining[lastComma+1:])
			remaining = remaining[:lastComma]
		}
		if ipStr == "" {
			continue
		}
		parsedCount++
		if net.ParseIP(ipStr) == nil {
			util.Warn().Str("ip", util.RedactIP(ipStr)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(ipStr, trustedProxies) {
			return ipStr
		}
	}
	if parsedCount >= maxIPsToParse {
		util.Warn().Int("parsed", parsedCount).Msg("XFF header excessive, truncated parsing")
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsedIP := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") {
			_, subnet, err := net.ParseCIDR(proxy)
			if err == nil && parsedIP != nil && subnet.Contains(parsedIP) {
				return true
			}
		}
	}
	return false
}

func stripPort(ip string) string {
	if host, _, err := net.SplitHostPort(ip); err == nil {
		return host
	}
	return ip
}
