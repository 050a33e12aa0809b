package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// authPathPrefix routes get a bucket of their own, keyed by client address
// and a quarter of the general rate.
const authPathPrefix = "/api/auth/"

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type visitors struct {
	mu    sync.Mutex
	items map[string]*visitor
}

func (v *visitors) limiter(key string, rps float64, burst int) *rate.Limiter {
	v.mu.Lock()
	defer v.mu.Unlock()
	item, ok := v.items[key]
	if !ok {
		item = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
		v.items[key] = item
	}
	item.lastSeen = time.Now()
	return item.limiter
}

func (v *visitors) sweep(idle time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for key, item := range v.items {
		if time.Since(item.lastSeen) > idle {
			delete(v.items, key)
		}
	}
}

// RateLimit throttles per browser session, falling back to the client
// address for anonymous calls. Login and registration are always limited
// per address so rotating cookies does not reset the budget.
func RateLimit(rps float64, burst int) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	buckets := &visitors{items: make(map[string]*visitor)}

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			buckets.sweep(3 * time.Minute)
		}
	}()

	authRPS := rps / 4
	authBurst := max(burst/4, 1)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var limiter *rate.Limiter
			if strings.HasPrefix(r.URL.Path, authPathPrefix) {
				limiter = buckets.limiter("auth:"+extractIP(r.RemoteAddr), authRPS, authBurst)
			} else {
				limiter = buckets.limiter(limiterKey(r), rps, burst)
			}
			if !limiter.Allow() {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests","request_id":"` + GetRequestID(r.Context()) + `"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func limiterKey(r *http.Request) string {
	if cookie, err := r.Cookie(SessionIDCookie); err == nil && strings.TrimSpace(cookie.Value) != "" {
		sum := sha256.Sum256([]byte(cookie.Value))
		return "session:" + hex.EncodeToString(sum[:12])
	}
	return "ip:" + extractIP(r.RemoteAddr)
}

func extractIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
