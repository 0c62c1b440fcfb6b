package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idle limiters are dropped after this long
const limiterTTL = 10 * time.Minute

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// RateLimit allows perMinute requests per client address, with a burst of
// the same size. A non-positive perMinute disables the limit.
func RateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	var mu sync.Mutex
	visitors := make(map[string]*visitor)
	limit := rate.Limit(float64(perMinute) / 60.0)

	get := func(key string, now time.Time) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		for k, v := range visitors {
			if now.Sub(v.seen) > limiterTTL {
				delete(visitors, k)
			}
		}
		v, ok := visitors[key]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(limit, perMinute)}
			visitors[key] = v
		}
		v.seen = now
		return v.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !get(clientKey(r), time.Now()).Allow() {
				w.Header().Set("Retry-After", "60")
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
