package httpserver

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

const (
	adminRPS   = 5
	adminBurst = 10

	// limiterIdleTTL must exceed the time an empty bucket takes to refill.
	limiterIdleTTL = 10 * time.Minute
)

// limiterPool hands out one token bucket per caller key. Buckets expire
// after ttl without use so the pool stays bounded by recent callers.
type limiterPool struct {
	mu    sync.Mutex
	c     *cache.Cache
	rps   rate.Limit
	burst int
}

func newLimiterPool(rps float64, burst int, ttl time.Duration) *limiterPool {
	return &limiterPool{
		c:     cache.New(ttl, ttl),
		rps:   rate.Limit(rps),
		burst: burst,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	var l *rate.Limiter
	if v, ok := p.c.Get(key); ok {
		l = v.(*rate.Limiter)
	} else {
		l = rate.NewLimiter(p.rps, p.burst)
	}
	// Re-set on every use so expiry is measured from the last request.
	p.c.SetDefault(key, l)
	return l
}

func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// Len returns the number of live buckets.
func (p *limiterPool) Len() int {
	return p.c.ItemCount()
}
