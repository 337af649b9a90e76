package api

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// partnerLimiter keeps one token bucket per partner. A bucket holds limit
// tokens and refills completely over window.
type partnerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    int
	every    rate.Limit
	now      func() time.Time
}

func newPartnerLimiter(limit int, window time.Duration) *partnerLimiter {
	if limit <= 0 {
		limit = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &partnerLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		every:    rate.Every(window / time.Duration(limit)),
		now:      time.Now,
	}
}

func (l *partnerLimiter) get(partnerID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[partnerID]
	if !ok {
		lim = rate.NewLimiter(l.every, l.limit)
		l.limiters[partnerID] = lim
	}
	return lim
}

// allow takes one token for partnerID. When none is available it returns
// how long until one is.
func (l *partnerLimiter) allow(partnerID string) (remaining int, retryAfter time.Duration, ok bool) {
	lim := l.get(partnerID)
	now := l.now()

	res := lim.ReserveN(now, 1)
	if !res.OK() {
		return 0, time.Duration(math.MaxInt64), false
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return 0, delay, false
	}
	return int(lim.TokensAt(now)), 0, true
}
