// Package ratelimit bounds per-user call rates ahead of either execution
// path.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// PerUser holds one token bucket per user, created lazily.
type PerUser struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// New creates a per-user limiter with the given sustained rate (events per
// second) and burst.
func New(perSecond float64, burst int) *PerUser {
	return &PerUser{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (p *PerUser) limiter(userID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[userID]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[userID] = l
	}
	return l
}

// Wait blocks until the user's bucket admits one event or ctx expires.
func (p *PerUser) Wait(ctx context.Context, userID string) error {
	return p.limiter(userID).Wait(ctx)
}

// Allow reports whether one event is admitted right now.
func (p *PerUser) Allow(userID string) bool {
	return p.limiter(userID).Allow()
}
