package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Table maps provider names to their allowed requests per minute.
type Table map[string]int

// Limiter computes fixed pacing delays per provider. The table is copied on construction and never
// mutated afterwards.
type Limiter struct {
	rpm Table
}

// New builds a Limiter from a requests-per-minute table.
func New(table Table) *Limiter {
	rpm := make(Table, len(table))
	for k, v := range table {
		rpm[k] = v
	}
	return &Limiter{rpm: rpm}
}

// DelayFor returns ceil(60000ms / requestsPerMinute) for provider, or zero when no limit is configured.
func (l *Limiter) DelayFor(provider string) time.Duration {
	if l == nil {
		return 0
	}
	rpm := l.rpm[provider]
	if rpm <= 0 {
		return 0
	}
	ms := (60000 + rpm - 1) / rpm
	return time.Duration(ms) * time.Millisecond
}

// Pacer enforces DelayFor between consecutive calls to the same provider.
type Pacer struct {
	limits   *Limiter
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPacer wraps a Limiter with one token bucket per provider (burst 1).
func NewPacer(limits *Limiter) *Pacer {
	return &Pacer{limits: limits, limiters: make(map[string]*rate.Limiter)}
}

// Wait blocks until a call to provider is allowed or ctx is done.
func (p *Pacer) Wait(ctx context.Context, provider string) error {
	if p == nil {
		return nil
	}
	limiter := p.limiterFor(provider)
	if limiter == nil {
		return nil
	}
	return limiter.Wait(ctx)
}

func (p *Pacer) limiterFor(provider string) *rate.Limiter {
	delay := p.limits.DelayFor(provider)
	if delay <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	limiter, ok := p.limiters[provider]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(delay), 1)
		p.limiters[provider] = limiter
	}
	return limiter
}
