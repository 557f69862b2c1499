package agent

import (
	"context"
	"sync"
	"time"
)

// CallPacer is a token bucket that spaces outbound provider calls to the
// configured requests-per-minute budget. A 429 from the provider can push the
// bucket into a penalty window so follow-up requests do not pile on.
type CallPacer struct {
	mu         sync.Mutex
	available  float64
	burst      float64
	perSecond  float64
	refillFrom time.Time
	penaltyEnd time.Time
}

func NewCallPacer(burst int, perMinute float64) *CallPacer {
	if burst <= 0 {
		burst = 10
	}
	if perMinute <= 0 {
		perMinute = 50
	}
	return &CallPacer{
		available:  float64(burst),
		burst:      float64(burst),
		perSecond:  perMinute / 60.0,
		refillFrom: time.Now(),
	}
}

// Wait blocks until a call slot is available or ctx is done.
func (p *CallPacer) Wait(ctx context.Context) error {
	for {
		p.mu.Lock()
		now := time.Now()
		p.refillLocked(now)

		if now.Before(p.penaltyEnd) {
			wait := p.penaltyEnd.Sub(now)
			p.mu.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		if p.available >= 1.0 {
			p.available -= 1.0
			p.mu.Unlock()
			return nil
		}

		wait := time.Duration((1.0 - p.available) / p.perSecond * float64(time.Second))
		p.mu.Unlock()

		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// Penalize empties the bucket and blocks callers for the given window.
// Invoked when the provider answers 429 with a retry-after hint.
func (p *CallPacer) Penalize(window time.Duration) {
	if window <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = 0
	until := time.Now().Add(window)
	if until.After(p.penaltyEnd) {
		p.penaltyEnd = until
	}
}

func (p *CallPacer) refillLocked(now time.Time) {
	elapsed := now.Sub(p.refillFrom).Seconds()
	p.available += elapsed * p.perSecond
	if p.available > p.burst {
		p.available = p.burst
	}
	p.refillFrom = now
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
