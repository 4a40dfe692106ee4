// Package backoff computes capped exponential retry delays.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes an exponential backoff. Zero values use defaults.
type Policy struct {
	Initial time.Duration // default: 200ms
	Max     time.Duration // default: 10s
	Factor  float64       // default: 2
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 10 * time.Second
	}
	if p.Factor < 1 {
		p.Factor = 2
	}
	return p
}

// Delay returns the wait before the given retry attempt.
// Attempt 1 returns Initial, attempt 2 returns Initial*Factor, and so on up to Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Sleep waits for Delay(attempt) or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
