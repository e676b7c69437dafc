package alert

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter gates immediate pushes. A nil or zero-rate Limiter lets everything through.
type Limiter struct {
	rl *rate.Limiter
}

func NewLimiter(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		return &Limiter{}
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Limiter{rl: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst)}
}

func (l *Limiter) Allow() bool {
	return l == nil || l.rl == nil || l.rl.Allow()
}

// WaitFor blocks for a token up to maxWait. It gives up at once when the
// next token is further away than that.
func (l *Limiter) WaitFor(ctx context.Context, maxWait time.Duration) bool {
	if l == nil || l.rl == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, maxWait)
	defer cancel()
	return l.rl.Wait(ctx) == nil
}
