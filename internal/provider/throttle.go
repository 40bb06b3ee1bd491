// internal/provider/throttle.go
package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttled smooths sends across every campaign sharing one outbound account.
// Per-campaign pacing belongs to the governor; this guards the account itself
// when several campaigns run at once.
type Throttled struct {
	inner   Provider
	limiter *rate.Limiter
}

// NewThrottled wraps p with an account-wide limiter of sendsPerMin.
func NewThrottled(p Provider, sendsPerMin float64) *Throttled {
	return &Throttled{
		inner:   p,
		limiter: rate.NewLimiter(rate.Limit(sendsPerMin/60.0), 1),
	}
}

func (t *Throttled) Send(ctx context.Context, address string, p Payload) (string, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return t.inner.Send(ctx, address, p)
}
