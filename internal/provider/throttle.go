package provider

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttled paces calls to an adapter on the client side.
type Throttled struct {
	next    Provider
	limiter *rate.Limiter
}

// Throttle wraps p with a limiter of rps sends per second. rps <= 0 returns p unchanged.
func Throttle(p Provider, rps float64) Provider {
	if rps <= 0 {
		return p
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &Throttled{next: p, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *Throttled) Name() string {
	return t.next.Name()
}

func (t *Throttled) Send(ctx context.Context, req Request) (Response, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("waiting for provider slot: %w", err)
	}
	return t.next.Send(ctx, req)
}
