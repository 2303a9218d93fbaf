package platform

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"uk.co.dudmesh.crosspost/internal/model"
)

type limited struct {
	next    Capability
	limiter *rate.Limiter
}

// Limited caps the request rate to a destination. Publish blocks until the
// limiter admits the call or ctx is done.
func Limited(c Capability, limiter *rate.Limiter) Capability {
	if limiter == nil {
		return c
	}
	return &limited{next: c, limiter: limiter}
}

func (l *limited) Publish(ctx context.Context, post *model.Post) (*model.TargetResult, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return l.next.Publish(ctx, post)
}
