package worker

import (
	"context"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Pool processes one batch of stream entries with bounded concurrency.
// Each entry is handled independently, so acknowledgment stays per entry.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size}
}

// Run calls handle for every entry and returns once all have finished.
func (p *Pool) Run(ctx context.Context, entries []redis.XMessage, handle func(context.Context, redis.XMessage)) {
	if p.size == 1 {
		for _, e := range entries {
			handle(ctx, e)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(p.size)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			handle(ctx, e)
			return nil
		})
	}
	_ = g.Wait()
}
