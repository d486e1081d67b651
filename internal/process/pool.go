package process

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tendant/simple-derivatives/internal/bus"
	"github.com/tendant/simple-derivatives/pkg/schema"
)

// Pool runs a fixed number of consumers against one queue. Every request is
// handled to completion by the consumer that received it, and a failed
// request never stops its consumer.
type Pool struct {
	queue       bus.Queue
	worker      *Worker
	concurrency int
	logger      *zap.Logger
}

func NewPool(queue bus.Queue, worker *Worker, concurrency int, logger *zap.Logger) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{queue: queue, worker: worker, concurrency: concurrency, logger: logger}
}

// Run blocks until ctx is done or a consumer returns a transport error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		id := i
		g.Go(func() error {
			log := p.logger.With(zap.Int("consumer", id))
			log.Info("consumer started")
			defer log.Info("consumer stopped")
			return p.queue.Consume(ctx, func(ctx context.Context, req schema.ProcessingRequest) error {
				_, err := p.worker.Process(ctx, req)
				if errors.Is(err, ErrAlreadySettled) {
					return nil
				}
				return err
			})
		})
	}
	return g.Wait()
}
