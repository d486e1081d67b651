package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/internal/config"
	"github.com/tendant/simple-derivatives/pkg/schema"
)

var ErrClosed = errors.New("queue closed")

// Handler processes one request. Returned errors are logged by the queue;
// requests are never redelivered.
type Handler func(ctx context.Context, req schema.ProcessingRequest) error

// Queue decouples accepting an upload from generating its derivatives.
type Queue interface {
	Publish(ctx context.Context, req schema.ProcessingRequest) error
	// Consume delivers requests to h until ctx is done or the queue is
	// closed. It may be called from several goroutines.
	Consume(ctx context.Context, h Handler) error
	Close() error
}

// Open builds the queue selected by cfg.Driver.
func Open(cfg config.QueueConfig, logger *zap.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.BufferSize), nil
	case "nats":
		client, err := Connect(cfg.NATSURL)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		return NewNATSQueue(client, cfg.Subject, cfg.QueueGroup, logger), nil
	case "kafka":
		return NewKafkaQueue(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, logger), nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

// MemoryQueue is an in-process channel queue for single-binary deployments.
type MemoryQueue struct {
	ch        chan schema.ProcessingRequest
	done      chan struct{}
	closeOnce sync.Once
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer < 0 {
		buffer = 0
	}
	return &MemoryQueue{
		ch:   make(chan schema.ProcessingRequest, buffer),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, req schema.ProcessingRequest) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case q.ch <- req:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case req := <-q.ch:
			_ = h(ctx, req)
		}
	}
}

// Len reports how many requests are waiting.
func (q *MemoryQueue) Len() int { return len(q.ch) }

func (q *MemoryQueue) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}
