// internal/bus/nats.go
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/tendant/simple-derivatives/pkg/schema"
)

type Client struct{ nc *nats.Conn }

func Connect(url string) (*Client, error) {
	nc, err := nats.Connect(url,
		nats.Name("simple-derivatives"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	if c.nc != nil {
		_ = c.nc.Drain()
	}
}

func (c *Client) Conn() *nats.Conn { return c.nc }

func (c *Client) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.nc.Publish(subject, b)
}

// NATSQueue delivers processing requests over a NATS subject. Consumers join
// a queue group so each request reaches exactly one worker.
type NATSQueue struct {
	client  *Client
	subject string
	group   string
	logger  *zap.Logger
}

func NewNATSQueue(client *Client, subject, group string, logger *zap.Logger) *NATSQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSQueue{client: client, subject: subject, group: group, logger: logger}
}

func (q *NATSQueue) Publish(_ context.Context, req schema.ProcessingRequest) error {
	if err := q.client.PublishJSON(q.subject, req); err != nil {
		return fmt.Errorf("publish %s: %w", q.subject, err)
	}
	return nil
}

// Consume subscribes to the queue group and blocks until ctx is done. NATS
// calls the handler serially per subscription.
func (q *NATSQueue) Consume(ctx context.Context, h Handler) error {
	sub, err := q.client.nc.QueueSubscribe(q.subject, q.group, func(msg *nats.Msg) {
		req, err := decodeRequest(msg.Data)
		if err != nil {
			q.logger.Warn("dropping malformed request", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		if err := h(ctx, req); err != nil {
			q.logger.Debug("handler returned error", zap.String("event_id", req.EventID), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("drain subscription: %w", err)
	}
	return nil
}

func (q *NATSQueue) Close() error {
	q.client.Close()
	return nil
}

func decodeRequest(data []byte) (schema.ProcessingRequest, error) {
	var req schema.ProcessingRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return req, err
	}
	if req.AssetID == "" || req.StagedPath == "" {
		return req, fmt.Errorf("request missing asset_id or staged_path")
	}
	return req, nil
}

// ResultPublisher publishes settled-request events on a NATS subject.
type ResultPublisher struct {
	client  *Client
	subject string
}

func NewResultPublisher(client *Client, subject string) *ResultPublisher {
	return &ResultPublisher{client: client, subject: subject}
}

func (p *ResultPublisher) Notify(_ context.Context, ev schema.AssetProcessed) error {
	if err := p.client.PublishJSON(p.subject, ev); err != nil {
		return fmt.Errorf("publish %s: %w", p.subject, err)
	}
	return nil
}
