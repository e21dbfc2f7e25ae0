package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/strokelab/internal/telemetry"
)

// Delivery is one leased message. The lease lasts until Ack or until the
// queue's visibility timeout passes, after which the message is redelivered.
type Delivery struct {
	Body    []byte
	Receipt string
}

// LeaseQueue is the primitive send/receive/ack contract of a durable queue.
type LeaseQueue interface {
	Send(ctx context.Context, body []byte) error
	// Receive leases up to max messages, waiting up to wait for the first.
	// It returns an empty slice when nothing arrived.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, receipt string) error
}

// publishTo encodes msg onto q and counts it.
func publishTo(ctx context.Context, q LeaseQueue, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	if err := q.Send(ctx, body); err != nil {
		return err
	}
	telemetry.MessagesPublished.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

const (
	receiveWait  = 2 * time.Second
	errorBackoff = time.Second
)

// leaseConsumer drives a Handler from a LeaseQueue with a fixed number of
// receive loops.
type leaseConsumer struct {
	queue       LeaseQueue
	kind        Kind
	concurrency int
	logger      *slog.Logger
}

func newLeaseConsumer(q LeaseQueue, kind Kind, concurrency int, logger *slog.Logger) *leaseConsumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &leaseConsumer{queue: q, kind: kind, concurrency: concurrency, logger: logger}
}

func (c *leaseConsumer) Consume(ctx context.Context, h Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < c.concurrency; i++ {
		g.Go(func() error {
			c.loop(ctx, h)
			return nil
		})
	}
	return g.Wait()
}

func (c *leaseConsumer) loop(ctx context.Context, h Handler) {
	for ctx.Err() == nil {
		deliveries, err := c.queue.Receive(ctx, 1, receiveWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("queue receive failed", "kind", c.kind, "error", err)
			sleepWithContext(ctx, errorBackoff)
			continue
		}
		for _, d := range deliveries {
			c.handle(ctx, h, d)
		}
	}
}

func (c *leaseConsumer) handle(ctx context.Context, h Handler, d Delivery) {
	msg, err := Decode(d.Body)
	if err != nil {
		c.logger.Warn("dropping undecodable message", "kind", c.kind, "receipt", d.Receipt, "error", err)
		c.ack(ctx, d)
		return
	}

	if err := h.HandleMessage(ctx, msg); err != nil {
		if errors.Is(err, ErrInvalidMessage) {
			c.ack(ctx, d)
			return
		}
		// Left unacknowledged; the visibility timeout hands it to another consumer.
		c.logger.Warn("message handler failed, will be redelivered",
			"kind", msg.Kind, "job_id", msg.JobID, "chunk_id", msg.ChunkID, "error", err)
		return
	}
	c.ack(ctx, d)
}

func (c *leaseConsumer) ack(ctx context.Context, d Delivery) {
	if err := c.queue.Ack(ctx, d.Receipt); err != nil && ctx.Err() == nil {
		c.logger.Error("queue ack failed", "kind", c.kind, "receipt", d.Receipt, "error", err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
