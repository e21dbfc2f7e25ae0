package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/strokelab/internal/queue"
	"github.com/kiranshivaraju/strokelab/internal/telemetry"
)

type route struct {
	kind        queue.Kind
	handler     queue.Handler
	concurrency int
}

// Dispatcher consumes each routed message kind from a broker and hands the
// messages to that kind's handler.
type Dispatcher struct {
	broker queue.Broker
	routes []route
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher with no routes.
func NewDispatcher(b queue.Broker, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{broker: b, logger: logger}
}

// Route registers h for kind with the given number of concurrent deliveries.
func (d *Dispatcher) Route(kind queue.Kind, h queue.Handler, concurrency int) *Dispatcher {
	d.routes = append(d.routes, route{kind: kind, handler: h, concurrency: concurrency})
	return d
}

// Run consumes every routed kind until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	if len(d.routes) == 0 {
		return errors.New("dispatcher has no routes")
	}
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range d.routes {
		d.logger.Info("consuming", "kind", r.kind, "concurrency", r.concurrency)
		consumer := d.broker.Consumer(r.kind, r.concurrency)
		h := instrument(r.kind, r.handler)
		g.Go(func() error {
			if err := consumer.Consume(ctx, h); err != nil && ctx.Err() == nil {
				return fmt.Errorf("consuming %s: %w", r.kind, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// instrument records handling time and outcome for every delivery.
func instrument(kind queue.Kind, h queue.Handler) queue.Handler {
	return queue.HandlerFunc(func(ctx context.Context, msg queue.Message) error {
		start := time.Now()
		err := h.HandleMessage(ctx, msg)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		telemetry.MessagesHandled.WithLabelValues(string(kind), outcome).Inc()
		telemetry.MessageHandleDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
		return err
	})
}
