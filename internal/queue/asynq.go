package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/kiranshivaraju/strokelab/internal/telemetry"
)

// Task types and queue names used on the asynq backend.
const (
	TaskTypePlan      = "strokelab:plan"
	TaskTypeChunk     = "strokelab:chunk"
	TaskTypeAggregate = "strokelab:aggregate"
)

var asynqRoutes = map[Kind]struct {
	taskType string
	queue    string
}{
	KindPlanJob:      {TaskTypePlan, "plan"},
	KindProcessChunk: {TaskTypeChunk, "chunks"},
	KindAggregateJob: {TaskTypeAggregate, "aggregate"},
}

// asynqMaxRetry bounds broker-level redelivery. Chunk attempts are budgeted
// separately in the store, so this only covers transient handler errors.
const asynqMaxRetry = 10

// AsynqBroker publishes and consumes messages as asynq tasks. asynq owns the
// lease and retry bookkeeping.
type AsynqBroker struct {
	client *asynq.Client
	opt    asynq.RedisConnOpt
	logger *slog.Logger
}

// NewAsynqBroker connects to the Redis instance at redisURL.
func NewAsynqBroker(redisURL string, logger *slog.Logger) (*AsynqBroker, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &AsynqBroker{
		client: asynq.NewClient(opt),
		opt:    opt,
		logger: logger,
	}, nil
}

func (b *AsynqBroker) Publish(ctx context.Context, msg Message) error {
	body, err := Encode(msg)
	if err != nil {
		return err
	}
	route := asynqRoutes[msg.Kind]
	_, err = b.client.EnqueueContext(ctx, asynq.NewTask(route.taskType, body),
		asynq.Queue(route.queue),
		asynq.MaxRetry(asynqMaxRetry),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", route.taskType, err)
	}
	telemetry.MessagesPublished.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

func (b *AsynqBroker) Consumer(kind Kind, concurrency int) Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &asynqConsumer{broker: b, kind: kind, concurrency: concurrency}
}

func (b *AsynqBroker) Close() error {
	return b.client.Close()
}

type asynqConsumer struct {
	broker      *AsynqBroker
	kind        Kind
	concurrency int
}

func (c *asynqConsumer) Consume(ctx context.Context, h Handler) error {
	route := asynqRoutes[c.kind]
	srv := asynq.NewServer(c.broker.opt, asynq.Config{
		Concurrency: c.concurrency,
		Queues:      map[string]int{route.queue: 1},
		Logger:      &asynqLogger{logger: c.broker.logger},
	})

	mux := asynq.NewServeMux()
	mux.Handle(route.taskType, taskHandler(h))

	if err := srv.Start(mux); err != nil {
		return fmt.Errorf("starting asynq server: %w", err)
	}
	<-ctx.Done()
	srv.Shutdown()
	return nil
}

// taskHandler adapts a Handler to asynq. Undecodable tasks skip retry.
func taskHandler(h Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		msg, err := Decode(t.Payload())
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		err = h.HandleMessage(ctx, msg)
		if errors.Is(err, ErrInvalidMessage) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	})
}

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	logger *slog.Logger
}

func (l *asynqLogger) Debug(args ...interface{}) { l.logger.Debug(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Info(args ...interface{})  { l.logger.Info(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Warn(args ...interface{})  { l.logger.Warn(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Error(args ...interface{}) { l.logger.Error(fmt.Sprint(args...), "component", "asynq") }
func (l *asynqLogger) Fatal(args ...interface{}) { l.logger.Error(fmt.Sprint(args...), "component", "asynq", "fatal", true) }

var _ Broker = (*AsynqBroker)(nil)
