package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	streamGroup = "strokelab-workers"
	bodyField   = "body"
)

// StreamQueue is a LeaseQueue on one Redis stream with a consumer group.
// Entries idle in the pending list longer than the visibility timeout are
// reclaimed with XAUTOCLAIM.
type StreamQueue struct {
	rdb        *redis.Client
	stream     string
	consumer   string
	visibility time.Duration

	groupMu    sync.Mutex
	groupReady bool
}

// NewStreamQueue creates a StreamQueue. consumer names this process within
// the group and should be unique per process.
func NewStreamQueue(rdb *redis.Client, stream, consumer string, visibility time.Duration) *StreamQueue {
	return &StreamQueue{rdb: rdb, stream: stream, consumer: consumer, visibility: visibility}
}

func (q *StreamQueue) ensureGroup(ctx context.Context) error {
	q.groupMu.Lock()
	defer q.groupMu.Unlock()
	if q.groupReady {
		return nil
	}
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, streamGroup, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group on %s: %w", q.stream, err)
	}
	q.groupReady = true
	return nil
}

func (q *StreamQueue) Send(ctx context.Context, body []byte) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{bodyField: string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.stream, err)
	}
	return nil
}

func (q *StreamQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	if max < 1 {
		max = 1
	}

	// Abandoned leases first, so a crashed consumer's work is not starved by new entries.
	claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    streamGroup,
		Consumer: q.consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
	}
	if len(claimed) > 0 {
		return toDeliveries(claimed), nil
	}

	streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    streamGroup,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    wait,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", q.stream, err)
	}

	var out []Delivery
	for _, s := range streams {
		out = append(out, toDeliveries(s.Messages)...)
	}
	return out, nil
}

func (q *StreamQueue) Ack(ctx context.Context, receipt string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.stream, streamGroup, receipt)
		p.XDel(ctx, q.stream, receipt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xack %s %s: %w", q.stream, receipt, err)
	}
	return nil
}

func toDeliveries(msgs []redis.XMessage) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		body, _ := m.Values[bodyField].(string)
		out = append(out, Delivery{Body: []byte(body), Receipt: m.ID})
	}
	return out
}

// StreamBroker routes each message kind to its own Redis stream.
type StreamBroker struct {
	queues map[Kind]*StreamQueue
	logger *slog.Logger
}

// NewStreamBroker creates one stream per kind, named "<prefix>:<kind>".
func NewStreamBroker(rdb *redis.Client, prefix, consumer string, visibility time.Duration, logger *slog.Logger) *StreamBroker {
	queues := make(map[Kind]*StreamQueue, len(Kinds))
	for _, k := range Kinds {
		queues[k] = NewStreamQueue(rdb, prefix+":"+string(k), consumer, visibility)
	}
	return &StreamBroker{queues: queues, logger: logger}
}

func (b *StreamBroker) Publish(ctx context.Context, msg Message) error {
	return publishTo(ctx, b.queues[msg.Kind], msg)
}

func (b *StreamBroker) Consumer(kind Kind, concurrency int) Consumer {
	return newLeaseConsumer(b.queues[kind], kind, concurrency, b.logger)
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *StreamBroker) Close() error { return nil }

var (
	_ LeaseQueue = (*StreamQueue)(nil)
	_ Broker     = (*StreamBroker)(nil)
)
