package queue

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-process LeaseQueue with visibility-timeout redelivery.
type MemoryQueue struct {
	mu         sync.Mutex
	visibility time.Duration
	seq        uint64
	ready      [][]byte
	inflight   map[string]*memLease
	notify     chan struct{}
}

type memLease struct {
	body     []byte
	deadline time.Time
}

// NewMemoryQueue creates an empty MemoryQueue.
func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		visibility: visibility,
		inflight:   make(map[string]*memLease),
		notify:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.ready = append(q.ready, append([]byte(nil), body...))
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// pollTick bounds how long Receive sleeps before rechecking expired leases.
const pollTick = 10 * time.Millisecond

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if max < 1 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		if out := q.take(max); len(out) > 0 {
			return out, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		t := time.NewTimer(min(remaining, pollTick))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			t.Stop()
		case <-t.C:
		}
	}
}

func (q *MemoryQueue) take(max int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for receipt, l := range q.inflight {
		if now.After(l.deadline) {
			delete(q.inflight, receipt)
			q.ready = append(q.ready, l.body)
		}
	}

	var out []Delivery
	for len(q.ready) > 0 && len(out) < max {
		body := q.ready[0]
		q.ready = q.ready[1:]
		q.seq++
		receipt := strconv.FormatUint(q.seq, 10)
		q.inflight[receipt] = &memLease{body: body, deadline: now.Add(q.visibility)}
		out = append(out, Delivery{Body: body, Receipt: receipt})
	}
	return out
}

// Ack removes a leased message. Acking an expired lease is a no-op.
func (q *MemoryQueue) Ack(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, receipt)
	return nil
}

// Len reports queued plus leased messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

// MemoryBroker is a Broker over MemoryQueues. It records every published
// message for inspection in tests.
type MemoryBroker struct {
	queues map[Kind]*MemoryQueue
	logger *slog.Logger

	mu        sync.Mutex
	published []Message
}

// NewMemoryBroker creates a MemoryBroker with one queue per kind.
func NewMemoryBroker(visibility time.Duration, logger *slog.Logger) *MemoryBroker {
	queues := make(map[Kind]*MemoryQueue, len(Kinds))
	for _, k := range Kinds {
		queues[k] = NewMemoryQueue(visibility)
	}
	return &MemoryBroker{queues: queues, logger: logger}
}

func (b *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, msg)
	b.mu.Unlock()
	return publishTo(ctx, b.queues[msg.Kind], msg)
}

func (b *MemoryBroker) Consumer(kind Kind, concurrency int) Consumer {
	return newLeaseConsumer(b.queues[kind], kind, concurrency, b.logger)
}

func (b *MemoryBroker) Close() error { return nil }

// Queue returns the underlying queue for kind.
func (b *MemoryBroker) Queue(kind Kind) *MemoryQueue {
	return b.queues[kind]
}

// Published returns every message published so far with the given kind.
func (b *MemoryBroker) Published(kind Kind) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Message
	for _, m := range b.published {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

var (
	_ LeaseQueue = (*MemoryQueue)(nil)
	_ Broker     = (*MemoryBroker)(nil)
)
