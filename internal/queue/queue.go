// Package queue carries pipeline messages between the API, planners, chunk
// workers and aggregators. Delivery is at least once and unordered; every
// handler must tolerate redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind identifies a message type. Each kind travels on its own logical queue.
type Kind string

const (
	KindPlanJob      Kind = "plan_job"
	KindProcessChunk Kind = "process_chunk"
	KindAggregateJob Kind = "aggregate_job"
)

// Kinds lists every message kind.
var Kinds = []Kind{KindPlanJob, KindProcessChunk, KindAggregateJob}

// ErrInvalidMessage is returned for a message that cannot be decoded or is
// missing a required id. Such messages are dropped rather than redelivered.
var ErrInvalidMessage = errors.New("invalid queue message")

// Message is the single envelope for all kinds. ChunkID is set only for
// ProcessChunk.
type Message struct {
	Kind    Kind      `json:"kind"`
	JobID   uuid.UUID `json:"job_id"`
	ChunkID uuid.UUID `json:"chunk_id,omitempty"`
}

func PlanJob(jobID uuid.UUID) Message {
	return Message{Kind: KindPlanJob, JobID: jobID}
}

func ProcessChunk(jobID, chunkID uuid.UUID) Message {
	return Message{Kind: KindProcessChunk, JobID: jobID, ChunkID: chunkID}
}

func AggregateJob(jobID uuid.UUID) Message {
	return Message{Kind: KindAggregateJob, JobID: jobID}
}

// Validate checks that the message carries the ids its kind requires.
func (m Message) Validate() error {
	switch m.Kind {
	case KindPlanJob, KindAggregateJob:
	case KindProcessChunk:
		if m.ChunkID == uuid.Nil {
			return fmt.Errorf("%w: %s without chunk_id", ErrInvalidMessage, m.Kind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	if m.JobID == uuid.Nil {
		return fmt.Errorf("%w: %s without job_id", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Encode marshals a validated message.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode unmarshals and validates a message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}

// Publisher sends messages.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivery. A nil return acknowledges the message; an
// error leaves it to be redelivered.
type Handler interface {
	HandleMessage(ctx context.Context, msg Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Consumer delivers messages of one kind to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Broker is a queue backend.
type Broker interface {
	Publisher
	Consumer(kind Kind, concurrency int) Consumer
	Close() error
}
