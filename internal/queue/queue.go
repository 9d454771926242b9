// Package queue provides the per-stage job queues that carry pipeline
// hand-offs. Messages reference durable entities by id or concept slug;
// the queue never carries entity payloads.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
)

// ErrEmpty indicates a non-blocking dequeue found no message
var ErrEmpty = errors.New("queue: empty")

// Message is one stage hand-off
type Message struct {
	ID         uuid.UUID   `json:"id"`
	Stage      model.Stage `json:"stage"`
	Payload    string      `json:"payload"` // Entity id or concept slug, stage-dependent
	Attempt    int         `json:"attempt"` // 1-based; incremented on retry
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// NewMessage builds a first-attempt message for a stage
func NewMessage(stage model.Stage, payload string) Message {
	return Message{
		ID:         uuid.New(),
		Stage:      stage,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
}

// Retry returns a copy of the message with the attempt count bumped
func (m Message) Retry() Message {
	m.ID = uuid.New()
	m.Attempt++
	m.EnqueuedAt = time.Now().UTC()
	return m
}

// DeadLetter is a message parked for manual inspection after
// exhausting its retry budget. Dead letters never silently disappear.
type DeadLetter struct {
	Message  Message   `json:"message"`
	Reason   string    `json:"reason"`
	ParkedAt time.Time `json:"parked_at"`
}

// Queue is the durable hand-off between pipeline stages
type Queue interface {
	// Enqueue appends a message to its stage queue
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue pops the next message for a stage, blocking until one is
	// available or the context is done.
	Dequeue(ctx context.Context, stage model.Stage) (Message, error)

	// Park moves a message to the stage's dead-letter list
	Park(ctx context.Context, msg Message, reason string) error

	// DeadLetters lists parked messages for a stage
	DeadLetters(ctx context.Context, stage model.Stage) ([]DeadLetter, error)

	// Depth returns the number of pending messages for a stage
	Depth(ctx context.Context, stage model.Stage) (int, error)
}
