package queue

import (
	"context"
	"sync"
	"time"

	"github.com/regbeacon/regbeacon/internal/model"
)

const memoryQueueDepth = 1024

// Memory is the in-process queue used by the single-binary run mode
// and by tests. Channels give the same at-least-once hand-off semantics
// as the redis backend within one process.
type Memory struct {
	mu     sync.Mutex
	queues map[model.Stage]chan Message
	dead   map[model.Stage][]DeadLetter
}

// NewMemory creates queues for every pipeline stage
func NewMemory() *Memory {
	queues := make(map[model.Stage]chan Message, len(model.Stages()))
	for _, stage := range model.Stages() {
		queues[stage] = make(chan Message, memoryQueueDepth)
	}
	return &Memory{
		queues: queues,
		dead:   make(map[model.Stage][]DeadLetter),
	}
}

func (m *Memory) Enqueue(ctx context.Context, msg Message) error {
	ch, ok := m.queues[msg.Stage]
	if !ok {
		return errUnknownStage(msg.Stage)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- msg:
		return nil
	}
}

func (m *Memory) Dequeue(ctx context.Context, stage model.Stage) (Message, error) {
	ch, ok := m.queues[stage]
	if !ok {
		return Message{}, errUnknownStage(stage)
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg := <-ch:
		return msg, nil
	}
}

// TryDequeue pops without blocking; returns ErrEmpty when idle.
// Used by the drain loop in single-shot run mode.
func (m *Memory) TryDequeue(stage model.Stage) (Message, error) {
	ch, ok := m.queues[stage]
	if !ok {
		return Message{}, errUnknownStage(stage)
	}
	select {
	case msg := <-ch:
		return msg, nil
	default:
		return Message{}, ErrEmpty
	}
}

func (m *Memory) Park(ctx context.Context, msg Message, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead[msg.Stage] = append(m.dead[msg.Stage], DeadLetter{
		Message:  msg,
		Reason:   reason,
		ParkedAt: time.Now().UTC(),
	})
	return nil
}

func (m *Memory) DeadLetters(ctx context.Context, stage model.Stage) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DeadLetter(nil), m.dead[stage]...), nil
}

func (m *Memory) Depth(ctx context.Context, stage model.Stage) (int, error) {
	ch, ok := m.queues[stage]
	if !ok {
		return 0, errUnknownStage(stage)
	}
	return len(ch), nil
}

// Idle reports whether every stage queue is drained
func (m *Memory) Idle() bool {
	for _, ch := range m.queues {
		if len(ch) > 0 {
			return false
		}
	}
	return true
}
