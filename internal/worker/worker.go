// Package worker drains the per-stage queues. Each stage gets an
// independently sized pool of workers; a worker dequeues a message,
// records an AgentRun around the stage handler, and either chains the
// handler's follow-up messages or retries with backoff until the
// message is dead-lettered.
package worker

import (
	"context"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
)

// StageResult is what a stage handler produced for one input
type StageResult struct {
	Outcome    model.RunOutcome
	Confidence float64
	Next       []queue.Message // Downstream hand-offs to enqueue on success
}

// Handler executes one pipeline stage over one input. The payload is
// an entity id or a concept slug depending on the stage. A returned
// error marks the run failed and triggers the retry policy; domain
// states (noop, skipped) are outcomes, not errors.
type Handler interface {
	Handle(ctx context.Context, payload string) (StageResult, error)
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, payload string) (StageResult, error)

// Handle calls the wrapped function
func (f HandlerFunc) Handle(ctx context.Context, payload string) (StageResult, error) {
	return f(ctx, payload)
}
