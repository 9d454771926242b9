package model

import (
	"time"

	"github.com/google/uuid"
)

// Stage identifies one pipeline stage
type Stage string

const (
	StageCollect   Stage = "collect"
	StageExtract   Stage = "extract"
	StageCompose   Stage = "compose"
	StageReview    Stage = "review"
	StageArbitrate Stage = "arbitrate"
	StageRelease   Stage = "release"
)

// Stages lists all pipeline stages in flow order
func Stages() []Stage {
	return []Stage{StageCollect, StageExtract, StageCompose, StageReview, StageArbitrate, StageRelease}
}

// RunOutcome classifies how a stage execution ended
type RunOutcome string

const (
	OutcomeSucceeded RunOutcome = "succeeded"
	OutcomeFailed    RunOutcome = "failed"
	OutcomeNoop      RunOutcome = "noop"    // Nothing to do (e.g. unchanged content hash)
	OutcomeSkipped   RunOutcome = "skipped" // Guard prevented execution (e.g. open circuit)
)

// AgentRun is the audit record of one execution of one pipeline stage
// over one input. It is never mutated after completion.
type AgentRun struct {
	ID          uuid.UUID  `json:"id"`
	Stage       Stage      `json:"stage"`
	InputID     string     `json:"input_id"` // Entity id or concept slug, depending on stage
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Outcome     RunOutcome `json:"outcome,omitempty"`
	Confidence  float64    `json:"confidence,omitempty"`
	Error       string     `json:"error,omitempty"`
}
