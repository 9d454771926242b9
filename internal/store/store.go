// Package store holds the durable state shared by all pipeline stages.
// Stages never share in-process state; every hand-off goes through a
// queue message referencing ids resolved against this store, and every
// lifecycle transition is a conditional (compare-and-swap) update.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
)

var (
	// ErrNotFound indicates the requested entity does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrStaleTransition indicates a CAS transition lost the race:
	// the entity was no longer in the expected state
	ErrStaleTransition = errors.New("store: stale transition")

	// ErrImmutable indicates an attempted write to an immutable entity
	ErrImmutable = errors.New("store: entity is immutable")

	// ErrDuplicate indicates an insert that violates a uniqueness rule
	ErrDuplicate = errors.New("store: duplicate")
)

// SourceStore manages the monitored endpoint catalog
type SourceStore interface {
	UpsertSource(ctx context.Context, src model.Source) error
	GetSource(ctx context.Context, id uuid.UUID) (model.Source, error)
	ListSources(ctx context.Context) ([]model.Source, error)

	// MarkSourceChecked stamps a successful check: updates
	// lastCheckedAt and the last known content hash, resets the
	// consecutive error counter and closes the circuit.
	MarkSourceChecked(ctx context.Context, id uuid.UUID, at time.Time, contentHash string) error

	// RecordSourceError increments the consecutive error counter and
	// returns the new count.
	RecordSourceError(ctx context.Context, id uuid.UUID, at time.Time) (int, error)

	// OpenSourceCircuit marks the source's circuit open as of the given time
	OpenSourceCircuit(ctx context.Context, id uuid.UUID, at time.Time) error
}

// EvidenceStore is append-only: evidence is never updated or deleted
type EvidenceStore interface {
	InsertEvidence(ctx context.Context, ev model.Evidence) error
	GetEvidence(ctx context.Context, id uuid.UUID) (model.Evidence, error)
	ListEvidenceBySource(ctx context.Context, sourceID uuid.UUID) ([]model.Evidence, error)
}

// PointerStore is append-only, like EvidenceStore
type PointerStore interface {
	InsertPointers(ctx context.Context, ptrs []model.SourcePointer) error
	ListPointersByConcept(ctx context.Context, conceptSlug string) ([]model.SourcePointer, error)
	ListPointersByEvidence(ctx context.Context, evidenceID uuid.UUID) ([]model.SourcePointer, error)
}

// RuleStore manages rule candidates and their lifecycle. Published
// rules are immutable apart from the PUBLISHED -> DEPRECATED
// transition and the superseded-by marker set alongside it.
type RuleStore interface {
	InsertRule(ctx context.Context, r model.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error)
	GetRuleByFingerprint(ctx context.Context, fingerprint string) (model.Rule, error)
	ListRulesByConcept(ctx context.Context, conceptSlug string) ([]model.Rule, error)
	ListRulesByStatus(ctx context.Context, status model.RuleStatus) ([]model.Rule, error)
	CountRulesByStatus(ctx context.Context, status model.RuleStatus) (int, error)

	// TransitionRule performs a CAS status change; returns
	// ErrStaleTransition if the rule is not in the expected state.
	TransitionRule(ctx context.Context, id uuid.UUID, from, to model.RuleStatus) error

	// UpdateRuleReview stamps the reviewer's composite confidence
	UpdateRuleReview(ctx context.Context, id uuid.UUID, confidence float64) error

	// UpdateRulePointers replaces the provenance set of a DRAFT rule
	UpdateRulePointers(ctx context.Context, id uuid.UUID, pointerIDs []uuid.UUID) error

	// TruncateRuleWindow shortens a DRAFT rule's effective window;
	// returns ErrImmutable for any other status.
	TruncateRuleWindow(ctx context.Context, id uuid.UUID, until time.Time) error

	// SetRuleSuperseded marks a rule as superseded by another
	SetRuleSuperseded(ctx context.Context, id, by uuid.UUID) error
}

// ConflictStore manages disagreements between rule candidates
type ConflictStore interface {
	InsertConflict(ctx context.Context, c model.Conflict) error
	GetConflict(ctx context.Context, id uuid.UUID) (model.Conflict, error)
	ListConflictsByStatus(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error)

	// FindOpenConflictForRules returns an existing OPEN conflict
	// covering exactly the given rule set, for idempotent composition.
	FindOpenConflictForRules(ctx context.Context, ruleIDs []uuid.UUID) (model.Conflict, error)

	// OpenConflictsForRule lists OPEN conflicts referencing the rule
	OpenConflictsForRule(ctx context.Context, ruleID uuid.UUID) ([]model.Conflict, error)

	// ResolveConflict performs the CAS OPEN -> RESOLVED transition
	ResolveConflict(ctx context.Context, id uuid.UUID, resolution model.Resolution, note string, at time.Time) error

	// MarkConflictEscalated flags an OPEN conflict for mandatory human decision
	MarkConflictEscalated(ctx context.Context, id uuid.UUID, note string) error
}

// ReleaseStore is append-only
type ReleaseStore interface {
	InsertRelease(ctx context.Context, rel model.Release) error
	LatestRelease(ctx context.Context) (model.Release, error)
	ListReleases(ctx context.Context) ([]model.Release, error)
}

// RunStore records stage executions for audit and the status surface
type RunStore interface {
	StartRun(ctx context.Context, run model.AgentRun) error
	CompleteRun(ctx context.Context, id uuid.UUID, outcome model.RunOutcome, confidence float64, errMsg string, at time.Time) error

	// StageStats returns total and failed run counts for a stage over
	// a trailing window starting at since.
	StageStats(ctx context.Context, stage model.Stage, since time.Time) (total, failed int, err error)
}

// ConceptLocker serializes composition per concept. Across concepts
// processing stays fully parallel; within one concept there is exactly
// one logical owner at a time.
type ConceptLocker interface {
	// AcquireConcept blocks until the exclusive claim for the slug is
	// held and returns the release function.
	AcquireConcept(ctx context.Context, conceptSlug string) (func(), error)
}

// Store is the full durable surface consumed by the pipeline
type Store interface {
	SourceStore
	EvidenceStore
	PointerStore
	RuleStore
	ConflictStore
	ReleaseStore
	RunStore
	ConceptLocker
}
