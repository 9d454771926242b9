package extract

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
	"github.com/regbeacon/regbeacon/internal/worker"
)

// Stage runs extraction over one evidence record and persists the
// verified pointers. Extraction failure is non-fatal to the pipeline:
// the evidence stays usable for manual extraction later.
type Stage struct {
	store     store.Store
	extractor Extractor
	logger    *slog.Logger

	// ChainDownstream enqueues composition for affected concepts
	ChainDownstream bool
}

// NewStage creates the extraction stage handler
func NewStage(st store.Store, extractor Extractor, logger *slog.Logger) *Stage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stage{store: st, extractor: extractor, logger: logger}
}

// Handle extracts pointers from one evidence record. The payload is
// the evidence id.
func (s *Stage) Handle(ctx context.Context, payload string) (worker.StageResult, error) {
	evidenceID, err := uuid.Parse(payload)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("parse evidence id: %w", err)
	}

	ev, err := s.store.GetEvidence(ctx, evidenceID)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("load evidence: %w", err)
	}

	candidates, err := s.extractor.Extract(ctx, ev)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("extract: %w", err)
	}

	verified, rejected := VerifyPointers(ev, candidates)
	for _, p := range rejected {
		// Invariant violation: reject at creation time, never persist
		s.logger.Warn("dropping pointer with unverifiable quote",
			"evidence", ev.ID, "concept", p.ConceptSlug, "method", p.Method)
	}

	if len(verified) == 0 {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	if err := s.store.InsertPointers(ctx, verified); err != nil {
		return worker.StageResult{}, fmt.Errorf("insert pointers: %w", err)
	}

	avg := 0.0
	concepts := make(map[string]bool)
	for _, p := range verified {
		avg += p.Confidence
		concepts[p.ConceptSlug] = true
	}
	avg /= float64(len(verified))

	s.logger.Info("extracted pointers",
		"evidence", ev.ID, "pointers", len(verified), "rejected", len(rejected), "concepts", len(concepts))

	res := worker.StageResult{Outcome: model.OutcomeSucceeded, Confidence: avg}
	if s.ChainDownstream {
		for slug := range concepts {
			res.Next = append(res.Next, queue.NewMessage(model.StageCompose, slug))
		}
	}
	return res, nil
}
