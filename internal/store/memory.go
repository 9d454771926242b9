package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
)

// Memory is the in-process store used by the single-binary run mode
// and by tests. For multi-process deployments use Postgres instead.
type Memory struct {
	mu        sync.RWMutex
	sources   map[uuid.UUID]model.Source
	evidence  map[uuid.UUID]model.Evidence
	pointers  map[uuid.UUID]model.SourcePointer
	rules     map[uuid.UUID]model.Rule
	conflicts map[uuid.UUID]model.Conflict
	releases  []model.Release
	runs      map[uuid.UUID]model.AgentRun

	conceptMu sync.Mutex
	concepts  map[string]*sync.Mutex
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		sources:   make(map[uuid.UUID]model.Source),
		evidence:  make(map[uuid.UUID]model.Evidence),
		pointers:  make(map[uuid.UUID]model.SourcePointer),
		rules:     make(map[uuid.UUID]model.Rule),
		conflicts: make(map[uuid.UUID]model.Conflict),
		runs:      make(map[uuid.UUID]model.AgentRun),
		concepts:  make(map[string]*sync.Mutex),
	}
}

// --- sources ---

func (m *Memory) UpsertSource(ctx context.Context, src model.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sources[src.ID]; ok {
		// Catalog re-seeds must not wipe runtime state
		src.LastCheckedAt = existing.LastCheckedAt
		src.LastContentHash = existing.LastContentHash
		src.ConsecutiveErrors = existing.ConsecutiveErrors
		src.CircuitOpenedAt = existing.CircuitOpenedAt
	}
	m.sources[src.ID] = src
	return nil
}

func (m *Memory) GetSource(ctx context.Context, id uuid.UUID) (model.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return model.Source{}, ErrNotFound
	}
	return src, nil
}

func (m *Memory) ListSources(ctx context.Context) ([]model.Source, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) MarkSourceChecked(ctx context.Context, id uuid.UUID, at time.Time, contentHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return ErrNotFound
	}
	src.LastCheckedAt = at
	if contentHash != "" {
		src.LastContentHash = contentHash
	}
	src.ConsecutiveErrors = 0
	src.CircuitOpenedAt = time.Time{}
	m.sources[id] = src
	return nil
}

func (m *Memory) RecordSourceError(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return 0, ErrNotFound
	}
	src.ConsecutiveErrors++
	src.LastCheckedAt = at
	m.sources[id] = src
	return src.ConsecutiveErrors, nil
}

func (m *Memory) OpenSourceCircuit(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return ErrNotFound
	}
	src.CircuitOpenedAt = at
	m.sources[id] = src
	return nil
}

// --- evidence ---

func (m *Memory) InsertEvidence(ctx context.Context, ev model.Evidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.evidence[ev.ID]; exists {
		return ErrDuplicate
	}
	m.evidence[ev.ID] = ev
	return nil
}

func (m *Memory) GetEvidence(ctx context.Context, id uuid.UUID) (model.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.evidence[id]
	if !ok {
		return model.Evidence{}, ErrNotFound
	}
	return ev, nil
}

func (m *Memory) ListEvidenceBySource(ctx context.Context, sourceID uuid.UUID) ([]model.Evidence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Evidence
	for _, ev := range m.evidence {
		if ev.SourceID == sourceID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FetchedAt.Before(out[j].FetchedAt) })
	return out, nil
}

// --- pointers ---

func (m *Memory) InsertPointers(ctx context.Context, ptrs []model.SourcePointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range ptrs {
		if _, exists := m.pointers[p.ID]; exists {
			return ErrDuplicate
		}
	}
	for _, p := range ptrs {
		m.pointers[p.ID] = p
	}
	return nil
}

func (m *Memory) ListPointersByConcept(ctx context.Context, conceptSlug string) ([]model.SourcePointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SourcePointer
	for _, p := range m.pointers {
		if p.ConceptSlug == conceptSlug {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExtractedAt.Before(out[j].ExtractedAt) })
	return out, nil
}

func (m *Memory) ListPointersByEvidence(ctx context.Context, evidenceID uuid.UUID) ([]model.SourcePointer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.SourcePointer
	for _, p := range m.pointers {
		if p.EvidenceID == evidenceID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QuoteOffset < out[j].QuoteOffset })
	return out, nil
}

// --- rules ---

func (m *Memory) InsertRule(ctx context.Context, r model.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range m.rules {
		if existing.Fingerprint == r.Fingerprint && existing.Status != model.RuleRejected {
			return ErrDuplicate
		}
	}
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return model.Rule{}, ErrNotFound
	}
	return r, nil
}

// GetRuleByFingerprint skips REJECTED rules, mirroring the partial
// unique index on the postgres side: a rejected candidate frees its
// fingerprint so fresh evidence can re-compose it.
func (m *Memory) GetRuleByFingerprint(ctx context.Context, fingerprint string) (model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rules {
		if r.Fingerprint == fingerprint && r.Status != model.RuleRejected {
			return r, nil
		}
	}
	return model.Rule{}, ErrNotFound
}

func (m *Memory) ListRulesByConcept(ctx context.Context, conceptSlug string) ([]model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Rule
	for _, r := range m.rules {
		if r.ConceptSlug == conceptSlug {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveFrom.Before(out[j].EffectiveFrom) })
	return out, nil
}

func (m *Memory) ListRulesByStatus(ctx context.Context, status model.RuleStatus) ([]model.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Rule
	for _, r := range m.rules {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CountRulesByStatus(ctx context.Context, status model.RuleStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, r := range m.rules {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Memory) TransitionRule(ctx context.Context, id uuid.UUID, from, to model.RuleStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != from {
		return ErrStaleTransition
	}
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) UpdateRuleReview(ctx context.Context, id uuid.UUID, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status == model.RulePublished || r.Status == model.RuleDeprecated {
		return ErrImmutable
	}
	r.Confidence = confidence
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) UpdateRulePointers(ctx context.Context, id uuid.UUID, pointerIDs []uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != model.RuleDraft {
		return ErrImmutable
	}
	r.SourcePointerIDs = append([]uuid.UUID(nil), pointerIDs...)
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) TruncateRuleWindow(ctx context.Context, id uuid.UUID, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	if r.Status != model.RuleDraft {
		return ErrImmutable
	}
	u := until.UTC()
	r.EffectiveUntil = &u
	// Fingerprint stays: it identifies the composed candidate, so a
	// re-composition of the same pointers maps back to this rule
	// instead of resurrecting the untruncated window.
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

func (m *Memory) SetRuleSuperseded(ctx context.Context, id, by uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrNotFound
	}
	r.SupersededBy = &by
	r.UpdatedAt = time.Now().UTC()
	m.rules[id] = r
	return nil
}

// --- conflicts ---

func (m *Memory) InsertConflict(ctx context.Context, c model.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.conflicts[c.ID]; exists {
		return ErrDuplicate
	}
	m.conflicts[c.ID] = c
	return nil
}

func (m *Memory) GetConflict(ctx context.Context, id uuid.UUID) (model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conflicts[id]
	if !ok {
		return model.Conflict{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) ListConflictsByStatus(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Conflict
	for _, c := range m.conflicts {
		if c.Status == status {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FindOpenConflictForRules(ctx context.Context, ruleIDs []uuid.UUID) (model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	want := make(map[uuid.UUID]bool, len(ruleIDs))
	for _, id := range ruleIDs {
		want[id] = true
	}
	for _, c := range m.conflicts {
		if c.Status != model.ConflictOpen || len(c.RuleIDs) != len(ruleIDs) {
			continue
		}
		match := true
		for _, id := range c.RuleIDs {
			if !want[id] {
				match = false
				break
			}
		}
		if match {
			return c, nil
		}
	}
	return model.Conflict{}, ErrNotFound
}

func (m *Memory) OpenConflictsForRule(ctx context.Context, ruleID uuid.UUID) ([]model.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Conflict
	for _, c := range m.conflicts {
		if c.Status == model.ConflictOpen && c.Contains(ruleID) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) ResolveConflict(ctx context.Context, id uuid.UUID, resolution model.Resolution, note string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != model.ConflictOpen {
		return ErrStaleTransition
	}
	c.Status = model.ConflictResolved
	c.Resolution = resolution
	c.Note = note
	resolvedAt := at.UTC()
	c.ResolvedAt = &resolvedAt
	m.conflicts[id] = c
	return nil
}

func (m *Memory) MarkConflictEscalated(ctx context.Context, id uuid.UUID, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != model.ConflictOpen {
		return ErrStaleTransition
	}
	c.Escalated = true
	c.Note = note
	m.conflicts[id] = c
	return nil
}

// --- releases ---

func (m *Memory) InsertRelease(ctx context.Context, rel model.Release) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases = append(m.releases, rel)
	return nil
}

func (m *Memory) LatestRelease(ctx context.Context) (model.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.releases) == 0 {
		return model.Release{}, ErrNotFound
	}
	return m.releases[len(m.releases)-1], nil
}

func (m *Memory) ListReleases(ctx context.Context) ([]model.Release, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.Release(nil), m.releases...), nil
}

// --- agent runs ---

func (m *Memory) StartRun(ctx context.Context, run model.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return ErrDuplicate
	}
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) CompleteRun(ctx context.Context, id uuid.UUID, outcome model.RunOutcome, confidence float64, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.CompletedAt != nil {
		return ErrImmutable
	}
	completed := at.UTC()
	run.CompletedAt = &completed
	run.Outcome = outcome
	run.Confidence = confidence
	run.Error = errMsg
	m.runs[id] = run
	return nil
}

func (m *Memory) StageStats(ctx context.Context, stage model.Stage, since time.Time) (int, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total, failed := 0, 0
	for _, run := range m.runs {
		if run.Stage != stage || run.StartedAt.Before(since) {
			continue
		}
		total++
		if run.Outcome == model.OutcomeFailed {
			failed++
		}
	}
	return total, failed, nil
}

// --- concept claims ---

func (m *Memory) AcquireConcept(ctx context.Context, conceptSlug string) (func(), error) {
	m.conceptMu.Lock()
	mu, ok := m.concepts[conceptSlug]
	if !ok {
		mu = &sync.Mutex{}
		m.concepts[conceptSlug] = mu
	}
	m.conceptMu.Unlock()

	mu.Lock()
	return mu.Unlock, nil
}
