// Package api exposes the pipeline over HTTP. Reads are the primary
// surface; the few POST endpoints only trigger or decide work that the
// pipeline packages own, they never write rule content directly.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regbeacon/regbeacon/internal/arbiter"
	"github.com/regbeacon/regbeacon/internal/health"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/review"
	"github.com/regbeacon/regbeacon/internal/schedule"
	"github.com/regbeacon/regbeacon/internal/store"
)

// Server is the HTTP API
type Server struct {
	store   store.Store
	queue   queue.Queue
	sched   *schedule.Scheduler
	checker *health.Checker
	logger  *slog.Logger
	now     func() time.Time
}

// New creates the API server
func New(st store.Store, q queue.Queue, sched *schedule.Scheduler, checker *health.Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: st, queue: q, sched: sched, checker: checker, logger: logger, now: time.Now}
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/{id}", s.handleGetRule)
		r.Post("/rules/{id}/approve", s.handleApproveRule)
		r.Post("/rules/{id}/reject", s.handleRejectRule)

		r.Get("/sources", s.handleListSources)
		r.Post("/sources/{id}/check", s.handleCheckSource)

		r.Get("/conflicts", s.handleListConflicts)
		r.Post("/conflicts/{id}/resolve", s.handleResolveConflict)

		r.Get("/releases", s.handleListReleases)
		r.Post("/pipeline/run", s.handlePipelineRun)

		r.Get("/status", s.handleStatus)
		r.Get("/health", s.handleHealth)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// citation is one fully-resolved provenance entry on a rule response
type citation struct {
	PointerID   uuid.UUID `json:"pointer_id"`
	EvidenceID  uuid.UUID `json:"evidence_id"`
	SourceID    uuid.UUID `json:"source_id"`
	SourceName  string    `json:"source_name"`
	SourceURL   string    `json:"source_url"`
	ExactQuote  string    `json:"exact_quote"`
	QuoteOffset int       `json:"quote_offset"`
	Method      string    `json:"method"`
	Confidence  float64   `json:"confidence"`
	ExtractedAt time.Time `json:"extracted_at"`
	FetchedAt   time.Time `json:"fetched_at"`
	ContentHash string    `json:"content_hash"`
}

type ruleResponse struct {
	model.Rule
	Citations []citation `json:"citations"`
}

// handleListRules serves published rules eligible at a date. The
// status filter is not optional and not parameterizable: nothing that
// is not PUBLISHED ever leaves this endpoint. An unparseable as_of is
// a client error, never silently "today".
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	asOf := s.now().UTC()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "as_of must be an ISO date (YYYY-MM-DD)")
			return
		}
		asOf = parsed.UTC()
	}
	concept := r.URL.Query().Get("concept")

	published, err := s.store.ListRulesByStatus(r.Context(), model.RulePublished)
	if err != nil {
		s.internalError(w, "list rules", err)
		return
	}

	out := []ruleResponse{}
	for _, rule := range published {
		if concept != "" && rule.ConceptSlug != concept {
			continue
		}
		if !rule.EffectiveAt(asOf) {
			continue
		}
		resp, err := s.withCitations(r.Context(), rule)
		if err != nil {
			s.internalError(w, "resolve citations", err)
			return
		}
		out = append(out, resp)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"as_of": asOf.Format("2006-01-02"),
		"rules": out,
	})
}

// handleGetRule is the operator inspection surface: it serves a rule in
// any lifecycle state, by id only, so humans can examine drafts and
// pending candidates before deciding on them. Consumer eligibility
// queries go through handleListRules, which is the only endpoint that
// answers "what governs" and never serves anything but PUBLISHED.
func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	rule, err := s.store.GetRule(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		s.internalError(w, "get rule", err)
		return
	}
	resp, err := s.withCitations(r.Context(), rule)
	if err != nil {
		s.internalError(w, "resolve citations", err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleApproveRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	err := review.ApproveManually(r.Context(), s.store, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, review.ErrBelowApprovalFloor):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrStaleTransition):
		s.writeError(w, http.StatusConflict, "rule is not pending review")
	case err != nil:
		s.internalError(w, "approve rule", err)
	default:
		s.enqueueRelease(r.Context(), id.String())
		s.writeJSON(w, http.StatusOK, map[string]string{"status": string(model.RuleApproved)})
	}
}

// enqueueRelease schedules a release pass after a manual decision made
// a rule releasable. Failure to enqueue is logged, not surfaced: the
// decision itself is already durable and the next release pass will
// pick the rule up.
func (s *Server) enqueueRelease(ctx context.Context, payload string) {
	if err := s.queue.Enqueue(ctx, queue.NewMessage(model.StageRelease, payload)); err != nil {
		s.logger.Error("enqueue release", "error", err)
	}
}

func (s *Server) handleRejectRule(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	err := review.RejectManually(r.Context(), s.store, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "rule not found")
	case errors.Is(err, store.ErrStaleTransition):
		s.writeError(w, http.StatusConflict, "rule is not pending review")
	case err != nil:
		s.internalError(w, "reject rule", err)
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"status": string(model.RuleRejected)})
	}
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sources, err := s.store.ListSources(r.Context())
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleCheckSource(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	err := s.sched.EnqueueSource(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "source not found")
		return
	}
	if err != nil {
		s.internalError(w, "enqueue check", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	status := model.ConflictOpen
	if raw := r.URL.Query().Get("status"); raw != "" {
		status = model.ConflictStatus(raw)
	}
	conflicts, err := s.store.ListConflictsByStatus(r.Context(), status)
	if err != nil {
		s.internalError(w, "list conflicts", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	id, ok := s.parseID(w, r)
	if !ok {
		return
	}
	var body struct {
		Resolution string `json:"resolution"`
		Note       string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	err := arbiter.ResolveManually(r.Context(), s.store, id, model.Resolution(body.Resolution), body.Note, s.now())
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "conflict not found")
	case errors.Is(err, store.ErrStaleTransition):
		s.writeError(w, http.StatusConflict, "conflict is not open")
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.enqueueRelease(r.Context(), id.String())
		s.writeJSON(w, http.StatusOK, map[string]string{"status": string(model.ConflictResolved)})
	}
}

func (s *Server) handleListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := s.store.ListReleases(r.Context())
	if err != nil {
		s.internalError(w, "list releases", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"releases": releases})
}

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	var tier *model.PriorityTier
	if raw := r.URL.Query().Get("tier"); raw != "" {
		t, ok := model.ParseTier(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "tier must be T0..T3")
			return
		}
		tier = &t
	}
	scheduled, err := s.sched.TickTier(r.Context(), tier)
	if err != nil {
		s.internalError(w, "schedule run", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"scheduled": scheduled})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		s.internalError(w, "list sources", err)
		return
	}

	since := s.now().UTC().Add(-24 * time.Hour)
	stages := make(map[string]map[string]int)
	for _, stage := range model.Stages() {
		total, failed, err := s.store.StageStats(ctx, stage, since)
		if err != nil {
			s.internalError(w, "stage stats", err)
			return
		}
		stages[string(stage)] = map[string]int{"total": total, "failed": failed}
	}

	openConflicts, err := s.store.ListConflictsByStatus(ctx, model.ConflictOpen)
	if err != nil {
		s.internalError(w, "list conflicts", err)
		return
	}
	pending, err := s.store.CountRulesByStatus(ctx, model.RulePendingReview)
	if err != nil {
		s.internalError(w, "count pending", err)
		return
	}

	status := map[string]any{
		"sources":        sources,
		"stages":         stages,
		"open_conflicts": len(openConflicts),
		"pending_review": pending,
	}
	if latest, err := s.store.LatestRelease(ctx); err == nil {
		status["latest_release"] = latest
	} else if !errors.Is(err, store.ErrNotFound) {
		s.internalError(w, "latest release", err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := s.checker.Check(r.Context())
	if err != nil {
		s.internalError(w, "health check", err)
		return
	}
	code := http.StatusOK
	if rep.Critical {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, rep)
}

// withCitations resolves a rule's full provenance chain down to the
// source each quote was fetched from.
func (s *Server) withCitations(ctx context.Context, rule model.Rule) (ruleResponse, error) {
	resp := ruleResponse{Rule: rule, Citations: []citation{}}

	pointers, err := s.store.ListPointersByConcept(ctx, rule.ConceptSlug)
	if err != nil {
		return ruleResponse{}, err
	}
	want := make(map[uuid.UUID]bool, len(rule.SourcePointerIDs))
	for _, id := range rule.SourcePointerIDs {
		want[id] = true
	}

	for _, p := range pointers {
		if !want[p.ID] {
			continue
		}
		ev, err := s.store.GetEvidence(ctx, p.EvidenceID)
		if err != nil {
			return ruleResponse{}, err
		}
		src, err := s.store.GetSource(ctx, ev.SourceID)
		if err != nil {
			return ruleResponse{}, err
		}
		resp.Citations = append(resp.Citations, citation{
			PointerID:   p.ID,
			EvidenceID:  ev.ID,
			SourceID:    src.ID,
			SourceName:  src.Name,
			SourceURL:   src.URL,
			ExactQuote:  p.ExactQuote,
			QuoteOffset: p.QuoteOffset,
			Method:      p.Method,
			Confidence:  p.Confidence,
			ExtractedAt: p.ExtractedAt,
			FetchedAt:   ev.FetchedAt,
			ContentHash: ev.ContentHash,
		})
	}
	return resp, nil
}

func (s *Server) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid id")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
