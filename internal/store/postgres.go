package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/regbeacon/regbeacon/internal/model"
)

// Postgres is the durable store backend for multi-process deployments.
// Per-concept exclusivity uses postgres advisory locks so two composer
// workers on different hosts still serialize per concept.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database and ensures the schema exists
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := &Postgres{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the connection pool
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS sources (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	url TEXT NOT NULL,
	content_type TEXT NOT NULL DEFAULT '',
	tier INT NOT NULL,
	scrape_interval_secs BIGINT NOT NULL,
	last_checked_at TIMESTAMPTZ,
	last_content_hash TEXT NOT NULL DEFAULT '',
	consecutive_errors INT NOT NULL DEFAULT 0,
	circuit_opened_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS evidence (
	id TEXT PRIMARY KEY,
	source_id TEXT NOT NULL REFERENCES sources(id),
	raw_content TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	fetch_meta JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_evidence_source ON evidence(source_id);
CREATE TABLE IF NOT EXISTS source_pointers (
	id TEXT PRIMARY KEY,
	evidence_id TEXT NOT NULL REFERENCES evidence(id),
	concept_slug TEXT NOT NULL,
	claimed_value JSONB NOT NULL,
	exact_quote TEXT NOT NULL,
	quote_offset INT NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_until TIMESTAMPTZ,
	confidence DOUBLE PRECISION NOT NULL,
	method TEXT NOT NULL,
	extracted_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pointers_concept ON source_pointers(concept_slug);
CREATE INDEX IF NOT EXISTS idx_pointers_evidence ON source_pointers(evidence_id);
CREATE TABLE IF NOT EXISTS rules (
	id TEXT PRIMARY KEY,
	concept_slug TEXT NOT NULL,
	value JSONB NOT NULL,
	effective_from TIMESTAMPTZ NOT NULL,
	effective_until TIMESTAMPTZ,
	status TEXT NOT NULL,
	risk_tier INT NOT NULL,
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	pointer_ids TEXT[] NOT NULL DEFAULT '{}',
	fingerprint TEXT NOT NULL,
	superseded_by TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_concept ON rules(concept_slug);
CREATE INDEX IF NOT EXISTS idx_rules_status ON rules(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_rules_fingerprint ON rules(fingerprint) WHERE status <> 'REJECTED';
CREATE TABLE IF NOT EXISTS conflicts (
	id TEXT PRIMARY KEY,
	concept_slug TEXT NOT NULL,
	rule_ids TEXT[] NOT NULL,
	status TEXT NOT NULL,
	resolution TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	escalated BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS releases (
	id TEXT PRIMARY KEY,
	version TEXT NOT NULL,
	released_at TIMESTAMPTZ NOT NULL,
	rule_ids TEXT[] NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_runs (
	id TEXT PRIMARY KEY,
	stage TEXT NOT NULL,
	input_id TEXT NOT NULL,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	outcome TEXT NOT NULL DEFAULT '',
	confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_stage_started ON agent_runs(stage, started_at);
`
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func idsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func stringsToIDs(ss []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, len(ss))
	for i, s := range ss {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse id %q: %w", s, err)
		}
		out[i] = id
	}
	return out, nil
}

// --- sources ---

func (p *Postgres) UpsertSource(ctx context.Context, src model.Source) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sources (id, name, url, content_type, tier, scrape_interval_secs,
			last_checked_at, last_content_hash, consecutive_errors, circuit_opened_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,'0001-01-01T00:00:00Z'::timestamptz),$8,$9,NULLIF($10,'0001-01-01T00:00:00Z'::timestamptz))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, url = EXCLUDED.url, content_type = EXCLUDED.content_type,
			tier = EXCLUDED.tier, scrape_interval_secs = EXCLUDED.scrape_interval_secs`,
		src.ID.String(), src.Name, src.URL, src.ContentType, int(src.Tier),
		int64(src.ScrapeInterval.Seconds()), src.LastCheckedAt.UTC(), src.LastContentHash,
		src.ConsecutiveErrors, src.CircuitOpenedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert source: %w", err)
	}
	return nil
}

func (p *Postgres) scanSource(row pgx.Row) (model.Source, error) {
	var (
		src            model.Source
		id             string
		tier           int
		intervalSecs   int64
		lastChecked    *time.Time
		circuitOpened  *time.Time
	)
	err := row.Scan(&id, &src.Name, &src.URL, &src.ContentType, &tier, &intervalSecs,
		&lastChecked, &src.LastContentHash, &src.ConsecutiveErrors, &circuitOpened)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Source{}, ErrNotFound
	}
	if err != nil {
		return model.Source{}, fmt.Errorf("scan source: %w", err)
	}
	src.ID, err = uuid.Parse(id)
	if err != nil {
		return model.Source{}, fmt.Errorf("parse source id: %w", err)
	}
	src.Tier = model.PriorityTier(tier)
	src.ScrapeInterval = time.Duration(intervalSecs) * time.Second
	if lastChecked != nil {
		src.LastCheckedAt = *lastChecked
	}
	if circuitOpened != nil {
		src.CircuitOpenedAt = *circuitOpened
	}
	return src, nil
}

const sourceCols = `id, name, url, content_type, tier, scrape_interval_secs,
	last_checked_at, last_content_hash, consecutive_errors, circuit_opened_at`

func (p *Postgres) GetSource(ctx context.Context, id uuid.UUID) (model.Source, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+sourceCols+` FROM sources WHERE id = $1`, id.String())
	return p.scanSource(row)
}

func (p *Postgres) ListSources(ctx context.Context) ([]model.Source, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+sourceCols+` FROM sources ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []model.Source
	for rows.Next() {
		src, err := p.scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkSourceChecked(ctx context.Context, id uuid.UUID, at time.Time, contentHash string) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sources SET last_checked_at = $2,
			last_content_hash = CASE WHEN $3 <> '' THEN $3 ELSE last_content_hash END,
			consecutive_errors = 0, circuit_opened_at = NULL
		WHERE id = $1`, id.String(), at.UTC(), contentHash)
	if err != nil {
		return fmt.Errorf("mark source checked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) RecordSourceError(ctx context.Context, id uuid.UUID, at time.Time) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `
		UPDATE sources SET consecutive_errors = consecutive_errors + 1, last_checked_at = $2
		WHERE id = $1 RETURNING consecutive_errors`, id.String(), at.UTC()).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("record source error: %w", err)
	}
	return count, nil
}

func (p *Postgres) OpenSourceCircuit(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE sources SET circuit_opened_at = $2 WHERE id = $1`, id.String(), at.UTC())
	if err != nil {
		return fmt.Errorf("open circuit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- evidence ---

func (p *Postgres) InsertEvidence(ctx context.Context, ev model.Evidence) error {
	meta, err := json.Marshal(ev.FetchMeta)
	if err != nil {
		return fmt.Errorf("marshal fetch meta: %w", err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO evidence (id, source_id, raw_content, content_hash, fetched_at, fetch_meta)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID.String(), ev.SourceID.String(), ev.RawContent, ev.ContentHash, ev.FetchedAt.UTC(), meta)
	if err != nil {
		return fmt.Errorf("insert evidence: %w", err)
	}
	return nil
}

func (p *Postgres) scanEvidence(row pgx.Row) (model.Evidence, error) {
	var (
		ev       model.Evidence
		id, srcID string
		meta     []byte
	)
	err := row.Scan(&id, &srcID, &ev.RawContent, &ev.ContentHash, &ev.FetchedAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Evidence{}, ErrNotFound
	}
	if err != nil {
		return model.Evidence{}, fmt.Errorf("scan evidence: %w", err)
	}
	if ev.ID, err = uuid.Parse(id); err != nil {
		return model.Evidence{}, err
	}
	if ev.SourceID, err = uuid.Parse(srcID); err != nil {
		return model.Evidence{}, err
	}
	if err := json.Unmarshal(meta, &ev.FetchMeta); err != nil {
		return model.Evidence{}, fmt.Errorf("unmarshal fetch meta: %w", err)
	}
	return ev, nil
}

func (p *Postgres) GetEvidence(ctx context.Context, id uuid.UUID) (model.Evidence, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, source_id, raw_content, content_hash, fetched_at, fetch_meta
		FROM evidence WHERE id = $1`, id.String())
	return p.scanEvidence(row)
}

func (p *Postgres) ListEvidenceBySource(ctx context.Context, sourceID uuid.UUID) ([]model.Evidence, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, source_id, raw_content, content_hash, fetched_at, fetch_meta
		FROM evidence WHERE source_id = $1 ORDER BY fetched_at`, sourceID.String())
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()
	var out []model.Evidence
	for rows.Next() {
		ev, err := p.scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- pointers ---

func (p *Postgres) InsertPointers(ctx context.Context, ptrs []model.SourcePointer) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, ptr := range ptrs {
		val, err := json.Marshal(ptr.ClaimedValue)
		if err != nil {
			return fmt.Errorf("marshal claimed value: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO source_pointers (id, evidence_id, concept_slug, claimed_value,
				exact_quote, quote_offset, effective_from, effective_until, confidence, method, extracted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			ptr.ID.String(), ptr.EvidenceID.String(), ptr.ConceptSlug, val,
			ptr.ExactQuote, ptr.QuoteOffset, ptr.EffectiveFrom.UTC(), ptr.EffectiveUntil,
			ptr.Confidence, ptr.Method, ptr.ExtractedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert pointer: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (p *Postgres) scanPointer(row pgx.Row) (model.SourcePointer, error) {
	var (
		ptr      model.SourcePointer
		id, evID string
		val      []byte
	)
	err := row.Scan(&id, &evID, &ptr.ConceptSlug, &val, &ptr.ExactQuote, &ptr.QuoteOffset,
		&ptr.EffectiveFrom, &ptr.EffectiveUntil, &ptr.Confidence, &ptr.Method, &ptr.ExtractedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SourcePointer{}, ErrNotFound
	}
	if err != nil {
		return model.SourcePointer{}, fmt.Errorf("scan pointer: %w", err)
	}
	if ptr.ID, err = uuid.Parse(id); err != nil {
		return model.SourcePointer{}, err
	}
	if ptr.EvidenceID, err = uuid.Parse(evID); err != nil {
		return model.SourcePointer{}, err
	}
	if err := json.Unmarshal(val, &ptr.ClaimedValue); err != nil {
		return model.SourcePointer{}, fmt.Errorf("unmarshal claimed value: %w", err)
	}
	return ptr, nil
}

const pointerCols = `id, evidence_id, concept_slug, claimed_value, exact_quote, quote_offset,
	effective_from, effective_until, confidence, method, extracted_at`

func (p *Postgres) ListPointersByConcept(ctx context.Context, conceptSlug string) ([]model.SourcePointer, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pointerCols+` FROM source_pointers
		WHERE concept_slug = $1 ORDER BY extracted_at`, conceptSlug)
	if err != nil {
		return nil, fmt.Errorf("list pointers: %w", err)
	}
	defer rows.Close()
	var out []model.SourcePointer
	for rows.Next() {
		ptr, err := p.scanPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ptr)
	}
	return out, rows.Err()
}

func (p *Postgres) ListPointersByEvidence(ctx context.Context, evidenceID uuid.UUID) ([]model.SourcePointer, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+pointerCols+` FROM source_pointers
		WHERE evidence_id = $1 ORDER BY quote_offset`, evidenceID.String())
	if err != nil {
		return nil, fmt.Errorf("list pointers: %w", err)
	}
	defer rows.Close()
	var out []model.SourcePointer
	for rows.Next() {
		ptr, err := p.scanPointer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ptr)
	}
	return out, rows.Err()
}

// --- rules ---

const ruleCols = `id, concept_slug, value, effective_from, effective_until, status, risk_tier,
	confidence, pointer_ids, fingerprint, superseded_by, created_at, updated_at`

func (p *Postgres) InsertRule(ctx context.Context, r model.Rule) error {
	val, err := json.Marshal(r.Value)
	if err != nil {
		return fmt.Errorf("marshal rule value: %w", err)
	}
	var supersededBy *string
	if r.SupersededBy != nil {
		s := r.SupersededBy.String()
		supersededBy = &s
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO rules (`+ruleCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID.String(), r.ConceptSlug, val, r.EffectiveFrom.UTC(), r.EffectiveUntil,
		string(r.Status), int(r.RiskTier), r.Confidence, idsToStrings(r.SourcePointerIDs),
		r.Fingerprint, supersededBy, r.CreatedAt.UTC(), r.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (p *Postgres) scanRule(row pgx.Row) (model.Rule, error) {
	var (
		r            model.Rule
		id           string
		val          []byte
		status       string
		tier         int
		pointerIDs   []string
		supersededBy *string
	)
	err := row.Scan(&id, &r.ConceptSlug, &val, &r.EffectiveFrom, &r.EffectiveUntil, &status,
		&tier, &r.Confidence, &pointerIDs, &r.Fingerprint, &supersededBy, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Rule{}, ErrNotFound
	}
	if err != nil {
		return model.Rule{}, fmt.Errorf("scan rule: %w", err)
	}
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Rule{}, err
	}
	if err := json.Unmarshal(val, &r.Value); err != nil {
		return model.Rule{}, fmt.Errorf("unmarshal rule value: %w", err)
	}
	r.Status = model.RuleStatus(status)
	r.RiskTier = model.PriorityTier(tier)
	if r.SourcePointerIDs, err = stringsToIDs(pointerIDs); err != nil {
		return model.Rule{}, err
	}
	if supersededBy != nil {
		by, err := uuid.Parse(*supersededBy)
		if err != nil {
			return model.Rule{}, err
		}
		r.SupersededBy = &by
	}
	return r, nil
}

func (p *Postgres) GetRule(ctx context.Context, id uuid.UUID) (model.Rule, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+ruleCols+` FROM rules WHERE id = $1`, id.String())
	return p.scanRule(row)
}

func (p *Postgres) GetRuleByFingerprint(ctx context.Context, fingerprint string) (model.Rule, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+ruleCols+` FROM rules WHERE fingerprint = $1
		AND status <> 'REJECTED' LIMIT 1`, fingerprint)
	return p.scanRule(row)
}

func (p *Postgres) listRules(ctx context.Context, query string, args ...any) ([]model.Rule, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var out []model.Rule
	for rows.Next() {
		r, err := p.scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) ListRulesByConcept(ctx context.Context, conceptSlug string) ([]model.Rule, error) {
	return p.listRules(ctx, `SELECT `+ruleCols+` FROM rules WHERE concept_slug = $1 ORDER BY effective_from`, conceptSlug)
}

func (p *Postgres) ListRulesByStatus(ctx context.Context, status model.RuleStatus) ([]model.Rule, error) {
	return p.listRules(ctx, `SELECT `+ruleCols+` FROM rules WHERE status = $1 ORDER BY created_at`, string(status))
}

func (p *Postgres) CountRulesByStatus(ctx context.Context, status model.RuleStatus) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT count(*) FROM rules WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rules: %w", err)
	}
	return n, nil
}

func (p *Postgres) TransitionRule(ctx context.Context, id uuid.UUID, from, to model.RuleStatus) error {
	tag, err := p.pool.Exec(ctx, `UPDATE rules SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, id.String(), string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition rule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetRule(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

func (p *Postgres) UpdateRuleReview(ctx context.Context, id uuid.UUID, confidence float64) error {
	tag, err := p.pool.Exec(ctx, `UPDATE rules SET confidence = $2, updated_at = now()
		WHERE id = $1 AND status NOT IN ('PUBLISHED','DEPRECATED')`, id.String(), confidence)
	if err != nil {
		return fmt.Errorf("update rule review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetRule(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrImmutable
	}
	return nil
}

func (p *Postgres) UpdateRulePointers(ctx context.Context, id uuid.UUID, pointerIDs []uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE rules SET pointer_ids = $2, updated_at = now()
		WHERE id = $1 AND status = 'DRAFT'`, id.String(), idsToStrings(pointerIDs))
	if err != nil {
		return fmt.Errorf("update rule pointers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetRule(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrImmutable
	}
	return nil
}

func (p *Postgres) TruncateRuleWindow(ctx context.Context, id uuid.UUID, until time.Time) error {
	r, err := p.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != model.RuleDraft {
		return ErrImmutable
	}
	u := until.UTC()
	// Fingerprint stays: it identifies the composed candidate, so a
	// re-composition of the same pointers maps back to this rule
	// instead of resurrecting the untruncated window.
	tag, err := p.pool.Exec(ctx, `UPDATE rules SET effective_until = $2, updated_at = now()
		WHERE id = $1 AND status = 'DRAFT'`, id.String(), u)
	if err != nil {
		return fmt.Errorf("truncate rule window: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImmutable
	}
	return nil
}

func (p *Postgres) SetRuleSuperseded(ctx context.Context, id, by uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `UPDATE rules SET superseded_by = $2, updated_at = now()
		WHERE id = $1`, id.String(), by.String())
	if err != nil {
		return fmt.Errorf("set rule superseded: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- conflicts ---

const conflictCols = `id, concept_slug, rule_ids, status, resolution, note, escalated, created_at, resolved_at`

func (p *Postgres) InsertConflict(ctx context.Context, c model.Conflict) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO conflicts (`+conflictCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID.String(), c.ConceptSlug, idsToStrings(c.RuleIDs), string(c.Status),
		string(c.Resolution), c.Note, c.Escalated, c.CreatedAt.UTC(), c.ResolvedAt)
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

func (p *Postgres) scanConflict(row pgx.Row) (model.Conflict, error) {
	var (
		c          model.Conflict
		id         string
		ruleIDs    []string
		status     string
		resolution string
	)
	err := row.Scan(&id, &c.ConceptSlug, &ruleIDs, &status, &resolution, &c.Note, &c.Escalated, &c.CreatedAt, &c.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Conflict{}, ErrNotFound
	}
	if err != nil {
		return model.Conflict{}, fmt.Errorf("scan conflict: %w", err)
	}
	if c.ID, err = uuid.Parse(id); err != nil {
		return model.Conflict{}, err
	}
	if c.RuleIDs, err = stringsToIDs(ruleIDs); err != nil {
		return model.Conflict{}, err
	}
	c.Status = model.ConflictStatus(status)
	c.Resolution = model.Resolution(resolution)
	return c, nil
}

func (p *Postgres) GetConflict(ctx context.Context, id uuid.UUID) (model.Conflict, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conflictCols+` FROM conflicts WHERE id = $1`, id.String())
	return p.scanConflict(row)
}

func (p *Postgres) ListConflictsByStatus(ctx context.Context, status model.ConflictStatus) ([]model.Conflict, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+conflictCols+` FROM conflicts WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()
	var out []model.Conflict
	for rows.Next() {
		c, err := p.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) FindOpenConflictForRules(ctx context.Context, ruleIDs []uuid.UUID) (model.Conflict, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+conflictCols+` FROM conflicts
		WHERE status = 'OPEN' AND rule_ids @> $1 AND rule_ids <@ $1 LIMIT 1`, idsToStrings(ruleIDs))
	return p.scanConflict(row)
}

func (p *Postgres) OpenConflictsForRule(ctx context.Context, ruleID uuid.UUID) ([]model.Conflict, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+conflictCols+` FROM conflicts
		WHERE status = 'OPEN' AND $1 = ANY(rule_ids)`, ruleID.String())
	if err != nil {
		return nil, fmt.Errorf("open conflicts for rule: %w", err)
	}
	defer rows.Close()
	var out []model.Conflict
	for rows.Next() {
		c, err := p.scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) ResolveConflict(ctx context.Context, id uuid.UUID, resolution model.Resolution, note string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE conflicts SET status = 'RESOLVED', resolution = $2, note = $3, resolved_at = $4
		WHERE id = $1 AND status = 'OPEN'`, id.String(), string(resolution), note, at.UTC())
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetConflict(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

func (p *Postgres) MarkConflictEscalated(ctx context.Context, id uuid.UUID, note string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE conflicts SET escalated = TRUE, note = $2
		WHERE id = $1 AND status = 'OPEN'`, id.String(), note)
	if err != nil {
		return fmt.Errorf("mark conflict escalated: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := p.GetConflict(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrStaleTransition
	}
	return nil
}

// --- releases ---

func (p *Postgres) InsertRelease(ctx context.Context, rel model.Release) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO releases (id, version, released_at, rule_ids)
		VALUES ($1,$2,$3,$4)`,
		rel.ID.String(), rel.Version, rel.ReleasedAt.UTC(), idsToStrings(rel.RuleIDs))
	if err != nil {
		return fmt.Errorf("insert release: %w", err)
	}
	return nil
}

func (p *Postgres) scanRelease(row pgx.Row) (model.Release, error) {
	var (
		rel     model.Release
		id      string
		ruleIDs []string
	)
	err := row.Scan(&id, &rel.Version, &rel.ReleasedAt, &ruleIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Release{}, ErrNotFound
	}
	if err != nil {
		return model.Release{}, fmt.Errorf("scan release: %w", err)
	}
	if rel.ID, err = uuid.Parse(id); err != nil {
		return model.Release{}, err
	}
	if rel.RuleIDs, err = stringsToIDs(ruleIDs); err != nil {
		return model.Release{}, err
	}
	return rel, nil
}

func (p *Postgres) LatestRelease(ctx context.Context) (model.Release, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, version, released_at, rule_ids FROM releases
		ORDER BY released_at DESC LIMIT 1`)
	return p.scanRelease(row)
}

func (p *Postgres) ListReleases(ctx context.Context) ([]model.Release, error) {
	rows, err := p.pool.Query(ctx, `SELECT id, version, released_at, rule_ids FROM releases ORDER BY released_at`)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()
	var out []model.Release
	for rows.Next() {
		rel, err := p.scanRelease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, rows.Err()
}

// --- agent runs ---

func (p *Postgres) StartRun(ctx context.Context, run model.AgentRun) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO agent_runs (id, stage, input_id, started_at)
		VALUES ($1,$2,$3,$4)`,
		run.ID.String(), string(run.Stage), run.InputID, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

func (p *Postgres) CompleteRun(ctx context.Context, id uuid.UUID, outcome model.RunOutcome, confidence float64, errMsg string, at time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE agent_runs SET completed_at = $2, outcome = $3, confidence = $4, error = $5
		WHERE id = $1 AND completed_at IS NULL`, id.String(), at.UTC(), string(outcome), confidence, errMsg)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrImmutable
	}
	return nil
}

func (p *Postgres) StageStats(ctx context.Context, stage model.Stage, since time.Time) (int, int, error) {
	var total, failed int
	err := p.pool.QueryRow(ctx, `SELECT count(*), count(*) FILTER (WHERE outcome = 'failed')
		FROM agent_runs WHERE stage = $1 AND started_at >= $2`, string(stage), since.UTC()).Scan(&total, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("stage stats: %w", err)
	}
	return total, failed, nil
}

// --- concept claims ---

// AcquireConcept takes a session-scoped advisory lock keyed by the
// concept slug. The lock is held by a dedicated pooled connection until
// the release function runs.
func (p *Postgres) AcquireConcept(ctx context.Context, conceptSlug string) (func(), error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	key := conceptLockKey(conceptSlug)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, key)
		conn.Release()
	}
	return release, nil
}

func conceptLockKey(slug string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("regbeacon:concept:" + slug))
	return int64(h.Sum64())
}
