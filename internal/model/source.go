package model

import (
	"time"

	"github.com/google/uuid"
)

// PriorityTier classifies how critical a source or rule is (T0 highest)
type PriorityTier int

const (
	TierT0 PriorityTier = 0 // Critical: statutory thresholds, primary law
	TierT1 PriorityTier = 1 // High: official guidance, gazettes
	TierT2 PriorityTier = 2 // Medium: circulars, agency FAQ pages
	TierT3 PriorityTier = 3 // Low: secondary commentary
)

func (t PriorityTier) String() string {
	switch t {
	case TierT0:
		return "T0"
	case TierT1:
		return "T1"
	case TierT2:
		return "T2"
	case TierT3:
		return "T3"
	default:
		return "unknown"
	}
}

// ScrapeInterval returns the default check interval for a tier
func (t PriorityTier) ScrapeInterval() time.Duration {
	switch t {
	case TierT0:
		return 24 * time.Hour
	case TierT1:
		return 168 * time.Hour
	default:
		return 720 * time.Hour
	}
}

// ParseTier parses a tier label ("T0".."T3")
func ParseTier(s string) (PriorityTier, bool) {
	switch s {
	case "T0", "t0":
		return TierT0, true
	case "T1", "t1":
		return TierT1, true
	case "T2", "t2":
		return TierT2, true
	case "T3", "t3":
		return TierT3, true
	}
	return TierT3, false
}

// Source is a monitored regulatory endpoint
type Source struct {
	ID                uuid.UUID     `json:"id" yaml:"id"`
	Name              string        `json:"name" yaml:"name"`
	URL               string        `json:"url" yaml:"url"`
	ContentType       string        `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Tier              PriorityTier  `json:"tier" yaml:"tier"`
	ScrapeInterval    time.Duration `json:"scrape_interval" yaml:"scrape_interval"`
	LastCheckedAt     time.Time     `json:"last_checked_at,omitempty" yaml:"-"`
	LastContentHash   string        `json:"last_content_hash,omitempty" yaml:"-"`
	ConsecutiveErrors int           `json:"consecutive_errors" yaml:"-"`
	CircuitOpenedAt   time.Time     `json:"circuit_opened_at,omitempty" yaml:"-"`
}

// Due reports whether the source is due for a check at the given time
func (s Source) Due(now time.Time) bool {
	if s.LastCheckedAt.IsZero() {
		return true
	}
	return !s.LastCheckedAt.Add(s.ScrapeInterval).After(now)
}

// Overdue returns how far past its interval the source is (zero if not due)
func (s Source) Overdue(now time.Time) time.Duration {
	if s.LastCheckedAt.IsZero() {
		return s.ScrapeInterval
	}
	d := now.Sub(s.LastCheckedAt.Add(s.ScrapeInterval))
	if d < 0 {
		return 0
	}
	return d
}
