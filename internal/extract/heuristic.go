package extract

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
)

var (
	amountRe   = regexp.MustCompile(`([€$£])?\s*([0-9]{1,3}(?:,[0-9]{3})+|[0-9]+(?:\.[0-9]+)?)`)
	rateRe     = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)\s*(?:%|percent|per cent)`)
	isoDateRe  = regexp.MustCompile(`([0-9]{4})-([0-9]{2})-([0-9]{2})`)
	longDateRe = regexp.MustCompile(`(?i)([0-9]{1,2})\s+(january|february|march|april|may|june|july|august|september|october|november|december)\s+([0-9]{4})`)
	fromRe     = regexp.MustCompile(`(?i)(?:with effect from|effective from|effective|as of|from|starting)\s+`)
	untilRe    = regexp.MustCompile(`(?i)(?:until|through|up to)\s+`)
)

var currencySymbols = map[string]string{"€": "EUR", "$": "USD", "£": "GBP"}

// Heuristic extracts pointers by keyword and pattern matching against
// the concept taxonomy. It needs no network or model access, which
// keeps offline runs and tests self-contained; the LLM extractor is
// layered on top when configured.
type Heuristic struct {
	taxonomy *model.Taxonomy
	now      func() time.Time
}

// NewHeuristic creates a heuristic extractor over the taxonomy
func NewHeuristic(taxonomy *model.Taxonomy) *Heuristic {
	return &Heuristic{taxonomy: taxonomy, now: time.Now}
}

// Extract scans evidence content sentence by sentence. Each emitted
// pointer quotes the exact sentence it was derived from.
func (h *Heuristic) Extract(ctx context.Context, ev model.Evidence) ([]model.SourcePointer, error) {
	var out []model.SourcePointer
	extractedAt := h.now().UTC()

	for _, block := range textBlocks(ev.RawContent, ev.FetchMeta.ContentType) {
		for _, sentence := range splitSentences(block.text) {
			quote := trimQuote(sentence)
			if quote == "" {
				continue
			}
			lower := strings.ToLower(quote)

			for _, concept := range h.taxonomy.Concepts() {
				if !concept.Matches(lower) {
					continue
				}
				value, ok := parseValue(concept, quote)
				if !ok {
					continue
				}
				from, until, explicitWindow := parseWindow(quote)
				if !explicitWindow {
					// No declared window: effective as of the snapshot
					from = ev.FetchedAt.Truncate(24 * time.Hour)
				}

				offset := strings.Index(ev.RawContent, quote)
				if offset < 0 {
					// Sentence was mangled relative to the raw bytes;
					// dropping it preserves the quote invariant.
					continue
				}

				out = append(out, model.SourcePointer{
					ID:             uuid.New(),
					EvidenceID:     ev.ID,
					ConceptSlug:    concept.Slug,
					ClaimedValue:   value,
					ExactQuote:     quote,
					QuoteOffset:    offset,
					EffectiveFrom:  from,
					EffectiveUntil: until,
					Confidence:     heuristicConfidence(concept, value, explicitWindow),
					Method:         "heuristic:" + string(concept.Kind),
					ExtractedAt:    extractedAt,
				})
				break // One concept per sentence
			}
		}
	}

	return out, nil
}

// heuristicConfidence scores a match: a declared effective window and
// a typed value both raise confidence, capped below the LLM range.
func heuristicConfidence(concept model.Concept, value model.RuleValue, explicitWindow bool) float64 {
	conf := 0.60
	if explicitWindow {
		conf += 0.20
	}
	if value.Kind == model.ValueAmount && value.Currency != "" {
		conf += 0.10
	}
	if conf > 0.90 {
		conf = 0.90
	}
	return conf
}

// parseValue extracts a typed value of the concept's kind from the sentence
func parseValue(concept model.Concept, sentence string) (model.RuleValue, bool) {
	switch concept.Kind {
	case model.ValueRate:
		m := rateRe.FindStringSubmatch(sentence)
		if m == nil {
			return model.RuleValue{}, false
		}
		rate, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return model.RuleValue{}, false
		}
		return model.RateValue(rate), true

	case model.ValueAmount:
		// Rates would also match the amount pattern, so reject
		// sentences that read as percentages.
		if rateRe.MatchString(sentence) {
			return model.RuleValue{}, false
		}
		m := amountRe.FindStringSubmatch(stripDates(sentence))
		if m == nil {
			return model.RuleValue{}, false
		}
		raw := strings.ReplaceAll(m[2], ",", "")
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil || amount == 0 {
			return model.RuleValue{}, false
		}
		return model.AmountValue(amount, currencySymbols[m[1]]), true

	case model.ValueDate:
		if d, ok := firstDate(stripWindowMarkers(sentence)); ok {
			return model.DateValue(d), true
		}
		return model.RuleValue{}, false

	case model.ValueChoice:
		lower := strings.ToLower(sentence)
		for _, choice := range concept.Choices {
			if strings.Contains(lower, strings.ToLower(choice)) {
				return model.ChoiceValue(choice), true
			}
		}
		return model.RuleValue{}, false
	}
	return model.RuleValue{}, false
}

// parseWindow finds a declared effective window in the sentence
func parseWindow(sentence string) (from time.Time, until *time.Time, ok bool) {
	if loc := fromRe.FindStringIndex(sentence); loc != nil {
		if d, found := firstDate(sentence[loc[1]:]); found {
			from = d
			ok = true
		}
	}
	if loc := untilRe.FindStringIndex(sentence); loc != nil {
		if d, found := firstDate(sentence[loc[1]:]); found {
			u := d
			until = &u
		}
	}
	return from, until, ok
}

// firstDate parses the first ISO or long-form date in the text
func firstDate(text string) (time.Time, bool) {
	isoLoc := isoDateRe.FindStringIndex(text)
	longLoc := longDateRe.FindStringIndex(text)

	if isoLoc != nil && (longLoc == nil || isoLoc[0] < longLoc[0]) {
		d, err := time.Parse("2006-01-02", text[isoLoc[0]:isoLoc[1]])
		if err == nil {
			return d.UTC(), true
		}
	}
	if longLoc != nil {
		m := longDateRe.FindStringSubmatch(text[longLoc[0]:])
		d, err := time.Parse("2 January 2006", m[1]+" "+titleCase(m[2])+" "+m[3])
		if err == nil {
			return d.UTC(), true
		}
	}
	return time.Time{}, false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

// stripDates blanks date expressions so their digits are not mistaken
// for amounts
func stripDates(s string) string {
	s = isoDateRe.ReplaceAllString(s, " ")
	s = longDateRe.ReplaceAllString(s, " ")
	return s
}

// stripWindowMarkers blanks "effective from <date>" style phrases so a
// date-kind concept does not claim its own window marker as the value
func stripWindowMarkers(s string) string {
	if loc := fromRe.FindStringIndex(s); loc != nil {
		tail := s[loc[1]:]
		if isoLoc := isoDateRe.FindStringIndex(tail); isoLoc != nil && isoLoc[0] == 0 {
			return s[:loc[0]] + tail[isoLoc[1]:]
		}
		if longLoc := longDateRe.FindStringIndex(tail); longLoc != nil && longLoc[0] == 0 {
			return s[:loc[0]] + tail[longLoc[1]:]
		}
	}
	return s
}
