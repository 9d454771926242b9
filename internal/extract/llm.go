package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/regbeacon/regbeacon/internal/model"
)

// LLM extracts pointers with a chat-completion model. Model output is
// advisory: every candidate still passes the same quote verification
// as heuristic output, so a hallucinated quote is dropped, never
// persisted.
type LLM struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	taxonomy *model.Taxonomy
	now      func() time.Time
}

// NewLLM creates a model-backed extractor
func NewLLM(cfg model.LLMConfig, taxonomy *model.Taxonomy) (*LLM, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("LLM API key is required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	m := cfg.Model
	if m == "" {
		m = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &LLM{
		client:   openai.NewClientWithConfig(clientConfig),
		model:    m,
		timeout:  timeout,
		taxonomy: taxonomy,
		now:      time.Now,
	}, nil
}

type llmFact struct {
	Concept        string  `json:"concept"`
	Kind           string  `json:"kind"`
	Amount         float64 `json:"amount,omitempty"`
	Currency       string  `json:"currency,omitempty"`
	Rate           float64 `json:"rate,omitempty"`
	Date           string  `json:"date,omitempty"`
	Choice         string  `json:"choice,omitempty"`
	Quote          string  `json:"quote"`
	EffectiveFrom  string  `json:"effective_from,omitempty"`
	EffectiveUntil string  `json:"effective_until,omitempty"`
	Confidence     float64 `json:"confidence"`
}

// Extract asks the model for facts matching the taxonomy. The call
// carries a hard timeout; on timeout the stage run fails and is
// retried by the queue policy, never treated as success.
func (l *LLM) Extract(ctx context.Context, ev model.Evidence) ([]model.SourcePointer, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	resp, err := l.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: l.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: l.systemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: ev.RawContent,
			},
		},
		Temperature:    0.1,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return nil, fmt.Errorf("LLM extraction: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("LLM extraction: empty response")
	}

	var parsed struct {
		Facts []llmFact `json:"facts"`
	}
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &parsed); err != nil {
		return nil, fmt.Errorf("parse LLM response: %w", err)
	}

	extractedAt := l.now().UTC()
	var out []model.SourcePointer
	for _, fact := range parsed.Facts {
		ptr, ok := l.toPointer(ev, fact, extractedAt)
		if ok {
			out = append(out, ptr)
		}
	}
	return out, nil
}

func (l *LLM) toPointer(ev model.Evidence, fact llmFact, extractedAt time.Time) (model.SourcePointer, bool) {
	if _, known := l.taxonomy.Lookup(fact.Concept); !known {
		return model.SourcePointer{}, false
	}

	var value model.RuleValue
	switch model.ValueKind(fact.Kind) {
	case model.ValueAmount:
		value = model.AmountValue(fact.Amount, fact.Currency)
	case model.ValueRate:
		value = model.RateValue(fact.Rate)
	case model.ValueDate:
		d, err := time.Parse("2006-01-02", fact.Date)
		if err != nil {
			return model.SourcePointer{}, false
		}
		value = model.DateValue(d)
	case model.ValueChoice:
		value = model.ChoiceValue(fact.Choice)
	default:
		return model.SourcePointer{}, false
	}

	from := ev.FetchedAt.Truncate(24 * time.Hour)
	if fact.EffectiveFrom != "" {
		if d, err := time.Parse("2006-01-02", fact.EffectiveFrom); err == nil {
			from = d.UTC()
		}
	}
	var until *time.Time
	if fact.EffectiveUntil != "" {
		if d, err := time.Parse("2006-01-02", fact.EffectiveUntil); err == nil {
			u := d.UTC()
			until = &u
		}
	}

	conf := fact.Confidence
	if conf <= 0 || conf > 1 {
		conf = 0.5
	}

	return model.SourcePointer{
		ID:             uuid.New(),
		EvidenceID:     ev.ID,
		ConceptSlug:    fact.Concept,
		ClaimedValue:   value,
		ExactQuote:     fact.Quote,
		QuoteOffset:    strings.Index(ev.RawContent, fact.Quote),
		EffectiveFrom:  from,
		EffectiveUntil: until,
		Confidence:     conf,
		Method:         "llm:" + l.model,
		ExtractedAt:    extractedAt,
	}, true
}

func (l *LLM) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You extract regulatory facts from source documents. ")
	b.WriteString("Respond with a JSON object {\"facts\": [...]} where each fact has: ")
	b.WriteString("concept (one of the slugs below), kind, quote (an EXACT verbatim substring of the input), ")
	b.WriteString("effective_from / effective_until (ISO dates, if declared), confidence (0-1), ")
	b.WriteString("and the value field matching its kind (amount+currency, rate, date, or choice).\n\nConcepts:\n")
	for _, c := range l.taxonomy.Concepts() {
		fmt.Fprintf(&b, "- %s (kind=%s): %s\n", c.Slug, c.Kind, c.Name)
	}
	b.WriteString("\nOnly report facts literally stated in the input. Never paraphrase quotes.")
	return b.String()
}
