package model

import (
	"fmt"
	"strings"
	"time"
)

// ValueKind discriminates the tagged rule value variant
type ValueKind string

const (
	ValueAmount ValueKind = "amount" // Monetary/numeric threshold
	ValueRate   ValueKind = "rate"   // Percentage rate
	ValueDate   ValueKind = "date"   // Deadline or cutoff date
	ValueChoice ValueKind = "choice" // Enumerated option
)

// RuleValue is the typed payload of a rule or extracted fact.
// Exactly the fields matching Kind are meaningful; the others stay zero.
type RuleValue struct {
	Kind     ValueKind `json:"kind" yaml:"kind"`
	Amount   float64   `json:"amount,omitempty" yaml:"amount,omitempty"`
	Currency string    `json:"currency,omitempty" yaml:"currency,omitempty"`
	Rate     float64   `json:"rate,omitempty" yaml:"rate,omitempty"`
	Date     time.Time `json:"date,omitempty" yaml:"date,omitempty"`
	Choice   string    `json:"choice,omitempty" yaml:"choice,omitempty"`
}

// AmountValue builds an amount variant
func AmountValue(amount float64, currency string) RuleValue {
	return RuleValue{Kind: ValueAmount, Amount: amount, Currency: currency}
}

// RateValue builds a rate variant (percent, e.g. 21.0)
func RateValue(rate float64) RuleValue {
	return RuleValue{Kind: ValueRate, Rate: rate}
}

// DateValue builds a date variant
func DateValue(d time.Time) RuleValue {
	return RuleValue{Kind: ValueDate, Date: d.UTC()}
}

// ChoiceValue builds an enumerated-choice variant
func ChoiceValue(choice string) RuleValue {
	return RuleValue{Kind: ValueChoice, Choice: strings.ToLower(strings.TrimSpace(choice))}
}

// Equal reports whether two values agree. Values of different kinds
// never agree, so disagreement detection is exhaustive per kind.
func (v RuleValue) Equal(other RuleValue) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueAmount:
		return v.Amount == other.Amount && strings.EqualFold(v.Currency, other.Currency)
	case ValueRate:
		return v.Rate == other.Rate
	case ValueDate:
		return v.Date.Equal(other.Date)
	case ValueChoice:
		return v.Choice == other.Choice
	}
	return false
}

// Key returns a canonical string form used in rule fingerprints
func (v RuleValue) Key() string {
	switch v.Kind {
	case ValueAmount:
		return fmt.Sprintf("amount:%g:%s", v.Amount, strings.ToUpper(v.Currency))
	case ValueRate:
		return fmt.Sprintf("rate:%g", v.Rate)
	case ValueDate:
		return "date:" + v.Date.UTC().Format(time.RFC3339)
	case ValueChoice:
		return "choice:" + v.Choice
	}
	return "unknown"
}

func (v RuleValue) String() string {
	switch v.Kind {
	case ValueAmount:
		if v.Currency != "" {
			return fmt.Sprintf("%g %s", v.Amount, strings.ToUpper(v.Currency))
		}
		return fmt.Sprintf("%g", v.Amount)
	case ValueRate:
		return fmt.Sprintf("%g%%", v.Rate)
	case ValueDate:
		return v.Date.UTC().Format("2006-01-02")
	case ValueChoice:
		return v.Choice
	}
	return "?"
}
