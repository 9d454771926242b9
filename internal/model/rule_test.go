package model

import (
	"testing"
	"time"
)

func window(from string, until string) Rule {
	r := Rule{EffectiveFrom: mustDate(from)}
	if until != "" {
		u := mustDate(until)
		r.EffectiveUntil = &u
	}
	return r
}

func mustDate(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestEffectiveAt(t *testing.T) {
	cases := []struct {
		name string
		rule Rule
		at   string
		want bool
	}{
		{"inside open window", window("2024-01-01", ""), "2024-06-01", true},
		{"before window opens", window("2024-01-01", ""), "2023-12-31", false},
		{"on the start date", window("2024-01-01", ""), "2024-01-01", true},
		{"inside closed window", window("2024-01-01", "2024-07-01"), "2024-03-01", true},
		{"on the end date is out", window("2024-01-01", "2024-07-01"), "2024-07-01", false},
		{"after window closes", window("2024-01-01", "2024-07-01"), "2024-08-01", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.rule.EffectiveAt(mustDate(tc.at)); got != tc.want {
				t.Errorf("EffectiveAt = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOverlapsWindow(t *testing.T) {
	cases := []struct {
		name string
		a, b Rule
		want bool
	}{
		{"two open windows", window("2024-01-01", ""), window("2024-07-01", ""), true},
		{"closed before open starts", window("2024-01-01", "2024-06-01"), window("2024-07-01", ""), false},
		{"adjacent windows touch but do not overlap", window("2024-01-01", "2024-07-01"), window("2024-07-01", ""), false},
		{"nested windows", window("2024-01-01", "2024-12-01"), window("2024-03-01", "2024-06-01"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.a.OverlapsWindow(tc.b); got != tc.want {
				t.Errorf("OverlapsWindow = %v, want %v", got, tc.want)
			}
			if got := tc.b.OverlapsWindow(tc.a); got != tc.want {
				t.Errorf("OverlapsWindow is not symmetric")
			}
		})
	}
}

func TestRuleFingerprintIsStable(t *testing.T) {
	from := mustDate("2024-01-01")
	until := mustDate("2024-07-01")

	a := RuleFingerprint("standard-vat-rate", from, nil, RateValue(21))
	b := RuleFingerprint("standard-vat-rate", from, nil, RateValue(21))
	if a != b {
		t.Error("same inputs must produce the same fingerprint")
	}
	if a == RuleFingerprint("standard-vat-rate", from, &until, RateValue(21)) {
		t.Error("window end must change the fingerprint")
	}
	if a == RuleFingerprint("standard-vat-rate", from, nil, RateValue(19)) {
		t.Error("value must change the fingerprint")
	}
	if a == RuleFingerprint("reduced-vat-rate", from, nil, RateValue(21)) {
		t.Error("concept must change the fingerprint")
	}
}

func TestValueEqualAcrossKinds(t *testing.T) {
	if AmountValue(21, "EUR").Equal(RateValue(21)) {
		t.Error("different kinds never agree")
	}
	if !AmountValue(85000, "eur").Equal(AmountValue(85000, "EUR")) {
		t.Error("currency comparison is case-insensitive")
	}
	if !ChoiceValue(" 7 Years ").Equal(ChoiceValue("7 years")) {
		t.Error("choices are normalized")
	}
}
