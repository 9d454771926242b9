// Package extract turns evidence snapshots into atomic source
// pointers. Every pointer carries an exact quote that must be a
// literal substring of the evidence content; that check is enforced
// here, at creation time, because it is the basis for citation trust.
package extract

import (
	"context"
	"errors"

	"github.com/regbeacon/regbeacon/internal/model"
)

// ErrQuoteIntegrity indicates a pointer whose quote is not a literal
// substring of its evidence content. Such pointers are never persisted.
var ErrQuoteIntegrity = errors.New("extract: quote is not a substring of evidence content")

// Extractor produces source pointers from one evidence snapshot.
// Returning zero pointers is not an error.
type Extractor interface {
	Extract(ctx context.Context, ev model.Evidence) ([]model.SourcePointer, error)
}

// VerifyPointers splits candidate pointers into verified and rejected
// sets. Rejected pointers violate the quote-integrity invariant.
func VerifyPointers(ev model.Evidence, ptrs []model.SourcePointer) (verified, rejected []model.SourcePointer) {
	for _, p := range ptrs {
		if p.QuoteVerifiedAgainst(ev.RawContent) {
			verified = append(verified, p)
		} else {
			rejected = append(rejected, p)
		}
	}
	return verified, rejected
}
