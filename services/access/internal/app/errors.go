package app

import (
	"errors"
	"fmt"
)

var (
	// ErrBookNotFound indicates the catalog has no such book.
	ErrBookNotFound = errors.New("book not found")
	// ErrChapterNotFound indicates the book has no such chapter.
	ErrChapterNotFound = errors.New("chapter not found")
	// ErrChapterLocked indicates a paid chapter that the user has not
	// unlocked yet.
	ErrChapterLocked = errors.New("chapter locked")
	// ErrMissingPaymentProof indicates a paid unlock request without a
	// transaction hash.
	ErrMissingPaymentProof = errors.New("payment proof required")
	// ErrInvalidTransaction indicates payment verification rejected the
	// submitted transaction (not found, unconfirmed, reverted, or its
	// recipient/sender/amount did not match the expected unlock payment).
	ErrInvalidTransaction = errors.New("invalid or unconfirmed transaction")
)

// ValidationError reports invalid caller input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// AttributionUnavailableError wraps a failure to resolve revenue attribution.
// Paid unlocks must not proceed when attribution is unknown, because the
// revenue split could credit the wrong author.
type AttributionUnavailableError struct {
	BookID        string
	ChapterNumber int
	Err           error
}

func (e *AttributionUnavailableError) Error() string {
	return fmt.Sprintf("attribution unavailable for %s ch%d: %v", e.BookID, e.ChapterNumber, e.Err)
}

func (e *AttributionUnavailableError) Unwrap() error { return e.Err }

func isAttributionUnavailable(err error) bool {
	var attrErr *AttributionUnavailableError
	return errors.As(err, &attrErr)
}
