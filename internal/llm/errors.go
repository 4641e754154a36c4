package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/joseph-ayodele/casewatch/constants"
)

// ExtractionError is a terminal, typed extraction failure.
type ExtractionError struct {
	Kind     constants.FailureKind
	Attempts int
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction failed (%s after %d attempts): %v", e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("extraction failed (%s after %d attempts)", e.Kind, e.Attempts)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// ErrNoImages is returned, wrapped in an ExtractionError, when there is nothing to analyze.
var ErrNoImages = errors.New("no input images")

// NoImagesError builds the precondition failure. It never consumes an attempt.
func NoImagesError() *ExtractionError {
	return &ExtractionError{Kind: constants.FailureNoImages, Err: ErrNoImages}
}

// FailureKindOf extracts the failure kind from an error chain.
func FailureKindOf(err error) (constants.FailureKind, bool) {
	var ee *ExtractionError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// IsCanceled reports whether err comes from an aborted context rather than a model failure.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
