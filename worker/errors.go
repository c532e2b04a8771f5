package worker

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNavigationFallbackAbsent is returned when a navigation fails over to
	// the fallback document and the document is not in the cache.
	ErrNavigationFallbackAbsent = errors.New("navigation fallback document not cached")
	// ErrNothingCached fails an install where no manifest asset could be cached.
	ErrNothingCached = errors.New("no assets cached")
	// ErrNoHandler is returned when dispatching an event kind without handler.
	ErrNoHandler = errors.New("no handler for event")
)

// NetworkError is a failed network fetch during request interception.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// DeleteGenerationFailure is a stale generation that could not be deleted.
type DeleteGenerationFailure struct {
	Name string
	Err  error
}

func (f *DeleteGenerationFailure) Error() string {
	return fmt.Sprintf("delete generation %s: %v", f.Name, f.Err)
}

func (f *DeleteGenerationFailure) Unwrap() error {
	return f.Err
}

// DeleteError collects the failed deletions of one activation.
type DeleteError struct {
	Failures []*DeleteGenerationFailure
}

func (e *DeleteError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return strings.Join(msgs, "; ")
}

func (e *DeleteError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
