package cache

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrQuotaExceeded is returned when the storage has no space left for a write.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// ErrGenerationDeleted is returned when writing through a handle whose
// generation has been deleted. Deleted generations are never resurrected.
var ErrGenerationDeleted = errors.New("generation deleted")

// ErrNotOK is the cause of a populate failure for a non-2xx response.
var ErrNotOK = errors.New("response not ok")

// PopulateItemFailure is one asset that could not be fetched or stored.
type PopulateItemFailure struct {
	URL string
	Err error
}

func (f *PopulateItemFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.URL, f.Err)
}

func (f *PopulateItemFailure) Unwrap() error {
	return f.Err
}

// PopulateError collects the failed assets of one Populate call.
type PopulateError struct {
	Total    int
	Failures []*PopulateItemFailure
}

func (e *PopulateError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%d of %d assets failed: %s", len(e.Failures), e.Total, strings.Join(msgs, "; "))
}

func (e *PopulateError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f)
	}
	return errs
}
