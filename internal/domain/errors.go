package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingJoin         = errors.New("missing data source join")
	ErrUnknownAttribute    = errors.New("attribute not found in any data source")
	ErrNoSources           = errors.New("no data sources resolvable for the requested versions")
	ErrArchivedOnIndex     = errors.New("archived data versions cannot be served by the document index")
	ErrBackendTimeout      = errors.New("backend did not finish within the polling budget")
	ErrInvalidFilter       = errors.New("invalid filter payload")
	ErrUnsupportedFileType = errors.New("unsupported manifest file type")
	ErrNoRecords           = errors.New("no records matched")
	ErrCartDivergence      = errors.New("cart totals diverge")
)

// JoinError reports a pair of sources that co-occur in a query without a
// configured join.
type JoinError struct {
	From string
	To   string
}

func (e *JoinError) Error() string {
	return fmt.Sprintf("%s: no join defined between %q and %q", ErrMissingJoin, e.From, e.To)
}

func (e *JoinError) Unwrap() error { return ErrMissingJoin }

// TimeoutError names the facet jobs that were still running when polling gave up.
type TimeoutError struct {
	Outstanding []string
	Attempts    int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s after %d attempts; outstanding facets: %s",
		ErrBackendTimeout, e.Attempts, strings.Join(e.Outstanding, ", "))
}

func (e *TimeoutError) Unwrap() error { return ErrBackendTimeout }
