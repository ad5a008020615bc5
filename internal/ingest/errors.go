package ingest

import "errors"

// Domain errors for the ingest package.
var (
	// ErrRateLimited is returned when a device or source exceeds its
	// admission budget.
	ErrRateLimited = errors.New("ingest: rate limited")
)
