package pipeline

import "errors"

var (
	// ErrBusy is returned by Offer when the target shard's queue is full.
	// HTTP ingest maps this to 503 + Retry-After.
	ErrBusy = errors.New("pipeline: shard queue full")

	// ErrClosed is returned by Offer and OfferWait once shutdown has begun.
	ErrClosed = errors.New("pipeline: closed")
)
