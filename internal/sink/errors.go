package sink

import "errors"

var (
	// ErrWABFull is returned by Write when the write-ahead buffer cannot
	// accept the batch. Callers apply backpressure; nothing was enqueued.
	ErrWABFull = errors.New("sink: write-ahead buffer full")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("sink: buffer closed")
)
