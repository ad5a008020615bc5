package codec

import (
	"errors"
	"fmt"
)

// Sentinel decode errors. Use errors.Is() to check for these in calling code.
var (
	// ErrMalformed is returned when the payload is not valid JSON or not
	// an object of the expected shape.
	ErrMalformed = errors.New("codec: malformed frame")

	// ErrMissingDeviceID is returned when the frame lacks a device_id.
	ErrMissingDeviceID = errors.New("codec: missing device_id")

	// ErrClockSkew is returned when the device timestamp diverges from
	// server time by more than the configured maximum.
	ErrClockSkew = errors.New("codec: device timestamp outside clock skew window")

	// ErrBadTimestamp is returned when the timestamp is not RFC3339.
	ErrBadTimestamp = errors.New("codec: unparseable timestamp")
)

// DecodeError is a typed decode failure carrying the byte offset where the
// problem was detected, when known. Offset is -1 if unknown.
type DecodeError struct {
	Offset int64
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("%v (at byte %d)", e.Err, e.Offset)
	}
	return e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// decodeErr wraps err into a DecodeError with the given offset.
func decodeErr(offset int64, err error) *DecodeError {
	return &DecodeError{Offset: offset, Err: err}
}
