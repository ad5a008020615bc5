package alert

import "errors"

// Domain errors for the alert package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, alert.ErrInvalidRule) {
//	    // reject the rule file
//	}
var (
	// ErrInvalidRule is returned when rule validation fails.
	ErrInvalidRule = errors.New("alert: invalid rule")

	// ErrDuplicateRule is returned when a rule file defines the same
	// rule_id twice.
	ErrDuplicateRule = errors.New("alert: duplicate rule id")

	// ErrQueueFull is returned when the dispatch queue cannot accept
	// another alert.
	ErrQueueFull = errors.New("alert: dispatch queue full")

	// ErrAlertNotFound is returned when an alert ID does not exist.
	ErrAlertNotFound = errors.New("alert: not found")
)
