package correlate

import (
	"errors"
	"fmt"
)

var (
	// ErrLookupFailed marks a lookup that returned a non-success status.
	ErrLookupFailed = errors.New("lookup failed")
	// ErrEmptyResult marks a chain step that returned no usable record.
	ErrEmptyResult = errors.New("empty result")
)

// ParseError reports a response body that is not the expected JSON.
type ParseError struct {
	What string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }
