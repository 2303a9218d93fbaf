package model

import (
	"errors"
	"fmt"
)

var ErrorJobNotFound = errors.New("job not found")
var ErrorJobNotPending = errors.New("job is not pending")
var ErrorJobNotClaimed = errors.New("job is not executing")
var ErrorAttachmentCorrupt = errors.New("attachment checksum mismatch")

// ValidationError reports a request that is missing required input. It is
// returned before anything is dispatched or enqueued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ParseError reports a platform list that could not be decoded into a
// sequence of identifiers.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Failed to parse platforms: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
