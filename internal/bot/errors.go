package bot

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is the authentication failure for a bad webhook secret.
	ErrInvalidToken = errors.New("invalid token")

	// ErrEmptyResponse is wrapped in a GenerationError when a generator
	// returned no text.
	ErrEmptyResponse = errors.New("empty response")
)

// GenerationError wraps a failed or empty generator call.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// OversizeMediaError rejects media above the configured size limit.
type OversizeMediaError struct {
	Size  int64
	Limit int64
}

func (e *OversizeMediaError) Error() string {
	if e.Size <= 0 {
		return fmt.Sprintf("media exceeds %d bytes", e.Limit)
	}
	return fmt.Sprintf("media is %d bytes, limit %d", e.Size, e.Limit)
}

// UnsupportedCapabilityError means the generator lacks what a handler needs.
type UnsupportedCapabilityError struct {
	Capability string
}

func (e *UnsupportedCapabilityError) Error() string {
	return fmt.Sprintf("generator does not support %s", e.Capability)
}
