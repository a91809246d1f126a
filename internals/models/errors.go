package models

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when a frame is not JSON or has no type.
	ErrMalformedMessage = errors.New("invalid message format")

	// ErrMissingStock is returned when payload.stock is absent or empty.
	ErrMissingStock = errors.New("payload.stock is required")

	// ErrMissingPrice is returned when a publisher message has no price.
	ErrMissingPrice = errors.New("payload.price is required")
)

// UnsupportedTypeError is returned when the type field is present but is
// neither "publisher" nor "subscriber".
type UnsupportedTypeError struct {
	Value string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported message type: %q", e.Value)
}
