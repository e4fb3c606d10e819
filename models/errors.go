package models

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means the model source (or another required setting) is missing.
	ErrConfiguration = errors.New("configuration error")
	// ErrModelDownload means the weights could not be fetched or are corrupt.
	ErrModelDownload = errors.New("model download error")
	// ErrInvalidImage means the upload is absent, empty, not an image or undecodable.
	ErrInvalidImage = errors.New("invalid image")
	// ErrPayloadTooLarge means the upload exceeds the configured ceiling.
	ErrPayloadTooLarge = errors.New("payload too large")
	// ErrInference means the forward pass failed.
	ErrInference = errors.New("inference error")
)

type ProcessingError struct {
	Kind    error
	Message string
	Cause   error
}

func (e *ProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ProcessingError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewError builds a ProcessingError of the given kind.
func NewError(kind error, message string, cause error) error {
	return &ProcessingError{Kind: kind, Message: message, Cause: cause}
}
