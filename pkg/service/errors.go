package service

import (
	"errors"
	"log/slog"

	"github.com/ddp-protocol/ddp-go/pkg/wire"
)

// SanitizeError converts err into the error a client is allowed to see.
//
// A *wire.Error anywhere in the chain passes through unchanged. Anything
// else is logged (unless marked Expected) and replaced by its sanitized
// error if one was attached with WithSanitized, or by a generic 500.
func SanitizeError(err error, context string, logger *slog.Logger) *wire.Error {
	if err == nil {
		return nil
	}
	if e, ok := wire.AsError(err); ok {
		return e
	}
	if logger == nil {
		logger = slog.Default()
	}

	sanitized := sanitizedOf(err)
	if !isExpected(err) {
		logger.Error("Exception "+context, "error", err)
		if sanitized != nil {
			logger.Error("Sanitized and reported to the client as", "error", sanitized)
		}
	}

	if sanitized != nil {
		return sanitized
	}
	return wire.ErrInternal
}

type expectedError struct {
	err error
}

func (e *expectedError) Error() string  { return e.err.Error() }
func (e *expectedError) Unwrap() error  { return e.err }
func (e *expectedError) Expected() bool { return true }

// Expected marks err as anticipated, so SanitizeError does not log it.
func Expected(err error) error {
	if err == nil {
		return nil
	}
	return &expectedError{err: err}
}

type sanitizedError struct {
	err       error
	sanitized *wire.Error
}

func (e *sanitizedError) Error() string               { return e.err.Error() }
func (e *sanitizedError) Unwrap() error               { return e.err }
func (e *sanitizedError) SanitizedError() *wire.Error { return e.sanitized }

// WithSanitized attaches the client-facing version of err.
func WithSanitized(err error, sanitized *wire.Error) error {
	if err == nil {
		return nil
	}
	return &sanitizedError{err: err, sanitized: sanitized}
}

func isExpected(err error) bool {
	var e interface{ Expected() bool }
	return errors.As(err, &e) && e.Expected()
}

func sanitizedOf(err error) *wire.Error {
	var e interface{ SanitizedError() *wire.Error }
	if errors.As(err, &e) {
		return e.SanitizedError()
	}
	return nil
}
