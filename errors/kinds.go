package errors

import (
	"errors"
	"fmt"
)

// Kind is the closed set of machine-readable failure categories surfaced in
// API responses and failure webhooks.
type Kind string

const (
	KindFileNotFound      Kind = "FileNotFound"
	KindFileTooLarge      Kind = "FileTooLarge"
	KindDurationTooLong   Kind = "DurationTooLong"
	KindInvalidCodec      Kind = "InvalidCodec"
	KindInvalidContainer  Kind = "InvalidContainer"
	KindVideoCorrupted    Kind = "VideoCorrupted"
	KindDownloadFailed    Kind = "DownloadFailed"
	KindDownloadRejected  Kind = "DownloadRejected"
	KindTranscodeFailed   Kind = "TranscodeFailed"
	KindBrokerUnavailable Kind = "BrokerUnavailable"
	KindUnauthorized      Kind = "Unauthorized"
	KindValidationError   Kind = "ValidationError"
	KindRateLimited       Kind = "RateLimited"
	KindInternalError     Kind = "InternalError"
)

// fatalKinds short-circuit an attempt immediately; everything else is either
// retried by a lower layer or absorbed as a partial failure.
var fatalKinds = map[Kind]bool{
	KindFileNotFound:     true,
	KindFileTooLarge:     true,
	KindDurationTooLong:  true,
	KindInvalidCodec:     true,
	KindInvalidContainer: true,
	KindVideoCorrupted:   true,
	KindDownloadRejected: true,
	KindValidationError:  true,
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// E tags err with a Kind. Deterministic kinds are additionally marked
// unretriable so the broker's retry policy skips them.
func E(kind Kind, err error) error {
	tagged := &kindError{kind: kind, err: err}
	if fatalKinds[kind] {
		return Unretriable(tagged)
	}
	return tagged
}

func Ef(kind Kind, format string, args ...interface{}) error {
	return E(kind, fmt.Errorf(format, args...))
}

// KindOf extracts the Kind from err, falling back to InternalError.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(unwrapPermanent(err), &ke) {
		return ke.kind
	}
	return KindInternalError
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsFatal reports whether err should fail the attempt immediately rather
// than being absorbed as a partial failure.
func IsFatal(err error) bool {
	return fatalKinds[KindOf(err)]
}
