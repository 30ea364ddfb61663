// Package failure carries the stable, machine-readable error kinds reported
// by the import pipeline.
package failure

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnsupportedFormat Kind = "UnsupportedFormat"
	KindTooLarge          Kind = "TooLarge"
	KindSuspiciousContent Kind = "SuspiciousContent"
	KindEncryptionFailed  Kind = "EncryptionFailed"
	KindDecryptionFailed  Kind = "DecryptionFailed"
	KindAccessDenied      Kind = "AccessDenied"
	KindImportFailed      Kind = "ImportFailed"
	KindImportPending     Kind = "ImportPending"
	KindImportNotFound    Kind = "ImportNotFound"
	KindUnresolvedSenders Kind = "UnresolvedSenders"
	KindInvalidRequest    Kind = "InvalidRequest"
	KindBusy              Kind = "Busy"
	KindJobNotFound       Kind = "JobNotFound"
	KindInternal          Kind = "Internal"
)

// Error pairs a Kind with a caller-safe explanation. Err holds the
// underlying cause for server-side logging and is never rendered.
type Error struct {
	Kind    Kind
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Details, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Details)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error without a cause.
func New(kind Kind, details string) *Error {
	return &Error{Kind: kind, Details: details}
}

// Newf formats details.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Details: fmt.Sprintf(format, args...)}
}

// Wrap attaches kind and details to cause.
func Wrap(kind Kind, details string, cause error) *Error {
	return &Error{Kind: kind, Details: details, Err: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// DetailsOf returns the caller-safe details of err. Internal kinds never
// expose their cause.
func DetailsOf(err error) string {
	var fe *Error
	if !errors.As(err, &fe) {
		return "processing failed"
	}
	switch fe.Kind {
	case KindEncryptionFailed, KindDecryptionFailed, KindInternal:
		return "processing failed"
	}
	return fe.Details
}
