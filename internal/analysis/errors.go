package analysis

import "errors"

// Kind classifies a failed analysis: transient failures are retried until the
// job's attempts run out, permanent ones never are.
type Kind int

const (
	KindTransient Kind = iota
	KindPermanent
)

// Error is the classified failure every strategy path resolves to.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure.
func Transient(err error) *Error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a failure that must never be retried.
func Permanent(err error) *Error {
	return &Error{Kind: KindPermanent, Err: err}
}

// IsPermanent reports whether err carries a permanent classification.
// Unclassified errors count as transient so unknown failures keep their
// remaining attempts.
func IsPermanent(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == KindPermanent
	}
	return false
}
