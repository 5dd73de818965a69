package llm

import "errors"

// ErrorClass drives the client's fallback behavior: transient errors are
// retried and then handed to the next endpoint in the profile chain,
// fatal errors abort the whole chain because a different endpoint would
// fail the same way (bad request, bad credentials, unknown provider).
type ErrorClass int

const (
	// ClassTransient marks errors worth retrying.
	ClassTransient ErrorClass = iota
	// ClassFatal marks errors no retry or fallback can fix.
	ClassFatal
)

// classifiedError attaches an ErrorClass to an underlying error.
type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	return &classifiedError{class: ClassTransient, err: err}
}

// NewFatalError marks err as not worth retrying or falling back on.
func NewFatalError(err error) error {
	return &classifiedError{class: ClassFatal, err: err}
}

// Classify returns the error's class. Unclassified errors count as
// transient: the caller loses nothing by trying the next endpoint.
func Classify(err error) ErrorClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	return ClassTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var ce *classifiedError
	return errors.As(err, &ce) && ce.class == ClassTransient
}

// IsFatal reports whether err aborts the profile chain.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}
