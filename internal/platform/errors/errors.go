package errors

import stderrors "errors"

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error code
	Message  string            // Internal message (for logs/telemetry)
	Metadata map[string]string // Additional context for collaborators
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil && e.Message != "" {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Message == "" && e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Retryable reports whether the failure may be retried manually.
func (e *Error) Retryable() bool {
	return e.Code.Retryable()
}

// New creates a simple domain error with a code and message.
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithMetadata creates a domain error with metadata.
func WithMetadata(code Code, message string, metadata map[string]string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: metadata,
	}
}

// Wrap creates a domain error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinels for errors.Is checks. Matching is by code only.
var (
	ErrRemoteUnavailable     = New(CodeRemoteUnavailable, "ledger unavailable")
	ErrNotFound              = New(CodeNotFound, "not found")
	ErrSubmissionRejected    = New(CodeSubmissionRejected, "submission rejected")
	ErrActionReverted        = New(CodeActionReverted, "action reverted")
	ErrTimeout               = New(CodeTimeout, "confirmation timed out")
	ErrCorruptRecord         = New(CodeCorruptRecord, "corrupt record")
	ErrAlreadyBootstrapped   = New(CodeAlreadyBootstrapped, "already bootstrapped")
	ErrNotBootstrapped       = New(CodeNotBootstrapped, "not bootstrapped")
	ErrActionAlreadyInFlight = New(CodeActionAlreadyInFlight, "action already in flight")
	ErrBattleAlreadyWon      = New(CodeBattleAlreadyWon, "battle already won")
)

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if stderrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if target, ok := As(err); ok {
		return target.Code
	}
	return CodeUnknown
}

// Ensure returns err unchanged when it already carries a domain code and
// otherwise wraps it with fallback.
func Ensure(err error, fallback Code, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}
	return Wrap(fallback, message, err)
}
