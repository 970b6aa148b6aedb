package services

import "errors"

// Classified error codes surfaced on execution records and logs.
// Raw downstream errors never leave the engine.
const (
	CodeValidationError     = "validation_error"
	CodeSafetyDenied        = "safety_denied"
	CodeCredentialTransient = "credential_transient"
	CodeCredentialSuspended = "credential_suspended"
	CodeHandlerTransient    = "handler_transient"
	CodeHandlerPermanent    = "handler_permanent"
	CodeUnknownActionType   = "unknown_action_type"
	CodeTimeout             = "timeout"
)

var (
	// ErrCredentialSuspended is fatal for the rule until the user re-authorizes.
	ErrCredentialSuspended = errors.New(CodeCredentialSuspended)
	// ErrCredentialRefresh marks a transient refresh failure (network/timeout).
	ErrCredentialRefresh = errors.New(CodeCredentialTransient)
	// ErrUnknownActionType means no handler is registered for the rule's action.
	ErrUnknownActionType = errors.New(CodeUnknownActionType)
	// ErrCredentialNotFound means the user never authorized the integration.
	ErrCredentialNotFound = errors.New("credential_not_found")
)

// PermanentError marks a handler failure that must not be retried
// (downstream 4xx, validation rejection). Anything else is treated as
// transient and retried up to the configured ceiling.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the dispatcher classifies it as handler_permanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
