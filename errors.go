package aptitude

import (
	"context"
	"errors"
	"fmt"
)

// Error codes surfaced by the auth core
const (
	ErrCodeInvalidCredential   = "invalid_credential"
	ErrCodeDuplicateIdentity   = "duplicate_identity"
	ErrCodeDomainNotAuthorized = "domain_not_authorized"
	ErrCodeProfileFetchFailed  = "profile_fetch_failed"
	ErrCodeUnknownProvider     = "unknown_provider_error"
)

// DomainNotAuthorizedMessage is shown to users whose origin the provider rejects
const DomainNotAuthorizedMessage = "This domain is not authorized for authentication. Please contact the administrator to add this domain to the project settings."

// Sentinels matched with errors.Is against any *AuthError of the same code
var (
	ErrInvalidCredential   = &AuthError{Code: ErrCodeInvalidCredential, Message: "Invalid credentials"}
	ErrDuplicateIdentity   = &AuthError{Code: ErrCodeDuplicateIdentity, Message: "Email is already registered"}
	ErrDomainNotAuthorized = &AuthError{Code: ErrCodeDomainNotAuthorized, Message: DomainNotAuthorizedMessage}
	ErrProfileFetchFailed  = &AuthError{Code: ErrCodeProfileFetchFailed, Message: "Failed to fetch profile"}
	ErrUnknownProvider     = &AuthError{Code: ErrCodeUnknownProvider, Message: "Authentication provider error"}
)

// ErrInvalidRole is returned by Register for roles other than student or admin
var ErrInvalidRole = errors.New("role must be student or admin")

// AuthError is a categorized authentication failure
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"`
}

// NewAuthError creates an AuthError for a form field
func NewAuthError(code, message, field string) *AuthError {
	return &AuthError{Code: code, Message: message, Field: field}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches on code so callers can use the package sentinels
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of the error carrying cause
func (e *AuthError) Wrap(cause error) *AuthError {
	out := *e
	out.Err = cause
	return &out
}

// WithField returns a copy of the error attributed to a form field
func (e *AuthError) WithField(field string) *AuthError {
	out := *e
	out.Field = field
	return &out
}

// AuthErrorCode returns the code of an AuthError in err's chain, or "" if there is none
func AuthErrorCode(err error) string {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// classifyProviderError passes categorized errors and context cancellation
// through and folds everything else into UnknownProviderError.
func classifyProviderError(err error) error {
	if err == nil {
		return nil
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrUnknownProvider.Wrap(err)
}
