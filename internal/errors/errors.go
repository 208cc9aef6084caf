// Package errors provides structured error types with codes for the relying party.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for categorizing errors.
const (
	CodeInternal               = "internal_error"
	CodeInvalidInput           = "invalid_input"
	CodeNotFound               = "not_found"
	CodeUnauthorized           = "unauthorized"
	CodeMetadataUnavailable    = "metadata_unavailable"
	CodeMetadataMalformed      = "metadata_malformed"
	CodeStateNotFound          = "state_not_found"
	CodeTokenExchangeFailed    = "token_exchange_failed"
	CodeTokenResponseMalformed = "token_response_malformed"
	CodeTokenInvalid           = "token_invalid"
	CodeUserInfoUnavailable    = "userinfo_unavailable"
)

// Reasons attached to token_invalid (and a few other) errors.
const (
	ReasonMalformed           = "malformed"
	ReasonAlgorithmNotAllowed = "algorithm_not_allowed"
	ReasonKeyNotFound         = "key_not_found"
	ReasonJWKSUnavailable     = "jwks_unavailable"
	ReasonSignatureInvalid    = "signature_invalid"
	ReasonIssuerMismatch      = "issuer_mismatch"
	ReasonExpired             = "expired"
	ReasonIssuedInFuture      = "issued_in_future"
	ReasonNotYetValid         = "not_yet_valid"
	ReasonAudienceMismatch    = "audience_mismatch"
	ReasonNonceMismatch       = "nonce_mismatch"
	ReasonSubjectMismatch     = "subject_mismatch"
)

// maxBodyInError bounds how much of an upstream response body is kept.
const maxBodyInError = 1024

// Error represents a structured error with a code and message.
type Error struct {
	Code    string
	Message string
	// Reason refines Code, e.g. which ID token check failed.
	Reason string
	// Status and Body describe the upstream HTTP response, when there was one.
	Status int
	Body   string
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" [status %d]", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a new Error with the given code and message.
func New(code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf returns the code of err, or CodeInternal for unstructured errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns the reason of err, or "" if none.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// InvalidInput creates an invalid input error.
func InvalidInput(message string) *Error {
	return &Error{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NotFound creates a not found error.
func NotFound(resource, id string) *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found: %s", resource, id),
	}
}

// Unauthorized creates an unauthorized error.
func Unauthorized(message string) *Error {
	return &Error{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// Internal creates an internal error.
func Internal(message string, err error) *Error {
	return &Error{
		Code:    CodeInternal,
		Message: message,
		Err:     err,
	}
}

// MetadataUnavailable reports a discovery document that could not be fetched.
func MetadataUnavailable(message string, err error) *Error {
	return &Error{
		Code:    CodeMetadataUnavailable,
		Message: message,
		Err:     err,
	}
}

// MetadataMalformed reports a discovery document missing mandatory fields.
func MetadataMalformed(message string) *Error {
	return &Error{
		Code:    CodeMetadataMalformed,
		Message: message,
	}
}

// StateNotFound is returned for missing, expired, replayed and forged states alike.
func StateNotFound() *Error {
	return &Error{
		Code:    CodeStateNotFound,
		Message: "state not found",
	}
}

// TokenExchangeFailed reports a non-success response from the token endpoint.
func TokenExchangeFailed(status int, body []byte, err error) *Error {
	if len(body) > maxBodyInError {
		body = body[:maxBodyInError]
	}
	return &Error{
		Code:    CodeTokenExchangeFailed,
		Message: "token exchange failed",
		Status:  status,
		Body:    string(body),
		Err:     err,
	}
}

// TokenResponseMalformed reports a token response missing required tokens.
func TokenResponseMalformed(message string) *Error {
	return &Error{
		Code:    CodeTokenResponseMalformed,
		Message: message,
	}
}

// TokenInvalid reports an ID token that failed validation.
func TokenInvalid(reason string, err error) *Error {
	return &Error{
		Code:    CodeTokenInvalid,
		Message: "invalid id token",
		Reason:  reason,
		Err:     err,
	}
}

// UserInfoUnavailable reports a failed userinfo request.
func UserInfoUnavailable(message string, err error) *Error {
	return &Error{
		Code:    CodeUserInfoUnavailable,
		Message: message,
		Err:     err,
	}
}
