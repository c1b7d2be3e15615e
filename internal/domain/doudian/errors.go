// Package doudian provides domain types for the Doudian open platform:
// request canonicalization and signing, access tokens, retry policy and
// the error taxonomy shared by the client and the token manager.
package doudian

import (
	"errors"
	"fmt"
	"net/http"
)

// Standard domain errors.
var (
	ErrSerialization        = errors.New("request parameter is not serializable")
	ErrTransport            = errors.New("transport failure")
	ErrInvalidResponse      = errors.New("response body is not valid JSON")
	ErrTokenInvalid         = errors.New("access token is invalid or expired")
	ErrNeedsReauthorization = errors.New("shop needs re-authorization")
	ErrShopNotAuthorized    = errors.New("shop is not authorized")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrServiceUnavailable   = errors.New("Doudian service temporarily unavailable")
	ErrInvalidSignature     = errors.New("invalid request signature")
	ErrProfileNotFound      = errors.New("client profile not found")
)

// ErrorCode is the numeric code field of a platform response.
type ErrorCode int

// Platform response codes.
const (
	CodeSuccess            ErrorCode = 10000
	CodeServiceUnavailable ErrorCode = 20000
	CodeTokenMissing       ErrorCode = 30001
	CodeTokenExpired       ErrorCode = 30002
	CodeInvalidParam       ErrorCode = 40004
	CodeInvalidSignature   ErrorCode = 40005
	CodeTokenInvalid       ErrorCode = 40006
)

// IsTokenError returns true if the code indicates a token issue.
func (c ErrorCode) IsTokenError() bool {
	switch c {
	case CodeTokenMissing, CodeTokenExpired, CodeTokenInvalid:
		return true
	default:
		return false
	}
}

// APIError represents an unsuccessful platform response.
type APIError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"msg"`
	SubCode    string    `json:"sub_code,omitempty"`
	SubMessage string    `json:"sub_msg,omitempty"`
	LogID      string    `json:"log_id,omitempty"`
	StatusCode int       `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := fmt.Sprintf("doudian [%d]: %s", e.Code, e.Message)
	if e.SubCode != "" {
		msg += fmt.Sprintf(" (%s: %s)", e.SubCode, e.SubMessage)
	}
	if e.LogID != "" {
		msg += fmt.Sprintf(" log_id=%s", e.LogID)
	}
	return msg
}

// Is implements errors.Is for APIError.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrTokenInvalid:
		return e.Code.IsTokenError()
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrServiceUnavailable:
		return e.Code == CodeServiceUnavailable || e.StatusCode >= 500
	case ErrInvalidSignature:
		return e.Code == CodeInvalidSignature
	default:
		return false
	}
}

// IsTokenError reports whether the response points at a stale token.
func (e *APIError) IsTokenError() bool {
	return e.Code.IsTokenError()
}

// ErrorCategory classifies errors into categories.
type ErrorCategory string

const (
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryServer         ErrorCategory = "server"
	CategoryValidation     ErrorCategory = "validation"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Category returns the category of this error.
func (e *APIError) Category() ErrorCategory {
	switch {
	case e.Code.IsTokenError(), e.Code == CodeInvalidSignature:
		return CategoryAuthentication
	case e.StatusCode == http.StatusTooManyRequests:
		return CategoryRateLimit
	case e.Code == CodeServiceUnavailable, e.StatusCode >= 500:
		return CategoryServer
	case e.Code == CodeInvalidParam:
		return CategoryValidation
	default:
		return CategoryUnknown
	}
}

// TransportError wraps a network level failure.
type TransportError struct {
	Op  string
	URL string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("doudian transport %s %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap returns the underlying cause.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is matches ErrTransport.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
