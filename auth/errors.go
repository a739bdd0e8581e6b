package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigurationError reports a structural mismatch between client and
// server, malformed metadata, or a broken store. Not retryable.
type ConfigurationError struct {
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth configuration: %s: %v", e.Reason, e.Cause)
	}
	return "auth configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// TimeoutError reports that a bounded wait exceeded its deadline. Timeout
// carries the configured bound so callers can log it without re-deriving.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("auth timeout: %s exceeded %s", e.Operation, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// CancellationError reports that the authorizing party declined or aborted
// the flow. ErrorCode and Description carry the error parameters from the
// callback when the server redirected with them.
type CancellationError struct {
	Detail      string
	ErrorCode   string
	Description string
}

func (e *CancellationError) Error() string {
	msg := "authorization canceled"
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.ErrorCode != "" {
		msg += ": " + e.ErrorCode
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Unwrap exposes the matching wire code sentinel, if any, so callers can
// test with errors.Is.
func (e *CancellationError) Unwrap() error {
	return oauthErrorCodes[e.ErrorCode]
}

// NetworkError reports a transport-level failure reaching an endpoint.
// Candidates for caller-level retry; never retried here.
type NetworkError struct {
	Operation string
	URL       string
	Cause     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("auth network: %s against %s: %v", e.Operation, e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

// ServerError reports a protocol-level rejection from the OAuth server,
// carrying the wire error code and description when the response body had
// them.
type ServerError struct {
	Operation   string
	HTTPStatus  int
	ErrorCode   string
	Description string
	ErrorURI    string
}

func (e *ServerError) Error() string {
	msg := fmt.Sprintf("auth server rejected %s (HTTP %d)", e.Operation, e.HTTPStatus)
	if e.ErrorCode != "" {
		msg += ": " + e.ErrorCode
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	return msg
}

// Unwrap exposes the matching wire code sentinel, if any, so callers can
// test with errors.Is.
func (e *ServerError) Unwrap() error {
	return oauthErrorCodes[e.ErrorCode]
}

// Wire error codes from RFC 6749, RFC 6750 and RFC 7591. They surface
// wrapped inside ServerError or CancellationError; test with errors.Is.
var (
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrInvalidClient           = errors.New("invalid_client")
	ErrInvalidGrant            = errors.New("invalid_grant")
	ErrUnauthorizedClient      = errors.New("unauthorized_client")
	ErrUnsupportedGrantType    = errors.New("unsupported_grant_type")
	ErrInvalidScope            = errors.New("invalid_scope")
	ErrAccessDenied            = errors.New("access_denied")
	ErrServerError             = errors.New("server_error")
	ErrTemporarilyUnavailable  = errors.New("temporarily_unavailable")
	ErrUnsupportedResponseType = errors.New("unsupported_response_type")
	ErrUnsupportedTokenType    = errors.New("unsupported_token_type")
	ErrInvalidToken            = errors.New("invalid_token")
	ErrMethodNotAllowed        = errors.New("method_not_allowed")
	ErrTooManyRequests         = errors.New("too_many_requests")
	ErrInvalidClientMetadata   = errors.New("invalid_client_metadata")
	ErrInsufficientScope       = errors.New("insufficient_scope")
)

// oauthErrorCodes maps wire error strings to their sentinels so response
// classification stays a lookup instead of a switch.
var oauthErrorCodes = map[string]error{
	"invalid_request":           ErrInvalidRequest,
	"invalid_client":            ErrInvalidClient,
	"invalid_grant":             ErrInvalidGrant,
	"unauthorized_client":       ErrUnauthorizedClient,
	"unsupported_grant_type":    ErrUnsupportedGrantType,
	"invalid_scope":             ErrInvalidScope,
	"access_denied":             ErrAccessDenied,
	"server_error":              ErrServerError,
	"temporarily_unavailable":   ErrTemporarilyUnavailable,
	"unsupported_response_type": ErrUnsupportedResponseType,
	"unsupported_token_type":    ErrUnsupportedTokenType,
	"invalid_token":             ErrInvalidToken,
	"method_not_allowed":        ErrMethodNotAllowed,
	"too_many_requests":         ErrTooManyRequests,
	"invalid_client_metadata":   ErrInvalidClientMetadata,
	"insufficient_scope":        ErrInsufficientScope,
}

// wireError is the JSON error body token and registration endpoints return
// on rejection.
type wireError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

// serverErrorFromBody classifies a non-2xx endpoint response. Bodies that
// are not OAuth error JSON still yield a ServerError, with the raw body as
// the description.
func serverErrorFromBody(operation string, status int, body []byte) *ServerError {
	var wire wireError
	if err := json.Unmarshal(body, &wire); err == nil && wire.Code != "" {
		return &ServerError{
			Operation:   operation,
			HTTPStatus:  status,
			ErrorCode:   wire.Code,
			Description: wire.Description,
			ErrorURI:    wire.URI,
		}
	}
	return &ServerError{
		Operation:   operation,
		HTTPStatus:  status,
		Description: strings.TrimSpace(string(body)),
	}
}

// IsConfiguration reports whether err is or wraps a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is or wraps a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsCancellation reports whether err is or wraps a CancellationError.
func IsCancellation(err error) bool {
	var target *CancellationError
	return errors.As(err, &target)
}

// IsNetwork reports whether err is or wraps a NetworkError.
func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsServer reports whether err is or wraps a ServerError.
func IsServer(err error) bool {
	var target *ServerError
	return errors.As(err, &target)
}

// errorKind labels err for metrics and logs. Configuration wins over the
// wire-level kinds so wrapped rejections keep their outer classification.
func errorKind(err error) string {
	switch {
	case IsConfiguration(err):
		return "configuration"
	case IsTimeout(err):
		return "timeout"
	case IsCancellation(err):
		return "cancellation"
	case IsNetwork(err):
		return "network"
	case IsServer(err):
		return "server"
	default:
		return "internal"
	}
}

// isTaxonomy reports whether err already carries one of the five typed
// kinds, so wrapping code does not double-classify.
func isTaxonomy(err error) bool {
	return IsConfiguration(err) || IsTimeout(err) || IsCancellation(err) ||
		IsNetwork(err) || IsServer(err)
}
