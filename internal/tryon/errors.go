package tryon

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a pipeline failure.
type Kind int

const (
	// KindUnknown is any error that did not come from this package.
	KindUnknown Kind = iota
	// KindValidation is bad input. Never retried.
	KindValidation
	// KindRateLimited is a per-identity limit rejection, or a rejection
	// while the counter store is unavailable.
	KindRateLimited
	// KindGlobalRateLimited is a site-wide limit rejection.
	KindGlobalRateLimited
	// KindTransport is a network-level failure reaching the provider.
	KindTransport
	// KindAPI is a non-200 response from the provider.
	KindAPI
	// KindInvalidResponse is a provider payload without the image path.
	KindInvalidResponse
	// KindDecoding is image data that could not be decoded.
	KindDecoding
	// KindStorage is a failure persisting inputs, outputs, or records.
	KindStorage
	// KindNotFound is a missing session, upload, or catalog record.
	KindNotFound
	// KindForbidden is an owner mismatch.
	KindForbidden
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindValidation:        "validation_error",
	KindRateLimited:       "rate_limit_exceeded",
	KindGlobalRateLimited: "global_rate_limit_exceeded",
	KindTransport:         "transport_error",
	KindAPI:               "api_error",
	KindInvalidResponse:   "invalid_response",
	KindDecoding:          "decoding_error",
	KindStorage:           "storage_error",
	KindNotFound:          "not_found",
	KindForbidden:         "forbidden",
}

// String returns the wire code for the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String. Unknown codes map to KindUnknown.
func ParseKind(s string) Kind {
	for k, name := range kindNames {
		if name == s {
			return k
		}
	}
	return KindUnknown
}

// genericMessages are shown to end users for kinds whose messages may carry
// provider or infrastructure detail.
var genericMessages = map[Kind]string{
	KindUnknown:         "Something went wrong. Please try again.",
	KindTransport:       "The image service could not be reached. Please try again.",
	KindAPI:             "The image service returned an error. Please try again.",
	KindInvalidResponse: "Invalid API response format. Please try again.",
	KindDecoding:        "Failed to decode generated image. Please try again.",
	KindStorage:         "Failed to save the image. Please try again.",
}

// Error is the pipeline error type. Message is always safe to log; Detail
// holds raw upstream data and is only exposed when debug mode is on.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Public returns the message an end user may see. Validation, rate-limit,
// not-found and forbidden messages are written for users and pass through.
// Everything else is replaced by a generic message unless debug is set, in
// which case the full message and detail are returned.
func (e *Error) Public(debug bool) string {
	if debug {
		msg := e.Error()
		if e.Detail != "" {
			msg += " | Debug: " + e.Detail
		}
		return msg
	}
	if generic, ok := genericMessages[e.Kind]; ok {
		return generic
	}
	return e.Message
}

// WithDetail returns e with operator-only detail attached.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation returns a KindValidation error.
func Validation(format string, args ...any) *Error {
	return newError(KindValidation, nil, format, args...)
}

// RateLimited returns a KindRateLimited error.
func RateLimited(err error) *Error {
	return newError(KindRateLimited, err, "Too many requests. Please wait a moment before trying again.")
}

// GlobalRateLimited returns a KindGlobalRateLimited error.
func GlobalRateLimited() *Error {
	return newError(KindGlobalRateLimited, nil, "Site-wide generation limit reached. Please try again later.")
}

// Transport wraps a network failure.
func Transport(err error) *Error {
	return newError(KindTransport, err, "API request failed")
}

// API returns a KindAPI error with the upstream message.
func API(upstream string) *Error {
	return newError(KindAPI, nil, "Gemini API Error: %s", upstream)
}

// InvalidResponse returns a KindInvalidResponse error.
func InvalidResponse(err error) *Error {
	return newError(KindInvalidResponse, err, "Invalid API response format")
}

// Decoding returns a KindDecoding error.
func Decoding(err error) *Error {
	return newError(KindDecoding, err, "Failed to decode generated image")
}

// Storage wraps a persistence failure.
func Storage(err error, format string, args ...any) *Error {
	return newError(KindStorage, err, format, args...)
}

// NotFound returns a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, nil, format, args...)
}

// Forbidden returns a KindForbidden error.
func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, nil, format, args...)
}

// AsError extracts the *Error from err's chain.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if te, ok := AsError(err); ok {
		return te.Kind
	}
	return KindUnknown
}

// PublicMessage returns the user-facing message for any error.
func PublicMessage(err error, debug bool) string {
	if te, ok := AsError(err); ok {
		return te.Public(debug)
	}
	if debug {
		return err.Error()
	}
	return genericMessages[KindUnknown]
}

// HTTPStatus maps a kind to the response status code.
func HTTPStatus(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindRateLimited, KindGlobalRateLimited:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindTransport, KindAPI, KindInvalidResponse, KindDecoding:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
