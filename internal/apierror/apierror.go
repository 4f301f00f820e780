// Package apierror classifies failures at the point they are raised so callers
// can decide on retries without inspecting error strings.
package apierror

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind identifies the class of a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindNetwork is a transport failure: the request never produced a response.
	KindNetwork
	// KindHTTPStatus is a response with a non-success status code.
	KindHTTPStatus
	// KindProtocol is a response that could not be decoded or violated the API contract.
	KindProtocol
	// KindRateLimited is a request blocked locally or answered with 429.
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindHTTPStatus:
		return "http_status"
	case KindProtocol:
		return "protocol"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// MaxBodyLength caps response bodies carried in error messages.
const MaxBodyLength = 1000

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus, KindRateLimited:
		if e.Status != 0 {
			return fmt.Sprintf("%s: http %d: %s", e.Op, e.Status, e.Body)
		}
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func Network(op string, err error) *Error {
	return &Error{Kind: KindNetwork, Op: op, Err: err}
}

func Protocol(op string, err error) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: err}
}

func RateLimited(op string, err error) *Error {
	return &Error{Kind: KindRateLimited, Op: op, Err: err}
}

// HTTPStatus builds a status error. 429 responses are classified as rate limited.
func HTTPStatus(op string, status int, body string) *Error {
	kind := KindHTTPStatus
	if status == 429 {
		kind = KindRateLimited
	}
	return &Error{Kind: kind, Op: op, Status: status, Body: Truncate(body)}
}

// Truncate trims whitespace and shortens body to MaxBodyLength characters.
func Truncate(body string) string {
	body = strings.TrimSpace(body)
	if utf8.RuneCountInString(body) <= MaxBodyLength {
		return body
	}
	n := 0
	for i := range body {
		if n == MaxBodyLength {
			return body[:i] + "... (truncated)"
		}
		n++
	}
	return body
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return KindUnknown
}

func IsNetwork(err error) bool {
	return KindOf(err) == KindNetwork
}

func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
