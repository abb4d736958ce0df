package api

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	// DefaultDetail is used when an error response carries no message.
	DefaultDetail = "An error occurred"
	// NoResponseDetail describes a request that never got a response.
	NoResponseDetail = "No response from server. Please check your connection."
)

var (
	ErrNoJob            = errors.New("api: no job id")
	ErrSessionExpired   = errors.New("api: share link has expired")
	ErrSessionInactive  = errors.New("api: share link is no longer available")
	ErrBackendUnhealthy = errors.New("api: backend did not become healthy")
)

// Error is the normalized failure of every backend call. StatusCode is 0
// when no response was received.
type Error struct {
	Op         string `json:"-"`
	StatusCode int    `json:"status_code"`
	Detail     string `json:"detail"`
	RequestID  string `json:"-"`
	Err        error  `json:"-"`
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Detail)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Op, e.Detail, e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func asError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// StatusCode returns the HTTP status of an *Error, or -1 for other errors.
func StatusCode(err error) int {
	if e, ok := asError(err); ok {
		return e.StatusCode
	}
	return -1
}

// Detail returns the user-facing message of err.
func Detail(err error) string {
	if e, ok := asError(err); ok {
		return e.Detail
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

func IsUnauthorized(err error) bool { return StatusCode(err) == http.StatusUnauthorized }

// IsQuota reports a payment-required response: the user is out of credits.
func IsQuota(err error) bool { return StatusCode(err) == http.StatusPaymentRequired }

func IsNotFound(err error) bool { return StatusCode(err) == http.StatusNotFound }

func IsServer(err error) bool { return StatusCode(err) >= 500 }

// IsTransport reports a request that got no response at all.
func IsTransport(err error) bool { return StatusCode(err) == 0 }
