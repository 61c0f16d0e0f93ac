package remote

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/UpswitchEU/upswitch-valuation-tester-sub006/internal/session"
)

var ErrConflict = errors.New("remote conflict")

// HTTPError is a non-2xx answer from the valuation engine.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) Is(target error) bool {
	switch target {
	case session.ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case session.ErrInvalidInput:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

func retryableStatus(status int) bool {
	switch {
	case status == http.StatusRequestTimeout,
		status == http.StatusTooEarly,
		status == http.StatusTooManyRequests:
		return true
	case status >= 500 && status <= 599:
		return true
	}
	return false
}

// IsTransient reports whether a failed request may have been lost in
// transit and should be retried with the same idempotency key. Only a
// definitive non-retryable status or a request rejected before it was sent
// counts as permanent; network errors, timeouts and undecodable 2xx bodies
// leave the outcome unknown.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return retryableStatus(httpErr.StatusCode)
	}
	if errors.Is(err, session.ErrInvalidInput) || errors.Is(err, session.ErrWrongRecord) {
		return false
	}
	return true
}
