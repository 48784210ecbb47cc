// Package status contains types shared by the admin status API and its
// clients.
package status

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorInfo contains error information to be returned to the user. The
// contents of the error MUST only contain user visible state, never internal
// details.
type ErrorInfo struct {
	// StatusCode contains the HTTP status code.
	StatusCode int `json:"status_code"`

	// Message contains the error message to return to the user.
	Message string `json:"message"`
}

func NewErrorInfo(statusCode int, format string, args ...any) *ErrorInfo {
	return &ErrorInfo{
		StatusCode: statusCode,
		Message:    fmt.Sprintf(format, args...),
	}
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf(
		"%s (%d): %s",
		strings.ToLower(http.StatusText(e.StatusCode)),
		e.StatusCode,
		e.Message,
	)
}

// IsNotFound returns whether the error is a not found response.
func (e *ErrorInfo) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}
