package api

import (
	"fmt"
	"net/http"
)

// APIError is a structured error returned by the ops server.
type APIError struct {
	Status    int
	Code      string
	ErrorCode int
	Message   string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Status > 0 {
		return fmt.Sprintf("api error: %d", e.Status)
	}
	return "api error"
}

// Busy reports whether the server refused the request because the same
// work is already running.
func (e *APIError) Busy() bool {
	return e != nil && e.Status == http.StatusTooManyRequests
}
