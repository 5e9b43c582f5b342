package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrUnauthorized is the kind of a 401 response (missing, expired or rejected credential).
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is the kind of a 403 response.
	ErrForbidden = errors.New("forbidden")

	// ErrNotFound is the kind of a 404 response (e.g. the conversation no longer exists).
	ErrNotFound = errors.New("not found")

	// ErrRejected is the kind of any other 4xx response (closed session, insufficient balance, ...).
	ErrRejected = errors.New("rejected")

	// ErrServer is the kind of a 5xx response.
	ErrServer = errors.New("server error")
)

// Error is a non-2xx backend response.
//
// Error() returns Detail unchanged: the backend owns the wording and callers
// surface it to the user verbatim. Op and Status are for logs and branching.
type Error struct {
	Op        string
	Status    int
	Detail    string
	RequestID string
}

func (e *Error) Error() string { return e.Detail }

// Unwrap maps the status to a sentinel kind so errors.Is works.
func (e *Error) Unwrap() error { return kindForStatus(e.Status) }

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return ErrServer
	default:
		return ErrRejected
	}
}

// IsUnauthorized reports whether err carries a 401 response.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err carries a 404 response.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// StatusOf returns the HTTP status carried by err, or 0 for transport errors.
func StatusOf(err error) int {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

// parseErrorBody extracts the backend's "detail" field. It is either a string
// or, for request validation failures, a list of {"msg": ...} objects.
func parseErrorBody(status int, body []byte) string {
	var envelope struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Detail) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Detail, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}

		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(envelope.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, it := range items {
				if m := strings.TrimSpace(it.Msg); m != "" {
					msgs = append(msgs, m)
				}
			}
			if len(msgs) > 0 {
				return strings.Join(msgs, "; ")
			}
		}
	}
	return fmt.Sprintf("API Error: %d", status)
}
