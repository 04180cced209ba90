package transport

import (
	"encoding/json"
	"errors"
	"fmt"
)

const maxErrorBody = 2048

// Error is returned for network faults and non-2xx responses. StatusCode is
// zero for network faults.
type Error struct {
	Method     string
	URL        string
	StatusCode int
	// Message is the server's JSON "message" field, when the body had one.
	Message string
	Body    string
	Err     error
}

func (e *Error) Error() string {
	if e.StatusCode == 0 || e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
	}
	detail := e.Message
	if detail == "" {
		detail = e.Body
	}
	if detail == "" {
		return fmt.Sprintf("%s %s: http %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: http %d: %s", e.Method, e.URL, e.StatusCode, detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status from err, or 0.
func StatusCode(err error) int {
	var te *Error
	if errors.As(err, &te) {
		return te.StatusCode
	}
	return 0
}

func newStatusError(method, url string, status int, body []byte) *Error {
	e := &Error{Method: method, URL: url, StatusCode: status}
	var payload struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
		e.Message = payload.Message
		return e
	}
	text := string(body)
	if len(text) > maxErrorBody {
		text = text[:maxErrorBody] + "..."
	}
	e.Body = text
	return e
}

// ProtocolError reports a response that lacks a JSON path the caller needs.
type ProtocolError struct {
	Path string
	Raw  string
}

func (e *ProtocolError) Error() string {
	raw := e.Raw
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody] + "..."
	}
	return fmt.Sprintf("response missing %q: %s", e.Path, raw)
}
