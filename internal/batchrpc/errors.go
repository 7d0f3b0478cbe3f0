package batchrpc

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized represents an unauthorized request.
var ErrUnauthorized = errors.New("unauthorized")

// ProtocolError is a transport- or envelope-level failure. It keeps the
// status code and a truncated body because schema drift of the private wire
// format is the dominant failure mode and the body is the only diagnostic.
type ProtocolError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("batchrpc: %s (status %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("batchrpc: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Truncate clips s for inclusion in error messages and debug output.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
