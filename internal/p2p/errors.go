package p2p

import (
	"context"
	"errors"
	"fmt"
)

// ErrUpstreamLogical means the response parsed but reported no success.
var ErrUpstreamLogical = errors.New("upstream reported failure")

var errEmptyBody = errors.New("empty response body")

// TransportError wraps network failures: dial, write, read, timeout.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("p2p transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError is a non-2xx status or a body that is not the expected JSON.
type ProtocolError struct {
	StatusCode int
	Body       []byte
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("p2p protocol error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("p2p protocol error: status %d", e.StatusCode)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ParseError rejects one ad whose fields cannot form a listing.
type ParseError struct {
	Field string
	Value string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("parse %s %q", e.Field, e.Value)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorKind names the class of a page error for logs and metrics.
func ErrorKind(err error) string {
	var transportErr *TransportError
	var protocolErr *ProtocolError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &transportErr):
		return "transport"
	case errors.As(err, &protocolErr):
		return "protocol"
	case errors.Is(err, ErrUpstreamLogical):
		return "logical"
	default:
		return "other"
	}
}
