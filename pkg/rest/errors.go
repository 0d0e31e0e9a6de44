package rest

import (
	"context"
	"errors"
	"fmt"
)

// TransportError means the request never produced a response: refused
// connection, DNS failure, timeout.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s failed: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HTTPError is a response outside the 2xx range.
type HTTPError struct {
	URL    string
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("request %s: status %d: %s", e.URL, e.Status, e.Body)
}

// DecodeError is a 2xx response whose body could not be parsed.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Describe turns a fetch error into the short message shown to the user.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	var (
		transportErr *TransportError
		httpErr      *HTTPError
		decodeErr    *DecodeError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return "request cancelled"
	case errors.As(err, &httpErr):
		return fmt.Sprintf("server responded with status %d", httpErr.Status)
	case errors.As(err, &decodeErr):
		return "received malformed data"
	case errors.As(err, &transportErr):
		return "cannot reach server"
	default:
		return "unexpected error"
	}
}
