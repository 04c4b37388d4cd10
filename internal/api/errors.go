package api

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMaxRetriesExceeded is matched (errors.Is) by requests that ran out of
// attempts. The session has been logged out when it is returned.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// TransportError is a failure to get any HTTP response. It is never retried.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DecodeError is a 200 response whose body could not be decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ServerError is any non-200 response. HTTPCode comes from the error envelope
// when the server sent one, else from the response status.
type ServerError struct {
	HTTPCode int    `json:"httpCode"`
	Message  string `json:"error"`
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server error %d", e.HTTPCode)
	}
	return fmt.Sprintf("server error %d: %s", e.HTTPCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.HTTPCode == http.StatusNotFound
}
