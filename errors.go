package pulse

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotConnected          = errors.New("not connected")
	ErrClosed                = errors.New("connection disposed")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrSelfRelationship      = errors.New("cannot send contact request to yourself")
	ErrDuplicateRelationship = errors.New("relationship already exists")
	ErrIllegalTransition     = errors.New("illegal relationship transition")
	ErrNotParticipant        = errors.New("not a participant of this relationship")
)

// ErrorKind classifies a failed REST call.
type ErrorKind string

const (
	KindNetwork    ErrorKind = "network"
	KindValidation ErrorKind = "validation"
	KindServer     ErrorKind = "server"
)

// ConnectionError reports a push transport that failed to establish or dropped.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return "realtime " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RequestError reports a failed REST call. Status is zero when the request
// never produced an HTTP response.
type RequestError struct {
	Method  string
	Path    string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *RequestError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrUnauthorized) match a 401 response.
func (e *RequestError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Kind reports whether the failure was transport-level, a 4xx, or a 5xx.
func (e *RequestError) Kind() ErrorKind {
	switch {
	case e.Status == 0:
		return KindNetwork
	case e.Status >= 500:
		return KindServer
	default:
		return KindValidation
	}
}

// HandlerError wraps a value recovered from a panicking event handler.
type HandlerError struct {
	Channel Channel
	Value   any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q panicked: %v", e.Channel, e.Value)
}

// ErrorKindOf returns the kind of a RequestError anywhere in err's chain, or
// the empty string when err is not a request failure.
func ErrorKindOf(err error) ErrorKind {
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind()
	}
	return ""
}
