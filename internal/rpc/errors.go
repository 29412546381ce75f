package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindDuplicate  Kind = "duplicate"
	KindTransient  Kind = "transient"
	KindUnknown    Kind = "unknown"
)

// Retryable reports whether an op that failed with this kind stays pending.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Error is a classified failure of a remote call.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Status != 0:
		return fmt.Sprintf("%s error (status %d): %s", e.Kind, e.Status, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned by a Service. Errors that are not an
// *Error are transient when they come from the network or a deadline, and
// unknown otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindUnknown
}

// kindForStatus maps an HTTP status of the service to an error kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusConflict:
		return KindDuplicate
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindUnknown
	}
}

func transportError(err error) *Error {
	return &Error{Kind: KindTransient, Code: "network", Message: err.Error(), Err: err}
}
