package service

import (
	"errors"
	"fmt"
)

var (
	ErrReadOnly        = errors.New("document is read-only")
	ErrDocumentNotOpen = errors.New("document is not open")
	ErrInvalidIndex    = errors.New("history index out of range")
)

// OpFailedError describes an op the service rejected for good. It is carried
// in events; the op stays in the outbox as failed until retried or discarded.
type OpFailedError struct {
	OpID   string
	Kind   string
	Reason string
}

func (e *OpFailedError) Error() string {
	return fmt.Sprintf("op %s failed (%s): %s", e.OpID, e.Kind, e.Reason)
}
