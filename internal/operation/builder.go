package operation

import (
	"errors"
	"fmt"
	"time"

	"canvas-sync/internal/domain"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var ErrEmptyPatch = errors.New("update patch has no fields")

// ValidationError is returned when a payload is malformed. Such payloads never
// reach the outbox.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid operation payload: %v", e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Builder stamps payloads into operations on behalf of one client.
type Builder struct {
	clientID string
	validate *validator.Validate
	now      func() time.Time
}

func NewBuilder(clientID string) *Builder {
	return &Builder{
		clientID: clientID,
		validate: validator.New(),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) ClientID() string {
	return b.clientID
}

// Build validates the payload and wraps it in a new operation timestamped now.
func (b *Builder) Build(documentID string, baseRevision int64, payload domain.Payload) (domain.Operation, error) {
	return b.BuildAt(documentID, baseRevision, payload, b.now().UnixMilli())
}

// BuildAt is Build with an explicit timestamp. History replays use it so that
// undo and redo reproduce the exact stamps they recorded.
func (b *Builder) BuildAt(documentID string, baseRevision int64, payload domain.Payload, timestamp int64) (domain.Operation, error) {
	if documentID == "" {
		return domain.Operation{}, &ValidationError{Err: errors.New("document id is required")}
	}
	if err := b.Validate(payload); err != nil {
		return domain.Operation{}, err
	}

	opID := uuid.New().String()
	return domain.Operation{
		OpID:           opID,
		ClientID:       b.clientID,
		DocumentID:     documentID,
		Timestamp:      timestamp,
		BaseRevision:   baseRevision,
		Payload:        payload,
		IdempotencyKey: opID,
	}, nil
}

// Validate checks a payload against the object schema.
func (b *Builder) Validate(payload domain.Payload) error {
	if payload == nil {
		return &ValidationError{Err: errors.New("payload is required")}
	}

	err := domain.Match(payload,
		func(p domain.CreatePayload) error {
			return b.validate.Struct(p.Object)
		},
		func(p domain.UpdatePayload) error {
			if p.Patch.IsEmpty() {
				return ErrEmptyPatch
			}
			if err := b.validate.Var(p.ID, "required"); err != nil {
				return fmt.Errorf("id: %w", err)
			}
			return b.validate.Struct(p.Patch)
		},
		func(p domain.DeletePayload) error {
			return b.validate.Struct(p)
		},
	)
	if err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}
