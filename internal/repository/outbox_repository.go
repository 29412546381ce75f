package repository

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"canvas-sync/internal/domain"

	"github.com/oklog/ulid/v2"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)

// OutboxRepository is the durable queue of operations not yet acknowledged by
// the service. Every write is atomic: a record is persisted with its status
// or not at all.
type OutboxRepository interface {
	// Enqueue stores op as pending. Enqueuing an op id that is already stored
	// returns the stored record unchanged.
	Enqueue(ctx context.Context, op domain.Operation) (*domain.PendingOp, error)
	Get(ctx context.Context, opID string) (*domain.PendingOp, error)
	// GetPending returns the pending and acking ops of a document ordered by
	// creation, which is the order they must be flushed in.
	GetPending(ctx context.Context, documentID string) ([]*domain.PendingOp, error)
	MarkAcking(ctx context.Context, opID string) error
	MarkPending(ctx context.Context, opID string) error
	MarkAcked(ctx context.Context, opID string) error
	MarkFailed(ctx context.Context, opID, reason string) error
	RemoveAcked(ctx context.Context, documentID string) (int, error)
	GetFailed(ctx context.Context, documentID string) ([]*domain.PendingOp, error)
	ClearFailed(ctx context.Context, documentID string) (int, error)
	ClearPending(ctx context.Context, documentID string) (int, error)
	Count(ctx context.Context, documentID string) (domain.OutboxCount, error)
	// Documents lists the documents that have outbox records.
	Documents(ctx context.Context) ([]string, error)
}

// transition moves p to status to, validating the lifecycle
// pending -> acking -> acked|pending|failed, failed -> pending.
func transition(p *domain.PendingOp, to domain.OpStatus, reason string, now int64) error {
	allowed := false
	switch to {
	case domain.StatusAcking:
		allowed = p.Status == domain.StatusPending || p.Status == domain.StatusAcking
	case domain.StatusPending:
		allowed = p.Status == domain.StatusAcking || p.Status == domain.StatusFailed || p.Status == domain.StatusPending
	case domain.StatusAcked:
		allowed = p.Status == domain.StatusAcking || p.Status == domain.StatusPending || p.Status == domain.StatusAcked
	case domain.StatusFailed:
		allowed = p.Status == domain.StatusAcking || p.Status == domain.StatusPending || p.Status == domain.StatusFailed
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s for op %s", ErrInvalidTransition, p.Status, to, p.Op.OpID)
	}

	if to == domain.StatusAcking {
		p.Attempts++
	}
	if to == domain.StatusFailed {
		p.FailureReason = reason
	} else {
		p.FailureReason = ""
	}
	p.Status = to
	p.UpdatedAt = now
	return nil
}

// sequencer hands out ULIDs that sort by creation time and stay strictly
// increasing within one millisecond.
type sequencer struct {
	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

func newSequencer() *sequencer {
	return &sequencer{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (s *sequencer) next() (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	id, err := ulid.New(ulid.Timestamp(now), s.entropy)
	if err != nil {
		return "", now, fmt.Errorf("failed to generate outbox sequence: %w", err)
	}
	return id.String(), now, nil
}

func newPendingOp(op domain.Operation, seq string, createdAt time.Time) *domain.PendingOp {
	return &domain.PendingOp{
		Op:        op,
		Seq:       seq,
		CreatedAt: createdAt.UnixMilli(),
		Status:    domain.StatusPending,
		UpdatedAt: createdAt.UnixMilli(),
	}
}
