package repository

import (
	"context"

	"canvas-sync/internal/domain"
)

// SnapshotRepository holds one CachedSnapshot per document. Put replaces the
// stored snapshot as a whole.
type SnapshotRepository interface {
	Get(ctx context.Context, documentID string) (*domain.CachedSnapshot, error)
	Put(ctx context.Context, snapshot *domain.CachedSnapshot) error
	Delete(ctx context.Context, documentID string) error
}
