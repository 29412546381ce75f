package repository

import (
	"context"
	"fmt"
	"testing"

	"canvas-sync/internal/domain"
	"canvas-sync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *badger.DB {
	t.Helper()
	db, err := storage.Open(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testOp(documentID string, n int) domain.Operation {
	id := fmt.Sprintf("op-%s-%d", documentID, n)
	return domain.Operation{
		OpID:         id,
		ClientID:     "client-1",
		DocumentID:   documentID,
		Timestamp:    int64(1000 + n),
		BaseRevision: 3,
		Payload: domain.CreatePayload{Object: domain.DocumentObject{
			ID:   fmt.Sprintf("obj-%d", n),
			Type: domain.ObjectTypeSticky,
			X:    float64(n),
		}},
		IdempotencyKey: id,
	}
}

func opIDs(ops []*domain.PendingOp) []string {
	ids := make([]string, len(ops))
	for i, p := range ops {
		ids[i] = p.Op.OpID
	}
	return ids
}

func TestBadgerOutbox_EnqueueKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	outbox := NewBadgerOutboxRepository(newTestDB(t))

	var want []string
	for i := 0; i < 20; i++ {
		op := testOp("doc-1", i)
		p, err := outbox.Enqueue(ctx, op)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, p.Status)
		assert.Equal(t, 0, p.Attempts)
		want = append(want, op.OpID)
	}

	pending, err := outbox.GetPending(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, want, opIDs(pending))
	assert.Equal(t, testOp("doc-1", 4), pending[4].Op)
}

func TestBadgerOutbox_EnqueueIsIdempotent(t *testing.T) {
	ctx := context.Background()
	outbox := NewBadgerOutboxRepository(newTestDB(t))

	op := testOp("doc-1", 1)
	first, err := outbox.Enqueue(ctx, op)
	require.NoError(t, err)
	require.NoError(t, outbox.MarkAcking(ctx, op.OpID))

	again, err := outbox.Enqueue(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, first.Seq, again.Seq)
	assert.Equal(t, domain.StatusAcking, again.Status)

	pending, err := outbox.GetPending(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBadgerOutbox_DocumentsAreIsolated(t *testing.T) {
	ctx := context.Background()
	outbox := NewBadgerOutboxRepository(newTestDB(t))

	_, err := outbox.Enqueue(ctx, testOp("doc", 1))
	require.NoError(t, err)
	_, err = outbox.Enqueue(ctx, testOp("doc-2", 1))
	require.NoError(t, err)

	pending, err := outbox.GetPending(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, []string{"op-doc-1"}, opIDs(pending))

	documents, err := outbox.Documents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"doc", "doc-2"}, documents)
}

func TestBadgerOutbox_Transitions(t *testing.T) {
	ctx := context.Background()
	outbox := NewBadgerOutboxRepository(newTestDB(t))

	op := testOp("doc-1", 1)
	_, err := outbox.Enqueue(ctx, op)
	require.NoError(t, err)

	require.NoError(t, outbox.MarkAcking(ctx, op.OpID))
	require.NoError(t, outbox.MarkPending(ctx, op.OpID))
	require.NoError(t, outbox.MarkAcking(ctx, op.OpID))
	require.NoError(t, outbox.MarkFailed(ctx, op.OpID, "validation: width must be positive"))

	p, err := outbox.Get(ctx, op.OpID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, 2, p.Attempts)
	assert.Equal(t, "validation: width must be positive", p.FailureReason)

	err = outbox.MarkAcking(ctx, op.OpID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, outbox.MarkPending(ctx, op.OpID))
	p, err = outbox.Get(ctx, op.OpID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, p.Status)
	assert.Empty(t, p.FailureReason)

	require.NoError(t, outbox.MarkAcked(ctx, op.OpID))
	err = outbox.MarkPending(ctx, op.OpID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBadgerOutbox_MissingOp(t *testing.T) {
	ctx := context.Background()
	outbox := NewBadgerOutboxRepository(newTestDB(t))

	_, err := outbox.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, outbox.MarkAcked(ctx, "nope"), ErrNotFound)
}

func TestBadgerOutbox_CountAndRemove(t *testing.T) {
	ctx := context.Background()
	outbox := NewBadgerOutboxRepository(newTestDB(t))

	for i := 0; i < 5; i++ {
		_, err := outbox.Enqueue(ctx, testOp("doc-1", i))
		require.NoError(t, err)
	}
	require.NoError(t, outbox.MarkAcked(ctx, "op-doc-1-0"))
	require.NoError(t, outbox.MarkAcked(ctx, "op-doc-1-1"))
	require.NoError(t, outbox.MarkFailed(ctx, "op-doc-1-2", "rejected"))
	require.NoError(t, outbox.MarkAcking(ctx, "op-doc-1-3"))

	count, err := outbox.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxCount{Pending: 2, Failed: 1}, count)

	removed, err := outbox.RemoveAcked(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	_, err = outbox.Get(ctx, "op-doc-1-0")
	assert.ErrorIs(t, err, ErrNotFound)

	failed, err := outbox.GetFailed(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"op-doc-1-2"}, opIDs(failed))

	removed, err = outbox.ClearFailed(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = outbox.ClearPending(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	count, err = outbox.Count(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxCount{}, count)

	documents, err := outbox.Documents(ctx)
	require.NoError(t, err)
	assert.Empty(t, documents)
}

func TestBadgerOutbox_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := storage.DefaultConfig(dir)
	cfg.GCInterval = 0

	db, err := storage.Open(cfg)
	require.NoError(t, err)
	outbox := NewBadgerOutboxRepository(db)
	op := testOp("doc-1", 7)
	_, err = outbox.Enqueue(ctx, op)
	require.NoError(t, err)
	_, err = outbox.Enqueue(ctx, testOp("doc-1", 8))
	require.NoError(t, err)
	require.NoError(t, outbox.MarkAcking(ctx, "op-doc-1-8"))
	require.NoError(t, db.Close())

	db, err = storage.Open(cfg)
	require.NoError(t, err)
	defer db.Close()
	outbox = NewBadgerOutboxRepository(db)

	pending, err := outbox.GetPending(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, op, pending[0].Op)
	assert.Equal(t, domain.StatusPending, pending[0].Status)
	assert.Equal(t, domain.StatusAcking, pending[1].Status)

	// Ordering continues across restarts.
	_, err = outbox.Enqueue(ctx, testOp("doc-1", 9))
	require.NoError(t, err)
	pending, err = outbox.GetPending(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"op-doc-1-7", "op-doc-1-8", "op-doc-1-9"}, opIDs(pending))
}
