package repository

import (
	"context"
	"fmt"
	"net/http"

	"canvas-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

type couchSnapshotDoc struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev,omitempty"`
	domain.CachedSnapshot
}

type couchSnapshots struct {
	client *kivik.Client
	dbName string
}

func NewCouchSnapshotRepository(client *kivik.Client, dbName string) SnapshotRepository {
	return &couchSnapshots{
		client: client,
		dbName: dbName,
	}
}

func couchSnapshotID(documentID string) string {
	return fmt.Sprintf("snapshot:%s", documentID)
}

func (r *couchSnapshots) get(ctx context.Context, documentID string) (*couchSnapshotDoc, error) {
	db := r.client.DB(r.dbName)

	var doc couchSnapshotDoc
	if err := db.Get(ctx, couchSnapshotID(documentID)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("snapshot %s: %w", documentID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find snapshot %s: %w", documentID, err)
	}
	return &doc, nil
}

func (r *couchSnapshots) Get(ctx context.Context, documentID string) (*domain.CachedSnapshot, error) {
	doc, err := r.get(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Objects == nil {
		doc.Objects = domain.ObjectMap{}
	}
	return &doc.CachedSnapshot, nil
}

// Put overwrites the stored snapshot. The previous revision is looked up so
// the write replaces the document instead of conflicting with it.
func (r *couchSnapshots) Put(ctx context.Context, snapshot *domain.CachedSnapshot) error {
	db := r.client.DB(r.dbName)

	doc := couchSnapshotDoc{
		ID:             couchSnapshotID(snapshot.DocumentID),
		CachedSnapshot: *snapshot,
	}
	if existing, err := r.get(ctx, snapshot.DocumentID); err == nil {
		doc.Rev = existing.Rev
	}

	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snapshot.DocumentID, err)
	}
	return nil
}

func (r *couchSnapshots) Delete(ctx context.Context, documentID string) error {
	db := r.client.DB(r.dbName)

	existing, err := r.get(ctx, documentID)
	if err != nil {
		return err
	}
	if _, err := db.Delete(ctx, existing.ID, existing.Rev); err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", documentID, err)
	}
	return nil
}
