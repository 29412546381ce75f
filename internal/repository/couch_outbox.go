package repository

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"canvas-sync/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const (
	outboxKind = "outbox"

	outboxIndexDoc  = "outbox"
	outboxIndexName = "by-document-seq"

	// couchPageSize bounds one _find request; results are paged by bookmark.
	couchPageSize = 100
)

type couchOutboxDoc struct {
	ID         string `json:"_id"`
	Rev        string `json:"_rev,omitempty"`
	Kind       string `json:"kind"`
	DocumentID string `json:"document_id"`
	domain.PendingOp
}

type couchOutbox struct {
	db       *kivik.DB
	seq      *sequencer
	now      func() time.Time
	pageSize int
}

// NewCouchOutboxRepository stores outbox records as CouchDB documents. Each
// record is a single document, so every write is atomic. Queries sort by seq
// and need the index created by CreateCouchOutboxIndex.
func NewCouchOutboxRepository(client *kivik.Client, dbName string) OutboxRepository {
	return &couchOutbox{
		db:       client.DB(dbName),
		seq:      newSequencer(),
		now:      time.Now,
		pageSize: couchPageSize,
	}
}

// CreateCouchOutboxIndex creates the Mango index outbox queries sort on. It
// does nothing when the index already exists.
func CreateCouchOutboxIndex(ctx context.Context, db *kivik.DB) error {
	index := map[string]interface{}{
		"fields": []string{"kind", "document_id", "seq"},
	}
	if err := db.CreateIndex(ctx, outboxIndexDoc, outboxIndexName, index); err != nil {
		return fmt.Errorf("failed to create outbox index: %w", err)
	}
	return nil
}

func couchOutboxID(opID string) string {
	return fmt.Sprintf("outbox:%s", opID)
}

func (r *couchOutbox) Enqueue(ctx context.Context, op domain.Operation) (*domain.PendingOp, error) {
	seq, createdAt, err := r.seq.next()
	if err != nil {
		return nil, err
	}

	doc := couchOutboxDoc{
		ID:         couchOutboxID(op.OpID),
		Kind:       outboxKind,
		DocumentID: op.DocumentID,
		PendingOp:  *newPendingOp(op, seq, createdAt),
	}

	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusConflict {
			return r.Get(ctx, op.OpID)
		}
		return nil, fmt.Errorf("failed to enqueue op %s: %w", op.OpID, err)
	}
	return &doc.PendingOp, nil
}

func (r *couchOutbox) Get(ctx context.Context, opID string) (*domain.PendingOp, error) {
	doc, err := r.get(ctx, opID)
	if err != nil {
		return nil, err
	}
	return &doc.PendingOp, nil
}

func (r *couchOutbox) get(ctx context.Context, opID string) (*couchOutboxDoc, error) {
	var doc couchOutboxDoc
	if err := r.db.Get(ctx, couchOutboxID(opID)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, fmt.Errorf("op %s: %w", opID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find op %s: %w", opID, err)
	}
	return &doc, nil
}

func (r *couchOutbox) GetPending(ctx context.Context, documentID string) ([]*domain.PendingOp, error) {
	docs, err := r.find(ctx, documentID, domain.StatusPending, domain.StatusAcking)
	if err != nil {
		return nil, err
	}
	return pendingOps(docs), nil
}

func (r *couchOutbox) GetFailed(ctx context.Context, documentID string) ([]*domain.PendingOp, error) {
	docs, err := r.find(ctx, documentID, domain.StatusFailed)
	if err != nil {
		return nil, err
	}
	return pendingOps(docs), nil
}

func (r *couchOutbox) MarkAcking(ctx context.Context, opID string) error {
	return r.mark(ctx, opID, domain.StatusAcking, "")
}

func (r *couchOutbox) MarkPending(ctx context.Context, opID string) error {
	return r.mark(ctx, opID, domain.StatusPending, "")
}

func (r *couchOutbox) MarkAcked(ctx context.Context, opID string) error {
	return r.mark(ctx, opID, domain.StatusAcked, "")
}

func (r *couchOutbox) MarkFailed(ctx context.Context, opID, reason string) error {
	return r.mark(ctx, opID, domain.StatusFailed, reason)
}

func (r *couchOutbox) RemoveAcked(ctx context.Context, documentID string) (int, error) {
	return r.remove(ctx, documentID, domain.StatusAcked)
}

func (r *couchOutbox) ClearFailed(ctx context.Context, documentID string) (int, error) {
	return r.remove(ctx, documentID, domain.StatusFailed)
}

func (r *couchOutbox) ClearPending(ctx context.Context, documentID string) (int, error) {
	return r.remove(ctx, documentID, domain.StatusPending, domain.StatusAcking)
}

func (r *couchOutbox) Count(ctx context.Context, documentID string) (domain.OutboxCount, error) {
	docs, err := r.find(ctx, documentID, domain.StatusPending, domain.StatusAcking, domain.StatusFailed)
	if err != nil {
		return domain.OutboxCount{}, err
	}

	var count domain.OutboxCount
	for _, doc := range docs {
		if doc.Unsent() {
			count.Pending++
		} else {
			count.Failed++
		}
	}
	return count, nil
}

func (r *couchOutbox) Documents(ctx context.Context) ([]string, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind": outboxKind,
		},
		"fields": []string{"document_id"},
	}

	seen := make(map[string]bool)
	var documents []string
	err := r.findAll(ctx, query, func(rows *kivik.ResultSet) error {
		var doc struct {
			DocumentID string `json:"document_id"`
		}
		if err := rows.ScanDoc(&doc); err != nil {
			id, _ := rows.ID()
			return fmt.Errorf("failed to decode outbox record %s: %w", id, err)
		}
		if !seen[doc.DocumentID] {
			seen[doc.DocumentID] = true
			documents = append(documents, doc.DocumentID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox documents: %w", err)
	}
	sort.Strings(documents)
	return documents, nil
}

func (r *couchOutbox) mark(ctx context.Context, opID string, to domain.OpStatus, reason string) error {
	doc, err := r.get(ctx, opID)
	if err != nil {
		return err
	}
	if err := transition(&doc.PendingOp, to, reason, r.now().UnixMilli()); err != nil {
		return err
	}
	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to mark op %s %s: %w", opID, to, err)
	}
	return nil
}

func (r *couchOutbox) remove(ctx context.Context, documentID string, statuses ...domain.OpStatus) (int, error) {
	docs, err := r.find(ctx, documentID, statuses...)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, doc := range docs {
		if _, err := r.db.Delete(ctx, doc.ID, doc.Rev); err != nil {
			if kivik.HTTPStatus(err) == http.StatusNotFound {
				continue
			}
			return removed, fmt.Errorf("failed to remove op %s: %w", doc.Op.OpID, err)
		}
		removed++
	}
	return removed, nil
}

// find returns the records of a document in one of statuses, ordered by seq.
func (r *couchOutbox) find(ctx context.Context, documentID string, statuses ...domain.OpStatus) ([]*couchOutboxDoc, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"kind":        outboxKind,
			"document_id": documentID,
			"status":      map[string]interface{}{"$in": statuses},
		},
		"sort": []map[string]string{
			{"kind": "asc"},
			{"document_id": "asc"},
			{"seq": "asc"},
		},
		"use_index": []string{outboxIndexDoc, outboxIndexName},
	}

	var docs []*couchOutboxDoc
	err := r.findAll(ctx, query, func(rows *kivik.ResultSet) error {
		var doc couchOutboxDoc
		if err := rows.ScanDoc(&doc); err != nil {
			id, _ := rows.ID()
			return fmt.Errorf("failed to decode outbox record %s: %w", id, err)
		}
		docs = append(docs, &doc)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	return docs, nil
}

// findAll runs query page by page, following the bookmark until a page comes
// back short, and calls fn for every row.
func (r *couchOutbox) findAll(ctx context.Context, query map[string]interface{}, fn func(rows *kivik.ResultSet) error) error {
	query["limit"] = r.pageSize
	bookmark := ""
	for {
		if bookmark != "" {
			query["bookmark"] = bookmark
		}

		n, next, err := r.findPage(ctx, query, fn)
		if err != nil {
			return err
		}
		if n < r.pageSize || next == "" || next == bookmark {
			return nil
		}
		bookmark = next
	}
}

func (r *couchOutbox) findPage(ctx context.Context, query map[string]interface{}, fn func(rows *kivik.ResultSet) error) (int, string, error) {
	rows := r.db.Find(ctx, query)
	defer rows.Close()

	n := 0
	for rows.Next() {
		if err := fn(rows); err != nil {
			return n, "", err
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, "", err
	}

	meta, err := rows.Metadata()
	if err != nil {
		return n, "", err
	}
	return n, meta.Bookmark, nil
}

func pendingOps(docs []*couchOutboxDoc) []*domain.PendingOp {
	ops := make([]*domain.PendingOp, len(docs))
	for i, doc := range docs {
		ops[i] = &doc.PendingOp
	}
	return ops
}
