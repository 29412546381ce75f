package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"canvas-sync/internal/domain"

	"github.com/dgraph-io/badger/v4"
)

const (
	outboxOpPrefix  = "outbox/op/"
	outboxDocPrefix = "outbox/doc/"
)

func outboxOpKey(opID string) []byte {
	return []byte(outboxOpPrefix + opID)
}

// outboxDocPrefixFor is the prefix of the (documentId, createdAt) index. The
// NUL separator keeps one document id from prefixing another.
func outboxDocPrefixFor(documentID string) []byte {
	return []byte(outboxDocPrefix + documentID + "\x00")
}

func outboxIndexKey(documentID, seq string) []byte {
	return append(outboxDocPrefixFor(documentID), seq...)
}

type badgerOutbox struct {
	db  *badger.DB
	seq *sequencer
	now func() time.Time
}

func NewBadgerOutboxRepository(db *badger.DB) OutboxRepository {
	return &badgerOutbox{
		db:  db,
		seq: newSequencer(),
		now: time.Now,
	}
}

func (r *badgerOutbox) Enqueue(ctx context.Context, op domain.Operation) (*domain.PendingOp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var stored *domain.PendingOp
	err := r.db.Update(func(txn *badger.Txn) error {
		existing, err := getPendingOp(txn, op.OpID)
		if err == nil {
			stored = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		seq, createdAt, err := r.seq.next()
		if err != nil {
			return err
		}
		p := newPendingOp(op, seq, createdAt)
		if err := putPendingOp(txn, p); err != nil {
			return err
		}
		if err := txn.Set(outboxIndexKey(op.DocumentID, seq), []byte(op.OpID)); err != nil {
			return err
		}
		stored = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue op %s: %w", op.OpID, err)
	}
	return stored, nil
}

func (r *badgerOutbox) Get(ctx context.Context, opID string) (*domain.PendingOp, error) {
	var p *domain.PendingOp
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		p, err = getPendingOp(txn, opID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (r *badgerOutbox) GetPending(ctx context.Context, documentID string) ([]*domain.PendingOp, error) {
	return r.list(ctx, documentID, (*domain.PendingOp).Unsent)
}

func (r *badgerOutbox) GetFailed(ctx context.Context, documentID string) ([]*domain.PendingOp, error) {
	return r.list(ctx, documentID, hasStatus(domain.StatusFailed))
}

func (r *badgerOutbox) MarkAcking(ctx context.Context, opID string) error {
	return r.mark(ctx, opID, domain.StatusAcking, "")
}

func (r *badgerOutbox) MarkPending(ctx context.Context, opID string) error {
	return r.mark(ctx, opID, domain.StatusPending, "")
}

func (r *badgerOutbox) MarkAcked(ctx context.Context, opID string) error {
	return r.mark(ctx, opID, domain.StatusAcked, "")
}

func (r *badgerOutbox) MarkFailed(ctx context.Context, opID, reason string) error {
	return r.mark(ctx, opID, domain.StatusFailed, reason)
}

func (r *badgerOutbox) RemoveAcked(ctx context.Context, documentID string) (int, error) {
	return r.remove(ctx, documentID, hasStatus(domain.StatusAcked))
}

func (r *badgerOutbox) ClearFailed(ctx context.Context, documentID string) (int, error) {
	return r.remove(ctx, documentID, hasStatus(domain.StatusFailed))
}

func (r *badgerOutbox) ClearPending(ctx context.Context, documentID string) (int, error) {
	return r.remove(ctx, documentID, (*domain.PendingOp).Unsent)
}

func (r *badgerOutbox) Count(ctx context.Context, documentID string) (domain.OutboxCount, error) {
	var count domain.OutboxCount
	err := r.db.View(func(txn *badger.Txn) error {
		return scanDocument(txn, documentID, func(_ []byte, p *domain.PendingOp) error {
			switch {
			case p.Unsent():
				count.Pending++
			case p.Status == domain.StatusFailed:
				count.Failed++
			}
			return nil
		})
	})
	if err != nil {
		return domain.OutboxCount{}, fmt.Errorf("failed to count outbox: %w", err)
	}
	return count, nil
}

func (r *badgerOutbox) Documents(ctx context.Context) ([]string, error) {
	var documents []string
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(outboxDocPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		last := ""
		for it.Rewind(); it.Valid(); it.Next() {
			key := bytes.TrimPrefix(it.Item().Key(), []byte(outboxDocPrefix))
			sep := bytes.IndexByte(key, 0)
			if sep < 0 {
				continue
			}
			if doc := string(key[:sep]); doc != last {
				documents = append(documents, doc)
				last = doc
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox documents: %w", err)
	}
	return documents, nil
}

func (r *badgerOutbox) mark(ctx context.Context, opID string, to domain.OpStatus, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := r.db.Update(func(txn *badger.Txn) error {
		p, err := getPendingOp(txn, opID)
		if err != nil {
			return err
		}
		if err := transition(p, to, reason, r.now().UnixMilli()); err != nil {
			return err
		}
		return putPendingOp(txn, p)
	})
	if err != nil {
		return fmt.Errorf("failed to mark op %s %s: %w", opID, to, err)
	}
	return nil
}

func (r *badgerOutbox) list(ctx context.Context, documentID string, keep func(*domain.PendingOp) bool) ([]*domain.PendingOp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ops []*domain.PendingOp
	err := r.db.View(func(txn *badger.Txn) error {
		return scanDocument(txn, documentID, func(_ []byte, p *domain.PendingOp) error {
			if keep(p) {
				ops = append(ops, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox: %w", err)
	}
	return ops, nil
}

func (r *badgerOutbox) remove(ctx context.Context, documentID string, match func(*domain.PendingOp) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := r.db.Update(func(txn *badger.Txn) error {
		type victim struct {
			indexKey []byte
			opID     string
		}
		var victims []victim
		err := scanDocument(txn, documentID, func(indexKey []byte, p *domain.PendingOp) error {
			if match(p) {
				victims = append(victims, victim{indexKey: indexKey, opID: p.Op.OpID})
			}
			return nil
		})
		if err != nil {
			return err
		}

		for _, v := range victims {
			if err := txn.Delete(v.indexKey); err != nil {
				return err
			}
			if err := txn.Delete(outboxOpKey(v.opID)); err != nil {
				return err
			}
		}
		removed = len(victims)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove outbox records: %w", err)
	}
	return removed, nil
}

// scanDocument visits the outbox records of a document in creation order.
func scanDocument(txn *badger.Txn, documentID string, fn func(indexKey []byte, p *domain.PendingOp) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = outboxDocPrefixFor(documentID)
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		opID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		p, err := getPendingOp(txn, string(opID))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := fn(item.KeyCopy(nil), p); err != nil {
			return err
		}
	}
	return nil
}

func getPendingOp(txn *badger.Txn, opID string) (*domain.PendingOp, error) {
	item, err := txn.Get(outboxOpKey(opID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("op %s: %w", opID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var p domain.PendingOp
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to decode op %s: %w", opID, err)
	}
	return &p, nil
}

func putPendingOp(txn *badger.Txn, p *domain.PendingOp) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return txn.Set(outboxOpKey(p.Op.OpID), data)
}

func hasStatus(status domain.OpStatus) func(*domain.PendingOp) bool {
	return func(p *domain.PendingOp) bool {
		return p.Status == status
	}
}
