package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"canvas-sync/internal/domain"

	"github.com/dgraph-io/badger/v4"
)

const snapshotPrefix = "snapshot/"

type badgerSnapshots struct {
	db *badger.DB
}

func NewBadgerSnapshotRepository(db *badger.DB) SnapshotRepository {
	return &badgerSnapshots{db: db}
}

func (r *badgerSnapshots) Get(ctx context.Context, documentID string) (*domain.CachedSnapshot, error) {
	var snap domain.CachedSnapshot
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(snapshotPrefix + documentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("snapshot %s: %w", documentID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &snap)
		})
	})
	if err != nil {
		return nil, err
	}
	if snap.Objects == nil {
		snap.Objects = domain.ObjectMap{}
	}
	return &snap, nil
}

func (r *badgerSnapshots) Put(ctx context.Context, snapshot *domain.CachedSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	err = r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(snapshotPrefix+snapshot.DocumentID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to store snapshot %s: %w", snapshot.DocumentID, err)
	}
	return nil
}

func (r *badgerSnapshots) Delete(ctx context.Context, documentID string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(snapshotPrefix + documentID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", documentID, err)
	}
	return nil
}
