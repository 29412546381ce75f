package main

import (
	"context"
	"fmt"
	"log/slog"

	"canvas-sync/internal/config"
	"canvas-sync/internal/repository"
	"canvas-sync/internal/storage"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
)

type store struct {
	outbox    repository.OutboxRepository
	snapshots repository.SnapshotRepository

	// db and gc are set for the badger backend only.
	db *badger.DB
	gc storage.Config

	close func() error
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger) (*store, error) {
	switch cfg.Backend {
	case config.BackendCouch:
		return openCouch(ctx, cfg.Couch, logger)
	default:
		return openBadger(cfg, logger)
	}
}

func openBadger(cfg config.StoreConfig, logger *slog.Logger) (*store, error) {
	bcfg := storage.DefaultConfig(cfg.Path)
	bcfg.InMemory = cfg.InMemory
	bcfg.SyncWrites = cfg.SyncWrites
	bcfg.GCInterval = cfg.GCInterval
	bcfg.Logger = logger.With("component", "badger")

	db, err := storage.Open(bcfg)
	if err != nil {
		return nil, err
	}
	logger.Info("opened badger store", "path", cfg.Path, "in_memory", cfg.InMemory)

	return &store{
		outbox:    repository.NewBadgerOutboxRepository(db),
		snapshots: repository.NewBadgerSnapshotRepository(db),
		db:        db,
		gc:        bcfg,
		close:     db.Close,
	}, nil
}

func openCouch(ctx context.Context, cfg config.CouchConfig, logger *slog.Logger) (*store, error) {
	client, err := kivik.New("couch", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}
	if !exists {
		if err := client.CreateDB(ctx, cfg.Name); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("created couch database", "name", cfg.Name)
	}
	if err := repository.CreateCouchOutboxIndex(ctx, client.DB(cfg.Name)); err != nil {
		return nil, err
	}
	logger.Info("connected to couchdb", "host", cfg.Host, "port", cfg.Port, "db", cfg.Name)

	return &store{
		outbox:    repository.NewCouchOutboxRepository(client, cfg.Name),
		snapshots: repository.NewCouchSnapshotRepository(client, cfg.Name),
		close:     client.Close,
	}, nil
}
