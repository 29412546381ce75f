package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"canvas-sync/internal/config"
	"canvas-sync/internal/domain"
	"canvas-sync/internal/repository"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type outboxRecord struct {
	OpID          string `yaml:"op_id"`
	Seq           string `yaml:"seq"`
	Type          string `yaml:"type"`
	ObjectID      string `yaml:"object_id"`
	Status        string `yaml:"status"`
	Attempts      int    `yaml:"attempts"`
	BaseRevision  int64  `yaml:"base_revision"`
	CreatedAt     int64  `yaml:"created_at"`
	FailureReason string `yaml:"failure_reason,omitempty"`
}

type outboxDocument struct {
	DocumentID string         `yaml:"document_id"`
	Records    []outboxRecord `yaml:"records"`
}

func withOutbox(cmd *cobra.Command, fn func(ctx context.Context, outbox repository.OutboxRepository) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level)

	st, err := openStore(cmd.Context(), cfg.Store, logger)
	if err != nil {
		return err
	}
	defer st.close()

	return fn(cmd.Context(), st.outbox)
}

func documentsOf(ctx context.Context, outbox repository.OutboxRepository) ([]string, error) {
	if documentFilter != "" {
		return []string{documentFilter}, nil
	}
	return outbox.Documents(ctx)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	return withOutbox(cmd, func(ctx context.Context, outbox repository.OutboxRepository) error {
		docs, err := collectOutbox(ctx, outbox, domain.OpStatus(statusFilter))
		if err != nil {
			return err
		}
		return writeYAML(cmd.OutOrStdout(), docs)
	})
}

func collectOutbox(ctx context.Context, outbox repository.OutboxRepository, status domain.OpStatus) ([]outboxDocument, error) {
	ids, err := documentsOf(ctx, outbox)
	if err != nil {
		return nil, err
	}

	var docs []outboxDocument
	for _, id := range ids {
		pending, err := outbox.GetPending(ctx, id)
		if err != nil {
			return nil, err
		}
		failed, err := outbox.GetFailed(ctx, id)
		if err != nil {
			return nil, err
		}

		doc := outboxDocument{DocumentID: id}
		for _, p := range append(pending, failed...) {
			if status != "" && p.Status != status {
				continue
			}
			doc.Records = append(doc.Records, toRecord(p))
		}
		sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].Seq < doc.Records[j].Seq })
		docs = append(docs, doc)
	}
	return docs, nil
}

func toRecord(p *domain.PendingOp) outboxRecord {
	r := outboxRecord{
		OpID:          p.Op.OpID,
		Seq:           p.Seq,
		Type:          string(p.Op.Type()),
		Status:        string(p.Status),
		Attempts:      p.Attempts,
		BaseRevision:  p.Op.BaseRevision,
		CreatedAt:     p.CreatedAt,
		FailureReason: p.FailureReason,
	}
	if p.Op.Payload != nil {
		r.ObjectID = p.Op.Payload.ObjectID()
	}
	return r
}

func runOutboxCount(cmd *cobra.Command, args []string) error {
	return withOutbox(cmd, func(ctx context.Context, outbox repository.OutboxRepository) error {
		ids, err := documentsOf(ctx, outbox)
		if err != nil {
			return err
		}

		counts := map[string]domain.OutboxCount{}
		for _, id := range ids {
			c, err := outbox.Count(ctx, id)
			if err != nil {
				return err
			}
			counts[id] = c
		}
		return writeYAML(cmd.OutOrStdout(), counts)
	})
}

func runOutboxClear(cmd *cobra.Command, args []string) error {
	return withOutbox(cmd, func(ctx context.Context, outbox repository.OutboxRepository) error {
		var n int
		var err error
		if clearFailed {
			n, err = outbox.ClearFailed(ctx, documentFilter)
		} else {
			n, err = outbox.ClearPending(ctx, documentFilter)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d records\n", n)
		return nil
	})
}

func writeYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode yaml: %w", err)
	}
	return enc.Close()
}
