package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canvas-sync/internal/domain"
	"canvas-sync/internal/metrics"
	"canvas-sync/internal/operation"
	"canvas-sync/internal/repository"
	"canvas-sync/internal/rpc"
)

type outcome int

const (
	outcomeAcked outcome = iota
	outcomeFailed
	outcomeRetry
	// outcomeSkipped means the record was discarded while in flight.
	outcomeSkipped
	// outcomeDiscarded means the session went away while in flight.
	outcomeDiscarded
)

func (e *Engine) flushLoop(s *session) {
	defer e.wg.Done()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		case <-timer.C:
		}

		retry, err := e.flush(s.ctx, s)
		if s.ctx.Err() != nil {
			return
		}
		if err != nil {
			e.logger.Error("flush failed", "document_id", s.documentID, "error", err)
			retry = true
		}
		if retry {
			delay := s.backoff.Next()
			e.logger.Debug("flush scheduled", "document_id", s.documentID, "in", delay)
			timer.Reset(delay)
		} else {
			s.backoff.Reset()
		}
	}
}

// Flush runs one flush cycle for a document now. It returns once every
// pending op reached an outcome for this attempt or a transient failure
// stopped the cycle.
func (e *Engine) Flush(ctx context.Context, documentID string) error {
	s, err := e.session(documentID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	_, err = e.flush(ctx, s)
	return err
}

// flush sends the pending ops of s in order, one at a time. It reports
// whether the cycle should be retried after a backoff.
func (e *Engine) flush(ctx context.Context, s *session) (bool, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	switch e.tracker.State(s.pendingCount()) {
	case domain.StateReadOnlyFailsafe, domain.StateOffline:
		return false, nil
	}

	s.mu.Lock()
	rebase := s.needsRebase
	s.mu.Unlock()
	if rebase {
		if err := e.rebase(ctx, s); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			e.logger.Warn("rebase failed", "document_id", s.documentID, "error", err)
			return true, nil
		}
	}

	records, err := e.outbox.GetPending(ctx, s.documentID)
	if err != nil {
		return false, fmt.Errorf("failed to read outbox: %w", err)
	}

	acked := 0
	retry := false
loop:
	for _, p := range records {
		if ctx.Err() != nil {
			return false, nil
		}
		result, err := e.submit(ctx, s, p)
		if err != nil {
			return false, err
		}
		switch result {
		case outcomeAcked:
			acked++
		case outcomeRetry:
			retry = true
			break loop
		case outcomeDiscarded:
			return false, nil
		}
	}

	if acked > 0 {
		if err := e.compact(ctx, s); err != nil {
			return retry, err
		}
	}

	s.mu.Lock()
	rebase = s.needsRebase
	s.mu.Unlock()
	if rebase && !retry {
		if err := e.rebase(ctx, s); err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			e.logger.Warn("rebase failed", "document_id", s.documentID, "error", err)
			retry = true
		}
	}
	e.refreshCounts(ctx, s)

	s.mu.Lock()
	e.events.publish(e.eventLocked(s, EventFlushed))
	s.mu.Unlock()
	return retry, nil
}

func (e *Engine) submit(ctx context.Context, s *session, p *domain.PendingOp) (outcome, error) {
	opID := p.Op.OpID
	if err := e.outbox.MarkAcking(ctx, opID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return 0, err
	}

	start := time.Now()
	result, err := e.remote.Submit(ctx, s.documentID, p.Op)
	metrics.ObserveSubmit(time.Since(start).Seconds())

	if ctx.Err() != nil {
		return outcomeDiscarded, nil
	}

	kind := rpc.KindOf(err)
	switch {
	case err == nil || kind == rpc.KindDuplicate:
		return e.acked(ctx, s, p, result, kind)

	case kind.Retryable():
		if err := e.outbox.MarkPending(ctx, opID); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return 0, err
		}
		e.tracker.RecordError()
		metrics.FlushOutcome(metrics.OutcomeRetry, string(kind))
		e.logger.Warn("submit failed, will retry",
			"document_id", s.documentID,
			"op_id", opID,
			"attempt", p.Attempts+1,
			"error", err,
		)
		return outcomeRetry, nil

	default:
		if err := e.outbox.MarkFailed(ctx, opID, err.Error()); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return 0, err
		}
		e.tracker.RecordError()
		metrics.FlushOutcome(metrics.OutcomeFailed, string(kind))
		failure := &OpFailedError{OpID: opID, Kind: string(kind), Reason: err.Error()}
		e.logger.Error("op rejected", "document_id", s.documentID, "op_id", opID, "kind", kind, "error", err)

		s.mu.Lock()
		s.counts.Pending--
		s.counts.Failed++
		ev := e.eventLocked(s, EventFailed)
		s.mu.Unlock()
		ev.OpID = opID
		ev.Error = failure.Error()
		e.events.publish(ev)
		return outcomeFailed, nil
	}
}

// acked records a successful submission: the op joins the server baseline
// and the newer revision is adopted.
func (e *Engine) acked(ctx context.Context, s *session, p *domain.PendingOp, result domain.SubmitResult, kind rpc.Kind) (outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return outcomeDiscarded, nil
	}

	if err := e.outbox.MarkAcked(ctx, p.Op.OpID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return outcomeSkipped, nil
		}
		return 0, err
	}

	s.base = operation.Apply(s.base, p.Op)
	if result.Revision > s.revision+1 {
		// The revisions in between belong to other clients and are not in
		// the baseline yet.
		e.logger.Info("ack skipped revisions",
			"document_id", s.documentID,
			"revision", s.revision,
			"ack_revision", result.Revision,
		)
		s.needsRebase = true
	}
	if result.Revision > s.revision {
		s.revision = result.Revision
	}
	if s.counts.Pending > 0 {
		s.counts.Pending--
	}

	label := metrics.OutcomeAcked
	if kind == rpc.KindDuplicate || !result.Applied {
		label = metrics.OutcomeDuplicate
	}
	metrics.FlushOutcome(label, "none")
	e.logger.Debug("op acked", "document_id", s.documentID, "op_id", p.Op.OpID, "revision", s.revision, "outcome", label)

	ev := e.eventLocked(s, EventAcked)
	ev.OpID = p.Op.OpID
	e.events.publish(ev)
	return outcomeAcked, nil
}

// compact drops acked records and replaces the cached snapshot with the
// current baseline.
func (e *Engine) compact(ctx context.Context, s *session) error {
	if _, err := e.outbox.RemoveAcked(ctx, s.documentID); err != nil {
		return fmt.Errorf("failed to remove acked ops: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return e.putSnapshotLocked(ctx, s)
}

func (e *Engine) putSnapshotLocked(ctx context.Context, s *session) error {
	err := e.snapshots.Put(ctx, &domain.CachedSnapshot{
		DocumentID:     s.documentID,
		Objects:        s.base.Clone(),
		ServerRevision: s.revision,
		Timestamp:      e.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to cache snapshot: %w", err)
	}
	return nil
}

// rebase replaces the baseline with a fresh snapshot and replays the local
// ops on top of it.
func (e *Engine) rebase(ctx context.Context, s *session) error {
	snap, err := e.remote.Snapshot(ctx, s.documentID)
	if err != nil {
		metrics.Rebase(false)
		if ctx.Err() == nil {
			e.tracker.RecordError()
		}
		return fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	if snap.Revision < s.revision {
		e.logger.Info("snapshot older than local baseline, keeping baseline",
			"document_id", s.documentID,
			"snapshot_revision", snap.Revision,
			"revision", s.revision,
		)
		s.needsRebase = false
		return nil
	}

	s.base = snap.Objects.Clone()
	s.revision = snap.Revision
	replayed, err := e.replayLocked(ctx, s)
	if err != nil {
		return err
	}
	s.needsRebase = false

	if err := e.putSnapshotLocked(ctx, s); err != nil {
		return err
	}

	metrics.Rebase(true)
	e.logger.Info("document rebased",
		"document_id", s.documentID,
		"revision", s.revision,
		"replayed", replayed,
	)
	e.events.publish(e.eventLocked(s, EventRebased))
	return nil
}

// ApplyRemote applies an op accepted by the service for another client.
// Ops of this client and ops already covered by the baseline are ignored.
// A revision gap schedules a rebase.
func (e *Engine) ApplyRemote(ctx context.Context, remote domain.RemoteOperation) error {
	if remote.Operation.ClientID == e.builder.ClientID() {
		return nil
	}
	if remote.Operation.Payload == nil {
		return fmt.Errorf("remote op %s has no payload", remote.Operation.OpID)
	}
	s, err := e.session(remote.DocumentID)
	if err != nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || remote.Revision <= s.revision {
		return nil
	}

	if remote.Revision != s.revision+1 {
		e.logger.Info("revision gap on realtime channel",
			"document_id", s.documentID,
			"revision", s.revision,
			"remote_revision", remote.Revision,
		)
		s.needsRebase = true
		s.notify()
	}

	s.base = operation.Apply(s.base, remote.Operation)
	s.revision = remote.Revision
	if _, err := e.replayLocked(ctx, s); err != nil {
		return err
	}

	if err := e.putSnapshotLocked(ctx, s); err != nil {
		return err
	}

	metrics.RemoteOpApplied()
	e.events.publish(e.eventLocked(s, EventChanged))
	return nil
}

// replayLocked recomputes state as base with the retained and outbox ops of s
// applied in creation order. It returns the number of outbox ops replayed.
// s.mu must be held.
func (e *Engine) replayLocked(ctx context.Context, s *session) (int, error) {
	records, err := e.localOps(ctx, s.documentID)
	if err != nil {
		return 0, err
	}
	s.state = operation.ApplyAll(s.base, operationsOf(mergeBySeq(s.retained, records)))
	return len(records), nil
}
