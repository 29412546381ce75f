package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/domain"
	"canvas-sync/internal/history"
	"canvas-sync/internal/metrics"
	"canvas-sync/internal/operation"
	"canvas-sync/internal/repository"
	"canvas-sync/internal/rpc"
)

type EngineConfig struct {
	BackoffMin        time.Duration
	BackoffMax        time.Duration
	MonitorInterval   time.Duration
	HistoryMaxEntries int
	// ManualFlush disables the per-document flush goroutine. Ops are then
	// only sent by Flush.
	ManualFlush bool
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BackoffMin:        time.Second,
		BackoffMax:        30 * time.Second,
		MonitorInterval:   time.Second,
		HistoryMaxEntries: history.DefaultMaxEntries,
	}
}

// Engine is the sync engine. It owns one session per open document, applies
// local mutations optimistically, persists them to the outbox and flushes
// them to the document service.
type Engine struct {
	outbox    repository.OutboxRepository
	snapshots repository.SnapshotRepository
	remote    rpc.Service
	builder   *operation.Builder
	tracker   *connectivity.Tracker
	cfg       EngineConfig
	logger    *slog.Logger
	events    *broker
	now       func() time.Time

	mu        sync.Mutex
	sessions  map[string]*session
	lastState domain.ConnectivityState
	wg        sync.WaitGroup
}

func NewEngine(
	outbox repository.OutboxRepository,
	snapshots repository.SnapshotRepository,
	remote rpc.Service,
	builder *operation.Builder,
	tracker *connectivity.Tracker,
	cfg EngineConfig,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	return &Engine{
		outbox:    outbox,
		snapshots: snapshots,
		remote:    remote,
		builder:   builder,
		tracker:   tracker,
		cfg:       cfg,
		logger:    logger,
		events:    newBroker(),
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
}

type DocumentView struct {
	DocumentID        string                   `json:"document_id"`
	Objects           domain.ObjectMap         `json:"objects"`
	Revision          int64                    `json:"revision"`
	State             domain.ConnectivityState `json:"state"`
	Outbox            domain.OutboxCount       `json:"outbox"`
	CanUndo           bool                     `json:"can_undo"`
	CanRedo           bool                     `json:"can_redo"`
	HasUnsavedChanges bool                     `json:"has_unsaved_changes"`
}

type HistoryView struct {
	Past              []domain.HistoryEntry `json:"past"`
	Future            []domain.HistoryEntry `json:"future"`
	Checkpoints       []history.Checkpoint  `json:"checkpoints"`
	LastCheckpoint    int                   `json:"last_checkpoint"`
	HasUnsavedChanges bool                  `json:"has_unsaved_changes"`
}

type OutboxView struct {
	Count   domain.OutboxCount  `json:"count"`
	Pending []*domain.PendingOp `json:"pending"`
	Failed  []*domain.PendingOp `json:"failed"`
}

// Subscribe returns a channel of engine events and a function that cancels
// the subscription.
func (e *Engine) Subscribe(buffer int) (<-chan Event, func()) {
	return e.events.subscribe(buffer)
}

// Open loads a document from the snapshot cache and the outbox and starts its
// flush loop. Opening an open document returns its current view.
func (e *Engine) Open(ctx context.Context, documentID string) (*DocumentView, error) {
	if s, err := e.session(documentID); err == nil {
		return e.view(s), nil
	}

	s, err := e.load(ctx, documentID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if existing, ok := e.sessions[documentID]; ok {
		e.mu.Unlock()
		s.cancel()
		return e.view(existing), nil
	}
	e.sessions[documentID] = s
	if !e.cfg.ManualFlush {
		e.wg.Add(1)
		go e.flushLoop(s)
	}
	e.mu.Unlock()

	metrics.SetOutbox(documentID, s.counts)
	s.notify()
	return e.view(s), nil
}

func (e *Engine) load(ctx context.Context, documentID string) (*session, error) {
	base := domain.ObjectMap{}
	var revision int64

	cached, err := e.snapshots.Get(ctx, documentID)
	switch {
	case err == nil:
		base = cached.Objects
		revision = cached.ServerRevision
	case errors.Is(err, repository.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to load snapshot of %s: %w", documentID, err)
	}

	records, err := e.localOps(ctx, documentID)
	if err != nil {
		return nil, err
	}
	counts, err := e.outbox.Count(ctx, documentID)
	if err != nil {
		return nil, err
	}

	recovered := 0
	for _, p := range records {
		if p.Status == domain.StatusAcking {
			recovered++
		}
	}

	state := operation.ApplyAll(base, operationsOf(records))
	h := history.New(e.cfg.HistoryMaxEntries)
	h.Reset(state)

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		documentID:  documentID,
		ctx:         sessionCtx,
		cancel:      cancel,
		kick:        make(chan struct{}, 1),
		backoff:     connectivity.NewBackoff(e.cfg.BackoffMin, e.cfg.BackoffMax),
		base:        base,
		state:       state,
		revision:    revision,
		history:     h,
		counts:      counts,
		needsRebase: true,
	}

	e.logger.Info("document opened",
		"document_id", documentID,
		"revision", revision,
		"objects", len(state),
		"pending", counts.Pending,
		"failed", counts.Failed,
		"recovered_in_flight", recovered,
	)
	return s, nil
}

// Close tears the session down. A request in flight may still complete but
// its outcome is not written back.
func (e *Engine) Close(documentID string) error {
	e.mu.Lock()
	s, ok := e.sessions[documentID]
	delete(e.sessions, documentID)
	e.mu.Unlock()
	if !ok {
		return ErrDocumentNotOpen
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	metrics.ForgetDocument(documentID)
	e.logger.Info("document closed", "document_id", documentID)
	return nil
}

// Shutdown closes every session and waits for the flush loops to exit.
func (e *Engine) Shutdown() {
	for _, s := range e.openSessions() {
		e.Close(s.documentID)
	}
	e.wg.Wait()
}

func (e *Engine) Documents() []string {
	sessions := e.openSessions()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.documentID
	}
	return ids
}

func (e *Engine) Document(documentID string) (*DocumentView, error) {
	s, err := e.session(documentID)
	if err != nil {
		return nil, err
	}
	return e.view(s), nil
}

func (e *Engine) Objects(documentID string) (domain.ObjectMap, error) {
	s, err := e.session(documentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone(), nil
}

// Apply builds an op from payload, persists it and applies it to the local
// state. The history entry is recorded only in history.Recording mode.
func (e *Engine) Apply(ctx context.Context, documentID string, payload domain.Payload, mode history.Mode) (domain.Operation, error) {
	if e.readOnly() {
		return domain.Operation{}, ErrReadOnly
	}
	s, err := e.session(documentID)
	if err != nil {
		return domain.Operation{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := e.builder.Build(documentID, s.revision, payload)
	if err != nil {
		return domain.Operation{}, err
	}

	entry, record := history.EntryFor(s.state, op)
	if err := e.enqueue(ctx, s, op, mode.String()); err != nil {
		return domain.Operation{}, err
	}
	if record {
		s.history.Record(entry, mode)
	}

	e.events.publish(e.eventLocked(s, EventChanged))
	s.notify()
	return op, nil
}

func (e *Engine) Create(ctx context.Context, documentID string, obj domain.DocumentObject) (domain.Operation, error) {
	return e.Apply(ctx, documentID, domain.CreatePayload{Object: obj}, history.Recording)
}

func (e *Engine) Update(ctx context.Context, documentID, objectID string, patch domain.ObjectPatch) (domain.Operation, error) {
	return e.Apply(ctx, documentID, domain.UpdatePayload{ID: objectID, Patch: patch}, history.Recording)
}

func (e *Engine) Delete(ctx context.Context, documentID, objectID string) (domain.Operation, error) {
	return e.Apply(ctx, documentID, domain.DeletePayload{ID: objectID}, history.Recording)
}

// Undo applies the inverse of the last recorded entry. It reports false when
// there is nothing to undo.
func (e *Engine) Undo(ctx context.Context, documentID string) (bool, error) {
	return e.step(ctx, documentID, history.ApplyingUndo)
}

// Redo re-applies the most recently undone entry. It reports false when there
// is nothing to redo.
func (e *Engine) Redo(ctx context.Context, documentID string) (bool, error) {
	return e.step(ctx, documentID, history.ApplyingRedo)
}

func (e *Engine) step(ctx context.Context, documentID string, mode history.Mode) (bool, error) {
	if e.readOnly() {
		return false, ErrReadOnly
	}
	s, err := e.session(documentID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		entry domain.HistoryEntry
		ok    bool
	)
	if mode == history.ApplyingUndo {
		entry, ok = s.history.NextUndo()
	} else {
		entry, ok = s.history.NextRedo()
	}
	if !ok {
		return false, nil
	}

	change := entry.Forward
	if mode == history.ApplyingUndo {
		change = entry.Inverse
	}

	ops, err := e.opsForChange(s, change)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if err := e.enqueue(ctx, s, op, mode.String()); err != nil {
			return false, err
		}
	}

	if mode == history.ApplyingUndo {
		s.history.Undo()
	} else {
		s.history.Redo()
	}

	e.events.publish(e.eventLocked(s, EventChanged))
	s.notify()
	return true, nil
}

// Restore brings the document back to the state after history entry index
// (-1 is the state the document was opened with). The change is sent as
// regular ops and recorded as one restore entry.
func (e *Engine) Restore(ctx context.Context, documentID string, index int) (bool, error) {
	if e.readOnly() {
		return false, ErrReadOnly
	}
	s, err := e.session(documentID)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if index < -1 || index >= s.history.Len() {
		return false, fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}

	target := s.history.StateAt(index)
	current := s.state.Clone()

	ops, err := e.opsForChange(s, domain.Change{Objects: target})
	if err != nil {
		return false, err
	}
	if len(ops) == 0 {
		return false, nil
	}
	for _, op := range ops {
		if err := e.enqueue(ctx, s, op, "restore"); err != nil {
			return false, err
		}
	}
	s.history.Record(history.RestoreEntry(current, s.state, e.now().UnixMilli()), history.Recording)

	e.events.publish(e.eventLocked(s, EventChanged))
	s.notify()
	return true, nil
}

// Save flushes the outbox, records a checkpoint with the service and marks
// the current history position as saved.
func (e *Engine) Save(ctx context.Context, documentID string) (history.Checkpoint, error) {
	if e.readOnly() {
		return history.Checkpoint{}, ErrReadOnly
	}
	s, err := e.session(documentID)
	if err != nil {
		return history.Checkpoint{}, err
	}

	if err := e.Flush(ctx, documentID); err != nil {
		return history.Checkpoint{}, err
	}

	result, err := e.remote.Checkpoint(ctx, documentID)
	if err != nil {
		return history.Checkpoint{}, fmt.Errorf("failed to record checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.history.MarkCheckpoint(result.Revision)

	e.logger.Info("document saved", "document_id", documentID, "revision", result.Revision, "index", cp.Index)
	ev := e.eventLocked(s, EventSaved)
	ev.Revision = result.Revision
	e.events.publish(ev)
	return cp, nil
}

func (e *Engine) History(documentID string) (*HistoryView, error) {
	s, err := e.session(documentID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return &HistoryView{
		Past:              s.history.Past(),
		Future:            s.history.Future(),
		Checkpoints:       s.history.Checkpoints(),
		LastCheckpoint:    s.history.LastCheckpointIndex(),
		HasUnsavedChanges: s.history.HasUnsavedChanges(),
	}, nil
}

func (e *Engine) RemoteHistory(ctx context.Context, documentID string) (*domain.RemoteHistory, error) {
	return e.remote.History(ctx, documentID)
}

func (e *Engine) Outbox(ctx context.Context, documentID string) (*OutboxView, error) {
	pending, err := e.outbox.GetPending(ctx, documentID)
	if err != nil {
		return nil, err
	}
	failed, err := e.outbox.GetFailed(ctx, documentID)
	if err != nil {
		return nil, err
	}
	count, err := e.outbox.Count(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return &OutboxView{Count: count, Pending: pending, Failed: failed}, nil
}

// RetryFailed moves the failed ops of a document back to pending.
func (e *Engine) RetryFailed(ctx context.Context, documentID string) (int, error) {
	failed, err := e.outbox.GetFailed(ctx, documentID)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, p := range failed {
		if err := e.outbox.MarkPending(ctx, p.Op.OpID); err != nil {
			return retried, fmt.Errorf("failed to retry op %s: %w", p.Op.OpID, err)
		}
		retried++
	}

	e.resync(ctx, documentID)
	return retried, nil
}

// DiscardFailed drops the failed ops of a document. Their effects stay in the
// view of the open session and are gone once it is reopened.
func (e *Engine) DiscardFailed(ctx context.Context, documentID string) (int, error) {
	return e.discard(ctx, documentID, e.outbox.GetFailed, e.outbox.ClearFailed)
}

// DiscardPending drops the unsent ops of a document. Their effects are kept
// the same way as for DiscardFailed.
func (e *Engine) DiscardPending(ctx context.Context, documentID string) (int, error) {
	return e.discard(ctx, documentID, e.outbox.GetPending, e.outbox.ClearPending)
}

func (e *Engine) discard(
	ctx context.Context,
	documentID string,
	list func(context.Context, string) ([]*domain.PendingOp, error),
	remove func(context.Context, string) (int, error),
) (int, error) {
	s, err := e.session(documentID)
	if err != nil {
		return remove(ctx, documentID)
	}

	s.mu.Lock()
	records, err := list(ctx, documentID)
	if err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("failed to read outbox: %w", err)
	}
	n, err := remove(ctx, documentID)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.retained = mergeBySeq(s.retained, records)
	s.mu.Unlock()

	e.resync(ctx, documentID)
	return n, nil
}

func (e *Engine) resync(ctx context.Context, documentID string) {
	s, err := e.session(documentID)
	if err != nil {
		return
	}
	e.refreshCounts(ctx, s)
	s.notify()
}

// enqueue persists op and applies it to the local state. s.mu must be held.
// The local state only changes once the op is durable.
func (e *Engine) enqueue(ctx context.Context, s *session, op domain.Operation, origin string) error {
	if _, err := e.outbox.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("failed to persist op: %w", err)
	}
	s.state = operation.Apply(s.state, op)
	s.counts.Pending++
	metrics.OpEnqueued(origin)
	metrics.SetOutbox(s.documentID, s.counts)
	return nil
}

// opsForChange turns one direction of a history entry into ops. Ops are
// stamped with the timestamps the change carries so that applying them
// reproduces the recorded objects exactly.
func (e *Engine) opsForChange(s *session, change domain.Change) ([]domain.Operation, error) {
	nowMs := e.now().UnixMilli()

	if change.Payload != nil {
		stamp := change.Stamp
		if stamp <= 0 {
			stamp = nowMs
		}
		op, err := e.builder.BuildAt(s.documentID, s.revision, change.Payload, stamp)
		if err != nil {
			return nil, err
		}
		return []domain.Operation{op}, nil
	}

	target := change.Objects
	var ops []domain.Operation
	for _, payload := range operation.Diff(s.state, target) {
		stamp := nowMs
		if obj, ok := target[payload.ObjectID()]; ok && obj.UpdatedAt > 0 {
			stamp = obj.UpdatedAt
		}
		op, err := e.builder.BuildAt(s.documentID, s.revision, payload, stamp)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// localOps returns the pending and failed records of a document in creation
// order. Failed ops stay applied to the local view until discarded.
func (e *Engine) localOps(ctx context.Context, documentID string) ([]*domain.PendingOp, error) {
	pending, err := e.outbox.GetPending(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	failed, err := e.outbox.GetFailed(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to read outbox: %w", err)
	}
	return mergeBySeq(pending, failed), nil
}

func (e *Engine) refreshCounts(ctx context.Context, s *session) {
	counts, err := e.outbox.Count(ctx, s.documentID)
	if err != nil {
		e.logger.Warn("failed to count outbox", "document_id", s.documentID, "error", err)
		return
	}
	s.mu.Lock()
	s.counts = counts
	s.mu.Unlock()
	metrics.SetOutbox(s.documentID, counts)
}

func (e *Engine) session(documentID string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[documentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentNotOpen, documentID)
	}
	return s, nil
}

func (e *Engine) openSessions() []*session {
	e.mu.Lock()
	defer e.mu.Unlock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (e *Engine) readOnly() bool {
	return e.tracker.State(0) == domain.StateReadOnlyFailsafe
}

func (e *Engine) view(s *session) *DocumentView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &DocumentView{
		DocumentID:        s.documentID,
		Objects:           s.state.Clone(),
		Revision:          s.revision,
		State:             e.tracker.State(s.counts.Pending),
		Outbox:            s.counts,
		CanUndo:           s.history.CanUndo(),
		CanRedo:           s.history.CanRedo(),
		HasUnsavedChanges: s.history.HasUnsavedChanges(),
	}
}

// eventLocked builds an event for s. s.mu must be held.
func (e *Engine) eventLocked(s *session, kind EventKind) Event {
	return Event{
		DocumentID: s.documentID,
		Kind:       kind,
		State:      e.tracker.State(s.counts.Pending),
		Revision:   s.revision,
		Outbox:     s.counts,
	}
}
