package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/domain"
	"canvas-sync/internal/operation"
	"canvas-sync/internal/repository"
	"canvas-sync/internal/rpc"
	"canvas-sync/internal/storage"
)

type mockRemote struct {
	mu          sync.Mutex
	objects     domain.ObjectMap
	revision    int64
	seen        map[string]bool
	submitted   []domain.Operation
	submitErrs  []error
	snapshotErr error
	checkpoints int

	entered chan struct{}
	release chan struct{}
}

func newMockRemote() *mockRemote {
	return &mockRemote{
		objects: domain.ObjectMap{},
		seen:    make(map[string]bool),
	}
}

func (m *mockRemote) Submit(ctx context.Context, documentID string, op domain.Operation) (domain.SubmitResult, error) {
	if m.release != nil {
		m.entered <- struct{}{}
		<-m.release
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, op)

	if len(m.submitErrs) > 0 {
		err := m.submitErrs[0]
		m.submitErrs = m.submitErrs[1:]
		if err != nil {
			return domain.SubmitResult{}, err
		}
	}

	if m.seen[op.OpID] {
		return domain.SubmitResult{Applied: false, Revision: m.revision}, nil
	}
	m.seen[op.OpID] = true
	m.revision++
	m.objects = operation.Apply(m.objects, op)
	return domain.SubmitResult{Applied: true, Revision: m.revision}, nil
}

func (m *mockRemote) Snapshot(ctx context.Context, documentID string) (*domain.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}
	return &domain.Snapshot{Objects: m.objects.Clone(), Revision: m.revision, Timestamp: time.Now().UnixMilli()}, nil
}

func (m *mockRemote) Checkpoint(ctx context.Context, documentID string) (domain.CheckpointResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints++
	return domain.CheckpointResult{Revision: m.revision}, nil
}

func (m *mockRemote) History(ctx context.Context, documentID string) (*domain.RemoteHistory, error) {
	return &domain.RemoteHistory{}, nil
}

func (m *mockRemote) submittedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, len(m.submitted))
	for i, op := range m.submitted {
		ids[i] = op.OpID
	}
	return ids
}

type failingOutbox struct {
	repository.OutboxRepository
	err error
}

func (f *failingOutbox) Enqueue(ctx context.Context, op domain.Operation) (*domain.PendingOp, error) {
	return nil, f.err
}

type testEngine struct {
	*Engine
	outbox    repository.OutboxRepository
	snapshots repository.SnapshotRepository
	remote    *mockRemote
	tracker   *connectivity.Tracker
}

func newTestEngine(t *testing.T, remote *mockRemote) *testEngine {
	t.Helper()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}

	outbox := repository.NewBadgerOutboxRepository(db)
	snapshots := repository.NewBadgerSnapshotRepository(db)
	tracker := connectivity.NewTracker(connectivity.DefaultThresholds())
	tracker.SetRemoteConnected(true)

	cfg := DefaultEngineConfig()
	cfg.ManualFlush = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	engine := NewEngine(outbox, snapshots, remote, operation.NewBuilder("client-1"), tracker, cfg, logger)
	t.Cleanup(func() {
		engine.Shutdown()
		db.Close()
	})
	return &testEngine{Engine: engine, outbox: outbox, snapshots: snapshots, remote: remote, tracker: tracker}
}

func sticky(id string) domain.DocumentObject {
	return domain.DocumentObject{
		ID:     id,
		Type:   domain.ObjectTypeSticky,
		X:      10,
		Y:      20,
		Width:  100,
		Height: 80,
		Color:  "#fef08a",
		Text:   "Hello",
	}
}

func ptr[T any](v T) *T { return &v }

func mustOpen(t *testing.T, e *testEngine, documentID string) {
	t.Helper()
	if _, err := e.Open(context.Background(), documentID); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
}

func mustFlush(t *testing.T, e *testEngine, documentID string) {
	t.Helper()
	if err := e.Flush(context.Background(), documentID); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
}

func mustCount(t *testing.T, e *testEngine, documentID string) domain.OutboxCount {
	t.Helper()
	count, err := e.outbox.Count(context.Background(), documentID)
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	return count
}

func TestEngine_CreateIsOptimisticThenFlushed(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	if _, err := e.Create(ctx, "doc-1", sticky("obj-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	objects, _ := e.Objects("doc-1")
	if len(objects) != 1 || objects["obj-1"].X != 10 || objects["obj-1"].Text != "Hello" {
		t.Fatalf("Objects() = %+v", objects)
	}
	if got := mustCount(t, e, "doc-1"); got.Pending != 1 {
		t.Fatalf("pending = %d, want 1", got.Pending)
	}

	mustFlush(t, e, "doc-1")

	if got := mustCount(t, e, "doc-1"); got != (domain.OutboxCount{}) {
		t.Errorf("outbox after flush = %+v, want empty", got)
	}
	view, _ := e.Document("doc-1")
	if view.Revision != 1 || view.State != domain.StateOnlineSynced {
		t.Errorf("view = revision %d state %s", view.Revision, view.State)
	}

	cached, err := e.snapshots.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("snapshot Get() error = %v", err)
	}
	if cached.ServerRevision != 1 || cached.Objects["obj-1"].Text != "Hello" {
		t.Errorf("cached snapshot = %+v", cached)
	}
}

func TestEngine_FlushPreservesOrder(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	var want []string
	record := func(op domain.Operation, err error) {
		if err != nil {
			t.Fatalf("mutation error = %v", err)
		}
		want = append(want, op.OpID)
	}
	record(e.Create(ctx, "doc-1", sticky("obj-1")))
	record(e.Update(ctx, "doc-1", "obj-1", domain.ObjectPatch{X: ptr(50.0), Text: ptr("Updated")}))
	record(e.Create(ctx, "doc-1", sticky("obj-2")))
	record(e.Delete(ctx, "doc-1", "obj-2"))

	mustFlush(t, e, "doc-1")

	if got := e.remote.submittedIDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("submitted %v, want %v", got, want)
	}
	objects, _ := e.Objects("doc-1")
	if objects["obj-1"].X != 50 || objects["obj-1"].Text != "Updated" || objects["obj-1"].Y != 20 {
		t.Errorf("obj-1 = %+v", objects["obj-1"])
	}
	if !reflect.DeepEqual(e.remote.objects, objects) {
		t.Errorf("server state %+v differs from local %+v", e.remote.objects, objects)
	}
}

func TestEngine_TransientFailureStopsCycleAndKeepsPending(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	e := newTestEngine(t, remote)
	mustOpen(t, e, "doc-1")

	e.Create(ctx, "doc-1", sticky("obj-1"))
	e.Create(ctx, "doc-1", sticky("obj-2"))

	remote.submitErrs = []error{&rpc.Error{Kind: rpc.KindTransient, Status: 503, Message: "unavailable"}}
	mustFlush(t, e, "doc-1")

	if got := len(remote.submittedIDs()); got != 1 {
		t.Fatalf("submitted %d ops, want 1", got)
	}
	if got := mustCount(t, e, "doc-1"); got.Pending != 2 || got.Failed != 0 {
		t.Fatalf("outbox = %+v, want 2 pending", got)
	}
	pending, _ := e.outbox.GetPending(ctx, "doc-1")
	if pending[0].Status != domain.StatusPending || pending[0].Attempts != 1 {
		t.Errorf("first op = %+v", pending[0])
	}

	mustFlush(t, e, "doc-1")
	if got := mustCount(t, e, "doc-1"); got != (domain.OutboxCount{}) {
		t.Errorf("outbox after retry = %+v, want empty", got)
	}
}

func TestEngine_FatalFailureMarksFailedAndContinues(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	e := newTestEngine(t, remote)
	mustOpen(t, e, "doc-1")

	events, cancel := e.Subscribe(16)
	defer cancel()

	rejected, _ := e.Create(ctx, "doc-1", sticky("obj-1"))
	e.Create(ctx, "doc-1", sticky("obj-2"))

	remote.submitErrs = []error{&rpc.Error{Kind: rpc.KindValidation, Status: 400, Message: "width too large"}}
	mustFlush(t, e, "doc-1")

	if got := mustCount(t, e, "doc-1"); got.Pending != 0 || got.Failed != 1 {
		t.Fatalf("outbox = %+v, want 1 failed", got)
	}
	failed, _ := e.outbox.GetFailed(ctx, "doc-1")
	if failed[0].Op.OpID != rejected.OpID || failed[0].FailureReason == "" {
		t.Errorf("failed op = %+v", failed[0])
	}

	objects, _ := e.Objects("doc-1")
	if _, ok := objects["obj-1"]; !ok {
		t.Error("rejected op was rolled back from the local state")
	}

	sawFailure := false
	for len(events) > 0 {
		ev := <-events
		if ev.Kind == EventFailed && ev.OpID == rejected.OpID {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("expected a failed event")
	}

	n, err := e.RetryFailed(ctx, "doc-1")
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed() = %d, %v", n, err)
	}
	mustFlush(t, e, "doc-1")
	if got := mustCount(t, e, "doc-1"); got != (domain.OutboxCount{}) {
		t.Errorf("outbox after retry = %+v, want empty", got)
	}
}

func TestEngine_DuplicateIsSuccess(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	e := newTestEngine(t, remote)
	mustOpen(t, e, "doc-1")

	e.Create(ctx, "doc-1", sticky("obj-1"))
	remote.submitErrs = []error{&rpc.Error{Kind: rpc.KindDuplicate, Status: 409}}
	mustFlush(t, e, "doc-1")

	if got := mustCount(t, e, "doc-1"); got != (domain.OutboxCount{}) {
		t.Errorf("outbox = %+v, want empty", got)
	}
}

func TestEngine_InvalidPayloadNeverEnqueued(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	obj := sticky("obj-1")
	obj.Type = "hexagon"
	_, err := e.Create(ctx, "doc-1", obj)

	var validationErr *operation.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("Create() error = %v, want ValidationError", err)
	}
	if got := mustCount(t, e, "doc-1"); got != (domain.OutboxCount{}) {
		t.Errorf("outbox = %+v, want empty", got)
	}
}

func TestEngine_EnqueueFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	e.Engine.outbox = &failingOutbox{OutboxRepository: e.outbox, err: errors.New("disk full")}
	mustOpen(t, e, "doc-1")

	if _, err := e.Create(ctx, "doc-1", sticky("obj-1")); err == nil {
		t.Fatal("Create() error = nil")
	}
	objects, _ := e.Objects("doc-1")
	if len(objects) != 0 {
		t.Errorf("Objects() = %+v, want empty", objects)
	}
	if view, _ := e.Document("doc-1"); view.CanUndo {
		t.Error("failed mutation was recorded in history")
	}
}

func TestEngine_UndoRedo(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	e.Create(ctx, "doc-1", sticky("obj-1"))
	afterCreate, _ := e.Objects("doc-1")
	e.Update(ctx, "doc-1", "obj-1", domain.ObjectPatch{Text: ptr("Updated"), Data: map[string]any{"votes": 2}})
	afterUpdate, _ := e.Objects("doc-1")

	ok, err := e.Undo(ctx, "doc-1")
	if err != nil || !ok {
		t.Fatalf("Undo() = %v, %v", ok, err)
	}
	if got, _ := e.Objects("doc-1"); !reflect.DeepEqual(got, afterCreate) {
		t.Fatalf("after undo = %+v, want %+v", got, afterCreate)
	}

	ok, err = e.Redo(ctx, "doc-1")
	if err != nil || !ok {
		t.Fatalf("Redo() = %v, %v", ok, err)
	}
	if got, _ := e.Objects("doc-1"); !reflect.DeepEqual(got, afterUpdate) {
		t.Fatalf("after redo = %+v, want %+v", got, afterUpdate)
	}

	// Undo and redo are synced like any other mutation.
	if got := mustCount(t, e, "doc-1"); got.Pending != 4 {
		t.Errorf("pending = %d, want 4", got.Pending)
	}
	hist, _ := e.History("doc-1")
	if len(hist.Past) != 2 || len(hist.Future) != 0 {
		t.Errorf("history = %d past, %d future", len(hist.Past), len(hist.Future))
	}

	e.Undo(ctx, "doc-1")
	e.Create(ctx, "doc-1", sticky("obj-2"))
	if ok, _ := e.Redo(ctx, "doc-1"); ok {
		t.Error("redo should not be possible after a new mutation")
	}

	mustFlush(t, e, "doc-1")
	local, _ := e.Objects("doc-1")
	if !reflect.DeepEqual(e.remote.objects, local) {
		t.Errorf("server state %+v differs from local %+v", e.remote.objects, local)
	}
}

func TestEngine_UndoOnEmptyHistory(t *testing.T) {
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	if ok, err := e.Undo(context.Background(), "doc-1"); ok || err != nil {
		t.Errorf("Undo() = %v, %v; want false, nil", ok, err)
	}
	if ok, err := e.Redo(context.Background(), "doc-1"); ok || err != nil {
		t.Errorf("Redo() = %v, %v; want false, nil", ok, err)
	}
}

func TestEngine_Restore(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	e.Create(ctx, "doc-1", sticky("a"))
	afterFirst, _ := e.Objects("doc-1")
	e.Create(ctx, "doc-1", sticky("b"))
	e.Update(ctx, "doc-1", "a", domain.ObjectPatch{X: ptr(99.0)})
	beforeRestore, _ := e.Objects("doc-1")

	ok, err := e.Restore(ctx, "doc-1", 0)
	if err != nil || !ok {
		t.Fatalf("Restore() = %v, %v", ok, err)
	}
	if got, _ := e.Objects("doc-1"); !reflect.DeepEqual(got, afterFirst) {
		t.Fatalf("after restore = %+v, want %+v", got, afterFirst)
	}

	hist, _ := e.History("doc-1")
	if got := hist.Past[len(hist.Past)-1].OpType; got != domain.HistoryRestore {
		t.Errorf("last entry = %s, want restore", got)
	}

	e.Undo(ctx, "doc-1")
	if got, _ := e.Objects("doc-1"); !reflect.DeepEqual(got, beforeRestore) {
		t.Errorf("after undoing restore = %+v, want %+v", got, beforeRestore)
	}

	if _, err := e.Restore(ctx, "doc-1", 42); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("Restore(42) error = %v, want ErrInvalidIndex", err)
	}
}

func TestEngine_Save(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")

	e.Create(ctx, "doc-1", sticky("obj-1"))
	if view, _ := e.Document("doc-1"); !view.HasUnsavedChanges {
		t.Fatal("expected unsaved changes")
	}

	cp, err := e.Save(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if cp.Index != 0 || cp.Revision != 1 || e.remote.checkpoints != 1 {
		t.Errorf("checkpoint = %+v, remote checkpoints %d", cp, e.remote.checkpoints)
	}
	if view, _ := e.Document("doc-1"); view.HasUnsavedChanges || view.Outbox.Pending != 0 {
		t.Errorf("view after save = %+v", view)
	}
}

func TestEngine_ReadOnlyFailsafe(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")
	e.Create(ctx, "doc-1", sticky("obj-1"))

	if state := e.SetReadOnly(true); state != domain.StateReadOnlyFailsafe {
		t.Fatalf("state = %s", state)
	}
	if _, err := e.Create(ctx, "doc-1", sticky("obj-2")); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Create() error = %v, want ErrReadOnly", err)
	}
	if _, err := e.Undo(ctx, "doc-1"); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Undo() error = %v, want ErrReadOnly", err)
	}

	mustFlush(t, e, "doc-1")
	if got := len(e.remote.submittedIDs()); got != 0 {
		t.Errorf("submitted %d ops while read-only", got)
	}

	e.SetReadOnly(false)
	mustFlush(t, e, "doc-1")
	if got := len(e.remote.submittedIDs()); got != 1 {
		t.Errorf("submitted %d ops after failsafe lifted, want 1", got)
	}
}

func TestEngine_RebaseOnReconnect(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	remote.objects["remote-1"] = sticky("remote-1")
	remote.revision = 5
	e := newTestEngine(t, remote)

	mustOpen(t, e, "doc-1")
	mustFlush(t, e, "doc-1")
	if view, _ := e.Document("doc-1"); view.Revision != 5 || len(view.Objects) != 1 {
		t.Fatalf("view after open = %+v", view)
	}

	if state := e.SetOnline(false); state != domain.StateOffline {
		t.Fatalf("state = %s, want OFFLINE", state)
	}
	local, _ := e.Create(ctx, "doc-1", sticky("local-1"))
	if local.BaseRevision != 5 {
		t.Errorf("base revision = %d, want 5", local.BaseRevision)
	}
	mustFlush(t, e, "doc-1")
	if got := len(remote.submittedIDs()); got != 0 {
		t.Fatalf("submitted %d ops while offline", got)
	}

	remote.mu.Lock()
	remote.objects["remote-2"] = sticky("remote-2")
	remote.revision = 6
	remote.mu.Unlock()

	if state := e.SetOnline(true); state != domain.StateOnlineSyncing {
		t.Fatalf("state = %s, want ONLINE_SYNCING", state)
	}
	mustFlush(t, e, "doc-1")

	view, _ := e.Document("doc-1")
	if view.Revision != 7 || len(view.Objects) != 3 {
		t.Fatalf("view after reconnect = revision %d, %d objects", view.Revision, len(view.Objects))
	}
	cached, _ := e.snapshots.Get(ctx, "doc-1")
	if cached.ServerRevision != 7 || len(cached.Objects) != 3 {
		t.Errorf("cached snapshot = revision %d, %d objects", cached.ServerRevision, len(cached.Objects))
	}
}

func TestEngine_SnapshotFailureKeepsCachedState(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	remote.snapshotErr = &rpc.Error{Kind: rpc.KindTransient, Status: 502}
	e := newTestEngine(t, remote)

	if err := e.snapshots.Put(ctx, &domain.CachedSnapshot{
		DocumentID:     "doc-1",
		Objects:        domain.ObjectMap{"cached": sticky("cached")},
		ServerRevision: 3,
	}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	view, err := e.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if view.Revision != 3 || len(view.Objects) != 1 {
		t.Fatalf("view = %+v", view)
	}

	e.Create(ctx, "doc-1", sticky("obj-1"))
	mustFlush(t, e, "doc-1")
	if got := len(remote.submittedIDs()); got != 0 {
		t.Errorf("submitted %d ops before the rebase succeeded", got)
	}
	if objects, _ := e.Objects("doc-1"); len(objects) != 2 {
		t.Errorf("Objects() = %+v", objects)
	}
}

func TestEngine_RecoversInFlightOpsOnOpen(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())

	op, err := operation.NewBuilder("client-1").Build("doc-1", 0, domain.CreatePayload{Object: sticky("obj-1")})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	e.outbox.Enqueue(ctx, op)
	e.outbox.MarkAcking(ctx, op.OpID)

	view, err := e.Open(ctx, "doc-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, ok := view.Objects["obj-1"]; !ok || view.Outbox.Pending != 1 {
		t.Fatalf("view = %+v", view)
	}

	mustFlush(t, e, "doc-1")
	if got := e.remote.submittedIDs(); len(got) != 1 || got[0] != op.OpID {
		t.Errorf("submitted %v", got)
	}
	if got := mustCount(t, e, "doc-1"); got != (domain.OutboxCount{}) {
		t.Errorf("outbox = %+v, want empty", got)
	}
}

func TestEngine_ApplyRemote(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newMockRemote())
	mustOpen(t, e, "doc-1")
	mustFlush(t, e, "doc-1")

	e.SetOnline(false)
	e.Create(ctx, "doc-1", sticky("local-1"))

	remoteOp := domain.RemoteOperation{
		DocumentID: "doc-1",
		Revision:   1,
		Operation: domain.Operation{
			OpID:       "remote-op",
			ClientID:   "client-2",
			DocumentID: "doc-1",
			Timestamp:  500,
			Payload:    domain.CreatePayload{Object: sticky("remote-1")},
		},
	}
	if err := e.ApplyRemote(ctx, remoteOp); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}

	view, _ := e.Document("doc-1")
	if view.Revision != 1 || len(view.Objects) != 2 {
		t.Fatalf("view = revision %d, objects %+v", view.Revision, view.Objects)
	}

	stale := remoteOp
	stale.Operation.Payload = domain.DeletePayload{ID: "remote-1"}
	e.ApplyRemote(ctx, stale)

	own := remoteOp
	own.Revision = 2
	own.Operation.ClientID = "client-1"
	own.Operation.Payload = domain.DeletePayload{ID: "remote-1"}
	e.ApplyRemote(ctx, own)

	if objects, _ := e.Objects("doc-1"); len(objects) != 2 {
		t.Errorf("stale or own op was applied: %+v", objects)
	}
}

func TestEngine_CloseDiscardsLateResult(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	e := newTestEngine(t, remote)
	mustOpen(t, e, "doc-1")
	mustFlush(t, e, "doc-1")

	op, _ := e.Create(ctx, "doc-1", sticky("obj-1"))

	remote.entered = make(chan struct{})
	remote.release = make(chan struct{})
	done := make(chan error)
	go func() {
		done <- e.Flush(ctx, "doc-1")
	}()

	<-remote.entered
	if err := e.Close("doc-1"); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	close(remote.release)
	if err := <-done; err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	p, err := e.outbox.Get(ctx, op.OpID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !p.Unsent() {
		t.Errorf("status = %s, want the op to stay unsent", p.Status)
	}
	if _, err := e.Objects("doc-1"); !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("Objects() error = %v, want ErrDocumentNotOpen", err)
	}
}

func TestEngine_DiscardPendingAndFailed(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	e := newTestEngine(t, remote)
	mustOpen(t, e, "doc-1")

	e.Create(ctx, "doc-1", sticky("obj-1"))
	remote.submitErrs = []error{&rpc.Error{Kind: rpc.KindAuth, Status: 403}}
	mustFlush(t, e, "doc-1")

	e.SetOnline(false)
	e.Create(ctx, "doc-1", sticky("obj-2"))

	if n, err := e.DiscardFailed(ctx, "doc-1"); err != nil || n != 1 {
		t.Errorf("DiscardFailed() = %d, %v", n, err)
	}
	if n, err := e.DiscardPending(ctx, "doc-1"); err != nil || n != 1 {
		t.Errorf("DiscardPending() = %d, %v", n, err)
	}

	view, _ := e.Document("doc-1")
	if view.Outbox != (domain.OutboxCount{}) {
		t.Errorf("outbox = %+v, want empty", view.Outbox)
	}
	if len(view.Objects) != 2 {
		t.Errorf("discarding changed the local state: %+v", view.Objects)
	}

	// Replaying the view over a newer baseline keeps the discarded effects.
	err := e.ApplyRemote(ctx, domain.RemoteOperation{
		DocumentID: "doc-1",
		Revision:   1,
		Operation: domain.Operation{
			OpID:       "remote-op",
			ClientID:   "client-2",
			DocumentID: "doc-1",
			Timestamp:  500,
			Payload:    domain.CreatePayload{Object: sticky("remote-1")},
		},
	})
	if err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	objects, _ := e.Objects("doc-1")
	for _, id := range []string{"obj-1", "obj-2", "remote-1"} {
		if _, ok := objects[id]; !ok {
			t.Errorf("%s missing after remote op: %+v", id, objects)
		}
	}
}

func TestEngine_AckPastForeignRevisionsRebases(t *testing.T) {
	ctx := context.Background()
	remote := newMockRemote()
	e := newTestEngine(t, remote)
	mustOpen(t, e, "doc-1")
	mustFlush(t, e, "doc-1")

	if _, err := e.Create(ctx, "doc-1", sticky("obj-a")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	foreign := domain.Operation{
		OpID:       "foreign-op",
		ClientID:   "client-2",
		DocumentID: "doc-1",
		Timestamp:  500,
		Payload:    domain.CreatePayload{Object: sticky("obj-b")},
	}
	if _, err := remote.Submit(ctx, "doc-1", foreign); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Our op is acked at revision 2 before the frame for revision 1 arrives.
	mustFlush(t, e, "doc-1")
	if err := e.ApplyRemote(ctx, domain.RemoteOperation{DocumentID: "doc-1", Revision: 1, Operation: foreign}); err != nil {
		t.Fatalf("ApplyRemote() error = %v", err)
	}
	mustFlush(t, e, "doc-1")

	view, _ := e.Document("doc-1")
	if view.Revision != 2 || len(view.Objects) != 2 {
		t.Fatalf("view = revision %d, objects %+v, want both objects at revision 2", view.Revision, view.Objects)
	}
	if _, ok := view.Objects["obj-b"]; !ok {
		t.Errorf("foreign obj-b missing: %+v", view.Objects)
	}

	cached, err := e.snapshots.Get(ctx, "doc-1")
	if err != nil {
		t.Fatalf("snapshot Get() error = %v", err)
	}
	if cached.ServerRevision != 2 || len(cached.Objects) != 2 {
		t.Errorf("cached snapshot = revision %d, objects %+v", cached.ServerRevision, cached.Objects)
	}
}

func TestEngine_NotOpen(t *testing.T) {
	e := newTestEngine(t, newMockRemote())
	if _, err := e.Create(context.Background(), "nope", sticky("obj-1")); !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("Create() error = %v, want ErrDocumentNotOpen", err)
	}
	if err := e.Close("nope"); !errors.Is(err, ErrDocumentNotOpen) {
		t.Errorf("Close() error = %v, want ErrDocumentNotOpen", err)
	}
}

func TestEngine_FlushLoopSendsInBackground(t *testing.T) {
	ctx := context.Background()
	db, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	remote := newMockRemote()
	tracker := connectivity.NewTracker(connectivity.DefaultThresholds())
	tracker.SetRemoteConnected(true)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(
		repository.NewBadgerOutboxRepository(db),
		repository.NewBadgerSnapshotRepository(db),
		remote,
		operation.NewBuilder("client-1"),
		tracker,
		DefaultEngineConfig(),
		logger,
	)
	defer engine.Shutdown()

	if _, err := engine.Open(ctx, "doc-1"); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	engine.Create(ctx, "doc-1", sticky("obj-1"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(remote.submittedIDs()) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("flush loop did not submit the op")
}
