package history

import (
	"reflect"
	"testing"

	"canvas-sync/internal/domain"
	"canvas-sync/internal/operation"
)

func ptr[T any](v T) *T { return &v }

// step applies op to state the way the engine does and records its entry.
func step(t *testing.T, h *History, state domain.ObjectMap, op domain.Operation, mode Mode) domain.ObjectMap {
	t.Helper()
	if entry, ok := EntryFor(state, op); ok {
		h.Record(entry, mode)
	}
	return operation.Apply(state, op)
}

// undoState pops one entry and applies its inverse to state.
func undoState(h *History, state domain.ObjectMap) (domain.ObjectMap, bool) {
	entry, ok := h.Undo()
	if !ok {
		return state, false
	}
	return ApplyChange(state, entry.Inverse), true
}

func redoState(h *History, state domain.ObjectMap) (domain.ObjectMap, bool) {
	entry, ok := h.Redo()
	if !ok {
		return state, false
	}
	return ApplyChange(state, entry.Forward), true
}

func sampleOps() []domain.Operation {
	return []domain.Operation{
		{Timestamp: 10, Payload: domain.CreatePayload{Object: domain.DocumentObject{ID: "a", Type: domain.ObjectTypeSticky, Text: "one", Data: map[string]any{"votes": 1}}}},
		{Timestamp: 20, Payload: domain.CreatePayload{Object: domain.DocumentObject{ID: "b", Type: domain.ObjectTypeFrame}}},
		{Timestamp: 30, Payload: domain.UpdatePayload{ID: "a", Patch: domain.ObjectPatch{X: ptr(5.0), ParentID: ptr("b"), Data: map[string]any{}}}},
		{Timestamp: 40, Payload: domain.DeletePayload{ID: "b"}},
		{Timestamp: 50, Payload: domain.CreatePayload{Object: domain.DocumentObject{ID: "a", Type: domain.ObjectTypeSticky, Text: "overwritten"}}},
	}
}

func TestUndoRedo_InverseLaw(t *testing.T) {
	h := New(0)
	state := domain.ObjectMap{}
	for _, op := range sampleOps() {
		state = step(t, h, state, op, Recording)

		before := state.Clone()
		undone, ok := undoState(h, state)
		if !ok {
			t.Fatal("expected undo to succeed")
		}
		redone, ok := redoState(h, undone)
		if !ok {
			t.Fatal("expected redo to succeed")
		}
		if !reflect.DeepEqual(redone, before) {
			t.Fatalf("undo+redo changed state:\nbefore: %+v\nafter:  %+v", before, redone)
		}
		state = redone
	}
}

func TestUndo_WalksBackToEmpty(t *testing.T) {
	h := New(0)
	state := domain.ObjectMap{}
	var states []domain.ObjectMap
	for _, op := range sampleOps() {
		states = append(states, state.Clone())
		state = step(t, h, state, op, Recording)
	}

	for i := len(states) - 1; i >= 0; i-- {
		var ok bool
		state, ok = undoState(h, state)
		if !ok {
			t.Fatalf("expected undo %d to succeed", i)
		}
		if !reflect.DeepEqual(state, states[i]) {
			t.Fatalf("undo %d: expected %+v, got %+v", i, states[i], state)
		}
	}

	if _, ok := undoState(h, state); ok {
		t.Error("expected undo on empty past to be a no-op")
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %+v", state)
	}
}

func TestRecord_ClearsFuture(t *testing.T) {
	h := New(0)
	state := domain.ObjectMap{}
	ops := sampleOps()
	state = step(t, h, state, ops[0], Recording)
	state = step(t, h, state, ops[1], Recording)

	state, _ = undoState(h, state)
	if !h.CanRedo() {
		t.Fatal("expected redo to be available after undo")
	}

	step(t, h, state, ops[2], Recording)
	if h.CanRedo() {
		t.Error("expected new record to discard future")
	}
	if _, ok := h.Redo(); ok {
		t.Error("expected redo to be a no-op")
	}
}

func TestRecord_SkippedWhileApplying(t *testing.T) {
	h := New(0)
	entry, _ := EntryFor(domain.ObjectMap{}, sampleOps()[0])

	for _, mode := range []Mode{ApplyingUndo, ApplyingRedo} {
		if h.Record(entry, mode) {
			t.Errorf("expected record in mode %s to be skipped", mode)
		}
	}
	if h.CanUndo() {
		t.Error("expected past to stay empty")
	}

	h.Record(entry, Recording)
	h.Undo()
	h.Record(entry, ApplyingUndo)
	if !h.CanRedo() {
		t.Error("expected future to survive a record while applying undo")
	}
}

func TestEntryFor_NoopOps(t *testing.T) {
	state := domain.ObjectMap{}
	if _, ok := EntryFor(state, domain.Operation{Payload: domain.UpdatePayload{ID: "x", Patch: domain.ObjectPatch{X: ptr(1.0)}}}); ok {
		t.Error("expected no entry for update of missing object")
	}
	if _, ok := EntryFor(state, domain.Operation{Payload: domain.DeletePayload{ID: "x"}}); ok {
		t.Error("expected no entry for delete of missing object")
	}
}

func TestCheckpoints(t *testing.T) {
	h := New(0)
	state := domain.ObjectMap{}
	ops := sampleOps()

	if h.HasUnsavedChanges() {
		t.Error("expected no unsaved changes initially")
	}

	state = step(t, h, state, ops[0], Recording)
	if !h.HasUnsavedChanges() {
		t.Error("expected unsaved changes after a record")
	}

	cp := h.MarkCheckpoint(12)
	if cp.Index != 0 || cp.Revision != 12 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	if h.HasUnsavedChanges() {
		t.Error("expected no unsaved changes after save")
	}

	step(t, h, state, ops[1], Recording)
	if !h.HasUnsavedChanges() {
		t.Error("expected unsaved changes after another record")
	}
}

func TestComputeStateAt(t *testing.T) {
	h := New(0)
	state := domain.ObjectMap{}
	var states []domain.ObjectMap
	for _, op := range sampleOps() {
		state = step(t, h, state, op, Recording)
		states = append(states, state.Clone())
	}

	base := domain.ObjectMap{}
	for i := range states {
		got := ComputeStateAt(h.Past(), i, base)
		if !reflect.DeepEqual(got, states[i]) {
			t.Errorf("index %d: expected %+v, got %+v", i, states[i], got)
		}
	}
	if len(base) != 0 {
		t.Error("expected base to be left untouched")
	}
	if got := ComputeStateAt(h.Past(), -1, base); len(got) != 0 {
		t.Errorf("expected base state for index -1, got %+v", got)
	}
}

func TestRestoreEntry(t *testing.T) {
	h := New(0)
	current := domain.ObjectMap{"a": {ID: "a", Type: domain.ObjectTypeText, Text: "now"}}
	target := domain.ObjectMap{"b": {ID: "b", Type: domain.ObjectTypeText, Text: "then"}}

	h.Record(RestoreEntry(current, target, 99), Recording)
	state := ApplyChange(current, h.Past()[0].Forward)
	if !reflect.DeepEqual(state, target) {
		t.Fatalf("expected target state, got %+v", state)
	}

	state, _ = undoState(h, state)
	if !reflect.DeepEqual(state, current) {
		t.Errorf("expected current state after undo, got %+v", state)
	}
	state, _ = redoState(h, state)
	if !reflect.DeepEqual(state, target) {
		t.Errorf("expected target state after redo, got %+v", state)
	}
}

func TestMaxEntries(t *testing.T) {
	h := New(2)
	state := domain.ObjectMap{}
	ops := sampleOps()

	state = step(t, h, state, ops[0], Recording)
	h.MarkCheckpoint(1)
	state = step(t, h, state, ops[1], Recording)
	state = step(t, h, state, ops[2], Recording)

	if got := len(h.Past()); got != 2 {
		t.Fatalf("expected 2 entries, got %d", got)
	}
	if h.LastCheckpointIndex() != -1 {
		t.Errorf("expected checkpoint to shift out, got %d", h.LastCheckpointIndex())
	}
	if len(h.Checkpoints()) != 0 {
		t.Errorf("expected dropped checkpoint, got %+v", h.Checkpoints())
	}
	if got := h.StateAt(len(h.Past()) - 1); !reflect.DeepEqual(got, state) {
		t.Errorf("expected replay from origin to reach current state, got %+v", got)
	}
}

func TestNextUndoRedo_DoNotPop(t *testing.T) {
	h := New(0)
	state := domain.ObjectMap{}
	for _, op := range sampleOps()[:2] {
		state = step(t, h, state, op, Recording)
	}

	next, ok := h.NextUndo()
	if !ok || next.ObjectID != "b" {
		t.Fatalf("NextUndo() = %+v, %v", next, ok)
	}
	if h.Len() != 2 {
		t.Fatalf("NextUndo popped an entry, Len() = %d", h.Len())
	}
	if _, ok := h.NextRedo(); ok {
		t.Fatal("NextRedo() should be empty before any undo")
	}

	h.Undo()
	next, ok = h.NextRedo()
	if !ok || next.ObjectID != "b" || !h.CanRedo() {
		t.Fatalf("NextRedo() = %+v, %v", next, ok)
	}
}
