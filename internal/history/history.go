// Package history implements undo/redo over the operation log.
//
// Entries are recorded in past; undo moves the tail of past to the head of
// future and redo moves it back. Recording a new entry discards future. The
// caller applies the returned change to its state and passes its Mode back
// into Record, so changes made while undoing or redoing are never recorded.
package history

import (
	"time"

	"canvas-sync/internal/domain"
	"canvas-sync/internal/operation"

	"github.com/google/uuid"
)

const DefaultMaxEntries = 100

// Mode says on whose behalf a mutation is being applied.
type Mode int

const (
	Recording Mode = iota
	ApplyingUndo
	ApplyingRedo
)

func (m Mode) String() string {
	switch m {
	case Recording:
		return "recording"
	case ApplyingUndo:
		return "applying_undo"
	case ApplyingRedo:
		return "applying_redo"
	default:
		return "unknown"
	}
}

type Checkpoint struct {
	Index     int   `json:"index"`
	Revision  int64 `json:"revision"`
	Timestamp int64 `json:"timestamp"`
}

// History is not safe for concurrent use; the owning session serializes
// access.
type History struct {
	past           []domain.HistoryEntry
	future         []domain.HistoryEntry
	origin         domain.ObjectMap
	lastCheckpoint int
	checkpoints    []Checkpoint
	maxEntries     int
	now            func() time.Time
}

func New(maxEntries int) *History {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &History{
		origin:         domain.ObjectMap{},
		lastCheckpoint: -1,
		maxEntries:     maxEntries,
		now:            time.Now,
	}
}

// Reset drops all entries and checkpoints and sets the state replays start
// from.
func (h *History) Reset(origin domain.ObjectMap) {
	h.past = nil
	h.future = nil
	h.origin = origin.Clone()
	h.lastCheckpoint = -1
	h.checkpoints = nil
}

// Record appends entry to past and clears future. It does nothing unless mode
// is Recording and reports whether the entry was kept.
func (h *History) Record(entry domain.HistoryEntry, mode Mode) bool {
	if mode != Recording {
		return false
	}

	h.past = append(h.past, entry)
	h.future = nil

	for len(h.past) > h.maxEntries {
		h.dropOldest()
	}
	return true
}

func (h *History) dropOldest() {
	oldest := h.past[0]
	h.origin = ApplyChange(h.origin, oldest.Forward)
	h.past = h.past[1:]

	if h.lastCheckpoint >= 0 {
		h.lastCheckpoint--
	}

	kept := h.checkpoints[:0]
	for _, cp := range h.checkpoints {
		cp.Index--
		if cp.Index >= 0 {
			kept = append(kept, cp)
		}
	}
	h.checkpoints = kept
}

// Undo pops the tail of past onto the head of future and returns it. The
// caller applies entry.Inverse.
func (h *History) Undo() (domain.HistoryEntry, bool) {
	if len(h.past) == 0 {
		return domain.HistoryEntry{}, false
	}
	entry := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]
	h.future = append([]domain.HistoryEntry{entry}, h.future...)
	return entry, true
}

// Redo pops the head of future onto the tail of past and returns it. The
// caller applies entry.Forward.
func (h *History) Redo() (domain.HistoryEntry, bool) {
	if len(h.future) == 0 {
		return domain.HistoryEntry{}, false
	}
	entry := h.future[0]
	h.future = h.future[1:]
	h.past = append(h.past, entry)
	return entry, true
}

// NextUndo returns the entry Undo would pop without popping it.
func (h *History) NextUndo() (domain.HistoryEntry, bool) {
	if len(h.past) == 0 {
		return domain.HistoryEntry{}, false
	}
	return h.past[len(h.past)-1], true
}

// NextRedo returns the entry Redo would pop without popping it.
func (h *History) NextRedo() (domain.HistoryEntry, bool) {
	if len(h.future) == 0 {
		return domain.HistoryEntry{}, false
	}
	return h.future[0], true
}

// Len is the number of entries in past.
func (h *History) Len() int {
	return len(h.past)
}

func (h *History) CanUndo() bool { return len(h.past) > 0 }
func (h *History) CanRedo() bool { return len(h.future) > 0 }

// MarkCheckpoint records a save at the current position.
func (h *History) MarkCheckpoint(revision int64) Checkpoint {
	h.lastCheckpoint = len(h.past) - 1
	cp := Checkpoint{
		Index:     h.lastCheckpoint,
		Revision:  revision,
		Timestamp: h.now().UnixMilli(),
	}
	h.checkpoints = append(h.checkpoints, cp)
	return cp
}

func (h *History) HasUnsavedChanges() bool {
	return len(h.past) > h.lastCheckpoint+1
}

func (h *History) LastCheckpointIndex() int {
	return h.lastCheckpoint
}

func (h *History) Checkpoints() []Checkpoint {
	return append([]Checkpoint(nil), h.checkpoints...)
}

func (h *History) Past() []domain.HistoryEntry {
	return append([]domain.HistoryEntry(nil), h.past...)
}

func (h *History) Future() []domain.HistoryEntry {
	return append([]domain.HistoryEntry(nil), h.future...)
}

// StateAt replays past[0..index] over the origin state.
func (h *History) StateAt(index int) domain.ObjectMap {
	return ComputeStateAt(h.past, index, h.origin)
}

// ComputeStateAt replays the forward change of every entry from 0 through
// index over base without touching base.
func ComputeStateAt(past []domain.HistoryEntry, index int, base domain.ObjectMap) domain.ObjectMap {
	state := base.Clone()
	for i := 0; i <= index && i < len(past); i++ {
		state = ApplyChange(state, past[i].Forward)
	}
	return state
}

// ApplyChange applies one direction of an entry to state.
func ApplyChange(state domain.ObjectMap, change domain.Change) domain.ObjectMap {
	if change.Payload == nil {
		return change.Objects.Clone()
	}
	return operation.ApplyPayload(state, change.Payload, change.Stamp)
}

// EntryFor derives the history entry of op given the state it is applied to.
// It reports false when op would not change anything.
func EntryFor(before domain.ObjectMap, op domain.Operation) (domain.HistoryEntry, bool) {
	objectID := op.Payload.ObjectID()
	prev, existed := before[objectID]

	entry := domain.HistoryEntry{
		ID:        uuid.New().String(),
		Timestamp: op.Timestamp,
		ObjectID:  objectID,
		Forward:   domain.Change{Payload: op.Payload, Stamp: op.Timestamp},
	}

	ok := domain.Match(op.Payload,
		func(p domain.CreatePayload) bool {
			entry.OpType = domain.HistoryCreate
			if existed {
				entry.Inverse = domain.Change{Payload: domain.CreatePayload{Object: prev.Clone()}, Stamp: prev.UpdatedAt}
			} else {
				entry.Inverse = domain.Change{Payload: domain.DeletePayload{ID: objectID}}
			}
			return true
		},
		func(p domain.UpdatePayload) bool {
			if !existed {
				return false
			}
			entry.OpType = domain.HistoryUpdate
			entry.Inverse = domain.Change{Payload: domain.UpdatePayload{ID: objectID, Patch: domain.FullPatch(prev)}, Stamp: prev.UpdatedAt}
			return true
		},
		func(p domain.DeletePayload) bool {
			if !existed {
				return false
			}
			entry.OpType = domain.HistoryDelete
			entry.Inverse = domain.Change{Payload: domain.CreatePayload{Object: prev.Clone()}, Stamp: prev.UpdatedAt}
			return true
		},
	)
	return entry, ok
}

// RestoreEntry records replacing current with target as a whole.
func RestoreEntry(current, target domain.ObjectMap, timestamp int64) domain.HistoryEntry {
	return domain.HistoryEntry{
		ID:        uuid.New().String(),
		Timestamp: timestamp,
		OpType:    domain.HistoryRestore,
		Forward:   domain.Change{Objects: target.Clone(), Stamp: timestamp},
		Inverse:   domain.Change{Objects: current.Clone(), Stamp: timestamp},
	}
}
