package operation

import (
	"maps"
	"reflect"
	"sort"

	"canvas-sync/internal/domain"
)

// Apply returns the state that results from applying op to state. It never
// modifies state. Updates for absent objects are dropped, deletes of absent
// objects are no-ops, and creates overwrite.
func Apply(state domain.ObjectMap, op domain.Operation) domain.ObjectMap {
	return ApplyPayload(state, op.Payload, op.Timestamp)
}

// ApplyPayload applies a bare payload stamped with timestamp.
func ApplyPayload(state domain.ObjectMap, payload domain.Payload, timestamp int64) domain.ObjectMap {
	return domain.Match(payload,
		func(p domain.CreatePayload) domain.ObjectMap {
			next := maps.Clone(state)
			if next == nil {
				next = domain.ObjectMap{}
			}
			obj := p.Object.Clone()
			obj.UpdatedAt = timestamp
			next[obj.ID] = obj
			return next
		},
		func(p domain.UpdatePayload) domain.ObjectMap {
			current, ok := state[p.ID]
			if !ok {
				return state
			}
			next := maps.Clone(state)
			obj := p.Patch.ApplyTo(current)
			obj.UpdatedAt = timestamp
			next[p.ID] = obj
			return next
		},
		func(p domain.DeletePayload) domain.ObjectMap {
			if _, ok := state[p.ID]; !ok {
				return state
			}
			next := maps.Clone(state)
			delete(next, p.ID)
			return next
		},
	)
}

// ApplyAll folds ops over state in order.
func ApplyAll(state domain.ObjectMap, ops []domain.Operation) domain.ObjectMap {
	for _, op := range ops {
		state = Apply(state, op)
	}
	return state
}

// Diff returns the payloads that turn from into to: deletes first, then
// creates and updates, each group ordered by object id.
func Diff(from, to domain.ObjectMap) []domain.Payload {
	var deletes, upserts []domain.Payload

	for _, id := range sortedIDs(from) {
		if _, ok := to[id]; !ok {
			deletes = append(deletes, domain.DeletePayload{ID: id})
		}
	}

	for _, id := range sortedIDs(to) {
		target := to[id]
		current, ok := from[id]
		switch {
		case !ok || current.Type != target.Type:
			upserts = append(upserts, domain.CreatePayload{Object: target.Clone()})
		case !SameContent(current, target):
			upserts = append(upserts, domain.UpdatePayload{ID: id, Patch: domain.FullPatch(target)})
		}
	}

	return append(deletes, upserts...)
}

// SameContent compares two objects ignoring UpdatedAt.
func SameContent(a, b domain.DocumentObject) bool {
	a.UpdatedAt, b.UpdatedAt = 0, 0
	if len(a.Data) == 0 {
		a.Data = nil
	}
	if len(b.Data) == 0 {
		b.Data = nil
	}
	return reflect.DeepEqual(a, b)
}

func sortedIDs(m domain.ObjectMap) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
