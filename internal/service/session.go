package service

import (
	"context"
	"sort"
	"sync"

	"canvas-sync/internal/connectivity"
	"canvas-sync/internal/domain"
	"canvas-sync/internal/history"
)

// session is the in-memory context of one open document. base is the last
// known server state and state is base with the document's local ops applied
// on top. Everything below mu is guarded by it.
type session struct {
	documentID string
	ctx        context.Context
	cancel     context.CancelFunc
	kick       chan struct{}

	// flushMu keeps a single flush cycle, and so a single request, in flight.
	flushMu sync.Mutex
	backoff *connectivity.Backoff

	mu          sync.Mutex
	base        domain.ObjectMap
	state       domain.ObjectMap
	revision    int64
	history     *history.History
	counts      domain.OutboxCount
	needsRebase bool
	closed      bool

	// retained holds discarded records whose effects stay in state for the
	// lifetime of the session.
	retained []*domain.PendingOp
}

// notify wakes the flush loop without blocking.
func (s *session) notify() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *session) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts.Pending
}

// mergeBySeq returns the records of both lists in creation order.
func mergeBySeq(a, b []*domain.PendingOp) []*domain.PendingOp {
	out := make([]*domain.PendingOp, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Seq < out[j].Seq
	})
	return out
}

func operationsOf(records []*domain.PendingOp) []domain.Operation {
	ops := make([]domain.Operation, len(records))
	for i, p := range records {
		ops[i] = p.Op
	}
	return ops
}
