package domain

type OpStatus string

const (
	StatusPending OpStatus = "pending"
	StatusAcking  OpStatus = "acking"
	StatusAcked   OpStatus = "acked"
	StatusFailed  OpStatus = "failed"
)

// PendingOp is an outbox record. Seq orders records of one document by
// creation time.
type PendingOp struct {
	Op            Operation `json:"operation"`
	Seq           string    `json:"seq"`
	CreatedAt     int64     `json:"created_at"`
	Status        OpStatus  `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Attempts      int       `json:"attempts"`
	UpdatedAt     int64     `json:"updated_at"`
}

// Unsent reports whether the op still has to be submitted.
func (p *PendingOp) Unsent() bool {
	return p.Status == StatusPending || p.Status == StatusAcking
}

type OutboxCount struct {
	Pending int `json:"pending" yaml:"pending"`
	Failed  int `json:"failed" yaml:"failed"`
}

// CachedSnapshot is the last known server state of a document.
type CachedSnapshot struct {
	DocumentID     string    `json:"document_id"`
	Objects        ObjectMap `json:"objects"`
	ServerRevision int64     `json:"server_revision"`
	Timestamp      int64     `json:"timestamp"`
}
