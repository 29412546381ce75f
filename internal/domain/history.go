package domain

type HistoryOpType string

const (
	HistoryCreate  HistoryOpType = "create"
	HistoryUpdate  HistoryOpType = "update"
	HistoryDelete  HistoryOpType = "delete"
	HistoryRestore HistoryOpType = "restore"
)

// Change is one direction of a history entry. Delta entries carry a Payload
// applied with Stamp as its timestamp; restore entries carry the full Objects
// map instead.
type Change struct {
	Payload Payload   `json:"payload,omitempty"`
	Objects ObjectMap `json:"objects,omitempty"`
	Stamp   int64     `json:"stamp"`
}

// HistoryEntry is immutable once recorded.
type HistoryEntry struct {
	ID        string        `json:"id"`
	Timestamp int64         `json:"timestamp"`
	OpType    HistoryOpType `json:"op_type"`
	ObjectID  string        `json:"object_id,omitempty"`
	Forward   Change        `json:"forward"`
	Inverse   Change        `json:"inverse"`
}
