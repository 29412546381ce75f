package domain

import "time"

type SubmitResult struct {
	Applied  bool  `json:"applied"`
	Revision int64 `json:"revision"`
}

type Snapshot struct {
	Objects   ObjectMap `json:"objects"`
	Revision  int64     `json:"revision"`
	Timestamp int64     `json:"timestamp"`
}

type CheckpointResult struct {
	Revision int64 `json:"revision"`
}

type RemoteHistoryEntry struct {
	ID        string         `json:"id"`
	Revision  int64          `json:"revision"`
	OpType    OpType         `json:"op_type"`
	Payload   map[string]any `json:"payload"`
	Actor     string         `json:"actor"`
	CreatedAt time.Time      `json:"created_at"`
}

type RemoteSave struct {
	Revision  int64     `json:"revision"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}

type RemoteHistory struct {
	Entries []RemoteHistoryEntry `json:"entries"`
	Saves   []RemoteSave         `json:"saves"`
}

// RemoteOperation is an operation accepted by the service, as delivered on
// the realtime channel.
type RemoteOperation struct {
	DocumentID string    `json:"document_id"`
	Revision   int64     `json:"revision"`
	Operation  Operation `json:"operation"`
}
