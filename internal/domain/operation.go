package domain

import (
	"encoding/json"
	"fmt"
)

type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Payload is the body of an operation. The set of implementations is closed:
// CreatePayload, UpdatePayload and DeletePayload.
type Payload interface {
	Type() OpType
	ObjectID() string
	isPayload()
}

type CreatePayload struct {
	Object DocumentObject
}

type UpdatePayload struct {
	ID    string      `json:"id" validate:"required"`
	Patch ObjectPatch `json:"patch"`
}

type DeletePayload struct {
	ID string `json:"id" validate:"required"`
}

func (CreatePayload) Type() OpType { return OpCreate }
func (UpdatePayload) Type() OpType { return OpUpdate }
func (DeletePayload) Type() OpType { return OpDelete }

func (p CreatePayload) ObjectID() string { return p.Object.ID }
func (p UpdatePayload) ObjectID() string { return p.ID }
func (p DeletePayload) ObjectID() string { return p.ID }

func (CreatePayload) isPayload() {}
func (UpdatePayload) isPayload() {}
func (DeletePayload) isPayload() {}

func (p CreatePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.Object)
}

func (p *CreatePayload) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &p.Object)
}

// Match dispatches on the concrete payload kind. Every caller has to supply a
// handler for each kind, so adding a kind breaks every call site at compile
// time.
func Match[T any](
	p Payload,
	onCreate func(CreatePayload) T,
	onUpdate func(UpdatePayload) T,
	onDelete func(DeletePayload) T,
) T {
	switch v := p.(type) {
	case CreatePayload:
		return onCreate(v)
	case UpdatePayload:
		return onUpdate(v)
	case DeletePayload:
		return onDelete(v)
	default:
		panic(fmt.Sprintf("domain: unknown payload %T", p))
	}
}

// Operation is a self-contained, idempotent mutation intent. OpID and
// IdempotencyKey are always equal.
type Operation struct {
	OpID           string
	ClientID       string
	DocumentID     string
	Timestamp      int64
	BaseRevision   int64
	Payload        Payload
	IdempotencyKey string
}

func (o Operation) Type() OpType {
	if o.Payload == nil {
		return ""
	}
	return o.Payload.Type()
}

type operationJSON struct {
	OpID           string          `json:"op_id"`
	ClientID       string          `json:"client_id"`
	DocumentID     string          `json:"document_id"`
	Timestamp      int64           `json:"timestamp"`
	BaseRevision   int64           `json:"base_revision"`
	Type           OpType          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func (o Operation) MarshalJSON() ([]byte, error) {
	if o.Payload == nil {
		return nil, fmt.Errorf("operation %s has no payload", o.OpID)
	}
	payload, err := json.Marshal(o.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(operationJSON{
		OpID:           o.OpID,
		ClientID:       o.ClientID,
		DocumentID:     o.DocumentID,
		Timestamp:      o.Timestamp,
		BaseRevision:   o.BaseRevision,
		Type:           o.Payload.Type(),
		Payload:        payload,
		IdempotencyKey: o.IdempotencyKey,
	})
}

func (o *Operation) UnmarshalJSON(data []byte) error {
	var raw operationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	payload, err := DecodePayload(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	*o = Operation{
		OpID:           raw.OpID,
		ClientID:       raw.ClientID,
		DocumentID:     raw.DocumentID,
		Timestamp:      raw.Timestamp,
		BaseRevision:   raw.BaseRevision,
		Payload:        payload,
		IdempotencyKey: raw.IdempotencyKey,
	}
	return nil
}

// DecodePayload decodes a payload body tagged with its operation type.
func DecodePayload(t OpType, data []byte) (Payload, error) {
	switch t {
	case OpCreate:
		var p CreatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode create payload: %w", err)
		}
		return p, nil
	case OpUpdate:
		var p UpdatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode update payload: %w", err)
		}
		return p, nil
	case OpDelete:
		var p DeletePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to decode delete payload: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
}
