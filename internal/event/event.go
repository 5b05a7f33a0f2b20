package event

import (
	"encoding/json"
	"time"
)

// Kind is what happened to a record.
type Kind string

const (
	KindCreate  Kind = "CREATE"
	KindApprove Kind = "APPROVE"
	KindReject  Kind = "REJECT"
	KindExecute Kind = "EXECUTE"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreate, KindApprove, KindReject, KindExecute:
		return true
	}
	return false
}

// Event is an immutable fact recorded in the ledger.
type Event struct {
	ID        string          `json:"id"`
	Sequence  uint64          `json:"sequence"` // global ledger position, set on append
	RecordID  string          `json:"record_id"`
	Kind      Kind            `json:"kind"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload"` // snapshot relevant to Kind
	Timestamp time.Time       `json:"timestamp"`
}

// Clone returns a deep copy of e.
func (e Event) Clone() Event {
	if e.Payload != nil {
		e.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	return e
}
