package storage

import (
	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
)

// Batch is everything one ledger append must make durable together. Any
// field may be nil: a time-based seal carries only Block.
type Batch struct {
	Event  *event.Event
	Block  *ledger.Block
	Record *approval.Record
	// PrevVersion is the record version the change was computed from; 0 for a
	// new record.
	PrevVersion uint64
}

// Empty reports whether b has nothing to write.
func (b Batch) Empty() bool {
	return b.Event == nil && b.Block == nil && b.Record == nil
}
