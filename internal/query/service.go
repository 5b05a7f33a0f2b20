// Package query serves read-only projections of committed records and the
// ledger. It never observes a half-applied transition: records are read from
// the coordinator's committed snapshots and ledger data from the store.
package query

import (
	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
)

// Records is the committed record source, implemented by workflow.Coordinator.
type Records interface {
	Get(recordID string) (*approval.Record, error)
	Snapshot() []*approval.Record
}

// Chain is the ledger read surface, implemented by ledger.Store.
type Chain interface {
	EventsForRecord(recordID string) []event.Event
	BlocksForRecord(recordID string) []ledger.Block
	Blocks(page, size int) ([]ledger.Block, int)
	Block(n uint64) (ledger.Block, error)
	Head() ledger.Head
}

// Page selects a 1-based page of results.
type Page struct {
	Number int `json:"page"`
	Size   int `json:"size"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

func (p Page) normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// RecordPage is one page of records.
type RecordPage struct {
	Records []*approval.Record `json:"records"`
	Total   int                `json:"total"`
	Page    int                `json:"page"`
	Size    int                `json:"size"`
}

// ApproverItem is a record awaiting an approver, with that approver's own share.
type ApproverItem struct {
	Record         *approval.Record `json:"record"`
	ApproverStatus approval.Status  `json:"approver_status"`
	Allocation     float64          `json:"allocation,omitempty"`
}

// ApproverPage is one page of ApproverItems.
type ApproverPage struct {
	Items []ApproverItem `json:"items"`
	Total int            `json:"total"`
	Page  int            `json:"page"`
	Size  int            `json:"size"`
}

// LedgerView is the audit history of one record.
type LedgerView struct {
	Record *approval.Record `json:"record"`
	Events []event.Event    `json:"events"`
	Blocks []ledger.Block   `json:"blocks"` // sealed blocks containing any of Events
}

// BlockPage is one page of sealed blocks.
type BlockPage struct {
	Blocks []ledger.Block `json:"blocks"`
	Total  int            `json:"total"`
	Page   int            `json:"page"`
	Size   int            `json:"size"`
}

// Service answers read-only queries.
type Service struct {
	records Records
	chain   Chain
}

// NewService returns a Service over records and chain.
func NewService(records Records, chain Chain) *Service {
	return &Service{records: records, chain: chain}
}

// GetStatus returns the committed record.
func (s *Service) GetStatus(recordID string) (*approval.Record, error) {
	return s.records.Get(recordID)
}

// ListByStatus returns records with the given status, oldest first. An empty
// status lists every record.
func (s *Service) ListByStatus(status approval.Status, p Page) RecordPage {
	p = p.normalize()
	var matched []*approval.Record
	for _, rec := range s.records.Snapshot() {
		if status == "" || rec.Status == status {
			matched = append(matched, rec)
		}
	}
	start, end := bounds(p, len(matched))
	return RecordPage{Records: nonNil(matched[start:end]), Total: len(matched), Page: p.Number, Size: p.Size}
}

// ListForApprover returns the non-terminal records approverID is eligible for.
func (s *Service) ListForApprover(approverID string, p Page) ApproverPage {
	p = p.normalize()
	var items []ApproverItem
	for _, rec := range s.records.Snapshot() {
		if rec.IsTerminal() {
			continue
		}
		a, ok := rec.Approver(approverID)
		if !ok {
			continue
		}
		st, err := rec.ApproverStatus(approverID)
		if err != nil {
			continue
		}
		items = append(items, ApproverItem{Record: rec, ApproverStatus: st, Allocation: a.Amount})
	}
	start, end := bounds(p, len(items))
	page := items[start:end]
	if page == nil {
		page = []ApproverItem{}
	}
	return ApproverPage{Items: page, Total: len(items), Page: p.Number, Size: p.Size}
}

// GetLedgerView returns the record with its events and the sealed blocks that
// contain them.
func (s *Service) GetLedgerView(recordID string) (*LedgerView, error) {
	rec, err := s.records.Get(recordID)
	if err != nil {
		return nil, err
	}
	return &LedgerView{
		Record: rec,
		Events: s.chain.EventsForRecord(recordID),
		Blocks: s.chain.BlocksForRecord(recordID),
	}, nil
}

// ListBlocks returns one page of sealed blocks in ascending order.
func (s *Service) ListBlocks(p Page) BlockPage {
	p = p.normalize()
	blocks, total := s.chain.Blocks(p.Number, p.Size)
	if blocks == nil {
		blocks = []ledger.Block{}
	}
	return BlockPage{Blocks: blocks, Total: total, Page: p.Number, Size: p.Size}
}

// GetBlock returns sealed block n.
func (s *Service) GetBlock(n uint64) (ledger.Block, error) {
	return s.chain.Block(n)
}

// Head returns the chain tip summary.
func (s *Service) Head() ledger.Head {
	return s.chain.Head()
}

func bounds(p Page, total int) (int, int) {
	if p.Number-1 > total/p.Size {
		return total, total
	}
	start := (p.Number - 1) * p.Size
	if start >= total {
		return total, total
	}
	end := start + p.Size
	if end > total {
		end = total
	}
	return start, end
}

func nonNil(recs []*approval.Record) []*approval.Record {
	if recs == nil {
		return []*approval.Record{}
	}
	return recs
}
