// Package ledger is the append-only, single-writer event ledger. Events
// accumulate in an open block that is sealed (Merkle root + header hash) when
// it reaches a size or age bound, and each sealed block links to its
// predecessor's hash.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/hashchain"
	"github.com/gyaneshwarpardhi/quorumledger/internal/lock"
	"github.com/gyaneshwarpardhi/quorumledger/internal/metrics"
)

// SealPolicy decides when the open block is sealed. Whichever bound is hit
// first applies; a zero bound is disabled.
type SealPolicy struct {
	MaxEvents int
	MaxAge    time.Duration
}

func (p SealPolicy) due(pending int, openedAt, now time.Time) bool {
	if pending == 0 {
		return false
	}
	if p.MaxEvents > 0 && pending >= p.MaxEvents {
		return true
	}
	return p.MaxAge > 0 && now.Sub(openedAt) >= p.MaxAge
}

// Options configures a Store.
type Options struct {
	Seal        SealPolicy
	LockTimeout time.Duration // bound on waiting for the writer section
	Clock       func() time.Time
	Logger      *slog.Logger
}

// CommitFunc durably records one append before it becomes visible. ev is nil
// for a seal that carries no new event; sealed is nil when the append did not
// seal a block. A returned error aborts the append and leaves the store unchanged.
type CommitFunc func(ctx context.Context, ev *event.Event, sealed *Block) error

// Head summarises the chain tip.
type Head struct {
	Height        int              `json:"height"` // sealed blocks
	HeadHash      hashchain.Digest `json:"head_hash"`
	PendingEvents int              `json:"pending_events"`
	NextSequence  uint64           `json:"next_sequence"`
	Halted        bool             `json:"halted"`
	HaltReason    string           `json:"halt_reason,omitempty"`
}

// Store owns the chain and the currently open block.
type Store struct {
	writer *lock.Mutex // single-writer section: sequencing, sealing, commit
	opts   Options
	log    *slog.Logger

	mu       sync.RWMutex // guards the fields below for readers
	blocks   []*Block
	pending  []event.Event
	openedAt time.Time
	nextSeq  uint64
	ids      map[string]struct{}
	byRecord map[string][]event.Event
	sealedIn map[string][]uint64 // record id -> block numbers, ascending
	halted   error

	hookMu sync.RWMutex
	hooks  []func(Block)
}

// NewStore returns an empty store whose first sealed block will be number 0.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		writer:   lock.New(),
		opts:     opts,
		log:      opts.Logger.With("component", "ledger"),
		nextSeq:  1,
		ids:      make(map[string]struct{}),
		byRecord: make(map[string][]event.Event),
		sealedIn: make(map[string][]uint64),
	}
}

// OnSeal registers fn to run after each sealed block becomes visible.
func (s *Store) OnSeal(fn func(Block)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Append adds ev to the open block, sealing it if the seal policy is met.
// It returns the sealed block, or nil when the block is still open.
// The store assigns ev's sequence and, if unset, its timestamp.
func (s *Store) Append(ctx context.Context, ev event.Event, commit CommitFunc) (*Block, error) {
	if ev.ID == "" || ev.RecordID == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "event id and record id are required")
	}
	if !ev.Kind.Valid() {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "unknown event kind %q", ev.Kind)
	}
	if err := s.lockWriter(ctx); err != nil {
		return nil, err
	}
	defer s.writer.Unlock()

	if err := s.haltErr(); err != nil {
		return nil, err
	}
	if _, dup := s.ids[ev.ID]; dup {
		return nil, apperrors.New(apperrors.CodeConflict, "event %s already appended", ev.ID)
	}

	now := s.opts.Clock().UTC()
	ev = ev.Clone()
	ev.Sequence = s.nextSeq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	ev.Timestamp = ev.Timestamp.UTC()

	openedAt := s.openedAt
	if len(s.pending) == 0 {
		openedAt = now
	}
	pending := make([]event.Event, len(s.pending), len(s.pending)+1)
	copy(pending, s.pending)
	pending = append(pending, ev)

	var sealed *Block
	if s.opts.Seal.due(len(pending), openedAt, now) {
		b, err := s.next(pending, now)
		if err != nil {
			return nil, err
		}
		sealed = b
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if commit != nil {
		if err := commit(ctx, &ev, sealed); err != nil {
			err = fmt.Errorf("commit event %s: %w", ev.ID, err)
			s.haltOnIntegrity(err)
			return nil, err
		}
	}

	s.install(&ev, pending, openedAt, sealed)
	metrics.EventsAppended.WithLabelValues(string(ev.Kind)).Inc()
	s.log.Debug("event appended", "event_id", ev.ID, "record_id", ev.RecordID, "kind", ev.Kind, slog.Uint64("sequence", ev.Sequence))
	if sealed != nil {
		s.afterSeal(sealed)
	}
	return sealed, nil
}

// SealDue seals the open block if its age bound has elapsed.
func (s *Store) SealDue(ctx context.Context, commit CommitFunc) (*Block, error) {
	return s.sealOpen(ctx, commit, false)
}

// SealNow seals the open block regardless of the policy. It is a no-op when
// no events are pending.
func (s *Store) SealNow(ctx context.Context, commit CommitFunc) (*Block, error) {
	return s.sealOpen(ctx, commit, true)
}

func (s *Store) sealOpen(ctx context.Context, commit CommitFunc, force bool) (*Block, error) {
	if err := s.lockWriter(ctx); err != nil {
		return nil, err
	}
	defer s.writer.Unlock()

	if err := s.haltErr(); err != nil {
		return nil, err
	}
	now := s.opts.Clock().UTC()
	if len(s.pending) == 0 {
		return nil, nil
	}
	if !force && !(SealPolicy{MaxAge: s.opts.Seal.MaxAge}).due(len(s.pending), s.openedAt, now) {
		return nil, nil
	}
	pending := make([]event.Event, len(s.pending))
	copy(pending, s.pending)
	sealed, err := s.next(pending, now)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if commit != nil {
		if err := commit(ctx, nil, sealed); err != nil {
			err = fmt.Errorf("commit block %d: %w", sealed.Number, err)
			s.haltOnIntegrity(err)
			return nil, err
		}
	}
	s.install(nil, pending, s.openedAt, sealed)
	s.afterSeal(sealed)
	return sealed, nil
}

// RunSealer seals the open block whenever its age bound elapses, until ctx is
// done. It is a no-op when the policy has no age bound.
func (s *Store) RunSealer(ctx context.Context, interval time.Duration, commit CommitFunc) {
	if s.opts.Seal.MaxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = s.opts.Seal.MaxAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := s.SealDue(ctx, commit); err != nil && ctx.Err() == nil {
				s.log.Warn("time-based seal failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Verify recomputes every sealed block and its links. A mismatch halts further
// appends until a later Verify succeeds.
func (s *Store) Verify() error {
	s.mu.RLock()
	blocks := s.blocks
	s.mu.RUnlock()

	err := VerifyChain(blocks)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		if s.halted == nil {
			metrics.IntegrityFailures.Inc()
			s.log.Error("ledger integrity failure, appends halted", "err", err)
		}
		s.halted = err
		return err
	}
	if s.halted != nil {
		s.log.Warn("ledger verified, appends resumed", "previous", s.halted)
	}
	s.halted = nil
	return nil
}

// Restore replaces the store's contents with a previously persisted chain and
// its still-open events. The chain is verified first; nothing changes on error.
func (s *Store) Restore(blocks []*Block, pending []event.Event) error {
	if err := VerifyChain(blocks); err != nil {
		return err
	}
	if err := s.lockWriter(context.Background()); err != nil {
		return err
	}
	defer s.writer.Unlock()

	var last uint64
	ids := make(map[string]struct{})
	byRecord := make(map[string][]event.Event)
	sealedIn := make(map[string][]uint64)
	add := func(ev event.Event) error {
		if _, dup := ids[ev.ID]; dup {
			return apperrors.New(apperrors.CodeIntegrityFailure, "event %s appears twice", ev.ID)
		}
		if ev.Sequence <= last {
			return apperrors.New(apperrors.CodeIntegrityFailure, "event %s sequence %d not after %d", ev.ID, ev.Sequence, last)
		}
		last = ev.Sequence
		ids[ev.ID] = struct{}{}
		byRecord[ev.RecordID] = append(byRecord[ev.RecordID], ev.Clone())
		return nil
	}
	for _, b := range blocks {
		for _, ev := range b.Events {
			if err := add(ev); err != nil {
				return err
			}
			nums := sealedIn[ev.RecordID]
			if len(nums) == 0 || nums[len(nums)-1] != b.Number {
				sealedIn[ev.RecordID] = append(nums, b.Number)
			}
		}
	}
	openedAt := s.opts.Clock().UTC()
	for i, ev := range pending {
		if err := add(ev); err != nil {
			return err
		}
		if i == 0 {
			openedAt = ev.Timestamp.UTC()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append([]*Block(nil), blocks...)
	s.pending = append([]event.Event(nil), pending...)
	s.openedAt = openedAt
	s.nextSeq = last + 1
	s.ids = ids
	s.byRecord = byRecord
	s.sealedIn = sealedIn
	s.halted = nil
	metrics.LedgerHeight.Set(float64(len(s.blocks)))
	s.log.Info("ledger restored", "blocks", len(blocks), "pending", len(pending), slog.Uint64("next_sequence", s.nextSeq))
	return nil
}

// Head returns the chain tip summary.
func (s *Store) Head() Head {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := Head{
		Height:        len(s.blocks),
		PendingEvents: len(s.pending),
		NextSequence:  s.nextSeq,
		Halted:        s.halted != nil,
	}
	if n := len(s.blocks); n > 0 {
		h.HeadHash = s.blocks[n-1].Hash
	}
	if s.halted != nil {
		h.HaltReason = s.halted.Error()
	}
	return h
}

// Block returns sealed block n.
func (s *Store) Block(n uint64) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n >= uint64(len(s.blocks)) {
		return Block{}, apperrors.New(apperrors.CodeNotFound, "block %d not found", n)
	}
	return s.blocks[n].Clone(), nil
}

// Blocks returns one page of sealed blocks in ascending order and the total
// number of sealed blocks. Pages are 1-based.
func (s *Store) Blocks(page, size int) ([]Block, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := len(s.blocks)
	start, end := pageBounds(page, size, total)
	out := make([]Block, 0, end-start)
	for _, b := range s.blocks[start:end] {
		out = append(out, b.Clone())
	}
	return out, total
}

// AllBlocks returns every sealed block in order.
func (s *Store) AllBlocks() []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Block, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = b.Clone()
	}
	return out
}

// PendingEvents returns the events of the open block.
func (s *Store) PendingEvents() []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]event.Event, len(s.pending))
	for i, ev := range s.pending {
		out[i] = ev.Clone()
	}
	return out
}

// EventsForRecord returns every event of a record, sealed or pending, in
// append order.
func (s *Store) EventsForRecord(recordID string) []event.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.byRecord[recordID]
	out := make([]event.Event, len(evs))
	for i, ev := range evs {
		out[i] = ev.Clone()
	}
	return out
}

// BlocksForRecord returns the sealed blocks that contain at least one event
// of the record.
func (s *Store) BlocksForRecord(recordID string) []Block {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nums := s.sealedIn[recordID]
	out := make([]Block, len(nums))
	for i, n := range nums {
		out[i] = s.blocks[n].Clone()
	}
	return out
}

func (s *Store) lockWriter(ctx context.Context) error {
	start := time.Now()
	err := s.writer.Lock(ctx, s.opts.LockTimeout)
	metrics.LockWait.WithLabelValues("ledger").Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil && lock.IsTimeout(err) {
		metrics.LockTimeouts.WithLabelValues("ledger").Inc()
	}
	return err
}

// haltOnIntegrity halts appends when durable storage reported that it
// disagrees with the chain. Only a successful Verify resumes them.
func (s *Store) haltOnIntegrity(err error) {
	if apperrors.CodeOf(err) != apperrors.CodeIntegrityFailure {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted == nil {
		metrics.IntegrityFailures.Inc()
		s.log.Error("storage integrity failure, appends halted", "err", err)
	}
	s.halted = err
}

func (s *Store) haltErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.halted != nil {
		return apperrors.Wrap(apperrors.CodeIntegrityFailure, s.halted, "ledger halted")
	}
	return nil
}

// next seals events as the block after the current tip. Caller holds writer.
func (s *Store) next(events []event.Event, now time.Time) (*Block, error) {
	var prev hashchain.Digest
	if n := len(s.blocks); n > 0 {
		prev = s.blocks[n-1].Hash
	}
	return seal(uint64(len(s.blocks)), prev, events, now)
}

// install makes a committed append visible. Caller holds writer.
func (s *Store) install(ev *event.Event, pending []event.Event, openedAt time.Time, sealed *Block) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev != nil {
		s.ids[ev.ID] = struct{}{}
		s.byRecord[ev.RecordID] = append(s.byRecord[ev.RecordID], ev.Clone())
		s.nextSeq = ev.Sequence + 1
	}
	if sealed == nil {
		s.pending = pending
		s.openedAt = openedAt
		return
	}
	s.blocks = append(s.blocks, sealed)
	for _, e := range sealed.Events {
		nums := s.sealedIn[e.RecordID]
		if len(nums) == 0 || nums[len(nums)-1] != sealed.Number {
			s.sealedIn[e.RecordID] = append(nums, sealed.Number)
		}
	}
	s.pending = nil
	s.openedAt = time.Time{}
}

func (s *Store) afterSeal(b *Block) {
	metrics.BlocksSealed.Inc()
	metrics.LedgerHeight.Set(float64(b.Number + 1))
	s.log.Info("block sealed", slog.Uint64("block", b.Number), "events", len(b.Events), "hash", b.Hash.String())

	s.hookMu.RLock()
	hooks := make([]func(Block), len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(b.Clone())
	}
}

func pageBounds(page, size, total int) (int, int) {
	if size <= 0 {
		size = 50
	}
	if page <= 0 {
		page = 1
	}
	// compare before multiplying so a huge page cannot overflow
	if page-1 > total/size {
		return total, total
	}
	start := (page - 1) * size
	if start >= total {
		return total, total
	}
	if size > total-start {
		return start, total
	}
	return start, start + size
}
