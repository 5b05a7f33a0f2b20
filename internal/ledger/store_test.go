package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/hashchain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(maxEvents int, maxAge time.Duration) (*Store, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewStore(Options{
		Seal:        SealPolicy{MaxEvents: maxEvents, MaxAge: maxAge},
		LockTimeout: time.Second,
		Clock:       clk.Now,
	}), clk
}

func ev(id, record string, kind event.Kind) event.Event {
	return event.Event{
		ID:       id,
		RecordID: record,
		Kind:     kind,
		ActorID:  "actor-" + id,
		Payload:  json.RawMessage(`{"n":1}`),
	}
}

func TestAppend_SealsAtMaxEvents(t *testing.T) {
	s, _ := newTestStore(3, 0)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		b, err := s.Append(ctx, ev(fmt.Sprintf("e%d", i), "r1", event.KindApprove), nil)
		require.NoError(t, err)
		assert.Nil(t, b)
	}
	assert.Equal(t, 2, s.Head().PendingEvents)

	b, err := s.Append(ctx, ev("e3", "r1", event.KindApprove), nil)
	require.NoError(t, err)
	require.NotNil(t, b)

	assert.Equal(t, uint64(0), b.Number)
	assert.True(t, b.PreviousHash.IsZero())
	assert.Len(t, b.Events, 3)
	for i, e := range b.Events {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	assert.NoError(t, b.Verify())

	head := s.Head()
	assert.Equal(t, 1, head.Height)
	assert.Equal(t, 0, head.PendingEvents)
	assert.Equal(t, b.Hash, head.HeadHash)
	assert.Equal(t, uint64(4), head.NextSequence)
}

func TestAppend_BlocksLinkToPredecessor(t *testing.T) {
	s, _ := newTestStore(1, 0)
	ctx := context.Background()

	first, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)
	second, err := s.Append(ctx, ev("e2", "r1", event.KindApprove), nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), second.Number)
	assert.Equal(t, first.Hash, second.PreviousHash)
	assert.NoError(t, s.Verify())
}

func TestAppend_DuplicateEventIDConflicts(t *testing.T) {
	s, _ := newTestStore(10, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestAppend_RejectsInvalidEvent(t *testing.T) {
	s, _ := newTestStore(10, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, event.Event{ID: "e1", Kind: event.KindCreate}, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	_, err = s.Append(ctx, event.Event{ID: "e1", RecordID: "r1", Kind: "FREEZE"}, nil)
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestAppend_CommitFailureLeavesStoreUnchanged(t *testing.T) {
	s, _ := newTestStore(2, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)
	before := s.Head()

	boom := errors.New("disk full")
	_, err = s.Append(ctx, ev("e2", "r1", event.KindApprove), func(context.Context, *event.Event, *Block) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Equal(t, before, s.Head())
	assert.Len(t, s.EventsForRecord("r1"), 1)

	// the id was not consumed, so a retry succeeds
	b, err := s.Append(ctx, ev("e2", "r1", event.KindApprove), nil)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, uint64(2), b.Events[1].Sequence)
}

func TestAppend_CommitSeesEventAndSealedBlock(t *testing.T) {
	s, _ := newTestStore(2, 0)
	ctx := context.Background()

	var seen []string
	commit := func(_ context.Context, e *event.Event, b *Block) error {
		entry := e.ID
		if b != nil {
			entry += fmt.Sprintf("+block%d", b.Number)
		}
		seen = append(seen, entry)
		return nil
	}
	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), commit)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("e2", "r1", event.KindApprove), commit)
	require.NoError(t, err)

	assert.Equal(t, []string{"e1", "e2+block0"}, seen)
}

func TestSealDue_AgeBound(t *testing.T) {
	s, clk := newTestStore(10, 10*time.Second)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)

	b, err := s.SealDue(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, b, "not yet due")

	clk.Advance(11 * time.Second)
	b, err = s.SealDue(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Len(t, b.Events, 1)

	b, err = s.SealDue(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, b, "nothing pending")
}

func TestAppend_AgeBoundSealsOnNextAppend(t *testing.T) {
	s, clk := newTestStore(10, 10*time.Second)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)
	clk.Advance(10 * time.Second)

	b, err := s.Append(ctx, ev("e2", "r1", event.KindApprove), nil)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Len(t, b.Events, 2)
}

func TestSealNow_EmptyIsNoop(t *testing.T) {
	s, _ := newTestStore(10, 0)
	b, err := s.SealNow(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, b)
	assert.Equal(t, 0, s.Head().Height)
}

func TestVerify_TamperHaltsAppends(t *testing.T) {
	s, _ := newTestStore(1, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("e2", "r1", event.KindApprove), nil)
	require.NoError(t, err)
	require.NoError(t, s.Verify())

	original := s.blocks[0].Events[0].ActorID
	s.blocks[0].Events[0].ActorID = "mallory"

	err = s.Verify()
	require.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
	assert.True(t, s.Head().Halted)

	_, err = s.Append(ctx, ev("e3", "r1", event.KindExecute), nil)
	assert.ErrorIs(t, err, apperrors.ErrIntegrityFailure)

	s.blocks[0].Events[0].ActorID = original
	require.NoError(t, s.Verify())
	assert.False(t, s.Head().Halted)

	_, err = s.Append(ctx, ev("e3", "r1", event.KindExecute), nil)
	assert.NoError(t, err)
}

func TestAppend_StorageIntegrityFailureHalts(t *testing.T) {
	s, _ := newTestStore(2, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)

	mismatch := apperrors.New(apperrors.CodeIntegrityFailure, "stored events differ from block 0")
	_, err = s.Append(ctx, ev("e2", "r1", event.KindApprove), func(context.Context, *event.Event, *Block) error {
		return mismatch
	})
	require.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
	head := s.Head()
	assert.True(t, head.Halted)
	assert.Contains(t, head.HaltReason, "stored events differ")

	_, err = s.Append(ctx, ev("e3", "r1", event.KindApprove), nil)
	assert.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
	assert.Len(t, s.EventsForRecord("r1"), 1)

	require.NoError(t, s.Verify())
	_, err = s.Append(ctx, ev("e3", "r1", event.KindApprove), nil)
	assert.NoError(t, err)
}

func TestSealNow_StorageIntegrityFailureHalts(t *testing.T) {
	s, _ := newTestStore(10, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)

	_, err = s.SealNow(ctx, func(context.Context, *event.Event, *Block) error {
		return apperrors.New(apperrors.CodeIntegrityFailure, "unsealed events missing")
	})
	require.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
	assert.True(t, s.Head().Halted)

	_, err = s.Append(ctx, ev("e2", "r1", event.KindApprove), nil)
	assert.ErrorIs(t, err, apperrors.ErrIntegrityFailure)
}

func TestAppend_OtherCommitErrorsDoNotHalt(t *testing.T) {
	s, _ := newTestStore(10, 0)
	_, err := s.Append(context.Background(), ev("e1", "r1", event.KindCreate), func(context.Context, *event.Event, *Block) error {
		return apperrors.New(apperrors.CodeConflict, "version moved")
	})
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.False(t, s.Head().Halted)
}

func TestPageBounds(t *testing.T) {
	tests := []struct {
		page, size, total int
		start, end        int
	}{
		{1, 2, 5, 0, 2},
		{3, 2, 5, 4, 5},
		{4, 2, 5, 5, 5},
		{0, 0, 5, 0, 5},
		{1, 10, 0, 0, 0},
		{144115188075855873, 200, 5, 5, 5},
		{2, int(^uint(0) >> 1), 5, 5, 5},
		{1, int(^uint(0) >> 1), 5, 0, 5},
	}
	for _, tc := range tests {
		start, end := pageBounds(tc.page, tc.size, tc.total)
		assert.Equal(t, tc.start, start, "page=%d size=%d", tc.page, tc.size)
		assert.Equal(t, tc.end, end, "page=%d size=%d", tc.page, tc.size)
	}
}

func TestVerify_BrokenLinkDetected(t *testing.T) {
	s, _ := newTestStore(1, 0)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		_, err := s.Append(ctx, ev(fmt.Sprintf("e%d", i), "r1", event.KindApprove), nil)
		require.NoError(t, err)
	}

	s.blocks[1].PreviousHash = hashchain.Hash([]byte("elsewhere"))
	assert.ErrorIs(t, s.Verify(), apperrors.ErrIntegrityFailure)
}

func TestProjections(t *testing.T) {
	s, _ := newTestStore(2, 0)
	ctx := context.Background()

	_, err := s.Append(ctx, ev("a1", "A", event.KindCreate), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("b1", "B", event.KindCreate), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("a2", "A", event.KindApprove), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("c1", "C", event.KindCreate), nil)
	require.NoError(t, err)
	_, err = s.Append(ctx, ev("a3", "A", event.KindExecute), nil)
	require.NoError(t, err)

	evs := s.EventsForRecord("A")
	require.Len(t, evs, 3)
	assert.Equal(t, []string{"a1", "a2", "a3"}, []string{evs[0].ID, evs[1].ID, evs[2].ID})

	blocks := s.BlocksForRecord("A")
	require.Len(t, blocks, 2)
	assert.Equal(t, uint64(0), blocks[0].Number)
	assert.Equal(t, uint64(1), blocks[1].Number)
	assert.Empty(t, s.BlocksForRecord("missing"))

	pending := s.PendingEvents()
	require.Len(t, pending, 1)
	assert.Equal(t, "a3", pending[0].ID)

	page, total := s.Blocks(2, 1)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, uint64(1), page[0].Number)

	page, _ = s.Blocks(5, 10)
	assert.Empty(t, page)

	_, err = s.Block(9)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRestore_RoundTrip(t *testing.T) {
	src, _ := newTestStore(2, 0)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := src.Append(ctx, ev(fmt.Sprintf("e%d", i), "r1", event.KindApprove), nil)
		require.NoError(t, err)
	}

	var blocks []*Block
	for _, b := range src.AllBlocks() {
		b := b
		blocks = append(blocks, &b)
	}

	dst, _ := newTestStore(2, 0)
	require.NoError(t, dst.Restore(blocks, src.PendingEvents()))
	assert.Equal(t, src.Head(), dst.Head())
	assert.Len(t, dst.EventsForRecord("r1"), 5)

	_, err := dst.Append(ctx, ev("e5", "r1", event.KindApprove), nil)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	b, err := dst.Append(ctx, ev("e6", "r1", event.KindApprove), nil)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, src.Head().HeadHash, b.PreviousHash)
}

func TestRestore_RejectsTamperedChain(t *testing.T) {
	src, _ := newTestStore(1, 0)
	_, err := src.Append(context.Background(), ev("e1", "r1", event.KindCreate), nil)
	require.NoError(t, err)

	b := src.AllBlocks()[0]
	b.Events[0].Payload = json.RawMessage(`{"n":2}`)

	dst, _ := newTestStore(1, 0)
	assert.ErrorIs(t, dst.Restore([]*Block{&b}, nil), apperrors.ErrIntegrityFailure)
	assert.Equal(t, 0, dst.Head().Height)
}

func TestOnSeal_HookReceivesBlock(t *testing.T) {
	s, _ := newTestStore(1, 0)
	var got []uint64
	s.OnSeal(func(b Block) { got = append(got, b.Number) })

	for i := 1; i <= 2; i++ {
		_, err := s.Append(context.Background(), ev(fmt.Sprintf("e%d", i), "r1", event.KindApprove), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []uint64{0, 1}, got)
}

func TestAppend_ConcurrentWritersGetUniqueSequences(t *testing.T) {
	s, _ := newTestStore(4, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(ctx, ev(fmt.Sprintf("e%d", i), fmt.Sprintf("r%d", i%5), event.KindApprove), nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	head := s.Head()
	assert.Equal(t, 10, head.Height)
	assert.Equal(t, uint64(41), head.NextSequence)
	assert.NoError(t, s.Verify())
}
