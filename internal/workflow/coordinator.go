// Package workflow is the only mutator of approval records and the only
// driver of ledger appends. Every operation runs under the record's own lock
// and commits the new record state together with its ledger event.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/event"
	"github.com/gyaneshwarpardhi/quorumledger/internal/ledger"
	"github.com/gyaneshwarpardhi/quorumledger/internal/lock"
	"github.com/gyaneshwarpardhi/quorumledger/internal/metrics"
	"github.com/gyaneshwarpardhi/quorumledger/internal/storage"
)

// Committer makes one ledger append durable. Implemented by storage.SQLStore.
type Committer interface {
	Commit(ctx context.Context, b storage.Batch) error
}

// Settler moves the funds of an approved record. It runs before the EXECUTE
// event is committed; an error leaves the record approved. A settlement whose
// EXECUTE commit then fails is remembered, and the retry commits it without
// settling again. Settlers must also accept the record id as an idempotency key.
type Settler interface {
	Settle(ctx context.Context, rec *approval.Record) (reference string, err error)
}

// Options configures a Coordinator.
type Options struct {
	Ledger      *ledger.Store
	Committer   Committer // nil keeps state in memory only
	Settler     Settler   // nil executes without an external call
	Policies    map[string]approval.Policy
	LockTimeout time.Duration
	Clock       func() time.Time
	NewID       func() string
	Logger      *slog.Logger
}

// CreateRequest is the input of CreateRecord.
type CreateRequest struct {
	ID            string              `json:"id,omitempty"` // client-supplied; generated when empty
	Type          string              `json:"type"`
	Approvers     []approval.Approver `json:"approvers"`
	Amount        float64             `json:"amount"`
	Description   string              `json:"description,omitempty"`
	Attributes    map[string]string   `json:"attributes,omitempty"`
	AttachmentURL string              `json:"attachment_url,omitempty"`
	ActorID       string              `json:"actor_id,omitempty"`
}

type entry struct {
	mu  *lock.Mutex
	rec atomic.Pointer[approval.Record] // last committed state; nil until created
	// settled holds the reference of a completed settlement not yet committed
	// as EXECUTE. Guarded by mu.
	settled *string
}

// Coordinator serialises transitions per record.
type Coordinator struct {
	ledger      *ledger.Store
	committer   Committer
	settler     Settler
	policies    atomic.Pointer[map[string]approval.Policy]
	records     sync.Map // record id -> *entry
	lockTimeout time.Duration
	clock       func() time.Time
	newID       func() string
	log         *slog.Logger
}

// New returns a Coordinator. Policies default to approval.DefaultPolicies.
func New(opts Options) (*Coordinator, error) {
	if opts.Ledger == nil {
		return nil, fmt.Errorf("workflow: ledger store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Policies == nil {
		opts.Policies = approval.DefaultPolicies()
	}
	c := &Coordinator{
		ledger:      opts.Ledger,
		committer:   opts.Committer,
		settler:     opts.Settler,
		lockTimeout: opts.LockTimeout,
		clock:       opts.Clock,
		newID:       opts.NewID,
		log:         opts.Logger.With("component", "workflow"),
	}
	if err := c.SwapPolicies(opts.Policies); err != nil {
		return nil, err
	}
	return c, nil
}

// SwapPolicies atomically replaces the record-type policy table (used on
// hot-reload). Existing records keep the policy they were created with.
func (c *Coordinator) SwapPolicies(policies map[string]approval.Policy) error {
	next := make(map[string]approval.Policy, len(policies))
	for name, p := range policies {
		if err := p.Compile(); err != nil {
			return fmt.Errorf("record type %s: %w", name, err)
		}
		next[strings.ToUpper(name)] = p
	}
	c.policies.Store(&next)
	return nil
}

// Policies returns a copy of the current policy table.
func (c *Coordinator) Policies() map[string]approval.Policy {
	cur := *c.policies.Load()
	out := make(map[string]approval.Policy, len(cur))
	for k, v := range cur {
		out[k] = v
	}
	return out
}

// CreateRecord validates req, snapshots its type's policy and emits CREATE.
// A client-supplied id that already exists is rejected with CONFLICT.
func (c *Coordinator) CreateRecord(ctx context.Context, req CreateRequest) (*approval.Record, error) {
	typ := strings.ToUpper(strings.TrimSpace(req.Type))
	policy, ok := (*c.policies.Load())[typ]
	if !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "unknown record type %q", req.Type)
	}
	if req.ID == "" {
		req.ID = c.newID()
	}
	rec, err := approval.New(approval.Params{
		ID:            req.ID,
		Type:          typ,
		Policy:        policy,
		Approvers:     req.Approvers,
		Amount:        req.Amount,
		Description:   req.Description,
		Attributes:    req.Attributes,
		AttachmentURL: req.AttachmentURL,
		CreatedBy:     req.ActorID,
	}, c.clock())
	if err != nil {
		return nil, err
	}

	e := &entry{mu: lock.NewLocked()}
	if _, loaded := c.records.LoadOrStore(rec.ID, e); loaded {
		e.mu.Unlock()
		return nil, apperrors.New(apperrors.CodeConflict, "record %s already exists", rec.ID)
	}
	defer e.mu.Unlock()

	if err := c.commit(ctx, event.KindCreate, req.ActorID, rec, 0, rec); err != nil {
		c.records.CompareAndDelete(rec.ID, e)
		c.log.Warn("create failed", "record_id", rec.ID, "err", err)
		return nil, err
	}
	e.rec.Store(rec)

	metrics.RecordsCreated.WithLabelValues(rec.Type).Inc()
	metrics.StatusTransitions.WithLabelValues(string(rec.Status)).Inc()
	c.log.Info("record created", "record_id", rec.ID, "type", rec.Type, "approvers", len(rec.Approvers))
	return rec.Clone(), nil
}

type responsePayload struct {
	ApproverID     string            `json:"approver_id"`
	Decision       approval.Decision `json:"decision"`
	PreviousStatus approval.Status   `json:"previous_status"`
	Status         approval.Status   `json:"status"`
}

// Respond records approverID's decision on a record. An event is emitted only
// when the state machine accepts a new response; repeating a decision already
// on record returns the current state unchanged.
func (c *Coordinator) Respond(ctx context.Context, recordID, approverID string, d approval.Decision) (*approval.Record, error) {
	e, cur, err := c.acquire(ctx, recordID)
	if err != nil {
		metrics.Responses.WithLabelValues(string(d), string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}
	defer e.mu.Unlock()

	next := cur.Clone()
	changed, err := next.Submit(approverID, d, c.stamp(cur))
	if err != nil {
		metrics.Responses.WithLabelValues(string(d), string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}
	if !changed {
		metrics.Responses.WithLabelValues(string(d), "noop").Inc()
		return cur.Clone(), nil
	}
	next.Version = cur.Version + 1

	kind := event.KindApprove
	if d == approval.DecisionReject {
		kind = event.KindReject
	}
	payload := responsePayload{ApproverID: approverID, Decision: d, PreviousStatus: cur.Status, Status: next.Status}
	if err := c.commit(ctx, kind, approverID, next, cur.Version, payload); err != nil {
		metrics.Responses.WithLabelValues(string(d), string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}
	e.rec.Store(next)
	metrics.Responses.WithLabelValues(string(d), "accepted").Inc()
	c.transitioned(cur, next)

	if next.Policy.AutoExecute && next.Status == approval.StatusApproved {
		executed, err := c.execute(ctx, e, next, approverID)
		if err != nil {
			// the response is committed; execution can be retried explicitly
			c.log.Warn("auto-execute failed", "record_id", recordID, "err", err)
			return next.Clone(), nil
		}
		return executed, nil
	}
	return next.Clone(), nil
}

type executePayload struct {
	Status        approval.Status `json:"status"`
	Amount        float64         `json:"amount"`
	SettlementRef string          `json:"settlement_ref,omitempty"`
}

// Execute moves an approved record to EXECUTED, settling it first when a
// Settler is configured. Executing an EXECUTED record returns it unchanged.
func (c *Coordinator) Execute(ctx context.Context, recordID, actorID string) (*approval.Record, error) {
	e, cur, err := c.acquire(ctx, recordID)
	if err != nil {
		metrics.Executions.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}
	defer e.mu.Unlock()
	return c.execute(ctx, e, cur, actorID)
}

// execute runs with e locked.
func (c *Coordinator) execute(ctx context.Context, e *entry, cur *approval.Record, actorID string) (*approval.Record, error) {
	next := cur.Clone()
	changed, err := next.Execute(c.stamp(cur))
	if err != nil {
		metrics.Executions.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		return nil, err
	}
	if !changed {
		metrics.Executions.WithLabelValues("noop").Inc()
		return cur.Clone(), nil
	}
	next.Version = cur.Version + 1

	payload := executePayload{Status: next.Status, Amount: next.Amount}
	if c.settler != nil {
		if e.settled == nil {
			ref, err := c.settle(ctx, cur)
			if err != nil {
				metrics.Executions.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
				return nil, err
			}
			e.settled = &ref
		} else {
			c.log.Info("reusing earlier settlement", "record_id", cur.ID, "reference", *e.settled)
		}
		payload.SettlementRef = *e.settled
		// funds have moved; the caller going away must not strand the commit
		ctx = context.WithoutCancel(ctx)
	}

	if err := c.commit(ctx, event.KindExecute, actorID, next, cur.Version, payload); err != nil {
		metrics.Executions.WithLabelValues(string(apperrors.CodeOf(err))).Inc()
		if e.settled != nil {
			c.log.Error("settled record not committed as executed", "record_id", cur.ID, "reference", *e.settled, "err", err)
		}
		return nil, err
	}
	e.settled = nil
	e.rec.Store(next)
	metrics.Executions.WithLabelValues("executed").Inc()
	c.transitioned(cur, next)
	return next.Clone(), nil
}

// settle calls the settler unless the ledger is halted or ctx is already
// done, since the EXECUTE commit could not follow.
func (c *Coordinator) settle(ctx context.Context, cur *approval.Record) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h := c.ledger.Head(); h.Halted {
		return "", apperrors.New(apperrors.CodeIntegrityFailure, "ledger halted: %s", h.HaltReason)
	}
	ref, err := c.settler.Settle(ctx, cur.Clone())
	if err != nil {
		c.log.Warn("settlement failed", "record_id", cur.ID, "err", err)
		if apperrors.CodeOf(err) == apperrors.CodeExternal {
			return "", err
		}
		return "", apperrors.Wrap(apperrors.CodeExternal, err, "settle %s", cur.ID)
	}
	return ref, nil
}

// Get returns the last committed state of a record.
func (c *Coordinator) Get(recordID string) (*approval.Record, error) {
	v, ok := c.records.Load(recordID)
	if ok {
		if rec := v.(*entry).rec.Load(); rec != nil {
			return rec.Clone(), nil
		}
	}
	return nil, apperrors.New(apperrors.CodeNotFound, "record %s not found", recordID)
}

// Snapshot returns every committed record ordered by creation time.
func (c *Coordinator) Snapshot() []*approval.Record {
	var out []*approval.Record
	c.records.Range(func(_, v any) bool {
		if rec := v.(*entry).rec.Load(); rec != nil {
			out = append(out, rec.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Restore loads previously committed records. It must run before the
// coordinator serves requests.
func (c *Coordinator) Restore(records []*approval.Record) error {
	for _, rec := range records {
		if err := rec.Policy.Compile(); err != nil {
			return fmt.Errorf("restore %s: %w", rec.ID, err)
		}
		e := &entry{mu: lock.New()}
		e.rec.Store(rec.Clone())
		if _, loaded := c.records.LoadOrStore(rec.ID, e); loaded {
			return apperrors.New(apperrors.CodeConflict, "restore: record %s listed twice", rec.ID)
		}
	}
	c.log.Info("records restored", "count", len(records))
	return nil
}

// SealFunc returns the commit callback for time-based seals.
func (c *Coordinator) SealFunc() ledger.CommitFunc {
	return func(ctx context.Context, _ *event.Event, sealed *ledger.Block) error {
		if c.committer == nil {
			return nil
		}
		return c.committer.Commit(ctx, storage.Batch{Block: sealed})
	}
}

// acquire locks the record's entry. The caller must unlock e.mu.
func (c *Coordinator) acquire(ctx context.Context, recordID string) (*entry, *approval.Record, error) {
	v, ok := c.records.Load(recordID)
	if !ok {
		return nil, nil, apperrors.New(apperrors.CodeNotFound, "record %s not found", recordID)
	}
	e := v.(*entry)

	start := time.Now()
	err := e.mu.Lock(ctx, c.lockTimeout)
	metrics.LockWait.WithLabelValues("record").Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		if lock.IsTimeout(err) {
			metrics.LockTimeouts.WithLabelValues("record").Inc()
			return nil, nil, apperrors.Wrap(apperrors.CodeBusy, err, "record %s is busy", recordID)
		}
		return nil, nil, err
	}
	cur := e.rec.Load()
	if cur == nil {
		// creation was rolled back while we waited
		e.mu.Unlock()
		return nil, nil, apperrors.New(apperrors.CodeNotFound, "record %s not found", recordID)
	}
	return e, cur, nil
}

// commit appends one event for rec and durably records rec with it.
func (c *Coordinator) commit(ctx context.Context, kind event.Kind, actorID string, rec *approval.Record, prevVersion uint64, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}
	ev := event.Event{
		ID:        c.newID(),
		RecordID:  rec.ID,
		Kind:      kind,
		ActorID:   actorID,
		Payload:   raw,
		Timestamp: rec.LastUpdated,
	}
	_, err = c.ledger.Append(ctx, ev, func(ctx context.Context, ev *event.Event, sealed *ledger.Block) error {
		if c.committer == nil {
			return nil
		}
		return c.committer.Commit(ctx, storage.Batch{Event: ev, Block: sealed, Record: rec, PrevVersion: prevVersion})
	})
	return err
}

// stamp returns now, clamped so a record's timestamps never go backwards.
func (c *Coordinator) stamp(cur *approval.Record) time.Time {
	now := c.clock().UTC()
	if now.Before(cur.LastUpdated) {
		return cur.LastUpdated
	}
	return now
}

func (c *Coordinator) transitioned(prev, next *approval.Record) {
	if prev.Status == next.Status {
		return
	}
	metrics.StatusTransitions.WithLabelValues(string(next.Status)).Inc()
	c.log.Info("record status changed",
		"record_id", next.ID,
		"from", prev.Status,
		"to", next.Status,
		slog.Uint64("version", next.Version),
	)
}
