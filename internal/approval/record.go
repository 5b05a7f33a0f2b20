// Package approval is the per-record quorum state machine. A Record tracks
// one response per eligible approver and derives its status from its Policy.
// Records are not safe for concurrent use; callers serialise access per record.
package approval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
	"github.com/gyaneshwarpardhi/quorumledger/internal/quorum"
)

// Status is a record's position in the approval workflow.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusPartiallyApproved   Status = "PARTIALLY_APPROVED"
	StatusApproved            Status = "APPROVED"
	StatusApprovedPendingExec Status = "APPROVED_PENDING_EXEC"
	StatusExecuted            Status = "EXECUTED"
	StatusRejected            Status = "REJECTED"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{
	StatusPending, StatusPartiallyApproved, StatusApproved,
	StatusApprovedPendingExec, StatusExecuted, StatusRejected,
}

// ParseStatus accepts a status name in any case.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", apperrors.New(apperrors.CodeInvalidArgument, "unknown status %q", s)
}

// IsTerminal reports whether no further responses are accepted.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusRejected
}

func (s Status) isApproved() bool {
	return s == StatusApproved || s == StatusApprovedPendingExec
}

// Decision is an approver's answer.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ParseDecision accepts APPROVE/REJECT as well as APPROVED/REJECTED.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPROVE", "APPROVED":
		return DecisionApprove, nil
	case "REJECT", "REJECTED":
		return DecisionReject, nil
	}
	return "", apperrors.New(apperrors.CodeInvalidArgument, "decision must be APPROVE or REJECT, got %q", s)
}

// Approver is an eligible responder. For contracts each approver is a
// supplier and Amount is that supplier's allocation.
type Approver struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Amount float64 `json:"amount,omitempty"`
}

// Response is one approver's recorded decision.
type Response struct {
	Decision Decision  `json:"decision"`
	At       time.Time `json:"at"`
}

// Record is the mutable workflow state for one transfer or contract.
type Record struct {
	ID            string              `json:"id"`
	Type          string              `json:"type"`
	Policy        Policy              `json:"policy"`
	Approvers     []Approver          `json:"approvers"`
	Responses     map[string]Response `json:"responses"`
	Status        Status              `json:"status"`
	Amount        float64             `json:"amount"`
	Description   string              `json:"description,omitempty"`
	Attributes    map[string]string   `json:"attributes,omitempty"`
	AttachmentURL string              `json:"attachment_url,omitempty"`
	CreatedBy     string              `json:"created_by"`
	CreatedAt     time.Time           `json:"created_at"`
	LastUpdated   time.Time           `json:"last_updated"`
	ExecutedAt    *time.Time          `json:"executed_at,omitempty"`
	// Version increments on every committed change and backs optimistic
	// concurrency in durable storage.
	Version uint64 `json:"version"`
}

// Params are the immutable inputs of a new record.
type Params struct {
	ID            string
	Type          string
	Policy        Policy
	Approvers     []Approver
	Amount        float64
	Description   string
	Attributes    map[string]string
	AttachmentURL string
	CreatedBy     string
}

// New validates p and returns a PENDING record at version 1.
func New(p Params, at time.Time) (*Record, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "record id is required")
	}
	if len(p.Approvers) == 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "at least one approver is required")
	}
	if p.Amount < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "amount must not be negative")
	}
	if _, ok := toCents(p.Amount); !ok {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "amount %v is not a whole number of cents", p.Amount)
	}
	seen := make(map[string]struct{}, len(p.Approvers))
	var allocated int64 // cents
	for _, a := range p.Approvers {
		if strings.TrimSpace(a.ID) == "" {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "approver id is required")
		}
		if _, dup := seen[a.ID]; dup {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "approver %s listed twice", a.ID)
		}
		if a.Amount < 0 {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "approver %s amount must not be negative", a.ID)
		}
		cents, ok := toCents(a.Amount)
		if !ok {
			return nil, apperrors.New(apperrors.CodeInvalidArgument, "approver %s amount %v is not a whole number of cents", a.ID, a.Amount)
		}
		seen[a.ID] = struct{}{}
		allocated += cents
	}
	policy := p.Policy
	if err := policy.Compile(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "record type %s", p.Type)
	}
	if n := policy.Needed(len(p.Approvers)); n > len(p.Approvers) {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "quorum of %d cannot be met by %d approvers", n, len(p.Approvers))
	}

	amount := p.Amount
	if amount == 0 {
		amount = float64(allocated) / 100
	}
	at = at.UTC()
	r := &Record{
		ID:            p.ID,
		Type:          p.Type,
		Policy:        policy,
		Approvers:     append([]Approver(nil), p.Approvers...),
		Responses:     make(map[string]Response),
		Status:        StatusPending,
		Amount:        amount,
		Description:   p.Description,
		Attributes:    copyAttrs(p.Attributes),
		AttachmentURL: p.AttachmentURL,
		CreatedBy:     p.CreatedBy,
		CreatedAt:     at,
		LastUpdated:   at,
		Version:       1,
	}
	return r, nil
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	c := *r
	c.Approvers = append([]Approver(nil), r.Approvers...)
	c.Responses = make(map[string]Response, len(r.Responses))
	for k, v := range r.Responses {
		c.Responses[k] = v
	}
	c.Attributes = copyAttrs(r.Attributes)
	if r.ExecutedAt != nil {
		t := *r.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

// IsTerminal reports whether the record is EXECUTED or REJECTED.
func (r *Record) IsTerminal() bool { return r.Status.IsTerminal() }

// Eligible reports whether approverID may respond to r.
func (r *Record) Eligible(approverID string) bool {
	for _, a := range r.Approvers {
		if a.ID == approverID {
			return true
		}
	}
	return false
}

// Tally counts the responses against the policy's quorum.
func (r *Record) Tally() quorum.Tally {
	t := quorum.Tally{Required: len(r.Approvers), Threshold: r.Policy.Needed(len(r.Approvers))}
	for _, resp := range r.Responses {
		switch resp.Decision {
		case DecisionApprove:
			t.Approvals++
		case DecisionReject:
			t.Rejections++
		}
	}
	return t
}

// Submit records approverID's decision and recomputes the status. It
// returns false without error when the approver resubmits the decision
// already on record.
func (r *Record) Submit(approverID string, d Decision, at time.Time) (bool, error) {
	if d != DecisionApprove && d != DecisionReject {
		return false, apperrors.New(apperrors.CodeInvalidArgument, "unknown decision %q", d)
	}
	if !r.Eligible(approverID) {
		return false, apperrors.New(apperrors.CodeNotEligible, "%s is not an approver of %s", approverID, r.ID)
	}
	if r.IsTerminal() {
		return false, apperrors.New(apperrors.CodeAlreadyTerminal, "record %s is %s", r.ID, r.Status)
	}
	if prev, ok := r.Responses[approverID]; ok {
		if prev.Decision == d {
			return false, nil
		}
		return false, apperrors.New(apperrors.CodeDuplicateResponse, "%s already responded %s to %s", approverID, prev.Decision, r.ID)
	}

	r.Responses[approverID] = Response{Decision: d, At: at.UTC()}
	status, err := r.derive()
	if err != nil {
		delete(r.Responses, approverID)
		return false, apperrors.Wrap(apperrors.CodeInvalidArgument, err, "evaluate quorum for %s", r.ID)
	}
	r.Status = status
	r.LastUpdated = at.UTC()
	return true, nil
}

// derive computes the status from the responses. Reaching quorum is sticky:
// a later rejection does not demote an approved record.
func (r *Record) derive() (Status, error) {
	if r.Status.isApproved() || r.IsTerminal() {
		return r.Status, nil
	}
	t := r.Tally()
	ok, err := r.Policy.approved(t)
	if err != nil {
		return "", err
	}
	if ok {
		if r.Policy.SeparateExecution {
			return StatusApprovedPendingExec, nil
		}
		return StatusApproved, nil
	}
	if ok, err = r.Policy.rejected(t); err != nil {
		return "", err
	} else if ok {
		return StatusRejected, nil
	}
	if t.Approvals > 0 {
		return StatusPartiallyApproved, nil
	}
	return StatusPending, nil
}

// Execute moves an approved record to EXECUTED. It returns false without
// error when the record is already EXECUTED.
func (r *Record) Execute(at time.Time) (bool, error) {
	switch {
	case r.Status == StatusExecuted:
		return false, nil
	case r.Status.isApproved():
		at = at.UTC()
		r.Status = StatusExecuted
		r.ExecutedAt = &at
		r.LastUpdated = at
		return true, nil
	default:
		return false, apperrors.New(apperrors.CodeNotReady, "record %s is %s, not approved", r.ID, r.Status)
	}
}

// ApproverStatus is the status of one approver's share of the record: its
// own decision if it has responded, otherwise PENDING. Once the record is
// executed every approved share reads EXECUTED.
func (r *Record) ApproverStatus(approverID string) (Status, error) {
	if !r.Eligible(approverID) {
		return "", apperrors.New(apperrors.CodeNotEligible, "%s is not an approver of %s", approverID, r.ID)
	}
	resp, ok := r.Responses[approverID]
	switch {
	case !ok:
		return StatusPending, nil
	case resp.Decision == DecisionReject:
		return StatusRejected, nil
	case r.Status == StatusExecuted:
		return StatusExecuted, nil
	default:
		return StatusApproved, nil
	}
}

// Approver returns the approver entry for id.
func (r *Record) Approver(id string) (Approver, bool) {
	for _, a := range r.Approvers {
		if a.ID == id {
			return a, true
		}
	}
	return Approver{}, false
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %s (%s) v%d", r.Type, r.ID, r.Status, r.Version)
}

func copyAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// maxCents bounds amounts to values a float64 holds to the cent.
const maxCents = 1 << 53

// toCents converts a currency amount to integer minor units. It fails when the
// shortest decimal form of v has more than two fractional digits or v is too
// large to sum exactly.
func toCents(v float64) (int64, bool) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	if s := strconv.FormatFloat(v, 'f', -1, 64); strings.Contains(s, ".") && len(s)-strings.IndexByte(s, '.')-1 > 2 {
		return 0, false
	}
	c := math.Round(v * 100)
	if math.Abs(c) > maxCents {
		return 0, false
	}
	return int64(c), true
}
