package approval_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/quorumledger/internal/approval"
	apperrors "github.com/gyaneshwarpardhi/quorumledger/internal/errors"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func approvers(ids ...string) []approval.Approver {
	out := make([]approval.Approver, len(ids))
	for i, id := range ids {
		out[i] = approval.Approver{ID: id}
	}
	return out
}

func newTransfer(t *testing.T, threshold int, ids ...string) *approval.Record {
	t.Helper()
	r, err := approval.New(approval.Params{
		ID:        "tr-1",
		Type:      approval.TypeTransfer,
		Policy:    approval.Policy{Mode: approval.ModeThreshold, Threshold: threshold, SeparateExecution: true},
		Approvers: approvers(ids...),
		Amount:    500,
		CreatedBy: "maker",
	}, t0)
	require.NoError(t, err)
	return r
}

func submit(t *testing.T, r *approval.Record, id string, d approval.Decision) {
	t.Helper()
	changed, err := r.Submit(id, d, t0.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, changed)
}

func TestTwoOfThree_ApproveThenLateReject(t *testing.T) {
	r := newTransfer(t, 2, "A", "B", "C")

	submit(t, r, "A", approval.DecisionApprove)
	assert.Equal(t, approval.StatusPartiallyApproved, r.Status)
	submit(t, r, "B", approval.DecisionApprove)
	assert.Equal(t, approval.StatusApprovedPendingExec, r.Status)

	submit(t, r, "C", approval.DecisionReject)
	assert.Equal(t, approval.StatusApprovedPendingExec, r.Status, "quorum already met")
}

func TestTwoOfThree_RejectFirstThenApprove(t *testing.T) {
	r := newTransfer(t, 2, "A", "B", "C")

	submit(t, r, "C", approval.DecisionReject)
	assert.Equal(t, approval.StatusPending, r.Status, "quorum still reachable")
	submit(t, r, "A", approval.DecisionApprove)
	assert.Equal(t, approval.StatusPartiallyApproved, r.Status)
	submit(t, r, "B", approval.DecisionApprove)
	assert.Equal(t, approval.StatusApprovedPendingExec, r.Status)
}

func TestTwoOfThree_RejectedOnceQuorumImpossible(t *testing.T) {
	r := newTransfer(t, 2, "A", "B", "C")

	submit(t, r, "A", approval.DecisionReject)
	submit(t, r, "B", approval.DecisionReject)
	assert.Equal(t, approval.StatusRejected, r.Status)
}

func TestContract_SupplierVeto(t *testing.T) {
	r, err := approval.New(approval.Params{
		ID:        "ct-1",
		Type:      approval.TypeContract,
		Policy:    approval.DefaultPolicies()[approval.TypeContract],
		Approvers: []approval.Approver{{ID: "S1", Amount: 100}, {ID: "S2", Amount: 200}},
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, float64(300), r.Amount, "amount defaults to the allocations")

	submit(t, r, "S1", approval.DecisionReject)

	s1, err := r.ApproverStatus("S1")
	require.NoError(t, err)
	s2, err := r.ApproverStatus("S2")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusRejected, s1)
	assert.Equal(t, approval.StatusPending, s2)
	assert.Equal(t, approval.StatusRejected, r.Status)

	_, err = r.Execute(t0)
	assert.ErrorIs(t, err, apperrors.ErrNotReady)
	_, err = r.Submit("S2", approval.DecisionApprove, t0)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyTerminal)
}

func TestContract_UnanimityWithoutSeparateExecution(t *testing.T) {
	r, err := approval.New(approval.Params{
		ID:        "ct-2",
		Type:      approval.TypeContract,
		Policy:    approval.DefaultPolicies()[approval.TypeContract],
		Approvers: []approval.Approver{{ID: "S1", Amount: 100}, {ID: "S2", Amount: 200}},
	}, t0)
	require.NoError(t, err)

	submit(t, r, "S1", approval.DecisionApprove)
	assert.Equal(t, approval.StatusPartiallyApproved, r.Status)
	submit(t, r, "S2", approval.DecisionApprove)
	assert.Equal(t, approval.StatusApproved, r.Status)
}

func TestSubmit_Errors(t *testing.T) {
	r := newTransfer(t, 2, "A", "B")
	submit(t, r, "A", approval.DecisionApprove)

	tests := []struct {
		name     string
		approver string
		decision approval.Decision
		want     error
	}{
		{"not eligible", "Z", approval.DecisionApprove, apperrors.ErrNotEligible},
		{"changed decision", "A", approval.DecisionReject, apperrors.ErrDuplicateResponse},
		{"unknown decision", "B", approval.Decision("ABSTAIN"), apperrors.ErrInvalidArgument},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			changed, err := r.Submit(tc.approver, tc.decision, t0)
			assert.ErrorIs(t, err, tc.want)
			assert.False(t, changed)
		})
	}
	assert.Equal(t, approval.StatusPartiallyApproved, r.Status)
	assert.Len(t, r.Responses, 1)
}

func TestSubmit_DuplicateIsInvalidTransition(t *testing.T) {
	r := newTransfer(t, 1, "A", "B")
	submit(t, r, "A", approval.DecisionReject)

	_, err := r.Submit("A", approval.DecisionApprove, t0)
	assert.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestSubmit_SameDecisionIsNoop(t *testing.T) {
	r := newTransfer(t, 2, "A", "B")
	submit(t, r, "A", approval.DecisionApprove)
	before := r.Clone()

	changed, err := r.Submit("A", approval.DecisionApprove, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, before, r)
}

func TestSubmit_TerminalAlwaysFails(t *testing.T) {
	r := newTransfer(t, 2, "A", "B", "C")
	submit(t, r, "A", approval.DecisionApprove)
	submit(t, r, "B", approval.DecisionApprove)
	changed, err := r.Execute(t0)
	require.NoError(t, err)
	require.True(t, changed)

	for _, id := range []string{"A", "B", "C"} {
		for _, d := range []approval.Decision{approval.DecisionApprove, approval.DecisionReject} {
			_, err := r.Submit(id, d, t0)
			assert.ErrorIs(t, err, apperrors.ErrInvalidTransition, "%s %s", id, d)
		}
	}
}

func TestExecute(t *testing.T) {
	r := newTransfer(t, 1, "A")

	_, err := r.Execute(t0)
	assert.ErrorIs(t, err, apperrors.ErrNotReady)

	submit(t, r, "A", approval.DecisionApprove)
	changed, err := r.Execute(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, approval.StatusExecuted, r.Status)
	require.NotNil(t, r.ExecutedAt)

	changed, err = r.Execute(t0.Add(2 * time.Hour))
	require.NoError(t, err)
	assert.False(t, changed, "second execute is a no-op")
	assert.Equal(t, t0.Add(time.Hour), *r.ExecutedAt)

	st, err := r.ApproverStatus("A")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusExecuted, st)
}

func TestCustomRules(t *testing.T) {
	r, err := approval.New(approval.Params{
		ID:   "tr-rules",
		Type: approval.TypeTransfer,
		Policy: approval.Policy{
			Mode:        approval.ModeThreshold,
			Threshold:   1,
			ApproveRule: "approvals >= threshold AND rejections == 0",
			RejectRule:  "rejections >= 2",
		},
		Approvers: approvers("A", "B", "C"),
	}, t0)
	require.NoError(t, err)

	submit(t, r, "A", approval.DecisionReject)
	assert.Equal(t, approval.StatusPending, r.Status)
	submit(t, r, "B", approval.DecisionApprove)
	assert.Equal(t, approval.StatusPartiallyApproved, r.Status, "approve rule requires no rejections")
	submit(t, r, "C", approval.DecisionReject)
	assert.Equal(t, approval.StatusRejected, r.Status)
}

func TestNew_Validation(t *testing.T) {
	base := approval.Params{
		ID:        "x",
		Type:      approval.TypeTransfer,
		Policy:    approval.Policy{Mode: approval.ModeThreshold, Threshold: 2},
		Approvers: approvers("A", "B"),
	}
	tests := []struct {
		name   string
		mutate func(p *approval.Params)
	}{
		{"missing id", func(p *approval.Params) { p.ID = " " }},
		{"no approvers", func(p *approval.Params) { p.Approvers = nil }},
		{"duplicate approver", func(p *approval.Params) { p.Approvers = approvers("A", "A") }},
		{"threshold above approvers", func(p *approval.Params) { p.Policy.Threshold = 3 }},
		{"zero threshold", func(p *approval.Params) { p.Policy.Threshold = 0 }},
		{"unknown mode", func(p *approval.Params) { p.Policy.Mode = "MAJORITY" }},
		{"negative amount", func(p *approval.Params) { p.Amount = -1 }},
		{"fraction of a cent", func(p *approval.Params) { p.Amount = 10.005 }},
		{"allocation fraction of a cent", func(p *approval.Params) {
			p.Approvers = []approval.Approver{{ID: "A", Amount: 1.001}, {ID: "B"}}
		}},
		{"amount too large", func(p *approval.Params) { p.Amount = 1e17 }},
		{"bad rule", func(p *approval.Params) { p.Policy.ApproveRule = "votes > 1" }},
		{"auto and separate execution", func(p *approval.Params) {
			p.Policy.AutoExecute = true
			p.Policy.SeparateExecution = true
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			p.Policy = base.Policy
			tc.mutate(&p)
			_, err := approval.New(p, t0)
			assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
		})
	}
}

func TestClone_IsIndependent(t *testing.T) {
	r := newTransfer(t, 2, "A", "B")
	c := r.Clone()
	submit(t, c, "A", approval.DecisionApprove)

	assert.Empty(t, r.Responses)
	assert.Equal(t, approval.StatusPending, r.Status)
}

func TestParse(t *testing.T) {
	d, err := approval.ParseDecision("approved")
	require.NoError(t, err)
	assert.Equal(t, approval.DecisionApprove, d)
	_, err = approval.ParseDecision("maybe")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)

	s, err := approval.ParseStatus("partially_approved")
	require.NoError(t, err)
	assert.Equal(t, approval.StatusPartiallyApproved, s)
	_, err = approval.ParseStatus("DONE")
	assert.ErrorIs(t, err, apperrors.ErrInvalidArgument)
}

func TestNew_ContractTotalSumsAllocationsExactly(t *testing.T) {
	rec, err := approval.New(approval.Params{
		ID:     "ct-cents",
		Type:   approval.TypeContract,
		Policy: approval.Policy{Mode: approval.ModeUnanimity, Veto: true},
		Approvers: []approval.Approver{
			{ID: "s1", Amount: 0.1},
			{ID: "s2", Amount: 0.2},
			{ID: "s3", Amount: 1234567.89},
		},
	}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1234568.19, rec.Amount)
}
