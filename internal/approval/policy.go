package approval

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/quorumledger/internal/quorum"
)

// Mode selects how many approvals a record needs.
type Mode string

const (
	ModeUnanimity Mode = "UNANIMITY" // every eligible approver
	ModeThreshold Mode = "THRESHOLD" // N of M
)

// Built-in record types.
const (
	TypeTransfer = "TRANSFER"
	TypeContract = "CONTRACT"
)

// Policy is the quorum configuration snapshotted onto a record at creation.
type Policy struct {
	Mode      Mode `json:"mode" yaml:"quorum"`
	Threshold int  `json:"threshold,omitempty" yaml:"threshold"`
	// Veto rejects the record on the first rejection. Without it a record is
	// rejected only once enough rejections make the quorum unreachable.
	Veto              bool `json:"veto" yaml:"veto"`
	SeparateExecution bool `json:"separate_execution" yaml:"separate_execution"`
	AutoExecute       bool `json:"auto_execute" yaml:"auto_execute"`
	// Optional overrides of the derived approve/reject predicates.
	ApproveRule string `json:"approve_rule,omitempty" yaml:"approve_rule"`
	RejectRule  string `json:"reject_rule,omitempty" yaml:"reject_rule"`

	approve *quorum.Rule
	reject  *quorum.Rule
}

// DefaultPolicies returns the built-in record types.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		TypeTransfer: {Mode: ModeThreshold, Threshold: 2, SeparateExecution: true},
		TypeContract: {Mode: ModeUnanimity, Veto: true},
	}
}

// Compile validates p and compiles its rule overrides.
func (p *Policy) Compile() error {
	p.Mode = Mode(strings.ToUpper(string(p.Mode)))
	switch p.Mode {
	case ModeUnanimity:
	case ModeThreshold:
		if p.Threshold < 1 {
			return fmt.Errorf("threshold policy needs threshold >= 1, got %d", p.Threshold)
		}
	default:
		return fmt.Errorf("unknown quorum mode %q", p.Mode)
	}
	if p.AutoExecute && p.SeparateExecution {
		return fmt.Errorf("auto_execute and separate_execution are mutually exclusive")
	}
	var err error
	if p.approve, err = compileRule(p.ApproveRule); err != nil {
		return fmt.Errorf("approve_rule: %w", err)
	}
	if p.reject, err = compileRule(p.RejectRule); err != nil {
		return fmt.Errorf("reject_rule: %w", err)
	}
	return nil
}

func compileRule(src string) (*quorum.Rule, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	r, err := quorum.Compile(src)
	if err != nil {
		return nil, err
	}
	// surface type errors now rather than on the first response
	if _, err := r.Eval(quorum.Tally{Required: 1, Threshold: 1}); err != nil {
		return nil, err
	}
	return r, nil
}

// Needed returns the approvals required out of m eligible approvers.
func (p Policy) Needed(m int) int {
	if p.Mode == ModeThreshold {
		return p.Threshold
	}
	return m
}

func (p *Policy) approved(t quorum.Tally) (bool, error) {
	if p.ApproveRule != "" {
		if p.approve == nil {
			if err := p.Compile(); err != nil {
				return false, err
			}
		}
		return p.approve.Eval(t)
	}
	return t.Approvals >= t.Threshold, nil
}

func (p *Policy) rejected(t quorum.Tally) (bool, error) {
	if p.RejectRule != "" {
		if p.reject == nil {
			if err := p.Compile(); err != nil {
				return false, err
			}
		}
		return p.reject.Eval(t)
	}
	if p.Veto {
		return t.Rejections > 0, nil
	}
	return t.Rejections > t.Required-t.Threshold, nil
}
