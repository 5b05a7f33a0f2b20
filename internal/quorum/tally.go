// Package quorum evaluates approval predicates over a tally of responses.
//
// Rules are written in a small boolean language:
//
//	approvals >= threshold
//	rejections > required - threshold OR (responses == required AND approvals < threshold)
//	NOT pending > 0
//
// Identifiers name Tally fields; literals are integers or true/false.
package quorum

import "strings"

// Tally is the response count a rule is evaluated against.
type Tally struct {
	Approvals  int // approvers that approved
	Rejections int // approvers that rejected
	Required   int // eligible approvers (M)
	Threshold  int // approvals needed (N)
}

// Responses returns the number of approvers that have answered.
func (t Tally) Responses() int { return t.Approvals + t.Rejections }

// Pending returns the number of approvers that have not answered.
func (t Tally) Pending() int {
	if p := t.Required - t.Responses(); p > 0 {
		return p
	}
	return 0
}

// Fields lists the identifiers a rule may reference.
var Fields = []string{"approvals", "rejections", "responses", "pending", "required", "threshold"}

func (t Tally) lookup(name string) (int, bool) {
	switch strings.ToLower(name) {
	case "approvals":
		return t.Approvals, true
	case "rejections":
		return t.Rejections, true
	case "responses":
		return t.Responses(), true
	case "pending":
		return t.Pending(), true
	case "required":
		return t.Required, true
	case "threshold":
		return t.Threshold, true
	}
	return 0, false
}
