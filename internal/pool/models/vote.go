package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// VoteType is one member's decision on a proposal.
type VoteType string

const (
	VoteTypeApprove VoteType = "approve"
	VoteTypeReject  VoteType = "reject"
	VoteTypeAbstain VoteType = "abstain"
)

var validVoteTypes = map[VoteType]bool{
	VoteTypeApprove: true,
	VoteTypeReject:  true,
	VoteTypeAbstain: true,
}

// ParseVoteType constructs a VoteType from external input.
func ParseVoteType(s string) (VoteType, error) {
	v := VoteType(s)
	if !v.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid vote type")
	}
	return v, nil
}

func (v VoteType) IsValid() bool  { return validVoteTypes[v] }
func (v VoteType) String() string { return string(v) }

// PoolVote is one member's decision with their voting power frozen at cast
// time so later commitment changes never destabilize a tally. At most one
// vote exists per (investment, voter); a resubmission replaces it.
type PoolVote struct {
	ID           id.VoteID       `json:"id"`
	InvestmentID id.InvestmentID `json:"investment_id"`
	VoterID      id.UserID       `json:"voter_id"`
	VoteType     VoteType        `json:"vote_type"`
	Weight       decimal.Decimal `json:"weight"`
	CastAt       time.Time       `json:"cast_at"`
}

// NewPoolVote builds a vote carrying the voter's current power as weight.
func NewPoolVote(voteID id.VoteID, investmentID id.InvestmentID, voterID id.UserID, voteType VoteType, weight decimal.Decimal, now time.Time) (*PoolVote, error) {
	if !voteType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid vote type")
	}
	if !weight.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "vote weight must be positive")
	}
	return &PoolVote{
		ID:           voteID,
		InvestmentID: investmentID,
		VoterID:      voterID,
		VoteType:     voteType,
		Weight:       weight,
		CastAt:       now,
	}, nil
}

// Tally aggregates cast votes against the total power eligible to vote.
// Abstentions count toward eligible power but neither side.
type Tally struct {
	ApproveWeight decimal.Decimal `json:"approve_weight"`
	RejectWeight  decimal.Decimal `json:"reject_weight"`
	AbstainWeight decimal.Decimal `json:"abstain_weight"`
	EligiblePower decimal.Decimal `json:"eligible_power"`
}

// ComputeTally folds a consistent snapshot of votes into a tally. The result
// depends only on the vote set and eligible power, never on cast order.
func ComputeTally(votes []*PoolVote, eligiblePower decimal.Decimal) Tally {
	t := Tally{
		ApproveWeight: decimal.Zero,
		RejectWeight:  decimal.Zero,
		AbstainWeight: decimal.Zero,
		EligiblePower: eligiblePower,
	}
	for _, v := range votes {
		switch v.VoteType {
		case VoteTypeApprove:
			t.ApproveWeight = t.ApproveWeight.Add(v.Weight)
		case VoteTypeReject:
			t.RejectWeight = t.RejectWeight.Add(v.Weight)
		case VoteTypeAbstain:
			t.AbstainWeight = t.AbstainWeight.Add(v.Weight)
		}
	}
	return t
}

// Outcome applies the majority-of-weight rule: a side wins the moment its
// cumulative weight strictly exceeds half the eligible power. Exact ties and
// all-abstain tallies stay at voting until more votes arrive or an
// administrative override resolves them.
func (t Tally) Outcome() InvestmentStatus {
	if t.EligiblePower.IsZero() {
		return InvestmentStatusVoting
	}
	half := t.EligiblePower.Div(decimal.NewFromInt(2))
	if t.ApproveWeight.GreaterThan(half) {
		return InvestmentStatusApproved
	}
	if t.RejectWeight.GreaterThan(half) {
		return InvestmentStatusRejected
	}
	return InvestmentStatusVoting
}
