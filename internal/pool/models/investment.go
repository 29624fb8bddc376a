package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// InvestmentStatus is the lifecycle state of a proposal.
type InvestmentStatus string

const (
	InvestmentStatusProposed InvestmentStatus = "proposed"
	InvestmentStatusVoting   InvestmentStatus = "voting"
	InvestmentStatusApproved InvestmentStatus = "approved"
	InvestmentStatusRejected InvestmentStatus = "rejected"
	InvestmentStatusInvested InvestmentStatus = "invested"
)

// investmentTransitions: invested is reachable only from approved; rejected
// and invested are terminal.
var investmentTransitions = map[InvestmentStatus][]InvestmentStatus{
	InvestmentStatusProposed: {InvestmentStatusVoting, InvestmentStatusApproved},
	InvestmentStatusVoting:   {InvestmentStatusApproved, InvestmentStatusRejected},
	InvestmentStatusApproved: {InvestmentStatusInvested},
}

func (s InvestmentStatus) IsValid() bool {
	switch s {
	case InvestmentStatusProposed, InvestmentStatusVoting, InvestmentStatusApproved,
		InvestmentStatusRejected, InvestmentStatusInvested:
		return true
	}
	return false
}

func (s InvestmentStatus) String() string { return string(s) }

// CanTransitionTo reports whether a direct transition to next is allowed.
func (s InvestmentStatus) CanTransitionTo(next InvestmentStatus) bool {
	for _, allowed := range investmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PoolInvestment is a candidate capital deployment from a pool.
type PoolInvestment struct {
	ID            id.InvestmentID  `json:"id"`
	PoolID        id.PoolID        `json:"pool_id"`
	OpportunityID id.OpportunityID `json:"opportunity_id"`
	Amount        decimal.Decimal  `json:"amount"`
	Currency      string           `json:"currency"`
	ProposedBy    id.UserID        `json:"proposed_by"`
	Notes         string           `json:"notes,omitempty"`
	Status        InvestmentStatus `json:"status"`
	ProposedAt    time.Time        `json:"proposed_at"`
	ExecutedAt    *time.Time       `json:"executed_at,omitempty"`
}

// NewPoolInvestment builds a proposal. The initial status depends on the
// pool's governance flags: majority-vote pools open voting immediately,
// auto-approve pools skip it, and pools with neither flag hold the proposal
// until an administrative resolution.
func NewPoolInvestment(investmentID id.InvestmentID, pool *InvestmentPool, opportunityID id.OpportunityID, amount decimal.Decimal, proposedBy id.UserID, notes string, now time.Time) (*PoolInvestment, error) {
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "investment amount must be positive")
	}
	if proposedBy.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "proposer is required")
	}
	status := InvestmentStatusProposed
	switch {
	case pool.RequireMajorityVote:
		status = InvestmentStatusVoting
	case pool.AutoApproveInvestments:
		status = InvestmentStatusApproved
	}
	return &PoolInvestment{
		ID:            investmentID,
		PoolID:        pool.ID,
		OpportunityID: opportunityID,
		Amount:        amount,
		Currency:      pool.Currency,
		ProposedBy:    proposedBy,
		Notes:         notes,
		Status:        status,
		ProposedAt:    now,
	}, nil
}

// CanExecute checks the approved → invested transition. The error
// distinguishes an already-executed proposal from one never approved.
func (i *PoolInvestment) CanExecute() error {
	switch i.Status {
	case InvestmentStatusApproved:
		return nil
	case InvestmentStatusInvested:
		return dErrors.New(dErrors.CodeConflict, "investment already executed")
	default:
		return dErrors.Newf(dErrors.CodeConflict, "investment cannot be executed from status %s", i.Status)
	}
}

// ApplyExecution marks the proposal as invested.
func (i *PoolInvestment) ApplyExecution(now time.Time) {
	i.Status = InvestmentStatusInvested
	executedAt := now
	i.ExecutedAt = &executedAt
}

// CanResolve checks whether a voting outcome can be applied.
func (i *PoolInvestment) CanResolve(outcome InvestmentStatus) error {
	if outcome != InvestmentStatusApproved && outcome != InvestmentStatusRejected {
		return dErrors.New(dErrors.CodeInvalidInput, "resolution outcome must be approved or rejected")
	}
	if !i.Status.CanTransitionTo(outcome) {
		return dErrors.Newf(dErrors.CodeConflict, "investment cannot move from %s to %s", i.Status, outcome)
	}
	return nil
}

// ApplyResolution applies a voting outcome.
func (i *PoolInvestment) ApplyResolution(outcome InvestmentStatus) {
	i.Status = outcome
}
