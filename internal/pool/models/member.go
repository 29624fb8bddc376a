package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// MemberRole is a participant's function inside a pool. Only investors carry
// voting power.
type MemberRole string

const (
	MemberRoleInvestor MemberRole = "investor"
	MemberRoleAdvisor  MemberRole = "advisor"
	MemberRoleObserver MemberRole = "observer"
)

var validMemberRoles = map[MemberRole]bool{
	MemberRoleInvestor: true,
	MemberRoleAdvisor:  true,
	MemberRoleObserver: true,
}

// ParseMemberRole constructs a MemberRole from external input.
func ParseMemberRole(s string) (MemberRole, error) {
	r := MemberRole(s)
	if !r.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid member role")
	}
	return r, nil
}

func (r MemberRole) IsValid() bool  { return validMemberRoles[r] }
func (r MemberRole) String() string { return string(r) }

// MemberStatus tracks a membership's standing.
type MemberStatus string

const (
	MemberStatusActive  MemberStatus = "active"
	MemberStatusPending MemberStatus = "pending"
	MemberStatusRemoved MemberStatus = "removed"
)

func (s MemberStatus) IsValid() bool {
	switch s {
	case MemberStatusActive, MemberStatusPending, MemberStatusRemoved:
		return true
	}
	return false
}

func (s MemberStatus) String() string { return string(s) }

// PoolMember is one participant's stake in a pool.
type PoolMember struct {
	ID              id.MemberID     `json:"id"`
	PoolID          id.PoolID       `json:"pool_id"`
	UserID          id.UserID       `json:"user_id"`
	Role            MemberRole      `json:"role"`
	Status          MemberStatus    `json:"status"`
	CommittedAmount decimal.Decimal `json:"committed_amount"`
	InvestedAmount  decimal.Decimal `json:"invested_amount"`
	VotingPower     decimal.Decimal `json:"voting_power"`
	JoinedAt        time.Time       `json:"joined_at"`
}

// NewPoolMember builds an active membership. Voting power defaults to the
// committed amount, which makes tallies proportional to capital; advisors
// and observers carry none.
func NewPoolMember(memberID id.MemberID, poolID id.PoolID, userID id.UserID, role MemberRole, committed decimal.Decimal, now time.Time) (*PoolMember, error) {
	if !role.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid member role")
	}
	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}
	if committed.IsNegative() {
		return nil, dErrors.New(dErrors.CodeValidation, "committed amount cannot be negative")
	}
	votingPower := decimal.Zero
	if role == MemberRoleInvestor {
		votingPower = committed
	}
	return &PoolMember{
		ID:              memberID,
		PoolID:          poolID,
		UserID:          userID,
		Role:            role,
		Status:          MemberStatusActive,
		CommittedAmount: committed,
		InvestedAmount:  decimal.Zero,
		VotingPower:     votingPower,
		JoinedAt:        now,
	}, nil
}

// CanVote reports whether this membership is eligible to vote on proposals.
func (m *PoolMember) CanVote() bool {
	return m.Status == MemberStatusActive && m.Role == MemberRoleInvestor && m.VotingPower.IsPositive()
}
