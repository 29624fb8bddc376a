package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// PoolType classifies the collective vehicle.
type PoolType string

const (
	PoolTypeSyndicate  PoolType = "syndicate"
	PoolTypeFund       PoolType = "fund"
	PoolTypeCollective PoolType = "collective"
	PoolTypeAngelGroup PoolType = "angel_group"
)

var validPoolTypes = map[PoolType]bool{
	PoolTypeSyndicate:  true,
	PoolTypeFund:       true,
	PoolTypeCollective: true,
	PoolTypeAngelGroup: true,
}

// ParsePoolType constructs a PoolType from external input.
func ParsePoolType(s string) (PoolType, error) {
	t := PoolType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid pool type")
	}
	return t, nil
}

func (t PoolType) IsValid() bool  { return validPoolTypes[t] }
func (t PoolType) String() string { return string(t) }

// RiskProfile is the pool's declared risk appetite.
type RiskProfile string

const (
	RiskProfileConservative RiskProfile = "conservative"
	RiskProfileModerate     RiskProfile = "moderate"
	RiskProfileAggressive   RiskProfile = "aggressive"
)

var validRiskProfiles = map[RiskProfile]bool{
	RiskProfileConservative: true,
	RiskProfileModerate:     true,
	RiskProfileAggressive:   true,
}

// ParseRiskProfile constructs a RiskProfile from external input.
func ParseRiskProfile(s string) (RiskProfile, error) {
	p := RiskProfile(s)
	if !p.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid risk profile")
	}
	return p, nil
}

func (p RiskProfile) IsValid() bool  { return validRiskProfiles[p] }
func (p RiskProfile) String() string { return string(p) }

// PoolStatus is the lifecycle state of an investment pool.
type PoolStatus string

const (
	PoolStatusForming      PoolStatus = "forming"
	PoolStatusActive       PoolStatus = "active"
	PoolStatusInvesting    PoolStatus = "investing"
	PoolStatusDistributing PoolStatus = "distributing"
	PoolStatusClosed       PoolStatus = "closed"
	PoolStatusCancelled    PoolStatus = "cancelled"
)

// poolTransitions is the single source of truth for allowed status moves.
// cancelled is the escape hatch from any non-terminal pre-distribution state.
var poolTransitions = map[PoolStatus][]PoolStatus{
	PoolStatusForming:      {PoolStatusActive, PoolStatusCancelled},
	PoolStatusActive:       {PoolStatusInvesting, PoolStatusClosed, PoolStatusCancelled},
	PoolStatusInvesting:    {PoolStatusDistributing, PoolStatusClosed, PoolStatusCancelled},
	PoolStatusDistributing: {PoolStatusClosed},
}

func (s PoolStatus) IsValid() bool {
	switch s {
	case PoolStatusForming, PoolStatusActive, PoolStatusInvesting,
		PoolStatusDistributing, PoolStatusClosed, PoolStatusCancelled:
		return true
	}
	return false
}

func (s PoolStatus) String() string { return string(s) }

// CanTransitionTo reports whether a direct transition to next is allowed.
func (s PoolStatus) CanTransitionTo(next PoolStatus) bool {
	for _, allowed := range poolTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AcceptsProposals reports whether new investment proposals may be created.
func (s PoolStatus) AcceptsProposals() bool {
	return s == PoolStatusActive || s == PoolStatusInvesting
}

// InvestmentPool aggregates multiple members' committed capital for joint
// investment decisions.
//
// Invariants:
//   - CurrentMembers <= MaxMembers
//   - TotalInvested <= TotalCommitted
//   - MinimumInvestment <= MaximumInvestment
//   - Status transitions follow poolTransitions only
type InvestmentPool struct {
	ID                     id.PoolID       `json:"id"`
	Name                   string          `json:"name"`
	Description            string          `json:"description"`
	Type                   PoolType        `json:"type"`
	Status                 PoolStatus      `json:"status"`
	EscrowAccountID        id.AccountID    `json:"escrow_account_id"`
	Currency               string          `json:"currency"`
	TargetAmount           decimal.Decimal `json:"target_amount"`
	MinimumInvestment      decimal.Decimal `json:"minimum_investment"`
	MaximumInvestment      decimal.Decimal `json:"maximum_investment"`
	TotalCommitted         decimal.Decimal `json:"total_committed"`
	TotalInvested          decimal.Decimal `json:"total_invested"`
	TotalDistributed       decimal.Decimal `json:"total_distributed"`
	CurrentMembers         int             `json:"current_members"`
	MaxMembers             int             `json:"max_members"`
	RiskProfile            RiskProfile     `json:"risk_profile"`
	AutoApproveInvestments bool            `json:"auto_approve_investments"`
	RequireMajorityVote    bool            `json:"require_majority_vote"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// PoolSpec carries the caller-supplied fields for pool creation.
type PoolSpec struct {
	Name                   string
	Description            string
	Type                   PoolType
	Currency               string
	TargetAmount           decimal.Decimal
	MinimumInvestment      decimal.Decimal
	MaximumInvestment      decimal.Decimal
	MaxMembers             int
	RiskProfile            RiskProfile
	AutoApproveInvestments bool
	RequireMajorityVote    bool
}

// NewInvestmentPool validates the pool spec and builds a forming pool.
func NewInvestmentPool(poolID id.PoolID, escrowAccountID id.AccountID, spec PoolSpec, now time.Time) (*InvestmentPool, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "pool name cannot be empty")
	}
	if strings.TrimSpace(spec.Description) == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "pool description cannot be empty")
	}
	if !spec.Type.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid pool type")
	}
	if !spec.RiskProfile.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid risk profile")
	}
	if !spec.TargetAmount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "target amount must be positive")
	}
	if spec.MinimumInvestment.IsNegative() || !spec.MaximumInvestment.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "investment bounds must be positive")
	}
	if spec.MinimumInvestment.GreaterThan(spec.MaximumInvestment) {
		return nil, dErrors.New(dErrors.CodeValidation, "minimum investment exceeds maximum")
	}
	if spec.MaxMembers <= 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "max members must be positive")
	}
	return &InvestmentPool{
		ID:                     poolID,
		Name:                   name,
		Description:            strings.TrimSpace(spec.Description),
		Type:                   spec.Type,
		Status:                 PoolStatusForming,
		EscrowAccountID:        escrowAccountID,
		Currency:               strings.ToUpper(strings.TrimSpace(spec.Currency)),
		TargetAmount:           spec.TargetAmount,
		MinimumInvestment:      spec.MinimumInvestment,
		MaximumInvestment:      spec.MaximumInvestment,
		TotalCommitted:         decimal.Zero,
		TotalInvested:          decimal.Zero,
		TotalDistributed:       decimal.Zero,
		MaxMembers:             spec.MaxMembers,
		RiskProfile:            spec.RiskProfile,
		AutoApproveInvestments: spec.AutoApproveInvestments,
		RequireMajorityVote:    spec.RequireMajorityVote,
		CreatedAt:              now,
		UpdatedAt:              now,
	}, nil
}

// DeployableCapital is the committed capital not yet deployed.
func (p *InvestmentPool) DeployableCapital() decimal.Decimal {
	return p.TotalCommitted.Sub(p.TotalInvested)
}

// CanAdmitMember checks membership capacity and commitment bounds.
func (p *InvestmentPool) CanAdmitMember(committed decimal.Decimal) error {
	if p.Status != PoolStatusForming && p.Status != PoolStatusActive {
		return dErrors.Newf(dErrors.CodeConflict, "pool does not accept members in status %s", p.Status)
	}
	if p.CurrentMembers >= p.MaxMembers {
		return dErrors.New(dErrors.CodeConflict, "pool is full")
	}
	if committed.LessThan(p.MinimumInvestment) || committed.GreaterThan(p.MaximumInvestment) {
		return dErrors.Newf(dErrors.CodeValidation,
			"commitment %s outside allowed range [%s, %s]",
			committed, p.MinimumInvestment, p.MaximumInvestment)
	}
	return nil
}

// ApplyMemberAdmission updates membership counters and committed capital.
func (p *InvestmentPool) ApplyMemberAdmission(committed decimal.Decimal, now time.Time) {
	p.TotalCommitted = p.TotalCommitted.Add(committed)
	p.CurrentMembers++
	p.UpdatedAt = now
}

// CanActivate checks the forming → active transition against the activation
// threshold, expressed as a ratio of the target amount.
func (p *InvestmentPool) CanActivate(thresholdRatio decimal.Decimal) error {
	if p.Status != PoolStatusForming {
		return dErrors.Newf(dErrors.CodeConflict, "pool cannot be activated from status %s", p.Status)
	}
	required := p.TargetAmount.Mul(thresholdRatio)
	if p.TotalCommitted.LessThan(required) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"activation threshold not met: committed %s below required %s", p.TotalCommitted, required)
	}
	return nil
}

// ApplyActivation transitions the pool to active.
func (p *InvestmentPool) ApplyActivation(now time.Time) {
	p.Status = PoolStatusActive
	p.UpdatedAt = now
}

// CanClose checks the transition to closed.
func (p *InvestmentPool) CanClose() error {
	if !p.Status.CanTransitionTo(PoolStatusClosed) {
		return dErrors.Newf(dErrors.CodeConflict, "pool cannot be closed from status %s", p.Status)
	}
	return nil
}

// ApplyClose terminates the pool.
func (p *InvestmentPool) ApplyClose(now time.Time) {
	p.Status = PoolStatusClosed
	p.UpdatedAt = now
}

// CanCancel checks the escape-hatch transition to cancelled.
func (p *InvestmentPool) CanCancel() error {
	if !p.Status.CanTransitionTo(PoolStatusCancelled) {
		return dErrors.Newf(dErrors.CodeConflict, "pool cannot be cancelled from status %s", p.Status)
	}
	return nil
}

// ApplyCancel abandons the pool.
func (p *InvestmentPool) ApplyCancel(now time.Time) {
	p.Status = PoolStatusCancelled
	p.UpdatedAt = now
}

// CanDeploy checks that amount fits the remaining deployable capital.
func (p *InvestmentPool) CanDeploy(amount decimal.Decimal) error {
	if amount.GreaterThan(p.DeployableCapital()) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"amount %s exceeds deployable capital %s", amount, p.DeployableCapital())
	}
	return nil
}

// ApplyDeployment records executed capital and moves an active pool to
// investing.
func (p *InvestmentPool) ApplyDeployment(amount decimal.Decimal, now time.Time) {
	p.TotalInvested = p.TotalInvested.Add(amount)
	if p.Status == PoolStatusActive {
		p.Status = PoolStatusInvesting
	}
	p.UpdatedAt = now
}

// ApplyDeploymentReversal returns reserved capital after a disbursement that
// did not go through. The status is left as-is.
func (p *InvestmentPool) ApplyDeploymentReversal(amount decimal.Decimal, now time.Time) {
	p.TotalInvested = p.TotalInvested.Sub(amount)
	p.UpdatedAt = now
}
