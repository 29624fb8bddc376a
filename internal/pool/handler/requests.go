package handler

import (
	"github.com/shopspring/decimal"

	"vestra/internal/pool/models"
)

// createPoolRequest opens a new investment pool.
type createPoolRequest struct {
	Name                   string          `json:"name"`
	Description            string          `json:"description"`
	Type                   string          `json:"type"`
	Currency               string          `json:"currency"`
	TargetAmount           decimal.Decimal `json:"target_amount"`
	MinimumInvestment      decimal.Decimal `json:"minimum_investment"`
	MaximumInvestment      decimal.Decimal `json:"maximum_investment"`
	MaxMembers             int             `json:"max_members"`
	RiskProfile            string          `json:"risk_profile"`
	AutoApproveInvestments bool            `json:"auto_approve_investments"`
	RequireMajorityVote    bool            `json:"require_majority_vote"`
}

func (r createPoolRequest) spec() (models.PoolSpec, error) {
	poolType, err := models.ParsePoolType(r.Type)
	if err != nil {
		return models.PoolSpec{}, err
	}
	riskProfile, err := models.ParseRiskProfile(r.RiskProfile)
	if err != nil {
		return models.PoolSpec{}, err
	}
	return models.PoolSpec{
		Name:                   r.Name,
		Description:            r.Description,
		Type:                   poolType,
		Currency:               r.Currency,
		TargetAmount:           r.TargetAmount,
		MinimumInvestment:      r.MinimumInvestment,
		MaximumInvestment:      r.MaximumInvestment,
		MaxMembers:             r.MaxMembers,
		RiskProfile:            riskProfile,
		AutoApproveInvestments: r.AutoApproveInvestments,
		RequireMajorityVote:    r.RequireMajorityVote,
	}, nil
}

// addMemberRequest admits a user into a pool.
type addMemberRequest struct {
	UserID          string          `json:"user_id"`
	Role            string          `json:"role"`
	CommittedAmount decimal.Decimal `json:"committed_amount"`
}

// proposeRequest creates an investment proposal.
type proposeRequest struct {
	OpportunityID string          `json:"opportunity_id"`
	Amount        decimal.Decimal `json:"amount"`
	Notes         string          `json:"notes"`
}

// voteRequest casts or replaces the caller's vote.
type voteRequest struct {
	Vote string `json:"vote"`
}

// resolveRequest applies an administrative resolution.
type resolveRequest struct {
	Outcome string `json:"outcome"`
}

// executeRequest disburses an approved investment.
type executeRequest struct {
	RecipientID string `json:"recipient_id"`
}
