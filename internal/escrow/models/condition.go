package models

import (
	"time"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// ConditionType names the kind of prerequisite gating a release.
type ConditionType string

const (
	ConditionTypeMilestoneCompletion  ConditionType = "milestone_completion"
	ConditionTypeTimeBased            ConditionType = "time_based"
	ConditionTypeManualApproval       ConditionType = "manual_approval"
	ConditionTypeDocumentVerification ConditionType = "document_verification"
)

var validConditionTypes = map[ConditionType]bool{
	ConditionTypeMilestoneCompletion:  true,
	ConditionTypeTimeBased:            true,
	ConditionTypeManualApproval:       true,
	ConditionTypeDocumentVerification: true,
}

// ParseConditionType constructs a ConditionType from external input.
func ParseConditionType(s string) (ConditionType, error) {
	t := ConditionType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid condition type")
	}
	return t, nil
}

func (t ConditionType) IsValid() bool  { return validConditionTypes[t] }
func (t ConditionType) String() string { return string(t) }

// ReleaseCondition is a gate that must be satisfied before funds may leave
// an account through a release. Conditions transition unmet → met exactly
// once and are never deleted while the account is active.
type ReleaseCondition struct {
	ID            id.ConditionID `json:"id"`
	AccountID     id.AccountID   `json:"account_id"`
	ConditionType ConditionType  `json:"condition_type"`
	Description   string         `json:"description"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	IsMet         bool           `json:"is_met"`
	MetAt         *time.Time     `json:"met_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// NewReleaseCondition builds an unmet condition attached to an account.
func NewReleaseCondition(conditionID id.ConditionID, accountID id.AccountID, conditionType ConditionType, description string, dueDate *time.Time, now time.Time) (*ReleaseCondition, error) {
	if !conditionType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid condition type")
	}
	if description == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "condition description cannot be empty")
	}
	return &ReleaseCondition{
		ID:            conditionID,
		AccountID:     accountID,
		ConditionType: conditionType,
		Description:   description,
		DueDate:       dueDate,
		IsMet:         false,
		CreatedAt:     now,
	}, nil
}

// MarkMet satisfies the condition. Returns false when already met so callers
// can treat re-marking as a no-op rather than an error.
func (c *ReleaseCondition) MarkMet(now time.Time) bool {
	if c.IsMet {
		return false
	}
	c.IsMet = true
	metAt := now
	c.MetAt = &metAt
	return true
}

// IsOverdue reports a past-due unmet condition. Overdue is a read-time
// observation surfaced to callers; it never auto-fails the condition.
func (c *ReleaseCondition) IsOverdue(now time.Time) bool {
	return !c.IsMet && c.DueDate != nil && c.DueDate.Before(now)
}
