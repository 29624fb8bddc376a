package service

import (
	"context"
	"time"

	"vestra/internal/escrow/models"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/platform/audit"
	"vestra/pkg/requestcontext"
)

// AddCondition attaches a release gate to an account. Conditions are never
// deleted while the account is active.
func (s *Service) AddCondition(ctx context.Context, accountID id.AccountID, conditionType models.ConditionType, description string, dueDate *time.Time) (*models.ReleaseCondition, error) {
	now := requestcontext.Now(ctx)
	condition, err := models.NewReleaseCondition(id.NewConditionID(), accountID, conditionType, description, dueDate, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddCondition(ctx, condition); err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "release_condition_added",
		EntityID: accountID.String(),
		Detail:   description,
	})
	return condition, nil
}

// MarkConditionMet satisfies a condition. Idempotent: re-marking an already
// met condition is a no-op, not an error, and metAt keeps its first value.
func (s *Service) MarkConditionMet(ctx context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error) {
	now := requestcontext.Now(ctx)
	var changed bool
	condition, err := s.store.ExecuteCondition(ctx, conditionID, func(c *models.ReleaseCondition) {
		changed = c.MarkMet(now)
	})
	if err != nil {
		return nil, wrapStoreErr(err, "release condition")
	}
	if changed {
		audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
			Actor:    requestcontext.UserID(ctx),
			Action:   "release_condition_met",
			EntityID: condition.AccountID.String(),
			Detail:   condition.Description,
		})
	}
	return condition, nil
}

// IsReleaseAllowed reports whether every condition attached to the account
// is met. Vacuously true for accounts without conditions.
func (s *Service) IsReleaseAllowed(ctx context.Context, accountID id.AccountID) (bool, error) {
	unmet, err := s.store.HasUnmetConditions(ctx, accountID)
	if err != nil {
		return false, wrapStoreErr(err, "escrow account")
	}
	return !unmet, nil
}

// ConditionView pairs a condition with its read-time overdue flag. A past
// due date on an unmet condition is reportable state, not a failure.
type ConditionView struct {
	models.ReleaseCondition
	Overdue bool `json:"overdue"`
}

// ListConditions returns the account's conditions with overdue computed
// against the request time.
func (s *Service) ListConditions(ctx context.Context, accountID id.AccountID) ([]*ConditionView, error) {
	conditions, err := s.store.ListConditions(ctx, accountID)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	now := requestcontext.Now(ctx)
	views := make([]*ConditionView, 0, len(conditions))
	for _, c := range conditions {
		views = append(views, &ConditionView{
			ReleaseCondition: *c,
			Overdue:          c.IsOverdue(now),
		})
	}
	return views, nil
}

// GetCondition returns one condition by id.
func (s *Service) GetCondition(ctx context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error) {
	condition, err := s.store.FindCondition(ctx, conditionID)
	if err != nil {
		return nil, wrapStoreErr(err, "release condition")
	}
	if condition == nil {
		return nil, dErrors.New(dErrors.CodeNotFound, "release condition not found")
	}
	return condition, nil
}
