package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"vestra/internal/pool/models"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/platform/audit"
	"vestra/pkg/requestcontext"
)

// Propose creates an investment proposal against the pool's deployable
// capital. The proposer must be an active member. The initial status follows
// the pool's governance flags: majority-vote pools open voting immediately,
// auto-approve pools skip it.
func (s *Service) Propose(ctx context.Context, poolID id.PoolID, opportunityID id.OpportunityID, amount decimal.Decimal, notes string) (*models.PoolInvestment, error) {
	if opportunityID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "opportunity id is required")
	}
	now := requestcontext.Now(ctx)
	proposer := requestcontext.UserID(ctx)

	member, err := s.store.FindMemberByUser(ctx, poolID, proposer)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeForbidden, "only pool members can propose investments")
	}
	if member.Status != models.MemberStatusActive {
		return nil, dErrors.New(dErrors.CodeForbidden, "only active members can propose investments")
	}

	pool, err := s.store.FindPool(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	investment, err := models.NewPoolInvestment(id.NewInvestmentID(), pool, opportunityID, amount, proposer, notes, now)
	if err != nil {
		return nil, err
	}

	// Governance flags are immutable after pool creation, so the proposal's
	// initial status stays valid even if the pool changed since the read
	// above. Capacity and lifecycle are re-checked under the pool lock.
	err = s.store.CreateInvestment(ctx, investment, func(pool *models.InvestmentPool) error {
		if !pool.Status.AcceptsProposals() {
			return dErrors.Newf(dErrors.CodeConflict, "pool does not accept proposals in status %s", pool.Status)
		}
		return pool.CanDeploy(amount)
	})
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}

	s.incrementProposalsCreated()
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    proposer,
		Action:   "investment_proposed",
		EntityID: investment.ID.String(),
		Amount:   amount.String(),
		Detail:   opportunityID.String(),
	})
	return investment, nil
}

// GetInvestment returns the proposal by id.
func (s *Service) GetInvestment(ctx context.Context, investmentID id.InvestmentID) (*models.PoolInvestment, error) {
	investment, err := s.store.FindInvestment(ctx, investmentID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment proposal")
	}
	return investment, nil
}

// ListInvestments returns the pool's proposals in creation order.
func (s *Service) ListInvestments(ctx context.Context, poolID id.PoolID) ([]*models.PoolInvestment, error) {
	investments, err := s.store.ListInvestments(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	return investments, nil
}

// Vote casts or replaces the caller's vote on a proposal and applies the
// majority-of-weight rule in the same atomic step. The voter's power is
// frozen into the vote at cast time. The returned tally reflects the state
// the decision was made on.
func (s *Service) Vote(ctx context.Context, investmentID id.InvestmentID, voteType models.VoteType) (*models.PoolInvestment, *models.Tally, error) {
	start := time.Now()
	now := requestcontext.Now(ctx)
	voter := requestcontext.UserID(ctx)

	investment, err := s.store.FindInvestment(ctx, investmentID)
	if err != nil {
		return nil, nil, wrapStoreErr(err, "investment proposal")
	}
	member, err := s.store.FindMemberByUser(ctx, investment.PoolID, voter)
	if err != nil {
		return nil, nil, dErrors.New(dErrors.CodeForbidden, "only pool members can vote")
	}
	if !member.CanVote() {
		return nil, nil, dErrors.New(dErrors.CodeForbidden, "member is not eligible to vote")
	}

	vote, err := models.NewPoolVote(id.NewVoteID(), investmentID, voter, voteType, member.VotingPower, now)
	if err != nil {
		return nil, nil, err
	}

	var tally models.Tally
	updated, err := s.store.UpsertVote(ctx, vote,
		func(investment *models.PoolInvestment) error {
			if investment.Status != models.InvestmentStatusVoting {
				return dErrors.Newf(dErrors.CodeConflict, "voting is not open on a %s proposal", investment.Status)
			}
			return nil
		},
		func(investment *models.PoolInvestment, votes []*models.PoolVote, members []*models.PoolMember) {
			eligible := decimal.Zero
			for _, m := range members {
				if m.CanVote() {
					eligible = eligible.Add(m.VotingPower)
				}
			}
			tally = models.ComputeTally(votes, eligible)
			outcome := tally.Outcome()
			if outcome != models.InvestmentStatusVoting && investment.CanResolve(outcome) == nil {
				investment.ApplyResolution(outcome)
			}
		},
	)
	if err != nil {
		return nil, nil, wrapStoreErr(err, "investment proposal")
	}

	s.observeTally(start)
	s.incrementVotesCast(voteType)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    voter,
		Action:   "vote_cast",
		EntityID: investmentID.String(),
		Amount:   vote.Weight.String(),
		Detail:   voteType.String(),
	})
	if updated.Status != models.InvestmentStatusVoting {
		s.incrementProposalResolution(updated.Status)
		audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
			Actor:    voter,
			Action:   "investment_resolved",
			EntityID: investmentID.String(),
			Detail:   updated.Status.String(),
		})
	}
	return updated, &tally, nil
}

// GetTally returns the proposal's current tally without casting a vote.
func (s *Service) GetTally(ctx context.Context, investmentID id.InvestmentID) (*models.Tally, error) {
	investment, err := s.store.FindInvestment(ctx, investmentID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment proposal")
	}
	votes, err := s.store.ListVotes(ctx, investmentID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment proposal")
	}
	members, err := s.store.ListMembers(ctx, investment.PoolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	eligible := decimal.Zero
	for _, m := range members {
		if m.CanVote() {
			eligible = eligible.Add(m.VotingPower)
		}
	}
	tally := models.ComputeTally(votes, eligible)
	return &tally, nil
}

// ListVotes returns the current vote per voter for a proposal.
func (s *Service) ListVotes(ctx context.Context, investmentID id.InvestmentID) ([]*models.PoolVote, error) {
	votes, err := s.store.ListVotes(ctx, investmentID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment proposal")
	}
	return votes, nil
}

// ForceResolve applies an administrative resolution to a stalled proposal,
// bypassing the tally. Admin only.
func (s *Service) ForceResolve(ctx context.Context, investmentID id.InvestmentID, outcome models.InvestmentStatus) (*models.PoolInvestment, error) {
	if requestcontext.UserRole(ctx) != "admin" {
		return nil, dErrors.New(dErrors.CodeForbidden, "administrative resolution requires the admin role")
	}
	investment, err := s.store.ExecuteInvestment(ctx, investmentID, func(_ context.Context, investment *models.PoolInvestment) error {
		if err := investment.CanResolve(outcome); err != nil {
			return err
		}
		investment.ApplyResolution(outcome)
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "investment proposal")
	}
	s.incrementProposalResolution(outcome)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "investment_force_resolved",
		EntityID: investmentID.String(),
		Detail:   outcome.String(),
	})
	return investment, nil
}

// ExecuteInvestment disburses an approved proposal's amount from the pool's
// escrow account to the recipient and marks the proposal invested. The
// proposal lock serializes executions, so a second concurrent attempt
// observes the invested status and fails with a conflict. The callback ctx
// carries the store transaction, so on durable stores the pool capital
// update, the escrow release, and the proposal transition commit as one unit.
// Pool capital is reserved before the escrow release and returned if the
// release fails.
func (s *Service) ExecuteInvestment(ctx context.Context, investmentID id.InvestmentID, recipientID id.UserID) (*models.PoolInvestment, error) {
	if recipientID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "recipient is required")
	}
	now := requestcontext.Now(ctx)

	investment, err := s.store.ExecuteInvestment(ctx, investmentID, func(ctx context.Context, investment *models.PoolInvestment) error {
		if err := investment.CanExecute(); err != nil {
			return err
		}
		pool, err := s.store.ExecutePool(ctx, investment.PoolID,
			func(pool *models.InvestmentPool) error {
				if !pool.Status.AcceptsProposals() {
					return dErrors.Newf(dErrors.CodeConflict, "pool cannot deploy capital in status %s", pool.Status)
				}
				return pool.CanDeploy(investment.Amount)
			},
			func(pool *models.InvestmentPool) {
				pool.ApplyDeployment(investment.Amount, now)
			},
		)
		if err != nil {
			return err
		}

		reason := "investment " + investment.OpportunityID.String()
		if _, err := s.ledger.Release(ctx, pool.EscrowAccountID, investment.Amount, recipientID, reason, false); err != nil {
			// The disbursement did not happen, return the reserved capital.
			if _, rbErr := s.store.ExecutePool(ctx, investment.PoolID,
				func(*models.InvestmentPool) error { return nil },
				func(pool *models.InvestmentPool) { pool.ApplyDeploymentReversal(investment.Amount, now) },
			); rbErr != nil && s.logger != nil {
				s.logger.ErrorContext(ctx, "failed to return reserved capital after rejected disbursement",
					"pool_id", investment.PoolID,
					"investment_id", investmentID,
					"error", rbErr,
				)
			}
			return err
		}

		investment.ApplyExecution(now)
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "investment proposal")
	}

	s.incrementExecutionsCompleted()
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "investment_executed",
		EntityID: investmentID.String(),
		Amount:   investment.Amount.String(),
		Detail:   recipientID.String(),
	})
	return investment, nil
}

func (s *Service) observeTally(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveTally(start)
	}
}
