package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	escrowservice "vestra/internal/escrow/service"
	"vestra/internal/escrow/store/ledger"
	"vestra/internal/pool/models"
	"vestra/internal/pool/store/registry"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/requestcontext"
)

type VotingSuite struct {
	suite.Suite
	registry *registry.InMemory
	escrow   *escrowservice.Service
	service  *Service
	now      time.Time
	creator  id.UserID
	ctx      context.Context
}

func TestVotingSuite(t *testing.T) {
	suite.Run(t, new(VotingSuite))
}

func (s *VotingSuite) SetupTest() {
	s.registry = registry.NewInMemory()
	var err error
	s.escrow, err = escrowservice.New(ledger.NewInMemory())
	s.Require().NoError(err)
	s.service, err = New(s.registry, s.escrow)
	s.Require().NoError(err)

	s.now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	s.creator = id.NewUserID()
	s.ctx = s.as(s.creator)
}

// as builds a request context acting as the given user.
func (s *VotingSuite) as(userID id.UserID) context.Context {
	return requestcontext.WithUserID(requestcontext.WithTime(context.Background(), s.now), userID)
}

// activePool creates a majority-vote pool, admits the creator plus the given
// extra investors, activates it, and funds its escrow account with the full
// committed capital.
func (s *VotingSuite) activePool(commitments ...int64) (*models.InvestmentPool, []id.UserID) {
	pool, err := s.service.CreatePool(s.ctx, models.PoolSpec{
		Name:                "Seed Syndicate",
		Description:         "Early-stage deals",
		Type:                models.PoolTypeSyndicate,
		Currency:            "USD",
		TargetAmount:        decimal.NewFromInt(1000),
		MinimumInvestment:   decimal.NewFromInt(10),
		MaximumInvestment:   decimal.NewFromInt(500),
		MaxMembers:          10,
		RiskProfile:         models.RiskProfileModerate,
		RequireMajorityVote: true,
	})
	s.Require().NoError(err)

	users := make([]id.UserID, 0, len(commitments))
	total := decimal.Zero
	for i, committed := range commitments {
		userID := s.creator
		if i > 0 {
			userID = id.NewUserID()
		}
		users = append(users, userID)
		_, err := s.service.AddMember(s.ctx, pool.ID, userID, models.MemberRoleInvestor, decimal.NewFromInt(committed))
		s.Require().NoError(err)
		total = total.Add(decimal.NewFromInt(committed))
	}

	_, err = s.service.Activate(s.ctx, pool.ID)
	s.Require().NoError(err)
	_, err = s.escrow.Fund(s.ctx, pool.EscrowAccountID, total, "capital call", "")
	s.Require().NoError(err)
	return pool, users
}

func (s *VotingSuite) TestPropose() {
	s.Run("member proposal opens voting", func() {
		pool, _ := s.activePool(500)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "series A")
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusVoting, investment.Status)
		s.Equal("USD", investment.Currency)
	})

	s.Run("non-member cannot propose", func() {
		pool, _ := s.activePool(500)
		_, err := s.service.Propose(s.as(id.NewUserID()), pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeForbidden))
	})

	s.Run("proposal above deployable capital rejected", func() {
		pool, _ := s.activePool(500)
		_, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(501), "")
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeInvariantViolation))
	})

	s.Run("forming pool rejects proposals", func() {
		pool, err := s.service.CreatePool(s.ctx, models.PoolSpec{
			Name:                "Forming",
			Description:         "Not yet active",
			Type:                models.PoolTypeFund,
			Currency:            "USD",
			TargetAmount:        decimal.NewFromInt(1000),
			MinimumInvestment:   decimal.NewFromInt(10),
			MaximumInvestment:   decimal.NewFromInt(500),
			MaxMembers:          10,
			RiskProfile:         models.RiskProfileModerate,
			RequireMajorityVote: true,
		})
		s.Require().NoError(err)
		_, err = s.service.AddMember(s.ctx, pool.ID, s.creator, models.MemberRoleInvestor, decimal.NewFromInt(100))
		s.Require().NoError(err)

		_, err = s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(50), "")
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("missing opportunity rejected", func() {
		pool, _ := s.activePool(500)
		_, err := s.service.Propose(s.ctx, pool.ID, id.OpportunityID{}, decimal.NewFromInt(100), "")
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})
}

func (s *VotingSuite) TestVote() {
	s.Run("majority approval resolves the proposal", func() {
		pool, users := s.activePool(300, 200)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		// 300 of 500 eligible is a strict majority.
		updated, tally, err := s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusApproved, updated.Status)
		s.True(tally.ApproveWeight.Equal(decimal.NewFromInt(300)))
		s.True(tally.EligiblePower.Equal(decimal.NewFromInt(500)))
	})

	s.Run("minority vote keeps the proposal open", func() {
		pool, users := s.activePool(200, 300)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		updated, _, err := s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusVoting, updated.Status)
	})

	s.Run("exact tie stays open", func() {
		pool, users := s.activePool(250, 250)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)
		updated, _, err := s.service.Vote(s.as(users[1]), investment.ID, models.VoteTypeReject)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusVoting, updated.Status)
	})

	s.Run("resubmission replaces the vote and can flip the outcome", func() {
		pool, users := s.activePool(300, 200)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeAbstain)
		s.Require().NoError(err)
		updated, _, err := s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeReject)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusRejected, updated.Status)

		votes, err := s.service.ListVotes(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Require().Len(votes, 1)
		s.Equal(models.VoteTypeReject, votes[0].VoteType)
	})

	s.Run("voting on a resolved proposal rejected", func() {
		pool, users := s.activePool(300, 200)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)
		_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)

		_, _, err = s.service.Vote(s.as(users[1]), investment.ID, models.VoteTypeApprove)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
		s.Contains(err.Error(), "voting is not open")
	})

	s.Run("non-member cannot vote", func() {
		pool, _ := s.activePool(500)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		_, _, err = s.service.Vote(s.as(id.NewUserID()), investment.ID, models.VoteTypeApprove)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeForbidden))
	})

	s.Run("observer cannot vote", func() {
		pool, _ := s.activePool(500)
		observer := id.NewUserID()
		_, err := s.service.AddMember(s.ctx, pool.ID, observer, models.MemberRoleObserver, decimal.NewFromInt(100))
		s.Require().NoError(err)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		_, _, err = s.service.Vote(s.as(observer), investment.ID, models.VoteTypeApprove)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeForbidden))
	})

	s.Run("weight frozen at cast time", func() {
		pool, users := s.activePool(300, 200)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)
		_, _, err = s.service.Vote(s.as(users[1]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)

		votes, err := s.service.ListVotes(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Require().Len(votes, 1)
		s.True(votes[0].Weight.Equal(decimal.NewFromInt(200)))
	})
}

func (s *VotingSuite) TestGetTally() {
	pool, users := s.activePool(200, 300)
	investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
	s.Require().NoError(err)
	_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
	s.Require().NoError(err)

	tally, err := s.service.GetTally(s.ctx, investment.ID)
	s.Require().NoError(err)
	s.True(tally.ApproveWeight.Equal(decimal.NewFromInt(200)))
	s.True(tally.RejectWeight.IsZero())
	s.True(tally.EligiblePower.Equal(decimal.NewFromInt(500)))
}

func (s *VotingSuite) TestForceResolve() {
	admin := func() context.Context {
		return requestcontext.WithUserRole(s.as(id.NewUserID()), "admin")
	}

	s.Run("admin resolves a deadlocked proposal", func() {
		pool, users := s.activePool(250, 250)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)
		_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)
		_, _, err = s.service.Vote(s.as(users[1]), investment.ID, models.VoteTypeReject)
		s.Require().NoError(err)

		resolved, err := s.service.ForceResolve(admin(), investment.ID, models.InvestmentStatusApproved)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusApproved, resolved.Status)
	})

	s.Run("non-admin forbidden", func() {
		pool, _ := s.activePool(500)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		_, err = s.service.ForceResolve(s.ctx, investment.ID, models.InvestmentStatusApproved)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeForbidden))
	})

	s.Run("invested proposal cannot be re-resolved", func() {
		pool, users := s.activePool(300, 200)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)
		_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)
		_, err = s.service.ExecuteInvestment(s.ctx, investment.ID, id.NewUserID())
		s.Require().NoError(err)

		_, err = s.service.ForceResolve(admin(), investment.ID, models.InvestmentStatusRejected)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})
}

func (s *VotingSuite) TestExecuteInvestment() {
	approved := func(amount int64) (*models.InvestmentPool, *models.PoolInvestment) {
		pool, users := s.activePool(300, 200)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(amount), "")
		s.Require().NoError(err)
		_, _, err = s.service.Vote(s.as(users[0]), investment.ID, models.VoteTypeApprove)
		s.Require().NoError(err)
		return pool, investment
	}

	s.Run("execution disburses escrow and marks invested", func() {
		pool, investment := approved(100)
		recipient := id.NewUserID()

		executed, err := s.service.ExecuteInvestment(s.ctx, investment.ID, recipient)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusInvested, executed.Status)
		s.Require().NotNil(executed.ExecutedAt)

		balance, err := s.escrow.GetBalance(s.ctx, pool.EscrowAccountID)
		s.Require().NoError(err)
		s.True(balance.Available.Equal(decimal.NewFromInt(400)))

		found, err := s.service.GetPool(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(models.PoolStatusInvesting, found.Status)
		s.True(found.TotalInvested.Equal(decimal.NewFromInt(100)))
	})

	s.Run("second execution conflicts", func() {
		_, investment := approved(100)
		_, err := s.service.ExecuteInvestment(s.ctx, investment.ID, id.NewUserID())
		s.Require().NoError(err)

		_, err = s.service.ExecuteInvestment(s.ctx, investment.ID, id.NewUserID())
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
		s.Contains(err.Error(), "already executed")
	})

	s.Run("unapproved proposal cannot execute", func() {
		pool, _ := s.activePool(500)
		investment, err := s.service.Propose(s.ctx, pool.ID, id.NewOpportunityID(), decimal.NewFromInt(100), "")
		s.Require().NoError(err)

		_, err = s.service.ExecuteInvestment(s.ctx, investment.ID, id.NewUserID())
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("failed disbursement returns the reserved capital", func() {
		pool, investment := approved(100)
		// Drain the escrow account so the release must fail.
		_, err := s.escrow.Refund(s.ctx, pool.EscrowAccountID, decimal.NewFromInt(450), "partial refund")
		s.Require().NoError(err)

		_, err = s.service.ExecuteInvestment(s.ctx, investment.ID, id.NewUserID())
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeInvariantViolation))

		found, err := s.service.GetPool(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.True(found.TotalInvested.IsZero())

		// Still approved, so a retry after re-funding succeeds.
		inv, err := s.service.GetInvestment(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusApproved, inv.Status)

		_, err = s.escrow.Fund(s.ctx, pool.EscrowAccountID, decimal.NewFromInt(100), "top up", "")
		s.Require().NoError(err)
		_, err = s.service.ExecuteInvestment(s.ctx, investment.ID, id.NewUserID())
		s.NoError(err)
	})

	s.Run("missing recipient rejected", func() {
		_, investment := approved(100)
		_, err := s.service.ExecuteInvestment(s.ctx, investment.ID, id.UserID{})
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})
}
