//go:build integration

package registry_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	escrowmodels "vestra/internal/escrow/models"
	"vestra/internal/escrow/store/ledger"
	"vestra/internal/pool/models"
	"vestra/internal/pool/store/registry"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/platform/sentinel"
	"vestra/pkg/testutil/containers"
)

type PostgresRegistrySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *registry.Postgres
	ledger   *ledger.Postgres
	ctx      context.Context
	now      time.Time
}

func TestPostgresRegistrySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresRegistrySuite))
}

func (s *PostgresRegistrySuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = registry.NewPostgres(s.postgres.DB)
	s.ledger = ledger.NewPostgres(s.postgres.DB)
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
}

func (s *PostgresRegistrySuite) SetupTest() {
	s.Require().NoError(s.postgres.Truncate(s.ctx))
}

func (s *PostgresRegistrySuite) spec() models.PoolSpec {
	return models.PoolSpec{
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
	}
}

// createPool persists a pool together with the escrow account row its
// foreign key requires.
func (s *PostgresRegistrySuite) createPool() *models.InvestmentPool {
	account, err := escrowmodels.NewEscrowAccount(id.NewAccountID(),
		escrowmodels.AccountTypeInvestment, "USD", nil, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.ledger.CreateAccount(s.ctx, account))

	pool, err := models.NewInvestmentPool(id.NewPoolID(), account.ID, s.spec(), s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreatePool(s.ctx, pool))
	return pool
}

func (s *PostgresRegistrySuite) addInvestor(pool *models.InvestmentPool, committed int64) *models.PoolMember {
	member, err := models.NewPoolMember(id.NewMemberID(), pool.ID, id.NewUserID(),
		models.MemberRoleInvestor, decimal.NewFromInt(committed), s.now)
	s.Require().NoError(err)
	_, err = s.store.AddMember(s.ctx, member,
		func(p *models.InvestmentPool) error { return p.CanAdmitMember(member.CommittedAmount) },
		func(p *models.InvestmentPool) { p.ApplyMemberAdmission(member.CommittedAmount, s.now) },
	)
	s.Require().NoError(err)
	return member
}

// votingInvestment persists a proposal in the voting state on an active pool
// with two investors committed at 300 and 200.
func (s *PostgresRegistrySuite) votingInvestment() (*models.InvestmentPool, *models.PoolInvestment, []*models.PoolMember) {
	pool := s.createPool()
	first := s.addInvestor(pool, 300)
	second := s.addInvestor(pool, 200)

	pool, err := s.store.ExecutePool(s.ctx, pool.ID,
		func(p *models.InvestmentPool) error { return p.CanActivate(decimal.RequireFromString("0.5")) },
		func(p *models.InvestmentPool) { p.ApplyActivation(s.now) },
	)
	s.Require().NoError(err)

	investment, err := models.NewPoolInvestment(id.NewInvestmentID(), pool,
		id.NewOpportunityID(), decimal.NewFromInt(100), first.UserID, "series A", s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateInvestment(s.ctx, investment,
		func(p *models.InvestmentPool) error { return p.CanDeploy(investment.Amount) },
	))
	return pool, investment, []*models.PoolMember{first, second}
}

func (s *PostgresRegistrySuite) TestPoolRoundTrip() {
	pool := s.createPool()

	found, err := s.store.FindPool(s.ctx, pool.ID)
	s.Require().NoError(err)
	s.Equal(pool.Name, found.Name)
	s.Equal(models.PoolStatusForming, found.Status)
	s.True(found.TargetAmount.Equal(decimal.NewFromInt(1000)))
	s.True(found.RequireMajorityVote)

	s.Run("duplicate create rejected", func() {
		s.ErrorIs(s.store.CreatePool(s.ctx, pool), sentinel.ErrAlreadyExists)
	})

	s.Run("unknown pool not found", func() {
		_, err := s.store.FindPool(s.ctx, id.NewPoolID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *PostgresRegistrySuite) TestAddMember() {
	pool := s.createPool()
	member := s.addInvestor(pool, 100)

	s.Run("pool counters committed with the row", func() {
		found, err := s.store.FindPool(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(1, found.CurrentMembers)
		s.True(found.TotalCommitted.Equal(decimal.NewFromInt(100)))
	})

	s.Run("second membership for the same user conflicts", func() {
		dup, err := models.NewPoolMember(id.NewMemberID(), pool.ID, member.UserID,
			models.MemberRoleInvestor, decimal.NewFromInt(50), s.now)
		s.Require().NoError(err)
		_, err = s.store.AddMember(s.ctx, dup,
			func(p *models.InvestmentPool) error { return p.CanAdmitMember(dup.CommittedAmount) },
			func(p *models.InvestmentPool) { p.ApplyMemberAdmission(dup.CommittedAmount, s.now) },
		)
		s.ErrorIs(err, sentinel.ErrAlreadyExists)

		found, err := s.store.FindPool(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.Equal(1, found.CurrentMembers, "rejected admission must not bump counters")
	})

	s.Run("validate failure persists nothing", func() {
		over, err := models.NewPoolMember(id.NewMemberID(), pool.ID, id.NewUserID(),
			models.MemberRoleInvestor, decimal.NewFromInt(600), s.now)
		s.Require().NoError(err)
		_, err = s.store.AddMember(s.ctx, over,
			func(p *models.InvestmentPool) error { return p.CanAdmitMember(over.CommittedAmount) },
			func(p *models.InvestmentPool) { p.ApplyMemberAdmission(over.CommittedAmount, s.now) },
		)
		s.Require().Error(err)

		members, err := s.store.ListMembers(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.Len(members, 1)
	})
}

func (s *PostgresRegistrySuite) TestUpsertVote() {
	_, investment, members := s.votingInvestment()
	voter := members[0]

	cast := func(voteType models.VoteType) (*models.PoolInvestment, error) {
		vote, err := models.NewPoolVote(id.NewVoteID(), investment.ID, voter.UserID,
			voteType, voter.VotingPower, s.now)
		s.Require().NoError(err)
		return s.store.UpsertVote(s.ctx, vote,
			func(i *models.PoolInvestment) error {
				if i.Status != models.InvestmentStatusVoting {
					return dErrors.Newf(dErrors.CodeConflict, "voting is not open on a %s proposal", i.Status)
				}
				return nil
			},
			func(i *models.PoolInvestment, votes []*models.PoolVote, poolMembers []*models.PoolMember) {
				eligible := decimal.Zero
				for _, m := range poolMembers {
					if m.CanVote() {
						eligible = eligible.Add(m.VotingPower)
					}
				}
				tally := models.ComputeTally(votes, eligible)
				if outcome := tally.Outcome(); outcome != models.InvestmentStatusVoting {
					i.ApplyResolution(outcome)
				}
			},
		)
	}

	s.Run("majority weight resolves and commits with the vote", func() {
		resolved, err := cast(models.VoteTypeApprove)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusApproved, resolved.Status)

		found, err := s.store.FindInvestment(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusApproved, found.Status)

		votes, err := s.store.ListVotes(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Len(votes, 1)
	})

	s.Run("resolved proposal rejects further votes", func() {
		_, err := cast(models.VoteTypeReject)
		s.Require().Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))

		votes, err := s.store.ListVotes(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Len(votes, 1, "rejected cast must not replace the stored vote")
		s.Equal(models.VoteTypeApprove, votes[0].VoteType)
	})
}

func (s *PostgresRegistrySuite) TestVoteReplacement() {
	_, investment, members := s.votingInvestment()
	minority := members[1]

	cast := func(voteType models.VoteType) {
		vote, err := models.NewPoolVote(id.NewVoteID(), investment.ID, minority.UserID,
			voteType, minority.VotingPower, s.now)
		s.Require().NoError(err)
		_, err = s.store.UpsertVote(s.ctx, vote,
			func(*models.PoolInvestment) error { return nil },
			func(*models.PoolInvestment, []*models.PoolVote, []*models.PoolMember) {},
		)
		s.Require().NoError(err)
	}

	cast(models.VoteTypeApprove)
	cast(models.VoteTypeReject)

	votes, err := s.store.ListVotes(s.ctx, investment.ID)
	s.Require().NoError(err)
	s.Require().Len(votes, 1, "one row per voter")
	s.Equal(models.VoteTypeReject, votes[0].VoteType)
	s.True(votes[0].Weight.Equal(decimal.NewFromInt(200)))
}

// TestExecutionTransaction verifies that pool and ledger mutations made
// through the callback ctx share the execution transaction: a late failure
// rolls all of them back, and a success commits them with the proposal
// update.
func (s *PostgresRegistrySuite) TestExecutionTransaction() {
	pool, investment, _ := s.votingInvestment()

	_, err := s.ledger.ExecuteAccount(s.ctx, pool.EscrowAccountID,
		func(*escrowmodels.EscrowAccount, bool) error { return nil },
		func(a *escrowmodels.EscrowAccount, _ bool) { a.ApplyDeposit(decimal.NewFromInt(500), s.now) },
		nil,
	)
	s.Require().NoError(err)

	_, err = s.store.ExecuteInvestment(s.ctx, investment.ID, func(_ context.Context, i *models.PoolInvestment) error {
		i.ApplyResolution(models.InvestmentStatusApproved)
		return nil
	})
	s.Require().NoError(err)

	deploy := func(ctx context.Context, inv *models.PoolInvestment) {
		_, err := s.store.ExecutePool(ctx, inv.PoolID,
			func(*models.InvestmentPool) error { return nil },
			func(p *models.InvestmentPool) { p.ApplyDeployment(inv.Amount, s.now) },
		)
		s.Require().NoError(err)
		_, err = s.ledger.ExecuteAccount(ctx, pool.EscrowAccountID,
			func(*escrowmodels.EscrowAccount, bool) error { return nil },
			func(a *escrowmodels.EscrowAccount, _ bool) { a.ApplyDebit(inv.Amount, s.now, false) },
			nil,
		)
		s.Require().NoError(err)
	}

	s.Run("late failure rolls back nested mutations", func() {
		wantErr := dErrors.New(dErrors.CodeConflict, "disbursement refused")
		_, err := s.store.ExecuteInvestment(s.ctx, investment.ID, func(ctx context.Context, inv *models.PoolInvestment) error {
			deploy(ctx, inv)
			inv.ApplyExecution(s.now)
			return wantErr
		})
		s.ErrorIs(err, wantErr)

		foundPool, err := s.store.FindPool(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.True(foundPool.TotalInvested.IsZero(), "deployment must not survive the rollback")

		account, err := s.ledger.FindAccount(s.ctx, pool.EscrowAccountID)
		s.Require().NoError(err)
		s.True(account.TotalAmount.Equal(decimal.NewFromInt(500)), "debit must not survive the rollback")

		foundInv, err := s.store.FindInvestment(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusApproved, foundInv.Status)
	})

	s.Run("success commits nested mutations with the proposal", func() {
		_, err := s.store.ExecuteInvestment(s.ctx, investment.ID, func(ctx context.Context, inv *models.PoolInvestment) error {
			deploy(ctx, inv)
			inv.ApplyExecution(s.now)
			return nil
		})
		s.Require().NoError(err)

		foundPool, err := s.store.FindPool(s.ctx, pool.ID)
		s.Require().NoError(err)
		s.True(foundPool.TotalInvested.Equal(decimal.NewFromInt(100)))

		account, err := s.ledger.FindAccount(s.ctx, pool.EscrowAccountID)
		s.Require().NoError(err)
		s.True(account.TotalAmount.Equal(decimal.NewFromInt(400)))

		foundInv, err := s.store.FindInvestment(s.ctx, investment.ID)
		s.Require().NoError(err)
		s.Equal(models.InvestmentStatusInvested, foundInv.Status)
	})
}

// TestConcurrentExecution verifies the row lock gives exactly-once execution
// across competing workers.
func (s *PostgresRegistrySuite) TestConcurrentExecution() {
	_, investment, _ := s.votingInvestment()
	_, err := s.store.ExecuteInvestment(s.ctx, investment.ID, func(_ context.Context, i *models.PoolInvestment) error {
		i.ApplyResolution(models.InvestmentStatusApproved)
		return nil
	})
	s.Require().NoError(err)

	const goroutines = 10
	var wg sync.WaitGroup
	var executed atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.store.ExecuteInvestment(s.ctx, investment.ID, func(_ context.Context, inv *models.PoolInvestment) error {
				if err := inv.CanExecute(); err != nil {
					return err
				}
				inv.ApplyExecution(s.now)
				return nil
			})
			if err == nil {
				executed.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), executed.Load(), "exactly one execution should win")

	found, err := s.store.FindInvestment(s.ctx, investment.ID)
	s.Require().NoError(err)
	s.Equal(models.InvestmentStatusInvested, found.Status)
}
