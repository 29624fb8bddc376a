package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

type InvestmentSuite struct {
	suite.Suite
	now  time.Time
	pool *InvestmentPool
}

func TestInvestmentSuite(t *testing.T) {
	suite.Run(t, new(InvestmentSuite))
}

func (s *InvestmentSuite) SetupTest() {
	s.now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
	pool, err := NewInvestmentPool(id.NewPoolID(), id.NewAccountID(), PoolSpec{
		Name:              "Growth Fund",
		Description:       "Later-stage deals",
		Type:              PoolTypeFund,
		Currency:          "EUR",
		TargetAmount:      decimal.NewFromInt(5000),
		MinimumInvestment: decimal.NewFromInt(50),
		MaximumInvestment: decimal.NewFromInt(1000),
		MaxMembers:        20,
		RiskProfile:       RiskProfileAggressive,
	}, s.now)
	s.Require().NoError(err)
	s.pool = pool
}

func (s *InvestmentSuite) newInvestment() *PoolInvestment {
	investment, err := NewPoolInvestment(id.NewInvestmentID(), s.pool, id.NewOpportunityID(), decimal.NewFromInt(100), id.NewUserID(), "", s.now)
	s.Require().NoError(err)
	return investment
}

func (s *InvestmentSuite) TestNewPoolInvestment() {
	s.Run("majority-vote pools open voting immediately", func() {
		s.pool.RequireMajorityVote = true
		investment := s.newInvestment()
		s.Equal(InvestmentStatusVoting, investment.Status)
	})

	s.Run("auto-approve pools skip voting", func() {
		s.pool.AutoApproveInvestments = true
		investment := s.newInvestment()
		s.Equal(InvestmentStatusApproved, investment.Status)
	})

	s.Run("majority vote takes precedence over auto-approve", func() {
		s.pool.RequireMajorityVote = true
		s.pool.AutoApproveInvestments = true
		investment := s.newInvestment()
		s.Equal(InvestmentStatusVoting, investment.Status)
	})

	s.Run("pools with neither flag hold the proposal", func() {
		investment := s.newInvestment()
		s.Equal(InvestmentStatusProposed, investment.Status)
	})

	s.Run("currency copied from the pool", func() {
		investment := s.newInvestment()
		s.Equal("EUR", investment.Currency)
	})

	s.Run("rejects non-positive amount", func() {
		_, err := NewPoolInvestment(id.NewInvestmentID(), s.pool, id.NewOpportunityID(), decimal.Zero, id.NewUserID(), "", s.now)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeValidation))
	})
}

func (s *InvestmentSuite) TestExecution() {
	s.Run("only approved proposals execute", func() {
		investment := s.newInvestment()
		err := investment.CanExecute()
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeConflict))
	})

	s.Run("execution marks invested with a timestamp", func() {
		s.pool.AutoApproveInvestments = true
		investment := s.newInvestment()
		s.Require().NoError(investment.CanExecute())
		investment.ApplyExecution(s.now)
		s.Equal(InvestmentStatusInvested, investment.Status)
		s.Require().NotNil(investment.ExecutedAt)
		s.Equal(s.now, *investment.ExecutedAt)
	})

	s.Run("second execution reports already executed", func() {
		s.pool.AutoApproveInvestments = true
		investment := s.newInvestment()
		investment.ApplyExecution(s.now)
		err := investment.CanExecute()
		s.Error(err)
		s.Contains(err.Error(), "already executed")
	})
}

func (s *InvestmentSuite) TestResolution() {
	s.pool.RequireMajorityVote = true

	s.Run("voting proposals resolve to approved or rejected", func() {
		investment := s.newInvestment()
		s.NoError(investment.CanResolve(InvestmentStatusApproved))
		s.NoError(investment.CanResolve(InvestmentStatusRejected))
	})

	s.Run("resolution to anything else rejected", func() {
		investment := s.newInvestment()
		err := investment.CanResolve(InvestmentStatusInvested)
		s.Error(err)
		s.True(dErrors.Is(err, dErrors.CodeInvalidInput))
	})

	s.Run("rejected is terminal", func() {
		investment := s.newInvestment()
		investment.ApplyResolution(InvestmentStatusRejected)
		s.Error(investment.CanResolve(InvestmentStatusApproved))
		s.Error(investment.CanExecute())
	})
}
