package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"vestra/internal/escrow/models"
	id "vestra/pkg/domain"
	"vestra/pkg/platform/sentinel"
)

type InMemoryLedgerSuite struct {
	suite.Suite
	store *InMemory
	ctx   context.Context
	now   time.Time
}

func TestInMemoryLedgerSuite(t *testing.T) {
	suite.Run(t, new(InMemoryLedgerSuite))
}

func (s *InMemoryLedgerSuite) SetupTest() {
	s.store = NewInMemory()
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
}

func (s *InMemoryLedgerSuite) createFunded(amount int64) *models.EscrowAccount {
	account, err := models.NewEscrowAccount(id.NewAccountID(), models.AccountTypePayment, "USD", nil, s.now)
	s.Require().NoError(err)
	s.Require().NoError(s.store.CreateAccount(s.ctx, account))
	if amount > 0 {
		_, err = s.store.ExecuteAccount(s.ctx, account.ID,
			func(a *models.EscrowAccount, _ bool) error { return a.CanFund() },
			func(a *models.EscrowAccount, _ bool) { a.ApplyDeposit(decimal.NewFromInt(amount), s.now) },
			nil,
		)
		s.Require().NoError(err)
	}
	return account
}

func (s *InMemoryLedgerSuite) TestCreateAndFind() {
	s.Run("round trip returns a copy", func() {
		account := s.createFunded(0)
		found, err := s.store.FindAccount(s.ctx, account.ID)
		s.Require().NoError(err)
		found.AccountNumber = "mutated"
		again, err := s.store.FindAccount(s.ctx, account.ID)
		s.Require().NoError(err)
		s.NotEqual("mutated", again.AccountNumber)
	})

	s.Run("duplicate create rejected", func() {
		account := s.createFunded(0)
		err := s.store.CreateAccount(s.ctx, account)
		s.ErrorIs(err, sentinel.ErrAlreadyExists)
	})

	s.Run("unknown account not found", func() {
		_, err := s.store.FindAccount(s.ctx, id.NewAccountID())
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryLedgerSuite) TestExecuteAccount() {
	s.Run("validate failure leaves the account untouched", func() {
		account := s.createFunded(100)
		_, err := s.store.ExecuteAccount(s.ctx, account.ID,
			func(a *models.EscrowAccount, _ bool) error { return a.CanDebit(decimal.NewFromInt(500)) },
			func(a *models.EscrowAccount, _ bool) { a.ApplyDebit(decimal.NewFromInt(500), s.now, false) },
			nil,
		)
		s.Error(err)
		found, err := s.store.FindAccount(s.ctx, account.ID)
		s.Require().NoError(err)
		s.True(found.AvailableBalance.Equal(decimal.NewFromInt(100)))
	})

	s.Run("entry appends atomically with the mutation", func() {
		account := s.createFunded(100)
		entry, err := models.NewTransaction(id.NewTransactionID(), account.ID, models.TransactionTypeRelease, decimal.NewFromInt(40), "payout", s.now)
		s.Require().NoError(err)
		_, err = s.store.ExecuteAccount(s.ctx, account.ID,
			func(a *models.EscrowAccount, _ bool) error { return a.CanDebit(decimal.NewFromInt(40)) },
			func(a *models.EscrowAccount, unmet bool) { a.ApplyDebit(decimal.NewFromInt(40), s.now, unmet) },
			entry,
		)
		s.Require().NoError(err)
		entries, err := s.store.ListTransactions(s.ctx, account.ID)
		s.Require().NoError(err)
		s.Require().Len(entries, 1)
		s.Equal(models.TransactionTypeRelease, entries[0].Type)
	})

	s.Run("concurrent debits preserve the balance invariant", func() {
		account := s.createFunded(1000)
		const workers = 100
		var wg sync.WaitGroup
		wg.Add(workers)
		for range workers {
			go func() {
				defer wg.Done()
				_, _ = s.store.ExecuteAccount(s.ctx, account.ID,
					func(a *models.EscrowAccount, _ bool) error { return a.CanDebit(decimal.NewFromInt(15)) },
					func(a *models.EscrowAccount, unmet bool) { a.ApplyDebit(decimal.NewFromInt(15), s.now, unmet) },
					nil,
				)
			}()
		}
		wg.Wait()

		found, err := s.store.FindAccount(s.ctx, account.ID)
		s.Require().NoError(err)
		s.NoError(found.CheckInvariant())
		// 66 debits of 15 fit into 1000; the 67th must have failed.
		s.True(found.AvailableBalance.Equal(decimal.NewFromInt(10)),
			"available %s", found.AvailableBalance)
	})

	s.Run("concurrent deposits all land", func() {
		account := s.createFunded(0)
		const workers = 50
		var wg sync.WaitGroup
		wg.Add(workers)
		for range workers {
			go func() {
				defer wg.Done()
				_, _ = s.store.ExecuteAccount(s.ctx, account.ID,
					func(a *models.EscrowAccount, _ bool) error { return a.CanFund() },
					func(a *models.EscrowAccount, _ bool) { a.ApplyDeposit(decimal.NewFromInt(2), s.now) },
					nil,
				)
			}()
		}
		wg.Wait()

		found, err := s.store.FindAccount(s.ctx, account.ID)
		s.Require().NoError(err)
		s.True(found.TotalAmount.Equal(decimal.NewFromInt(100)))
		s.NoError(found.CheckInvariant())
	})
}

func (s *InMemoryLedgerSuite) TestConditions() {
	newCondition := func(accountID id.AccountID) *models.ReleaseCondition {
		condition, err := models.NewReleaseCondition(id.NewConditionID(), accountID, models.ConditionTypeManualApproval, "sign-off", nil, s.now)
		s.Require().NoError(err)
		return condition
	}

	s.Run("unmet condition surfaces in execute callbacks", func() {
		account := s.createFunded(100)
		s.Require().NoError(s.store.AddCondition(s.ctx, newCondition(account.ID)))

		var sawUnmet bool
		_, err := s.store.ExecuteAccount(s.ctx, account.ID,
			func(_ *models.EscrowAccount, unmet bool) error {
				sawUnmet = unmet
				return nil
			},
			func(_ *models.EscrowAccount, _ bool) {},
			nil,
		)
		s.Require().NoError(err)
		s.True(sawUnmet)
	})

	s.Run("marking the condition clears the gate", func() {
		account := s.createFunded(100)
		condition := newCondition(account.ID)
		s.Require().NoError(s.store.AddCondition(s.ctx, condition))

		_, err := s.store.ExecuteCondition(s.ctx, condition.ID, func(c *models.ReleaseCondition) {
			c.MarkMet(s.now)
		})
		s.Require().NoError(err)

		unmet, err := s.store.HasUnmetConditions(s.ctx, account.ID)
		s.Require().NoError(err)
		s.False(unmet)
	})

	s.Run("condition for unknown account rejected", func() {
		err := s.store.AddCondition(s.ctx, newCondition(id.NewAccountID()))
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("conditions listed in creation order", func() {
		account := s.createFunded(0)
		first := newCondition(account.ID)
		second := newCondition(account.ID)
		s.Require().NoError(s.store.AddCondition(s.ctx, first))
		s.Require().NoError(s.store.AddCondition(s.ctx, second))

		conditions, err := s.store.ListConditions(s.ctx, account.ID)
		s.Require().NoError(err)
		s.Require().Len(conditions, 2)
		s.Equal(first.ID, conditions[0].ID)
		s.Equal(second.ID, conditions[1].ID)
	})
}
