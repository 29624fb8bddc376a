package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// AccountType classifies what an escrow account holds funds for.
type AccountType string

const (
	AccountTypeInvestment AccountType = "investment"
	AccountTypePayment    AccountType = "payment"
	AccountTypeMilestone  AccountType = "milestone"
	AccountTypeSecurity   AccountType = "security"
)

var validAccountTypes = map[AccountType]bool{
	AccountTypeInvestment: true,
	AccountTypePayment:    true,
	AccountTypeMilestone:  true,
	AccountTypeSecurity:   true,
}

// ParseAccountType constructs an AccountType from external input.
func ParseAccountType(s string) (AccountType, error) {
	t := AccountType(s)
	if !t.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "invalid account type")
	}
	return t, nil
}

func (t AccountType) IsValid() bool  { return validAccountTypes[t] }
func (t AccountType) String() string { return string(t) }

// AccountStatus is the lifecycle state of an escrow account.
type AccountStatus string

const (
	AccountStatusPending   AccountStatus = "pending"
	AccountStatusActive    AccountStatus = "active"
	AccountStatusFunded    AccountStatus = "funded"
	AccountStatusReleased  AccountStatus = "released"
	AccountStatusDisputed  AccountStatus = "disputed"
	AccountStatusCancelled AccountStatus = "cancelled"
)

// accountTransitions is the single source of truth for allowed status moves.
// released and cancelled are terminal; disputed is a side-state that returns
// to active or funded on manual resolution.
var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountStatusPending:  {AccountStatusActive, AccountStatusCancelled},
	AccountStatusActive:   {AccountStatusFunded, AccountStatusReleased, AccountStatusDisputed, AccountStatusCancelled},
	AccountStatusFunded:   {AccountStatusActive, AccountStatusReleased, AccountStatusDisputed, AccountStatusCancelled},
	AccountStatusDisputed: {AccountStatusActive, AccountStatusFunded, AccountStatusCancelled},
}

func (s AccountStatus) IsValid() bool {
	switch s {
	case AccountStatusPending, AccountStatusActive, AccountStatusFunded,
		AccountStatusReleased, AccountStatusDisputed, AccountStatusCancelled:
		return true
	}
	return false
}

func (s AccountStatus) String() string { return string(s) }

// CanTransitionTo reports whether a direct transition to next is allowed.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	for _, allowed := range accountTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions exist from this status.
func (s AccountStatus) IsTerminal() bool {
	return len(accountTransitions[s]) == 0
}

// EscrowAccount holds funds on behalf of multiple parties pending conditions.
//
// Invariants:
//   - AvailableBalance + HeldAmount == TotalAmount at all times
//   - AvailableBalance >= 0 and HeldAmount >= 0
//   - Status transitions follow accountTransitions only
//   - CreatedAt is immutable after construction
//
// Mutations go through the Can*/Apply* pairs so store Execute callbacks can
// validate and mutate under one lock.
type EscrowAccount struct {
	ID               id.AccountID    `json:"id"`
	AccountNumber    string          `json:"account_number"`
	Type             AccountType     `json:"type"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	HeldAmount       decimal.Decimal `json:"held_amount"`
	Currency         string          `json:"currency"`
	Status           AccountStatus   `json:"status"`
	Parties          []id.UserID     `json:"parties,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// NewEscrowAccount builds a pending account with zero balances.
func NewEscrowAccount(accountID id.AccountID, accountType AccountType, currency string, parties []id.UserID, now time.Time) (*EscrowAccount, error) {
	if !accountType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid account type")
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if len(currency) != 3 {
		return nil, dErrors.New(dErrors.CodeValidation, "currency must be a 3-letter code")
	}
	return &EscrowAccount{
		ID:               accountID,
		AccountNumber:    newAccountNumber(accountID, now),
		Type:             accountType,
		TotalAmount:      decimal.Zero,
		AvailableBalance: decimal.Zero,
		HeldAmount:       decimal.Zero,
		Currency:         currency,
		Status:           AccountStatusPending,
		Parties:          parties,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// newAccountNumber derives a human-readable account number. The UUID prefix
// keeps it unique without a separate sequence.
func newAccountNumber(accountID id.AccountID, now time.Time) string {
	short := strings.ToUpper(strings.ReplaceAll(uuid.UUID(accountID).String(), "-", "")[:8])
	return fmt.Sprintf("ESC-%s-%s", now.Format("20060102"), short)
}

// CheckInvariant verifies the balance equation. Stores call it after every
// mutation; a violation indicates a bug, not caller error.
func (a *EscrowAccount) CheckInvariant() error {
	if a.AvailableBalance.IsNegative() || a.HeldAmount.IsNegative() {
		return dErrors.New(dErrors.CodeInvariantViolation, "balance fields must be non-negative")
	}
	if !a.AvailableBalance.Add(a.HeldAmount).Equal(a.TotalAmount) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"balance mismatch: available %s + held %s != total %s",
			a.AvailableBalance, a.HeldAmount, a.TotalAmount)
	}
	return nil
}

// CanFund checks whether the account accepts deposits in its current status.
func (a *EscrowAccount) CanFund() error {
	switch a.Status {
	case AccountStatusReleased, AccountStatusCancelled, AccountStatusDisputed:
		return dErrors.Newf(dErrors.CodeConflict, "account is not fundable in status %s", a.Status)
	}
	return nil
}

// ApplyDeposit grows available balance and total together. Deposits grow the
// pool of escrowed funds; the first one activates a pending account.
func (a *EscrowAccount) ApplyDeposit(amount decimal.Decimal, now time.Time) {
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	a.TotalAmount = a.TotalAmount.Add(amount)
	if a.Status == AccountStatusPending {
		a.Status = AccountStatusActive
	}
	a.UpdatedAt = now
}

// CanDebit checks whether amount can leave the available balance. Shared by
// release, refund and fee paths.
func (a *EscrowAccount) CanDebit(amount decimal.Decimal) error {
	switch a.Status {
	case AccountStatusPending:
		return dErrors.New(dErrors.CodeConflict, "account has not been funded")
	case AccountStatusReleased, AccountStatusCancelled, AccountStatusDisputed:
		return dErrors.Newf(dErrors.CodeConflict, "account does not allow debits in status %s", a.Status)
	}
	if amount.GreaterThan(a.AvailableBalance) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"insufficient funds: requested %s exceeds available %s", amount, a.AvailableBalance)
	}
	return nil
}

// ApplyDebit removes amount from available and total. When the account is
// drained and no conditions remain outstanding it transitions to released.
func (a *EscrowAccount) ApplyDebit(amount decimal.Decimal, now time.Time, conditionsOutstanding bool) {
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.TotalAmount = a.TotalAmount.Sub(amount)
	if a.AvailableBalance.IsZero() && a.HeldAmount.IsZero() && !conditionsOutstanding {
		a.Status = AccountStatusReleased
	}
	a.UpdatedAt = now
}

// CanHold checks whether amount can move from available to held.
func (a *EscrowAccount) CanHold(amount decimal.Decimal) error {
	if err := a.CanDebit(amount); err != nil {
		return err
	}
	return nil
}

// ApplyHold moves value from available to held; total is unchanged. Holding
// funds marks the account funded: the escrowed value is secured for the
// counterparty until the hold is released or disbursed.
func (a *EscrowAccount) ApplyHold(amount decimal.Decimal, now time.Time) {
	a.AvailableBalance = a.AvailableBalance.Sub(amount)
	a.HeldAmount = a.HeldAmount.Add(amount)
	if a.Status == AccountStatusActive && a.HeldAmount.IsPositive() {
		a.Status = AccountStatusFunded
	}
	a.UpdatedAt = now
}

// CanReleaseHold checks whether amount can move back from held to available.
func (a *EscrowAccount) CanReleaseHold(amount decimal.Decimal) error {
	if amount.GreaterThan(a.HeldAmount) {
		return dErrors.Newf(dErrors.CodeInvariantViolation,
			"hold release %s exceeds held amount %s", amount, a.HeldAmount)
	}
	return nil
}

// ApplyReleaseHold moves value from held back to available. Releasing the
// last held unit returns a funded account to active.
func (a *EscrowAccount) ApplyReleaseHold(amount decimal.Decimal, now time.Time) {
	a.HeldAmount = a.HeldAmount.Sub(amount)
	a.AvailableBalance = a.AvailableBalance.Add(amount)
	if a.Status == AccountStatusFunded && a.HeldAmount.IsZero() {
		a.Status = AccountStatusActive
	}
	a.UpdatedAt = now
}

// CanDispute checks whether the account can enter the disputed side-state.
func (a *EscrowAccount) CanDispute() error {
	if !a.Status.CanTransitionTo(AccountStatusDisputed) {
		return dErrors.Newf(dErrors.CodeConflict, "account cannot be disputed from status %s", a.Status)
	}
	return nil
}

// ApplyDispute moves the account into the disputed side-state.
func (a *EscrowAccount) ApplyDispute(now time.Time) {
	a.Status = AccountStatusDisputed
	a.UpdatedAt = now
}

// CanCancel checks whether the account can be cancelled.
func (a *EscrowAccount) CanCancel() error {
	if !a.Status.CanTransitionTo(AccountStatusCancelled) {
		return dErrors.Newf(dErrors.CodeConflict, "account cannot be cancelled from status %s", a.Status)
	}
	return nil
}

// ApplyCancel terminates the account. No further transactions are allowed.
func (a *EscrowAccount) ApplyCancel(now time.Time) {
	a.Status = AccountStatusCancelled
	a.UpdatedAt = now
}
