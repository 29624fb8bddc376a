// Package service implements the escrow fund ledger: account lifecycle,
// deposits and disbursements under strict balance invariants, and the
// release-condition gate.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	escrowmetrics "vestra/internal/escrow/metrics"
	"vestra/internal/escrow/models"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/platform/audit"
	"vestra/pkg/platform/sentinel"
	"vestra/pkg/requestcontext"
)

// Store is the durable keyed storage the ledger runs on. Execute* methods
// hold the account's lock across validate and mutate; see the ledger store
// package for the locking contract.
type Store interface {
	CreateAccount(ctx context.Context, account *models.EscrowAccount) error
	FindAccount(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error)
	ListAccounts(ctx context.Context) ([]*models.EscrowAccount, error)
	ExecuteAccount(
		ctx context.Context,
		accountID id.AccountID,
		validate func(account *models.EscrowAccount, unmetConditions bool) error,
		mutate func(account *models.EscrowAccount, unmetConditions bool),
		entry *models.EscrowTransaction,
	) (*models.EscrowAccount, error)
	ListTransactions(ctx context.Context, accountID id.AccountID) ([]*models.EscrowTransaction, error)

	AddCondition(ctx context.Context, condition *models.ReleaseCondition) error
	FindCondition(ctx context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error)
	ListConditions(ctx context.Context, accountID id.AccountID) ([]*models.ReleaseCondition, error)
	ExecuteCondition(ctx context.Context, conditionID id.ConditionID, mutate func(*models.ReleaseCondition)) (*models.ReleaseCondition, error)
	HasUnmetConditions(ctx context.Context, accountID id.AccountID) (bool, error)
}

// Service owns per-account balance invariants, deposit/release operations,
// and the transaction history.
type Service struct {
	store          Store
	logger         *slog.Logger
	metrics        *escrowmetrics.Metrics
	auditPublisher audit.Publisher
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *escrowmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(s *Service) { s.auditPublisher = publisher }
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	svc := &Service{store: store}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateAccount opens a pending escrow account with zero balances.
func (s *Service) CreateAccount(ctx context.Context, accountType models.AccountType, currency string, parties []id.UserID) (*models.EscrowAccount, error) {
	now := requestcontext.Now(ctx)
	account, err := models.NewEscrowAccount(id.NewAccountID(), accountType, currency, parties, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create escrow account")
	}
	s.incrementAccountsCreated()
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "escrow_account_created",
		EntityID: account.ID.String(),
	})
	return account, nil
}

// GetAccount returns the account by id.
func (s *Service) GetAccount(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error) {
	account, err := s.store.FindAccount(ctx, accountID)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	return account, nil
}

// Fund deposits amount into the account. Deposits grow both the available
// balance and the total; the first successful deposit activates a pending
// account.
func (s *Service) Fund(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference, description string) (*models.EscrowTransaction, error) {
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "deposit amount must be positive")
	}
	start := time.Now()
	now := requestcontext.Now(ctx)

	entry, err := models.NewTransaction(id.NewTransactionID(), accountID, models.TransactionTypeDeposit, amount, reference, now)
	if err != nil {
		return nil, err
	}
	entry.Description = description

	_, err = s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, _ bool) error {
			return account.CanFund()
		},
		func(account *models.EscrowAccount, _ bool) {
			account.ApplyDeposit(amount, now)
		},
		entry,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}

	s.observeMutation(start)
	s.incrementTransaction(models.TransactionTypeDeposit)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "escrow_funded",
		EntityID: accountID.String(),
		Amount:   amount.String(),
		Detail:   reference,
	})
	return entry, nil
}

// Release disburses amount from the available balance to a recipient. It is
// blocked while any attached condition is unmet, unless the caller carries
// an authorized override. Draining the account with no conditions left
// outstanding transitions it to released.
func (s *Service) Release(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, recipientID id.UserID, reason string, override bool) (*models.EscrowTransaction, error) {
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "release amount must be positive")
	}
	if recipientID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "recipient is required")
	}
	start := time.Now()
	now := requestcontext.Now(ctx)

	entry, err := models.NewTransaction(id.NewTransactionID(), accountID, models.TransactionTypeRelease, amount, reason, now)
	if err != nil {
		return nil, err
	}
	entry.RecipientID = recipientID
	entry.Description = reason

	_, err = s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, unmetConditions bool) error {
			if unmetConditions && !override {
				s.incrementReleasesBlocked()
				return dErrors.New(dErrors.CodeInvariantViolation, "release blocked by unmet conditions")
			}
			return account.CanDebit(amount)
		},
		func(account *models.EscrowAccount, unmetConditions bool) {
			account.ApplyDebit(amount, now, unmetConditions)
		},
		entry,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}

	s.observeMutation(start)
	s.incrementTransaction(models.TransactionTypeRelease)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "escrow_released",
		EntityID: accountID.String(),
		Amount:   amount.String(),
		Detail:   reason,
	})
	return entry, nil
}

// Refund returns amount to the depositor. Refunds are the failure path of
// escrow: conditions do not gate them, but the usual fundability and
// insufficiency guards apply.
func (s *Service) Refund(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference string) (*models.EscrowTransaction, error) {
	return s.debit(ctx, accountID, amount, models.TransactionTypeRefund, reference)
}

// Fee deducts a platform fee from the available balance.
func (s *Service) Fee(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, reference string) (*models.EscrowTransaction, error) {
	return s.debit(ctx, accountID, amount, models.TransactionTypeFee, reference)
}

func (s *Service) debit(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, txType models.TransactionType, reference string) (*models.EscrowTransaction, error) {
	if !amount.IsPositive() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "%s amount must be positive", txType)
	}
	start := time.Now()
	now := requestcontext.Now(ctx)

	entry, err := models.NewTransaction(id.NewTransactionID(), accountID, txType, amount, reference, now)
	if err != nil {
		return nil, err
	}

	_, err = s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, _ bool) error {
			return account.CanDebit(amount)
		},
		func(account *models.EscrowAccount, unmetConditions bool) {
			account.ApplyDebit(amount, now, unmetConditions)
		},
		entry,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}

	s.observeMutation(start)
	s.incrementTransaction(txType)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "escrow_" + txType.String(),
		EntityID: accountID.String(),
		Amount:   amount.String(),
		Detail:   reference,
	})
	return entry, nil
}

// Hold moves amount from available to held without changing the total.
func (s *Service) Hold(ctx context.Context, accountID id.AccountID, amount decimal.Decimal) (*models.EscrowAccount, error) {
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "hold amount must be positive")
	}
	now := requestcontext.Now(ctx)
	account, err := s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, _ bool) error {
			return account.CanHold(amount)
		},
		func(account *models.EscrowAccount, _ bool) {
			account.ApplyHold(amount, now)
		},
		nil,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	return account, nil
}

// ReleaseHold moves amount from held back to available.
func (s *Service) ReleaseHold(ctx context.Context, accountID id.AccountID, amount decimal.Decimal) (*models.EscrowAccount, error) {
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "hold release amount must be positive")
	}
	now := requestcontext.Now(ctx)
	account, err := s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, _ bool) error {
			return account.CanReleaseHold(amount)
		},
		func(account *models.EscrowAccount, _ bool) {
			account.ApplyReleaseHold(amount, now)
		},
		nil,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	return account, nil
}

// Dispute moves the account into the disputed side-state pending manual
// resolution. No transactions are possible while disputed.
func (s *Service) Dispute(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error) {
	now := requestcontext.Now(ctx)
	account, err := s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, _ bool) error {
			return account.CanDispute()
		},
		func(account *models.EscrowAccount, _ bool) {
			account.ApplyDispute(now)
		},
		nil,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "escrow_disputed",
		EntityID: accountID.String(),
	})
	return account, nil
}

// Cancel terminates the account. Terminal: no further transactions.
func (s *Service) Cancel(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error) {
	now := requestcontext.Now(ctx)
	account, err := s.store.ExecuteAccount(ctx, accountID,
		func(account *models.EscrowAccount, _ bool) error {
			return account.CanCancel()
		},
		func(account *models.EscrowAccount, _ bool) {
			account.ApplyCancel(now)
		},
		nil,
	)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "escrow_cancelled",
		EntityID: accountID.String(),
	})
	return account, nil
}

// Balance is a point-in-time view of one account's funds.
type Balance struct {
	Total     decimal.Decimal `json:"total"`
	Available decimal.Decimal `json:"available"`
	Held      decimal.Decimal `json:"held"`
}

// GetBalance returns the account's current balances.
func (s *Service) GetBalance(ctx context.Context, accountID id.AccountID) (*Balance, error) {
	account, err := s.store.FindAccount(ctx, accountID)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	return &Balance{
		Total:     account.TotalAmount,
		Available: account.AvailableBalance,
		Held:      account.HeldAmount,
	}, nil
}

// ListTransactions returns the account's ledger entries oldest first.
func (s *Service) ListTransactions(ctx context.Context, accountID id.AccountID) ([]*models.EscrowTransaction, error) {
	entries, err := s.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, wrapStoreErr(err, "escrow account")
	}
	return entries, nil
}

// Stats summarizes the escrow estate visible to a caller. Admins see all
// accounts; everyone else sees only accounts they are a party to.
type Stats struct {
	TotalAccounts    int             `json:"total_accounts"`
	ActiveAccounts   int             `json:"active_accounts"`
	DisputedAccounts int             `json:"disputed_accounts"`
	TotalAmount      decimal.Decimal `json:"total_amount"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	HeldAmount       decimal.Decimal `json:"held_amount"`
}

// GetStats aggregates balances across the accounts visible to userID/role.
func (s *Service) GetStats(ctx context.Context, userID id.UserID, role string) (*Stats, error) {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list escrow accounts")
	}
	stats := &Stats{
		TotalAmount:      decimal.Zero,
		AvailableBalance: decimal.Zero,
		HeldAmount:       decimal.Zero,
	}
	for _, account := range accounts {
		if role != "admin" && !isParty(account, userID) {
			continue
		}
		stats.TotalAccounts++
		switch account.Status {
		case models.AccountStatusActive, models.AccountStatusFunded:
			stats.ActiveAccounts++
		case models.AccountStatusDisputed:
			stats.DisputedAccounts++
		}
		stats.TotalAmount = stats.TotalAmount.Add(account.TotalAmount)
		stats.AvailableBalance = stats.AvailableBalance.Add(account.AvailableBalance)
		stats.HeldAmount = stats.HeldAmount.Add(account.HeldAmount)
	}
	return stats, nil
}

func isParty(account *models.EscrowAccount, userID id.UserID) bool {
	for _, p := range account.Parties {
		if p == userID {
			return true
		}
	}
	return false
}

// wrapStoreErr translates store sentinels into domain errors.
func wrapStoreErr(err error, entity string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, entity+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "concurrent modification, retry the operation")
	default:
		var de *dErrors.Error
		if errors.As(err, &de) {
			return err
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "ledger store failure")
	}
}

func (s *Service) incrementAccountsCreated() {
	if s.metrics != nil {
		s.metrics.IncrementAccountsCreated()
	}
}

func (s *Service) incrementTransaction(txType models.TransactionType) {
	if s.metrics != nil {
		s.metrics.IncrementTransaction(txType.String())
	}
}

func (s *Service) incrementReleasesBlocked() {
	if s.metrics != nil {
		s.metrics.IncrementReleasesBlocked()
	}
}

func (s *Service) observeMutation(start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveMutation(start)
	}
}
