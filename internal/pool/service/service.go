// Package service implements pooled-investment governance: pool lifecycle,
// membership and committed capital, weighted proposal voting, and execution
// of approved investments against the pool's escrow account.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"

	escrowmodels "vestra/internal/escrow/models"
	escrowservice "vestra/internal/escrow/service"
	poolmetrics "vestra/internal/pool/metrics"
	"vestra/internal/pool/models"
	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
	"vestra/pkg/platform/audit"
	"vestra/pkg/platform/sentinel"
	"vestra/pkg/requestcontext"
)

// defaultActivationThreshold is the fraction of the target amount that must
// be committed before a forming pool can activate.
var defaultActivationThreshold = decimal.NewFromFloat(0.5)

// Store is the keyed storage pools, members, proposals, and votes live in.
// Execute* and UpsertVote hold the entity's lock across their callbacks; see
// the registry store package for the locking contract.
type Store interface {
	CreatePool(ctx context.Context, pool *models.InvestmentPool) error
	FindPool(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error)
	ListPools(ctx context.Context) ([]*models.InvestmentPool, error)
	ExecutePool(
		ctx context.Context,
		poolID id.PoolID,
		validate func(*models.InvestmentPool) error,
		mutate func(*models.InvestmentPool),
	) (*models.InvestmentPool, error)

	AddMember(
		ctx context.Context,
		member *models.PoolMember,
		validate func(*models.InvestmentPool) error,
		mutate func(*models.InvestmentPool),
	) (*models.InvestmentPool, error)
	ListMembers(ctx context.Context, poolID id.PoolID) ([]*models.PoolMember, error)
	FindMemberByUser(ctx context.Context, poolID id.PoolID, userID id.UserID) (*models.PoolMember, error)

	CreateInvestment(ctx context.Context, investment *models.PoolInvestment, validate func(*models.InvestmentPool) error) error
	FindInvestment(ctx context.Context, investmentID id.InvestmentID) (*models.PoolInvestment, error)
	ListInvestments(ctx context.Context, poolID id.PoolID) ([]*models.PoolInvestment, error)
	ExecuteInvestment(ctx context.Context, investmentID id.InvestmentID, fn func(ctx context.Context, investment *models.PoolInvestment) error) (*models.PoolInvestment, error)

	UpsertVote(
		ctx context.Context,
		vote *models.PoolVote,
		validate func(*models.PoolInvestment) error,
		decide func(investment *models.PoolInvestment, votes []*models.PoolVote, members []*models.PoolMember),
	) (*models.PoolInvestment, error)
	ListVotes(ctx context.Context, investmentID id.InvestmentID) ([]*models.PoolVote, error)
}

// EscrowLedger is the slice of the escrow module pools depend on. Each pool
// owns one escrow account holding its pooled capital.
type EscrowLedger interface {
	CreateAccount(ctx context.Context, accountType escrowmodels.AccountType, currency string, parties []id.UserID) (*escrowmodels.EscrowAccount, error)
	Release(ctx context.Context, accountID id.AccountID, amount decimal.Decimal, recipientID id.UserID, reason string, override bool) (*escrowmodels.EscrowTransaction, error)
	GetBalance(ctx context.Context, accountID id.AccountID) (*escrowservice.Balance, error)
}

// Service owns pool lifecycle, membership, and the governance flow from
// proposal through vote tally to escrow-backed execution.
type Service struct {
	store               Store
	ledger              EscrowLedger
	logger              *slog.Logger
	metrics             *poolmetrics.Metrics
	auditPublisher      audit.Publisher
	activationThreshold decimal.Decimal
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *poolmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(publisher audit.Publisher) Option {
	return func(s *Service) { s.auditPublisher = publisher }
}

// WithActivationThreshold overrides the committed-capital ratio required to
// activate a forming pool.
func WithActivationThreshold(ratio decimal.Decimal) Option {
	return func(s *Service) { s.activationThreshold = ratio }
}

func New(store Store, ledger EscrowLedger, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	if ledger == nil {
		return nil, errors.New("escrow ledger is required")
	}
	svc := &Service{
		store:               store,
		ledger:              ledger,
		activationThreshold: defaultActivationThreshold,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreatePool validates the pool spec, opens the pool's backing escrow account,
// and stores the forming pool.
func (s *Service) CreatePool(ctx context.Context, spec models.PoolSpec) (*models.InvestmentPool, error) {
	now := requestcontext.Now(ctx)
	creator := requestcontext.UserID(ctx)

	// Validate the full pool spec before opening the backing account.
	pool, err := models.NewInvestmentPool(id.NewPoolID(), id.AccountID{}, spec, now)
	if err != nil {
		return nil, err
	}

	account, err := s.ledger.CreateAccount(ctx, escrowmodels.AccountTypeInvestment, pool.Currency, []id.UserID{creator})
	if err != nil {
		return nil, err
	}
	pool.EscrowAccountID = account.ID

	if err := s.store.CreatePool(ctx, pool); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create investment pool")
	}

	s.incrementPoolsCreated()
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    creator,
		Action:   "pool_created",
		EntityID: pool.ID.String(),
		Amount:   pool.TargetAmount.String(),
		Detail:   pool.Name,
	})
	return pool, nil
}

// GetPool returns the pool by id.
func (s *Service) GetPool(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error) {
	pool, err := s.store.FindPool(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	return pool, nil
}

// ListPools returns all pools in creation order.
func (s *Service) ListPools(ctx context.Context) ([]*models.InvestmentPool, error) {
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list investment pools")
	}
	return pools, nil
}

// AddMember admits a user into the pool with the given role and commitment.
// The member row and the pool's committed-capital counters commit in one
// atomic step. A user holds at most one membership per pool.
func (s *Service) AddMember(ctx context.Context, poolID id.PoolID, userID id.UserID, role models.MemberRole, committed decimal.Decimal) (*models.PoolMember, error) {
	now := requestcontext.Now(ctx)
	member, err := models.NewPoolMember(id.NewMemberID(), poolID, userID, role, committed, now)
	if err != nil {
		return nil, err
	}

	_, err = s.store.AddMember(ctx, member,
		func(pool *models.InvestmentPool) error {
			return pool.CanAdmitMember(committed)
		},
		func(pool *models.InvestmentPool) {
			pool.ApplyMemberAdmission(committed, now)
		},
	)
	if err != nil {
		if errors.Is(err, sentinel.ErrAlreadyExists) {
			return nil, dErrors.New(dErrors.CodeConflict, "user is already a member of this pool")
		}
		return nil, wrapStoreErr(err, "investment pool")
	}

	s.incrementMembersAdmitted()
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "pool_member_added",
		EntityID: poolID.String(),
		Amount:   committed.String(),
		Detail:   userID.String(),
	})
	return member, nil
}

// ListMembers returns the pool's members in join order.
func (s *Service) ListMembers(ctx context.Context, poolID id.PoolID) ([]*models.PoolMember, error) {
	members, err := s.store.ListMembers(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	return members, nil
}

// GetMembership returns the user's membership in the pool.
func (s *Service) GetMembership(ctx context.Context, poolID id.PoolID, userID id.UserID) (*models.PoolMember, error) {
	member, err := s.store.FindMemberByUser(ctx, poolID, userID)
	if err != nil {
		return nil, wrapStoreErr(err, "pool membership")
	}
	return member, nil
}

// Activate moves a forming pool to active once committed capital reaches the
// activation threshold.
func (s *Service) Activate(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error) {
	now := requestcontext.Now(ctx)
	pool, err := s.store.ExecutePool(ctx, poolID,
		func(pool *models.InvestmentPool) error { return pool.CanActivate(s.activationThreshold) },
		func(pool *models.InvestmentPool) { pool.ApplyActivation(now) },
	)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	s.incrementPoolTransition(models.PoolStatusActive)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "pool_activated",
		EntityID: poolID.String(),
	})
	return pool, nil
}

// Close terminates the pool.
func (s *Service) Close(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error) {
	now := requestcontext.Now(ctx)
	pool, err := s.store.ExecutePool(ctx, poolID,
		func(pool *models.InvestmentPool) error { return pool.CanClose() },
		func(pool *models.InvestmentPool) { pool.ApplyClose(now) },
	)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	s.incrementPoolTransition(models.PoolStatusClosed)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "pool_closed",
		EntityID: poolID.String(),
	})
	return pool, nil
}

// Cancel abandons a pool before distribution.
func (s *Service) Cancel(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error) {
	now := requestcontext.Now(ctx)
	pool, err := s.store.ExecutePool(ctx, poolID,
		func(pool *models.InvestmentPool) error { return pool.CanCancel() },
		func(pool *models.InvestmentPool) { pool.ApplyCancel(now) },
	)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	s.incrementPoolTransition(models.PoolStatusCancelled)
	audit.Log(ctx, s.logger, s.auditPublisher, audit.Event{
		Actor:    requestcontext.UserID(ctx),
		Action:   "pool_cancelled",
		EntityID: poolID.String(),
	})
	return pool, nil
}

// PoolStats is a point-in-time summary of one pool's capital and governance
// activity.
type PoolStats struct {
	PoolID            id.PoolID         `json:"pool_id"`
	Status            models.PoolStatus `json:"status"`
	TotalMembers      int               `json:"total_members"`
	ActiveMembers     int               `json:"active_members"`
	TotalCommitted    decimal.Decimal   `json:"total_committed"`
	TotalInvested     decimal.Decimal   `json:"total_invested"`
	DeployableCapital decimal.Decimal   `json:"deployable_capital"`
	InvestmentCount   int               `json:"investment_count"`
	ActiveInvestments int               `json:"active_investments"`
	// FundUtilization is invested capital over committed capital, zero when
	// nothing is committed.
	FundUtilization decimal.Decimal        `json:"fund_utilization"`
	EscrowBalance   *escrowservice.Balance `json:"escrow_balance"`
}

// GetPoolStats aggregates the pool's counters, its open proposals, and the
// backing escrow account's balances.
func (s *Service) GetPoolStats(ctx context.Context, poolID id.PoolID) (*PoolStats, error) {
	pool, err := s.store.FindPool(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	members, err := s.store.ListMembers(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	active := 0
	for _, m := range members {
		if m.Status == models.MemberStatusActive {
			active++
		}
	}
	investments, err := s.store.ListInvestments(ctx, poolID)
	if err != nil {
		return nil, wrapStoreErr(err, "investment pool")
	}
	open := 0
	for _, inv := range investments {
		switch inv.Status {
		case models.InvestmentStatusProposed, models.InvestmentStatusVoting, models.InvestmentStatusApproved:
			open++
		}
	}
	utilization := decimal.Zero
	if pool.TotalCommitted.IsPositive() {
		utilization = pool.TotalInvested.Div(pool.TotalCommitted)
	}
	balance, err := s.ledger.GetBalance(ctx, pool.EscrowAccountID)
	if err != nil {
		return nil, err
	}
	return &PoolStats{
		PoolID:            pool.ID,
		Status:            pool.Status,
		TotalMembers:      pool.CurrentMembers,
		ActiveMembers:     active,
		TotalCommitted:    pool.TotalCommitted,
		TotalInvested:     pool.TotalInvested,
		DeployableCapital: pool.DeployableCapital(),
		InvestmentCount:   len(investments),
		ActiveInvestments: open,
		FundUtilization:   utilization,
		EscrowBalance:     balance,
	}, nil
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
		return dErrors.Wrap(err, dErrors.CodeInternal, "registry store failure")
	}
}

func (s *Service) incrementPoolsCreated() {
	if s.metrics != nil {
		s.metrics.IncrementPoolsCreated()
	}
}

func (s *Service) incrementPoolTransition(to models.PoolStatus) {
	if s.metrics != nil {
		s.metrics.IncrementPoolTransition(to.String())
	}
}

func (s *Service) incrementMembersAdmitted() {
	if s.metrics != nil {
		s.metrics.IncrementMembersAdmitted()
	}
}

func (s *Service) incrementProposalsCreated() {
	if s.metrics != nil {
		s.metrics.IncrementProposalsCreated()
	}
}

func (s *Service) incrementProposalResolution(outcome models.InvestmentStatus) {
	if s.metrics != nil {
		s.metrics.IncrementProposalResolution(outcome.String())
	}
}

func (s *Service) incrementVotesCast(vote models.VoteType) {
	if s.metrics != nil {
		s.metrics.IncrementVotesCast(vote.String())
	}
}

func (s *Service) incrementExecutionsCompleted() {
	if s.metrics != nil {
		s.metrics.IncrementExecutionsCompleted()
	}
}
