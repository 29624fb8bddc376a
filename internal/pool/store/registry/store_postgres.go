package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"vestra/internal/pool/models"
	id "vestra/pkg/domain"
	"vestra/pkg/platform/sentinel"
	txcontext "vestra/pkg/platform/tx"
)

const maxTxAttempts = 3

// Postgres is the durable registry store. Pool and proposal mutations run in
// serializable transactions with the entity row locked FOR UPDATE; vote
// upserts and the tally decision share one transaction so the transition out
// of voting is decided exactly once.
type Postgres struct {
	db *sql.DB
}

// NewPostgres builds a PostgreSQL-backed registry store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

type dbQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Postgres) querier(ctx context.Context) dbQuerier {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// CreatePool inserts a new pool row.
func (s *Postgres) CreatePool(ctx context.Context, pool *models.InvestmentPool) error {
	query := `
		INSERT INTO investment_pools (
			id, name, description, type, status, escrow_account_id, currency,
			target_amount, minimum_investment, maximum_investment,
			total_committed, total_invested, total_distributed,
			current_members, max_members, risk_profile,
			auto_approve_investments, require_majority_vote,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err := s.querier(ctx).ExecContext(ctx, query,
		pool.ID.String(), pool.Name, pool.Description, pool.Type.String(),
		pool.Status.String(), pool.EscrowAccountID.String(), pool.Currency,
		pool.TargetAmount, pool.MinimumInvestment, pool.MaximumInvestment,
		pool.TotalCommitted, pool.TotalInvested, pool.TotalDistributed,
		pool.CurrentMembers, pool.MaxMembers, pool.RiskProfile.String(),
		pool.AutoApproveInvestments, pool.RequireMajorityVote,
		pool.CreatedAt, pool.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyExists
		}
		return fmt.Errorf("insert investment pool: %w", err)
	}
	return nil
}

// FindPool loads one pool.
func (s *Postgres) FindPool(ctx context.Context, poolID id.PoolID) (*models.InvestmentPool, error) {
	return scanPool(s.querier(ctx).QueryRowContext(ctx, poolSelect+` WHERE id = $1`, poolID.String()))
}

// ListPools returns all pools in creation order.
func (s *Postgres) ListPools(ctx context.Context) ([]*models.InvestmentPool, error) {
	rows, err := s.querier(ctx).QueryContext(ctx, poolSelect+` ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query investment pools: %w", err)
	}
	defer rows.Close()

	var pools []*models.InvestmentPool
	for rows.Next() {
		pool, err := scanPool(rows)
		if err != nil {
			return nil, err
		}
		pools = append(pools, pool)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate investment pools: %w", err)
	}
	return pools, nil
}

// ExecutePool runs validate and mutate against the locked pool row.
func (s *Postgres) ExecutePool(
	ctx context.Context,
	poolID id.PoolID,
	validate func(*models.InvestmentPool) error,
	mutate func(*models.InvestmentPool),
) (*models.InvestmentPool, error) {
	var result *models.InvestmentPool
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		pool, err := lockPool(ctx, tx, poolID)
		if err != nil {
			return err
		}
		if err := validate(pool); err != nil {
			return err
		}
		mutate(pool)
		if err := updatePool(ctx, tx, pool); err != nil {
			return err
		}
		result = pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// AddMember inserts the member and applies mutate to the pool in one
// transaction. A user cannot hold two memberships in the same pool.
func (s *Postgres) AddMember(
	ctx context.Context,
	member *models.PoolMember,
	validate func(*models.InvestmentPool) error,
	mutate func(*models.InvestmentPool),
) (*models.InvestmentPool, error) {
	var result *models.InvestmentPool
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		pool, err := lockPool(ctx, tx, member.PoolID)
		if err != nil {
			return err
		}

		var existing int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM pool_members
			WHERE pool_id = $1 AND user_id = $2 AND status <> 'removed'
		`, member.PoolID.String(), member.UserID.String()).Scan(&existing)
		if err != nil {
			return fmt.Errorf("check existing membership: %w", err)
		}
		if existing > 0 {
			return sentinel.ErrAlreadyExists
		}

		if err := validate(pool); err != nil {
			return err
		}
		mutate(pool)
		if err := updatePool(ctx, tx, pool); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO pool_members (
				id, pool_id, user_id, role, status,
				committed_amount, invested_amount, voting_power, joined_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			member.ID.String(), member.PoolID.String(), member.UserID.String(),
			member.Role.String(), member.Status.String(),
			member.CommittedAmount, member.InvestedAmount, member.VotingPower,
			member.JoinedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return sentinel.ErrAlreadyExists
			}
			return fmt.Errorf("insert pool member: %w", err)
		}
		result = pool
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListMembers returns the pool's members in join order.
func (s *Postgres) ListMembers(ctx context.Context, poolID id.PoolID) ([]*models.PoolMember, error) {
	if _, err := s.FindPool(ctx, poolID); err != nil {
		return nil, err
	}
	return listMembers(ctx, s.querier(ctx), poolID)
}

// FindMemberByUser returns the user's membership in the pool.
func (s *Postgres) FindMemberByUser(ctx context.Context, poolID id.PoolID, userID id.UserID) (*models.PoolMember, error) {
	row := s.querier(ctx).QueryRowContext(ctx,
		memberSelect+` WHERE pool_id = $1 AND user_id = $2 AND status <> 'removed'`,
		poolID.String(), userID.String())
	return scanMember(row)
}

// CreateInvestment inserts the proposal after validate passes against the
// locked pool row.
func (s *Postgres) CreateInvestment(
	ctx context.Context,
	investment *models.PoolInvestment,
	validate func(*models.InvestmentPool) error,
) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		pool, err := lockPool(ctx, tx, investment.PoolID)
		if err != nil {
			return err
		}
		if err := validate(pool); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO pool_investments (
				id, pool_id, opportunity_id, amount, currency,
				proposed_by, notes, status, proposed_at, executed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`,
			investment.ID.String(), investment.PoolID.String(),
			investment.OpportunityID.String(), investment.Amount,
			investment.Currency, investment.ProposedBy.String(),
			investment.Notes, investment.Status.String(),
			investment.ProposedAt, investment.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("insert pool investment: %w", err)
		}
		return nil
	})
}

// FindInvestment loads one proposal.
func (s *Postgres) FindInvestment(ctx context.Context, investmentID id.InvestmentID) (*models.PoolInvestment, error) {
	row := s.querier(ctx).QueryRowContext(ctx, investmentSelect+` WHERE id = $1`, investmentID.String())
	return scanInvestment(row)
}

// ListInvestments returns the pool's proposals in creation order.
func (s *Postgres) ListInvestments(ctx context.Context, poolID id.PoolID) ([]*models.PoolInvestment, error) {
	if _, err := s.FindPool(ctx, poolID); err != nil {
		return nil, err
	}
	rows, err := s.querier(ctx).QueryContext(ctx,
		investmentSelect+` WHERE pool_id = $1 ORDER BY proposed_at, id`, poolID.String())
	if err != nil {
		return nil, fmt.Errorf("query pool investments: %w", err)
	}
	defer rows.Close()

	var investments []*models.PoolInvestment
	for rows.Next() {
		investment, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		investments = append(investments, investment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool investments: %w", err)
	}
	return investments, nil
}

// ExecuteInvestment runs fn against the locked proposal row and commits the
// mutation only if fn returns nil. The transaction is carried in the ctx
// handed to fn, so nested pool and ledger operations join it and commit or
// roll back with the proposal update. The row lock serializes concurrent
// executions.
func (s *Postgres) ExecuteInvestment(
	ctx context.Context,
	investmentID id.InvestmentID,
	fn func(ctx context.Context, investment *models.PoolInvestment) error,
) (*models.PoolInvestment, error) {
	var result *models.PoolInvestment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		investment, err := lockInvestment(ctx, tx, investmentID)
		if err != nil {
			return err
		}
		if err := fn(txcontext.WithTx(ctx, tx), investment); err != nil {
			return err
		}
		if err := updateInvestment(ctx, tx, investment); err != nil {
			return err
		}
		result = investment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpsertVote replaces the voter's vote and runs decide with a consistent
// snapshot of all votes and the pool's members, committing the vote and any
// proposal transition together.
func (s *Postgres) UpsertVote(
	ctx context.Context,
	vote *models.PoolVote,
	validate func(*models.PoolInvestment) error,
	decide func(investment *models.PoolInvestment, votes []*models.PoolVote, members []*models.PoolMember),
) (*models.PoolInvestment, error) {
	var result *models.PoolInvestment
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		investment, err := lockInvestment(ctx, tx, vote.InvestmentID)
		if err != nil {
			return err
		}
		if err := validate(investment); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO pool_votes (id, investment_id, voter_id, vote_type, weight, cast_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (investment_id, voter_id) DO UPDATE SET
				vote_type = EXCLUDED.vote_type,
				weight = EXCLUDED.weight,
				cast_at = EXCLUDED.cast_at
		`,
			vote.ID.String(), vote.InvestmentID.String(), vote.VoterID.String(),
			vote.VoteType.String(), vote.Weight, vote.CastAt,
		)
		if err != nil {
			return fmt.Errorf("upsert pool vote: %w", err)
		}

		votes, err := listVotes(ctx, tx, vote.InvestmentID)
		if err != nil {
			return err
		}
		members, err := listMembers(ctx, tx, investment.PoolID)
		if err != nil {
			return err
		}

		decide(investment, votes, members)
		if err := updateInvestment(ctx, tx, investment); err != nil {
			return err
		}
		result = investment
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListVotes returns the current vote per voter for a proposal.
func (s *Postgres) ListVotes(ctx context.Context, investmentID id.InvestmentID) ([]*models.PoolVote, error) {
	if _, err := s.FindInvestment(ctx, investmentID); err != nil {
		return nil, err
	}
	return listVotes(ctx, s.querier(ctx), investmentID)
}

// withRetry runs fn in a serializable transaction, retrying serialization
// failures before translating them into a conflict sentinel. When ctx carries
// a transaction, fn joins it instead: the owner commits or rolls back, and
// serialization failures surface raw so the owner's retry loop can rerun the
// whole unit of work.
func (s *Postgres) withRetry(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if tx, ok := txcontext.From(ctx); ok {
		return fn(tx)
	}
	var lastErr error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", sentinel.ErrConflict, lastErr)
}

const poolSelect = `
	SELECT id, name, description, type, status, escrow_account_id, currency,
	       target_amount, minimum_investment, maximum_investment,
	       total_committed, total_invested, total_distributed,
	       current_members, max_members, risk_profile,
	       auto_approve_investments, require_majority_vote,
	       created_at, updated_at
	FROM investment_pools
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPool(row rowScanner) (*models.InvestmentPool, error) {
	var (
		pool        models.InvestmentPool
		poolID      string
		poolType    string
		status      string
		accountID   string
		riskProfile string
	)
	err := row.Scan(&poolID, &pool.Name, &pool.Description, &poolType, &status,
		&accountID, &pool.Currency,
		&pool.TargetAmount, &pool.MinimumInvestment, &pool.MaximumInvestment,
		&pool.TotalCommitted, &pool.TotalInvested, &pool.TotalDistributed,
		&pool.CurrentMembers, &pool.MaxMembers, &riskProfile,
		&pool.AutoApproveInvestments, &pool.RequireMajorityVote,
		&pool.CreatedAt, &pool.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan investment pool: %w", err)
	}
	if pool.ID, err = id.ParsePoolID(poolID); err != nil {
		return nil, fmt.Errorf("parse pool id: %w", err)
	}
	if pool.EscrowAccountID, err = id.ParseAccountID(accountID); err != nil {
		return nil, fmt.Errorf("parse escrow account id: %w", err)
	}
	pool.Type = models.PoolType(poolType)
	pool.Status = models.PoolStatus(status)
	pool.RiskProfile = models.RiskProfile(riskProfile)
	return &pool, nil
}

func lockPool(ctx context.Context, tx *sql.Tx, poolID id.PoolID) (*models.InvestmentPool, error) {
	rows, err := tx.QueryContext(ctx, poolSelect+` WHERE id = $1 FOR UPDATE`, poolID.String())
	if err != nil {
		return nil, fmt.Errorf("lock investment pool: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("lock investment pool: %w", err)
		}
		return nil, sentinel.ErrNotFound
	}
	return scanPool(rows)
}

func updatePool(ctx context.Context, tx *sql.Tx, pool *models.InvestmentPool) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE investment_pools
		SET status = $2, total_committed = $3, total_invested = $4,
		    total_distributed = $5, current_members = $6, updated_at = $7
		WHERE id = $1
	`,
		pool.ID.String(), pool.Status.String(),
		pool.TotalCommitted, pool.TotalInvested, pool.TotalDistributed,
		pool.CurrentMembers, pool.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update investment pool: %w", err)
	}
	return nil
}

const memberSelect = `
	SELECT id, pool_id, user_id, role, status,
	       committed_amount, invested_amount, voting_power, joined_at
	FROM pool_members
`

func scanMember(row rowScanner) (*models.PoolMember, error) {
	var (
		member   models.PoolMember
		memberID string
		poolID   string
		userID   string
		role     string
		status   string
	)
	err := row.Scan(&memberID, &poolID, &userID, &role, &status,
		&member.CommittedAmount, &member.InvestedAmount, &member.VotingPower,
		&member.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan pool member: %w", err)
	}
	if member.ID, err = id.ParseMemberID(memberID); err != nil {
		return nil, fmt.Errorf("parse member id: %w", err)
	}
	if member.PoolID, err = id.ParsePoolID(poolID); err != nil {
		return nil, fmt.Errorf("parse pool id: %w", err)
	}
	if member.UserID, err = id.ParseUserID(userID); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	member.Role = models.MemberRole(role)
	member.Status = models.MemberStatus(status)
	return &member, nil
}

func listMembers(ctx context.Context, q dbQuerier, poolID id.PoolID) ([]*models.PoolMember, error) {
	rows, err := q.QueryContext(ctx,
		memberSelect+` WHERE pool_id = $1 ORDER BY joined_at, id`, poolID.String())
	if err != nil {
		return nil, fmt.Errorf("query pool members: %w", err)
	}
	defer rows.Close()

	var members []*models.PoolMember
	for rows.Next() {
		member, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool members: %w", err)
	}
	return members, nil
}

const investmentSelect = `
	SELECT id, pool_id, opportunity_id, amount, currency,
	       proposed_by, notes, status, proposed_at, executed_at
	FROM pool_investments
`

func scanInvestment(row rowScanner) (*models.PoolInvestment, error) {
	var (
		investment    models.PoolInvestment
		investmentID  string
		poolID        string
		opportunityID string
		proposedBy    string
		status        string
	)
	err := row.Scan(&investmentID, &poolID, &opportunityID,
		&investment.Amount, &investment.Currency, &proposedBy,
		&investment.Notes, &status, &investment.ProposedAt, &investment.ExecutedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan pool investment: %w", err)
	}
	if investment.ID, err = id.ParseInvestmentID(investmentID); err != nil {
		return nil, fmt.Errorf("parse investment id: %w", err)
	}
	if investment.PoolID, err = id.ParsePoolID(poolID); err != nil {
		return nil, fmt.Errorf("parse pool id: %w", err)
	}
	if investment.OpportunityID, err = id.ParseOpportunityID(opportunityID); err != nil {
		return nil, fmt.Errorf("parse opportunity id: %w", err)
	}
	if investment.ProposedBy, err = id.ParseUserID(proposedBy); err != nil {
		return nil, fmt.Errorf("parse proposer id: %w", err)
	}
	investment.Status = models.InvestmentStatus(status)
	return &investment, nil
}

func lockInvestment(ctx context.Context, tx *sql.Tx, investmentID id.InvestmentID) (*models.PoolInvestment, error) {
	rows, err := tx.QueryContext(ctx,
		investmentSelect+` WHERE id = $1 FOR UPDATE`, investmentID.String())
	if err != nil {
		return nil, fmt.Errorf("lock pool investment: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("lock pool investment: %w", err)
		}
		return nil, sentinel.ErrNotFound
	}
	return scanInvestment(rows)
}

func updateInvestment(ctx context.Context, tx *sql.Tx, investment *models.PoolInvestment) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE pool_investments
		SET status = $2, executed_at = $3
		WHERE id = $1
	`,
		investment.ID.String(), investment.Status.String(), investment.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("update pool investment: %w", err)
	}
	return nil
}

func listVotes(ctx context.Context, q dbQuerier, investmentID id.InvestmentID) ([]*models.PoolVote, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, investment_id, voter_id, vote_type, weight, cast_at
		FROM pool_votes
		WHERE investment_id = $1
		ORDER BY cast_at, id
	`, investmentID.String())
	if err != nil {
		return nil, fmt.Errorf("query pool votes: %w", err)
	}
	defer rows.Close()

	var votes []*models.PoolVote
	for rows.Next() {
		var (
			vote     models.PoolVote
			voteID   string
			invID    string
			voterID  string
			voteType string
		)
		err := rows.Scan(&voteID, &invID, &voterID, &voteType, &vote.Weight, &vote.CastAt)
		if err != nil {
			return nil, fmt.Errorf("scan pool vote: %w", err)
		}
		if vote.ID, err = id.ParseVoteID(voteID); err != nil {
			return nil, fmt.Errorf("parse vote id: %w", err)
		}
		if vote.InvestmentID, err = id.ParseInvestmentID(invID); err != nil {
			return nil, fmt.Errorf("parse investment id: %w", err)
		}
		if vote.VoterID, err = id.ParseUserID(voterID); err != nil {
			return nil, fmt.Errorf("parse voter id: %w", err)
		}
		vote.VoteType = models.VoteType(voteType)
		votes = append(votes, &vote)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool votes: %w", err)
	}
	return votes, nil
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
