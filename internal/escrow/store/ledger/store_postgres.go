package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"vestra/internal/escrow/models"
	id "vestra/pkg/domain"
	"vestra/pkg/platform/sentinel"
	txcontext "vestra/pkg/platform/tx"
)

// maxTxAttempts bounds retries of serializable transactions before the
// conflict is surfaced to the caller.
const maxTxAttempts = 3

// Postgres is the durable ledger store. Balance mutations run in
// serializable transactions with the account row locked FOR UPDATE, so the
// validate and mutate callbacks observe a consistent account and condition
// set.
type Postgres struct {
	db *sql.DB
}

// NewPostgres builds a PostgreSQL-backed ledger store.
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

// CreateAccount inserts a new account row.
func (s *Postgres) CreateAccount(ctx context.Context, account *models.EscrowAccount) error {
	query := `
		INSERT INTO escrow_accounts (
			id, account_number, type, total_amount, available_balance,
			held_amount, currency, status, parties, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::uuid[], $10, $11)
	`
	_, err := s.querier(ctx).ExecContext(ctx, query,
		account.ID.String(),
		account.AccountNumber,
		account.Type.String(),
		account.TotalAmount,
		account.AvailableBalance,
		account.HeldAmount,
		account.Currency,
		account.Status.String(),
		pq.Array(partyStrings(account.Parties)),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrAlreadyExists
		}
		return fmt.Errorf("insert escrow account: %w", err)
	}
	return nil
}

// FindAccount loads one account.
func (s *Postgres) FindAccount(ctx context.Context, accountID id.AccountID) (*models.EscrowAccount, error) {
	return s.scanAccount(ctx, s.querier(ctx), accountID, false)
}

// ListAccounts returns all accounts in creation order.
func (s *Postgres) ListAccounts(ctx context.Context) ([]*models.EscrowAccount, error) {
	query := accountSelect + ` ORDER BY created_at`
	rows, err := s.querier(ctx).QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query escrow accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.EscrowAccount
	for rows.Next() {
		account, err := scanAccountRow(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrow accounts: %w", err)
	}
	return accounts, nil
}

// ExecuteAccount runs validate and mutate against the locked account row and
// commits the mutation together with the optional ledger entry. The
// unmet-condition flag passed to the callbacks is read inside the same
// transaction. Serialization failures retry up to maxTxAttempts before
// surfacing as a conflict.
func (s *Postgres) ExecuteAccount(
	ctx context.Context,
	accountID id.AccountID,
	validate func(account *models.EscrowAccount, unmetConditions bool) error,
	mutate func(account *models.EscrowAccount, unmetConditions bool),
	entry *models.EscrowTransaction,
) (*models.EscrowAccount, error) {
	var result *models.EscrowAccount
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		account, err := s.scanAccount(ctx, tx, accountID, true)
		if err != nil {
			return err
		}

		var unmet int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM release_conditions WHERE account_id = $1 AND NOT is_met`,
			accountID.String(),
		).Scan(&unmet)
		if err != nil {
			return fmt.Errorf("count unmet conditions: %w", err)
		}
		unmetConditions := unmet > 0

		if err := validate(account, unmetConditions); err != nil {
			return err
		}
		mutate(account, unmetConditions)
		if err := account.CheckInvariant(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE escrow_accounts
			SET total_amount = $2, available_balance = $3, held_amount = $4,
			    status = $5, updated_at = $6
			WHERE id = $1
		`,
			accountID.String(),
			account.TotalAmount,
			account.AvailableBalance,
			account.HeldAmount,
			account.Status.String(),
			account.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("update escrow account: %w", err)
		}

		if entry != nil {
			if err := insertTransaction(ctx, tx, entry); err != nil {
				return err
			}
		}
		result = account
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ListTransactions returns the account's ledger entries oldest first.
func (s *Postgres) ListTransactions(ctx context.Context, accountID id.AccountID) ([]*models.EscrowTransaction, error) {
	if _, err := s.FindAccount(ctx, accountID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, account_id, type, amount, reference, description,
		       recipient_id, status, transaction_date
		FROM escrow_transactions
		WHERE account_id = $1
		ORDER BY transaction_date, id
	`
	rows, err := s.querier(ctx).QueryContext(ctx, query, accountID.String())
	if err != nil {
		return nil, fmt.Errorf("query escrow transactions: %w", err)
	}
	defer rows.Close()

	var entries []*models.EscrowTransaction
	for rows.Next() {
		var (
			entry       models.EscrowTransaction
			txID        string
			acctID      string
			txType      string
			status      string
			recipientID sql.NullString
			description sql.NullString
		)
		err := rows.Scan(&txID, &acctID, &txType, &entry.Amount, &entry.Reference,
			&description, &recipientID, &status, &entry.TransactionDate)
		if err != nil {
			return nil, fmt.Errorf("scan escrow transaction: %w", err)
		}
		if entry.ID, err = id.ParseTransactionID(txID); err != nil {
			return nil, fmt.Errorf("parse transaction id: %w", err)
		}
		if entry.AccountID, err = id.ParseAccountID(acctID); err != nil {
			return nil, fmt.Errorf("parse account id: %w", err)
		}
		entry.Type = models.TransactionType(txType)
		entry.Status = models.TransactionStatus(status)
		entry.Description = description.String
		if recipientID.Valid {
			if entry.RecipientID, err = id.ParseUserID(recipientID.String); err != nil {
				return nil, fmt.Errorf("parse recipient id: %w", err)
			}
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrow transactions: %w", err)
	}
	return entries, nil
}

// AddCondition attaches a condition to an existing account. The account row
// is locked so a concurrent release cannot miss the new gate.
func (s *Postgres) AddCondition(ctx context.Context, condition *models.ReleaseCondition) error {
	return s.withRetry(ctx, func(tx *sql.Tx) error {
		if _, err := s.scanAccount(ctx, tx, condition.AccountID, true); err != nil {
			return err
		}
		query := `
			INSERT INTO release_conditions (
				id, account_id, condition_type, description, due_date,
				is_met, met_at, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`
		_, err := tx.ExecContext(ctx, query,
			condition.ID.String(),
			condition.AccountID.String(),
			condition.ConditionType.String(),
			condition.Description,
			condition.DueDate,
			condition.IsMet,
			condition.MetAt,
			condition.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert release condition: %w", err)
		}
		return nil
	})
}

// FindCondition loads one condition.
func (s *Postgres) FindCondition(ctx context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error) {
	row := s.querier(ctx).QueryRowContext(ctx, conditionSelect+` WHERE id = $1`, conditionID.String())
	return scanCondition(row)
}

// ListConditions returns the account's conditions in creation order.
func (s *Postgres) ListConditions(ctx context.Context, accountID id.AccountID) ([]*models.ReleaseCondition, error) {
	if _, err := s.FindAccount(ctx, accountID); err != nil {
		return nil, err
	}
	rows, err := s.querier(ctx).QueryContext(ctx,
		conditionSelect+` WHERE account_id = $1 ORDER BY created_at, id`, accountID.String())
	if err != nil {
		return nil, fmt.Errorf("query release conditions: %w", err)
	}
	defer rows.Close()

	var conditions []*models.ReleaseCondition
	for rows.Next() {
		condition, err := scanCondition(rows)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, condition)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate release conditions: %w", err)
	}
	return conditions, nil
}

// ExecuteCondition mutates one condition under its account's lock.
func (s *Postgres) ExecuteCondition(ctx context.Context, conditionID id.ConditionID, mutate func(*models.ReleaseCondition)) (*models.ReleaseCondition, error) {
	var result *models.ReleaseCondition
	err := s.withRetry(ctx, func(tx *sql.Tx) error {
		var accountID string
		err := tx.QueryRowContext(ctx,
			`SELECT account_id FROM release_conditions WHERE id = $1`, conditionID.String(),
		).Scan(&accountID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sentinel.ErrNotFound
			}
			return fmt.Errorf("find condition account: %w", err)
		}
		// Lock the parent account so condition flips serialize with releases.
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM escrow_accounts WHERE id = $1 FOR UPDATE`, accountID); err != nil {
			return fmt.Errorf("lock escrow account: %w", err)
		}

		row := tx.QueryRowContext(ctx, conditionSelect+` WHERE id = $1`, conditionID.String())
		condition, err := scanCondition(row)
		if err != nil {
			return err
		}
		mutate(condition)

		_, err = tx.ExecContext(ctx,
			`UPDATE release_conditions SET is_met = $2, met_at = $3 WHERE id = $1`,
			conditionID.String(), condition.IsMet, condition.MetAt)
		if err != nil {
			return fmt.Errorf("update release condition: %w", err)
		}
		result = condition
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// HasUnmetConditions reports whether any unmet condition gates the account.
func (s *Postgres) HasUnmetConditions(ctx context.Context, accountID id.AccountID) (bool, error) {
	var unmet int
	err := s.querier(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM release_conditions WHERE account_id = $1 AND NOT is_met`,
		accountID.String(),
	).Scan(&unmet)
	if err != nil {
		return false, fmt.Errorf("count unmet conditions: %w", err)
	}
	return unmet > 0, nil
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

const accountSelect = `
	SELECT id, account_number, type, total_amount, available_balance,
	       held_amount, currency, status, parties::text[], created_at, updated_at
	FROM escrow_accounts
`

func (s *Postgres) scanAccount(ctx context.Context, q dbQuerier, accountID id.AccountID, forUpdate bool) (*models.EscrowAccount, error) {
	query := accountSelect + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	rows, err := q.QueryContext(ctx, query, accountID.String())
	if err != nil {
		return nil, fmt.Errorf("query escrow account: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("query escrow account: %w", err)
		}
		return nil, sentinel.ErrNotFound
	}
	return scanAccountRow(rows)
}

func scanAccountRow(rows *sql.Rows) (*models.EscrowAccount, error) {
	var (
		account   models.EscrowAccount
		accountID string
		acctType  string
		status    string
		parties   []string
	)
	err := rows.Scan(&accountID, &account.AccountNumber, &acctType,
		&account.TotalAmount, &account.AvailableBalance, &account.HeldAmount,
		&account.Currency, &status, pq.Array(&parties),
		&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan escrow account: %w", err)
	}
	if account.ID, err = id.ParseAccountID(accountID); err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	account.Type = models.AccountType(acctType)
	account.Status = models.AccountStatus(status)
	for _, p := range parties {
		userID, err := id.ParseUserID(p)
		if err != nil {
			return nil, fmt.Errorf("parse party id: %w", err)
		}
		account.Parties = append(account.Parties, userID)
	}
	return &account, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, entry *models.EscrowTransaction) error {
	var recipientID any
	if !entry.RecipientID.IsNil() {
		recipientID = entry.RecipientID.String()
	}
	query := `
		INSERT INTO escrow_transactions (
			id, account_id, type, amount, reference, description,
			recipient_id, status, transaction_date
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := tx.ExecContext(ctx, query,
		entry.ID.String(),
		entry.AccountID.String(),
		entry.Type.String(),
		entry.Amount,
		entry.Reference,
		entry.Description,
		recipientID,
		entry.Status.String(),
		entry.TransactionDate,
	)
	if err != nil {
		return fmt.Errorf("insert escrow transaction: %w", err)
	}
	return nil
}

const conditionSelect = `
	SELECT id, account_id, condition_type, description, due_date,
	       is_met, met_at, created_at
	FROM release_conditions
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCondition(row rowScanner) (*models.ReleaseCondition, error) {
	var (
		condition     models.ReleaseCondition
		conditionID   string
		accountID     string
		conditionType string
	)
	err := row.Scan(&conditionID, &accountID, &conditionType,
		&condition.Description, &condition.DueDate,
		&condition.IsMet, &condition.MetAt, &condition.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan release condition: %w", err)
	}
	if condition.ID, err = id.ParseConditionID(conditionID); err != nil {
		return nil, fmt.Errorf("parse condition id: %w", err)
	}
	if condition.AccountID, err = id.ParseAccountID(accountID); err != nil {
		return nil, fmt.Errorf("parse account id: %w", err)
	}
	condition.ConditionType = models.ConditionType(conditionType)
	return &condition, nil
}

func partyStrings(parties []id.UserID) []string {
	out := make([]string, 0, len(parties))
	for _, p := range parties {
		out = append(out, p.String())
	}
	return out
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
