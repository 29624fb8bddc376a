package models

import (
	"time"

	"github.com/shopspring/decimal"

	id "vestra/pkg/domain"
	dErrors "vestra/pkg/domain-errors"
)

// TransactionType is the direction and purpose of a ledger entry.
type TransactionType string

const (
	TransactionTypeDeposit TransactionType = "deposit"
	TransactionTypeRelease TransactionType = "release"
	TransactionTypeRefund  TransactionType = "refund"
	TransactionTypeFee     TransactionType = "fee"
)

var validTransactionTypes = map[TransactionType]bool{
	TransactionTypeDeposit: true,
	TransactionTypeRelease: true,
	TransactionTypeRefund:  true,
	TransactionTypeFee:     true,
}

func (t TransactionType) IsValid() bool  { return validTransactionTypes[t] }
func (t TransactionType) String() string { return string(t) }

// TransactionStatus tracks settlement of a ledger entry. Entries are never
// mutated after reaching completed.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusCompleted, TransactionStatusFailed:
		return true
	}
	return false
}

func (s TransactionStatus) String() string { return string(s) }

// EscrowTransaction is one immutable ledger entry. Only the ledger service
// creates these; they are appended, never deleted.
type EscrowTransaction struct {
	ID              id.TransactionID  `json:"id"`
	AccountID       id.AccountID      `json:"account_id"`
	Type            TransactionType   `json:"type"`
	Amount          decimal.Decimal   `json:"amount"`
	Reference       string            `json:"reference"`
	Description     string            `json:"description,omitempty"`
	RecipientID     id.UserID         `json:"recipient_id,omitempty"`
	Status          TransactionStatus `json:"status"`
	TransactionDate time.Time         `json:"transaction_date"`
}

// NewTransaction builds a completed ledger entry. Amount must be strictly
// positive regardless of type; direction is carried by Type.
func NewTransaction(txID id.TransactionID, accountID id.AccountID, txType TransactionType, amount decimal.Decimal, reference string, now time.Time) (*EscrowTransaction, error) {
	if !txType.IsValid() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "invalid transaction type")
	}
	if !amount.IsPositive() {
		return nil, dErrors.New(dErrors.CodeValidation, "amount must be positive")
	}
	return &EscrowTransaction{
		ID:              txID,
		AccountID:       accountID,
		Type:            txType,
		Amount:          amount,
		Reference:       reference,
		Status:          TransactionStatusCompleted,
		TransactionDate: now,
	}, nil
}
