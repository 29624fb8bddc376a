package handler

import (
	"time"

	"github.com/shopspring/decimal"
)

// createAccountRequest opens an escrow account.
type createAccountRequest struct {
	Type     string   `json:"type"`
	Currency string   `json:"currency"`
	Parties  []string `json:"parties"`
}

// fundRequest deposits into an account.
type fundRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// releaseRequest disburses to a recipient. Override is honored only for
// admin callers.
type releaseRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	RecipientID string          `json:"recipient_id"`
	Reason      string          `json:"reason"`
	Override    bool            `json:"override"`
}

// debitRequest covers refunds and fees.
type debitRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// holdRequest moves value between available and held.
type holdRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// addConditionRequest attaches a release condition.
type addConditionRequest struct {
	ConditionType string     `json:"condition_type"`
	Description   string     `json:"description"`
	DueDate       *time.Time `json:"due_date,omitempty"`
}
