// Package domain holds typed identifiers shared across the ledger core.
//
// Each entity gets its own UUID-backed type so an account id can never be
// passed where a pool id is expected. Construct via the Parse* functions at
// trust boundaries; direct casting bypasses validation.
package domain

import (
	"github.com/google/uuid"

	dErrors "vestra/pkg/domain-errors"
)

type (
	// UserID identifies a platform user (investor, entrepreneur, admin).
	UserID uuid.UUID
	// AccountID identifies an escrow account.
	AccountID uuid.UUID
	// TransactionID identifies one immutable ledger entry.
	TransactionID uuid.UUID
	// ConditionID identifies a release condition attached to an account.
	ConditionID uuid.UUID
	// PoolID identifies an investment pool.
	PoolID uuid.UUID
	// MemberID identifies one member's stake in a pool.
	MemberID uuid.UUID
	// InvestmentID identifies an investment proposal inside a pool.
	InvestmentID uuid.UUID
	// VoteID identifies one member's vote on a proposal.
	VoteID uuid.UUID
	// OpportunityID references the external investment opportunity a
	// proposal targets. The core does not own opportunity records.
	OpportunityID uuid.UUID
)

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be empty")
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if u == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id cannot be the nil UUID")
	}
	return u, nil
}

// ParseUserID constructs a UserID from external input.
func ParseUserID(s string) (UserID, error) {
	u, err := parseUUID(s)
	return UserID(u), err
}

// ParseAccountID constructs an AccountID from external input.
func ParseAccountID(s string) (AccountID, error) {
	u, err := parseUUID(s)
	return AccountID(u), err
}

// ParseTransactionID constructs a TransactionID from external input.
func ParseTransactionID(s string) (TransactionID, error) {
	u, err := parseUUID(s)
	return TransactionID(u), err
}

// ParseConditionID constructs a ConditionID from external input.
func ParseConditionID(s string) (ConditionID, error) {
	u, err := parseUUID(s)
	return ConditionID(u), err
}

// ParsePoolID constructs a PoolID from external input.
func ParsePoolID(s string) (PoolID, error) {
	u, err := parseUUID(s)
	return PoolID(u), err
}

// ParseMemberID constructs a MemberID from external input.
func ParseMemberID(s string) (MemberID, error) {
	u, err := parseUUID(s)
	return MemberID(u), err
}

// ParseInvestmentID constructs an InvestmentID from external input.
func ParseInvestmentID(s string) (InvestmentID, error) {
	u, err := parseUUID(s)
	return InvestmentID(u), err
}

// ParseVoteID constructs a VoteID from external input.
func ParseVoteID(s string) (VoteID, error) {
	u, err := parseUUID(s)
	return VoteID(u), err
}

// ParseOpportunityID constructs an OpportunityID from external input.
func ParseOpportunityID(s string) (OpportunityID, error) {
	u, err := parseUUID(s)
	return OpportunityID(u), err
}

func (id UserID) String() string        { return uuid.UUID(id).String() }
func (id AccountID) String() string     { return uuid.UUID(id).String() }
func (id TransactionID) String() string { return uuid.UUID(id).String() }
func (id ConditionID) String() string   { return uuid.UUID(id).String() }
func (id PoolID) String() string        { return uuid.UUID(id).String() }
func (id MemberID) String() string      { return uuid.UUID(id).String() }
func (id InvestmentID) String() string  { return uuid.UUID(id).String() }
func (id VoteID) String() string        { return uuid.UUID(id).String() }
func (id OpportunityID) String() string { return uuid.UUID(id).String() }

func (id UserID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id AccountID) IsNil() bool     { return uuid.UUID(id) == uuid.Nil }
func (id TransactionID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }
func (id ConditionID) IsNil() bool   { return uuid.UUID(id) == uuid.Nil }
func (id PoolID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id MemberID) IsNil() bool      { return uuid.UUID(id) == uuid.Nil }
func (id InvestmentID) IsNil() bool  { return uuid.UUID(id) == uuid.Nil }
func (id VoteID) IsNil() bool        { return uuid.UUID(id) == uuid.Nil }
func (id OpportunityID) IsNil() bool { return uuid.UUID(id) == uuid.Nil }

// NewUserID mints a random UserID.
func NewUserID() UserID { return UserID(uuid.New()) }

// NewAccountID mints a random AccountID.
func NewAccountID() AccountID { return AccountID(uuid.New()) }

// NewTransactionID mints a random TransactionID.
func NewTransactionID() TransactionID { return TransactionID(uuid.New()) }

// NewConditionID mints a random ConditionID.
func NewConditionID() ConditionID { return ConditionID(uuid.New()) }

// NewPoolID mints a random PoolID.
func NewPoolID() PoolID { return PoolID(uuid.New()) }

// NewMemberID mints a random MemberID.
func NewMemberID() MemberID { return MemberID(uuid.New()) }

// NewInvestmentID mints a random InvestmentID.
func NewInvestmentID() InvestmentID { return InvestmentID(uuid.New()) }

// NewVoteID mints a random VoteID.
func NewVoteID() VoteID { return VoteID(uuid.New()) }

// NewOpportunityID mints a random OpportunityID.
func NewOpportunityID() OpportunityID { return OpportunityID(uuid.New()) }

// MarshalText renders ids as canonical UUID strings in JSON.
func (id UserID) MarshalText() ([]byte, error)        { return []byte(id.String()), nil }
func (id AccountID) MarshalText() ([]byte, error)     { return []byte(id.String()), nil }
func (id TransactionID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id ConditionID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id PoolID) MarshalText() ([]byte, error)        { return []byte(id.String()), nil }
func (id MemberID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (id InvestmentID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id VoteID) MarshalText() ([]byte, error)        { return []byte(id.String()), nil }
func (id OpportunityID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText accepts any well-formed UUID, including the nil UUID, so
// zero-valued ids survive a decode round trip. Validation stays with Parse*.
func unmarshalUUID(text []byte) (uuid.UUID, error) {
	return uuid.ParseBytes(text)
}

func (id *UserID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = UserID(u)
	return err
}

func (id *AccountID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = AccountID(u)
	return err
}

func (id *TransactionID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = TransactionID(u)
	return err
}

func (id *ConditionID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = ConditionID(u)
	return err
}

func (id *PoolID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = PoolID(u)
	return err
}

func (id *MemberID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = MemberID(u)
	return err
}

func (id *InvestmentID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = InvestmentID(u)
	return err
}

func (id *VoteID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = VoteID(u)
	return err
}

func (id *OpportunityID) UnmarshalText(text []byte) error {
	u, err := unmarshalUUID(text)
	*id = OpportunityID(u)
	return err
}
