// Package ledger provides durable keyed storage for escrow accounts, their
// append-only transaction log, and release conditions.
//
// Both implementations share one locking discipline: Execute* methods hold
// the account's lock across validate and mutate so no two mutations of the
// same account interleave their read-modify-write. The memory store uses a
// per-account mutex registry; the postgres store uses row locks.
package ledger

import (
	"context"
	"sort"
	"sync"

	"vestra/internal/escrow/models"
	id "vestra/pkg/domain"
	"vestra/pkg/platform/sentinel"
)

// InMemory is the non-durable store used in tests and single-node setups.
type InMemory struct {
	mu           sync.RWMutex
	locks        map[id.AccountID]*sync.Mutex
	accounts     map[id.AccountID]*models.EscrowAccount
	transactions map[id.AccountID][]*models.EscrowTransaction
	conditions   map[id.ConditionID]*models.ReleaseCondition
	byAccount    map[id.AccountID][]id.ConditionID
}

// NewInMemory builds an empty in-memory ledger store.
func NewInMemory() *InMemory {
	return &InMemory{
		locks:        make(map[id.AccountID]*sync.Mutex),
		accounts:     make(map[id.AccountID]*models.EscrowAccount),
		transactions: make(map[id.AccountID][]*models.EscrowTransaction),
		conditions:   make(map[id.ConditionID]*models.ReleaseCondition),
		byAccount:    make(map[id.AccountID][]id.ConditionID),
	}
}

// accountLock returns the mutex serializing mutations of one account,
// creating it on first use. Operations on different accounts never contend.
func (s *InMemory) accountLock(accountID id.AccountID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[accountID] = l
	}
	return l
}

func copyAccount(a *models.EscrowAccount) *models.EscrowAccount {
	cp := *a
	cp.Parties = append([]id.UserID(nil), a.Parties...)
	return &cp
}

// CreateAccount stores a new account.
func (s *InMemory) CreateAccount(_ context.Context, account *models.EscrowAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account.ID]; exists {
		return sentinel.ErrAlreadyExists
	}
	s.accounts[account.ID] = copyAccount(account)
	return nil
}

// FindAccount returns a copy of the stored account.
func (s *InMemory) FindAccount(_ context.Context, accountID id.AccountID) (*models.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyAccount(account), nil
}

// ListAccounts returns copies of all accounts.
func (s *InMemory) ListAccounts(_ context.Context) ([]*models.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accounts := make([]*models.EscrowAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, copyAccount(a))
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].CreatedAt.Before(accounts[j].CreatedAt) })
	return accounts, nil
}

// ExecuteAccount runs validate and mutate while holding the account's lock.
// Both callbacks additionally observe whether any unmet release condition is
// attached, read under the same lock, so condition gating cannot race a
// concurrent markMet or addCondition. Mutation happens on a copy; the stored
// account is replaced only after the balance invariant checks out, and entry
// (when non-nil) is appended to the transaction log in the same atomic step.
func (s *InMemory) ExecuteAccount(
	_ context.Context,
	accountID id.AccountID,
	validate func(account *models.EscrowAccount, unmetConditions bool) error,
	mutate func(account *models.EscrowAccount, unmetConditions bool),
	entry *models.EscrowTransaction,
) (*models.EscrowAccount, error) {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	stored, ok := s.accounts[accountID]
	unmet := false
	if ok {
		for _, cid := range s.byAccount[accountID] {
			if !s.conditions[cid].IsMet {
				unmet = true
				break
			}
		}
	}
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := copyAccount(stored)
	if err := validate(working, unmet); err != nil {
		return nil, err
	}
	mutate(working, unmet)
	if err := working.CheckInvariant(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.accounts[accountID] = working
	if entry != nil {
		cp := *entry
		s.transactions[accountID] = append(s.transactions[accountID], &cp)
	}
	s.mu.Unlock()

	return copyAccount(working), nil
}

// ListTransactions returns the account's ledger entries oldest first. The
// log is append-only; previously returned entries never change or reorder.
func (s *InMemory) ListTransactions(_ context.Context, accountID id.AccountID) ([]*models.EscrowTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	entries := s.transactions[accountID]
	out := make([]*models.EscrowTransaction, len(entries))
	for i, e := range entries {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// AddCondition attaches a release condition to an existing account. The
// account lock is held so a condition cannot appear in the middle of a
// release that already passed its gating check.
func (s *InMemory) AddCondition(_ context.Context, condition *models.ReleaseCondition) error {
	lock := s.accountLock(condition.AccountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[condition.AccountID]; !ok {
		return sentinel.ErrNotFound
	}
	if _, exists := s.conditions[condition.ID]; exists {
		return sentinel.ErrAlreadyExists
	}
	cp := *condition
	s.conditions[condition.ID] = &cp
	s.byAccount[condition.AccountID] = append(s.byAccount[condition.AccountID], condition.ID)
	return nil
}

// FindCondition returns a copy of the stored condition.
func (s *InMemory) FindCondition(_ context.Context, conditionID id.ConditionID) (*models.ReleaseCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	condition, ok := s.conditions[conditionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *condition
	return &cp, nil
}

// ListConditions returns the conditions attached to an account in creation
// order.
func (s *InMemory) ListConditions(_ context.Context, accountID id.AccountID) ([]*models.ReleaseCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	ids := s.byAccount[accountID]
	out := make([]*models.ReleaseCondition, 0, len(ids))
	for _, cid := range ids {
		cp := *s.conditions[cid]
		out = append(out, &cp)
	}
	return out, nil
}

// ExecuteCondition runs mutate on the condition while holding its account's
// lock, serializing condition updates against balance mutations so release
// checks see a consistent view.
func (s *InMemory) ExecuteCondition(
	_ context.Context,
	conditionID id.ConditionID,
	mutate func(*models.ReleaseCondition),
) (*models.ReleaseCondition, error) {
	s.mu.RLock()
	stored, ok := s.conditions[conditionID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	lock := s.accountLock(stored.AccountID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	stored, ok = s.conditions[conditionID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := *stored
	mutate(&working)

	s.mu.Lock()
	s.conditions[conditionID] = &working
	s.mu.Unlock()

	cp := working
	return &cp, nil
}

// HasUnmetConditions reports whether any condition attached to the account
// is still unmet. Vacuously false for accounts with no conditions.
func (s *InMemory) HasUnmetConditions(_ context.Context, accountID id.AccountID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.accounts[accountID]; !ok {
		return false, sentinel.ErrNotFound
	}
	for _, cid := range s.byAccount[accountID] {
		if !s.conditions[cid].IsMet {
			return true, nil
		}
	}
	return false, nil
}
