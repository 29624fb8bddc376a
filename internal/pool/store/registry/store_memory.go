// Package registry provides keyed storage for investment pools, their
// members, investment proposals, and votes.
//
// Locking contract: ExecutePool and AddMember serialize per pool;
// ExecuteInvestment and UpsertVote serialize per investment. Vote upserts
// and the tally decision happen under one investment lock so the transition
// out of voting is decided exactly once from a consistent snapshot.
package registry

import (
	"context"
	"sort"
	"sync"

	"vestra/internal/pool/models"
	id "vestra/pkg/domain"
	"vestra/pkg/platform/sentinel"
)

// InMemory is the non-durable store used in tests and single-node setups.
type InMemory struct {
	mu            sync.RWMutex
	poolLocks     map[id.PoolID]*sync.Mutex
	invLocks      map[id.InvestmentID]*sync.Mutex
	pools         map[id.PoolID]*models.InvestmentPool
	members       map[id.MemberID]*models.PoolMember
	membersByPool map[id.PoolID][]id.MemberID
	investments   map[id.InvestmentID]*models.PoolInvestment
	invByPool     map[id.PoolID][]id.InvestmentID
	votes         map[id.InvestmentID]map[id.UserID]*models.PoolVote
}

// NewInMemory builds an empty in-memory registry store.
func NewInMemory() *InMemory {
	return &InMemory{
		poolLocks:     make(map[id.PoolID]*sync.Mutex),
		invLocks:      make(map[id.InvestmentID]*sync.Mutex),
		pools:         make(map[id.PoolID]*models.InvestmentPool),
		members:       make(map[id.MemberID]*models.PoolMember),
		membersByPool: make(map[id.PoolID][]id.MemberID),
		investments:   make(map[id.InvestmentID]*models.PoolInvestment),
		invByPool:     make(map[id.PoolID][]id.InvestmentID),
		votes:         make(map[id.InvestmentID]map[id.UserID]*models.PoolVote),
	}
}

func (s *InMemory) poolLock(poolID id.PoolID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.poolLocks[poolID]
	if !ok {
		l = &sync.Mutex{}
		s.poolLocks[poolID] = l
	}
	return l
}

func (s *InMemory) investmentLock(investmentID id.InvestmentID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.invLocks[investmentID]
	if !ok {
		l = &sync.Mutex{}
		s.invLocks[investmentID] = l
	}
	return l
}

func copyPool(p *models.InvestmentPool) *models.InvestmentPool {
	cp := *p
	return &cp
}

func copyMember(m *models.PoolMember) *models.PoolMember {
	cp := *m
	return &cp
}

func copyInvestment(i *models.PoolInvestment) *models.PoolInvestment {
	cp := *i
	if i.ExecutedAt != nil {
		t := *i.ExecutedAt
		cp.ExecutedAt = &t
	}
	return &cp
}

// CreatePool stores a new pool.
func (s *InMemory) CreatePool(_ context.Context, pool *models.InvestmentPool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pools[pool.ID]; exists {
		return sentinel.ErrAlreadyExists
	}
	s.pools[pool.ID] = copyPool(pool)
	return nil
}

// FindPool returns a copy of the stored pool.
func (s *InMemory) FindPool(_ context.Context, poolID id.PoolID) (*models.InvestmentPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool, ok := s.pools[poolID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyPool(pool), nil
}

// ListPools returns copies of all pools in creation order.
func (s *InMemory) ListPools(_ context.Context) ([]*models.InvestmentPool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pools := make([]*models.InvestmentPool, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, copyPool(p))
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].CreatedAt.Before(pools[j].CreatedAt) })
	return pools, nil
}

// ExecutePool runs validate and mutate while holding the pool's lock.
func (s *InMemory) ExecutePool(
	_ context.Context,
	poolID id.PoolID,
	validate func(*models.InvestmentPool) error,
	mutate func(*models.InvestmentPool),
) (*models.InvestmentPool, error) {
	lock := s.poolLock(poolID)
	lock.Lock()
	defer lock.Unlock()
	return s.executePoolLocked(poolID, validate, mutate)
}

func (s *InMemory) executePoolLocked(
	poolID id.PoolID,
	validate func(*models.InvestmentPool) error,
	mutate func(*models.InvestmentPool),
) (*models.InvestmentPool, error) {
	s.mu.RLock()
	stored, ok := s.pools[poolID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := copyPool(stored)
	if err := validate(working); err != nil {
		return nil, err
	}
	mutate(working)

	s.mu.Lock()
	s.pools[poolID] = working
	s.mu.Unlock()

	return copyPool(working), nil
}

// AddMember inserts the member and applies mutate to the pool in one atomic
// step under the pool lock, after validate passes. A user cannot hold two
// memberships in the same pool.
func (s *InMemory) AddMember(
	_ context.Context,
	member *models.PoolMember,
	validate func(*models.InvestmentPool) error,
	mutate func(*models.InvestmentPool),
) (*models.InvestmentPool, error) {
	lock := s.poolLock(member.PoolID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	for _, mid := range s.membersByPool[member.PoolID] {
		existing := s.members[mid]
		if existing.UserID == member.UserID && existing.Status != models.MemberStatusRemoved {
			s.mu.RUnlock()
			return nil, sentinel.ErrAlreadyExists
		}
	}
	s.mu.RUnlock()

	pool, err := s.executePoolLocked(member.PoolID, validate, mutate)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.members[member.ID] = copyMember(member)
	s.membersByPool[member.PoolID] = append(s.membersByPool[member.PoolID], member.ID)
	s.mu.Unlock()

	return pool, nil
}

// ListMembers returns the pool's members in join order.
func (s *InMemory) ListMembers(_ context.Context, poolID id.PoolID) ([]*models.PoolMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.pools[poolID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	ids := s.membersByPool[poolID]
	out := make([]*models.PoolMember, 0, len(ids))
	for _, mid := range ids {
		out = append(out, copyMember(s.members[mid]))
	}
	return out, nil
}

// FindMemberByUser returns the user's membership in the pool.
func (s *InMemory) FindMemberByUser(_ context.Context, poolID id.PoolID, userID id.UserID) (*models.PoolMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, mid := range s.membersByPool[poolID] {
		m := s.members[mid]
		if m.UserID == userID && m.Status != models.MemberStatusRemoved {
			return copyMember(m), nil
		}
	}
	return nil, sentinel.ErrNotFound
}

// CreateInvestment inserts the proposal under the pool lock after validate
// passes against the current pool state.
func (s *InMemory) CreateInvestment(
	_ context.Context,
	investment *models.PoolInvestment,
	validate func(*models.InvestmentPool) error,
) error {
	lock := s.poolLock(investment.PoolID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	pool, ok := s.pools[investment.PoolID]
	s.mu.RUnlock()
	if !ok {
		return sentinel.ErrNotFound
	}
	if err := validate(copyPool(pool)); err != nil {
		return err
	}

	s.mu.Lock()
	s.investments[investment.ID] = copyInvestment(investment)
	s.invByPool[investment.PoolID] = append(s.invByPool[investment.PoolID], investment.ID)
	s.mu.Unlock()
	return nil
}

// FindInvestment returns a copy of the stored proposal.
func (s *InMemory) FindInvestment(_ context.Context, investmentID id.InvestmentID) (*models.PoolInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.investments[investmentID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return copyInvestment(inv), nil
}

// ListInvestments returns the pool's proposals in creation order.
func (s *InMemory) ListInvestments(_ context.Context, poolID id.PoolID) ([]*models.PoolInvestment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.pools[poolID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	ids := s.invByPool[poolID]
	out := make([]*models.PoolInvestment, 0, len(ids))
	for _, iid := range ids {
		out = append(out, copyInvestment(s.investments[iid]))
	}
	return out, nil
}

// ExecuteInvestment runs fn on a working copy of the proposal while holding
// its lock. fn may perform nested pool mutations through the ctx it receives
// and may fail; the proposal itself is not committed unless fn returns nil.
// A concurrent caller blocks on the lock and then observes the committed
// state.
func (s *InMemory) ExecuteInvestment(
	ctx context.Context,
	investmentID id.InvestmentID,
	fn func(ctx context.Context, investment *models.PoolInvestment) error,
) (*models.PoolInvestment, error) {
	lock := s.investmentLock(investmentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	stored, ok := s.investments[investmentID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := copyInvestment(stored)
	if err := fn(ctx, working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.investments[investmentID] = working
	s.mu.Unlock()

	return copyInvestment(working), nil
}

// UpsertVote replaces the voter's vote under the investment lock, then runs
// decide with a consistent snapshot of all votes and the pool's members so
// the caller can apply the tally outcome in the same atomic step. The vote
// and any proposal transition commit together.
func (s *InMemory) UpsertVote(
	_ context.Context,
	vote *models.PoolVote,
	validate func(*models.PoolInvestment) error,
	decide func(investment *models.PoolInvestment, votes []*models.PoolVote, members []*models.PoolMember),
) (*models.PoolInvestment, error) {
	lock := s.investmentLock(vote.InvestmentID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	stored, ok := s.investments[vote.InvestmentID]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}

	working := copyInvestment(stored)
	if err := validate(working); err != nil {
		return nil, err
	}

	s.mu.Lock()
	byVoter, ok := s.votes[vote.InvestmentID]
	if !ok {
		byVoter = make(map[id.UserID]*models.PoolVote)
		s.votes[vote.InvestmentID] = byVoter
	}
	cp := *vote
	// A resubmission updates the voter's existing row; the row keeps its id.
	if existing, ok := byVoter[vote.VoterID]; ok {
		cp.ID = existing.ID
	}
	byVoter[vote.VoterID] = &cp

	votes := make([]*models.PoolVote, 0, len(byVoter))
	for _, v := range byVoter {
		vc := *v
		votes = append(votes, &vc)
	}
	members := make([]*models.PoolMember, 0)
	for _, mid := range s.membersByPool[working.PoolID] {
		members = append(members, copyMember(s.members[mid]))
	}
	s.mu.Unlock()

	sort.Slice(votes, func(i, j int) bool { return votes[i].CastAt.Before(votes[j].CastAt) })
	decide(working, votes, members)

	s.mu.Lock()
	s.investments[vote.InvestmentID] = working
	s.mu.Unlock()

	return copyInvestment(working), nil
}

// ListVotes returns the current vote per voter for a proposal.
func (s *InMemory) ListVotes(_ context.Context, investmentID id.InvestmentID) ([]*models.PoolVote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.investments[investmentID]; !ok {
		return nil, sentinel.ErrNotFound
	}
	byVoter := s.votes[investmentID]
	out := make([]*models.PoolVote, 0, len(byVoter))
	for _, v := range byVoter {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CastAt.Before(out[j].CastAt) })
	return out, nil
}
