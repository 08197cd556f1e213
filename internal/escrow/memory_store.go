package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/mensahq/landbridge/internal/pagination"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	byOffer      map[string]string // offer ID → transaction ID
	milestones   map[string]*Milestone
	disputes     map[string]*Dispute
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		byOffer:      make(map[string]string),
		milestones:   make(map[string]*Milestone),
		disputes:     make(map[string]*Dispute),
	}
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction, milestones []*Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byOffer[tx.OfferID]; exists {
		return ErrOfferAlreadyUsed
	}
	cp := *tx
	s.transactions[tx.ID] = &cp
	s.byOffer[tx.OfferID] = tx.ID
	for _, m := range milestones {
		mc := *m
		s.milestones[m.ID] = &mc
	}
	return nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (s *MemoryStore) GetTransactionByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byOffer[offerID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *s.transactions[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateTransactionStatus(ctx context.Context, id string, from, to Status, stamp StatusStamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != from {
		return ErrConflict
	}
	tx.Status = to
	tx.UpdatedAt = stamp.UpdatedAt
	if stamp.FundedAt != nil {
		tx.FundedAt = stamp.FundedAt
	}
	if stamp.VerificationEndsAt != nil {
		tx.VerificationEndsAt = stamp.VerificationEndsAt
	}
	if stamp.ClosedAt != nil {
		tx.ClosedAt = stamp.ClosedAt
	}
	return nil
}

func (s *MemoryStore) ListTransactionsByParty(ctx context.Context, partyID string, limit int, before *pagination.Cursor) ([]*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Transaction
	for _, tx := range s.transactions {
		if !tx.IsParty(partyID) {
			continue
		}
		if before != nil {
			// Keyset position: strictly before (created_at, id) descending.
			if tx.CreatedAt.After(before.CreatedAt) {
				continue
			}
			if tx.CreatedAt.Equal(before.CreatedAt) && tx.ID >= before.ID {
				continue
			}
		}
		cp := *tx
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetMilestone(ctx context.Context, id string) (*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMilestones(ctx context.Context, transactionID string) ([]*Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Milestone
	for _, m := range s.milestones {
		if m.TransactionID == transactionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out, nil
}

func (s *MemoryStore) UpdateMilestone(ctx context.Context, m *Milestone) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.milestones[m.ID]; !ok {
		return ErrMilestoneNotFound
	}
	cp := *m
	s.milestones[m.ID] = &cp
	return nil
}

func (s *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}

func (s *MemoryStore) GetDispute(ctx context.Context, id string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetOpenDispute(ctx context.Context, transactionID string) (*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.disputes {
		if d.TransactionID == transactionID && !d.IsTerminal() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (s *MemoryStore) ListDisputesByTransaction(ctx context.Context, transactionID string) ([]*Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Dispute
	for _, d := range s.disputes {
		if d.TransactionID == transactionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.ID]; !ok {
		return ErrDisputeNotFound
	}
	cp := *d
	s.disputes[d.ID] = &cp
	return nil
}
