package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/tradehold/escrowd/internal/money"
)

// MemoryStore is an in-memory escrow store for demo/development mode.
type MemoryStore struct {
	escrows map[string]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*Escrow),
	}
}

// copyEscrow returns a deep copy to prevent races on the shared pointer.
// Shallow copy shares slice backing arrays (History), so an append on the
// copy could mutate the stored escrow.
func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.History != nil {
		cp.History = make([]HistoryEntry, len(e.History))
		copy(cp.History, e.History)
	}
	if e.ReleaseRequest != nil {
		rr := *e.ReleaseRequest
		cp.ReleaseRequest = &rr
	}
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) UpdateIfStatus(ctx context.Context, e *Escrow, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.escrows[e.ID]
	if !ok {
		return ErrEscrowNotFound
	}
	if stored.Status != expected {
		return fmt.Errorf("%w: escrow is %s, expected %s", ErrInvalidStatus, stored.Status, expected)
	}
	m.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, status Status, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.BuyerID != userID && e.SellerID != userID {
			continue
		}
		if status != "" && e.Status != status {
			continue
		}
		result = append(result, copyEscrow(e))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListFundedDue(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status != StatusFunded || e.AutoReleaseAt == nil || !e.AutoReleaseAt.Before(before) {
			continue
		}
		result = append(result, copyEscrow(e))
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[Status]int)
	for _, e := range m.escrows {
		counts[e.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) SumVolume(ctx context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := new(big.Int)
	for _, e := range m.escrows {
		amount, ok := money.Parse(e.Amount)
		if !ok {
			continue
		}
		total.Add(total, amount)
	}
	return money.Format(total), nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

// MemoryDisputeStore is an in-memory dispute store for demo/development.
type MemoryDisputeStore struct {
	disputes map[string]*Dispute // keyed by escrow ID; one dispute per escrow
	mu       sync.RWMutex
}

// NewMemoryDisputeStore creates a new in-memory dispute store.
func NewMemoryDisputeStore() *MemoryDisputeStore {
	return &MemoryDisputeStore{
		disputes: make(map[string]*Dispute),
	}
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	if d.Evidence != nil {
		cp.Evidence = make([]Evidence, len(d.Evidence))
		copy(cp.Evidence, d.Evidence)
	}
	if d.History != nil {
		cp.History = make([]HistoryEntry, len(d.History))
		copy(cp.History, d.History)
	}
	return &cp
}

func (m *MemoryDisputeStore) Create(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.disputes[d.EscrowID] = copyDispute(d)
	return nil
}

func (m *MemoryDisputeStore) GetByEscrow(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[escrowID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	return copyDispute(d), nil
}

func (m *MemoryDisputeStore) Count(ctx context.Context) (total int, open int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		total++
		if d.Status == DisputeOpen || d.Status == DisputeInReview || d.Status == DisputeEscalated {
			open++
		}
	}
	return total, open, nil
}

// Compile-time assertion that MemoryDisputeStore implements DisputeStore.
var _ DisputeStore = (*MemoryDisputeStore)(nil)
