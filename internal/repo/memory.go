package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pkordes/vehicle-escrow/backend/internal/domain"
)

// MemoryStore is an in-process Store. A single mutex serialises every
// transaction, which makes each InTx call linearizable. Writes inside InTx go
// to a copy of the state that replaces the live state only on success.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore stamping rows with time.Now.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState(), now: time.Now}
}

// NewMemoryStoreWithClock returns an empty MemoryStore stamping rows with now.
func NewMemoryStoreWithClock(now func() time.Time) *MemoryStore {
	return &MemoryStore{state: newMemState(), now: now}
}

// Repos returns repositories that lock the store for each call.
func (s *MemoryStore) Repos() Repos {
	return s.repos(func(fn func(*memState) error) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return fn(s.state)
	})
}

// InTx runs fn against a private copy of the state while holding the store
// lock, and publishes the copy only when fn succeeds.
func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("repo.MemoryStore.InTx: %w", err)
	}

	work := s.state.clone()
	r := s.repos(func(fn func(*memState) error) error { return fn(work) })
	if err := fn(ctx, r); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) repos(with func(func(*memState) error) error) Repos {
	m := &memRepos{with: with, now: s.now}
	return Repos{
		Purchases: (*memPurchases)(m),
		Escrows:   (*memEscrows)(m),
		Sales:     (*memSales)(m),
		History:   (*memHistory)(m),
	}
}

type memState struct {
	purchases map[uuid.UUID]domain.PurchaseRequest
	messages  map[uuid.UUID][]domain.Message
	escrows   map[uuid.UUID]domain.Escrow // keyed by purchase request id
	sales     map[uuid.UUID]domain.SaleRecord
	history   map[uuid.UUID][]domain.OwnershipHistoryEntry
}

func newMemState() *memState {
	return &memState{
		purchases: map[uuid.UUID]domain.PurchaseRequest{},
		messages:  map[uuid.UUID][]domain.Message{},
		escrows:   map[uuid.UUID]domain.Escrow{},
		sales:     map[uuid.UUID]domain.SaleRecord{},
		history:   map[uuid.UUID][]domain.OwnershipHistoryEntry{},
	}
}

// clone copies the maps. Slices are copied too because Append and
// AppendMessage extend them in place.
func (st *memState) clone() *memState {
	c := newMemState()
	for k, v := range st.purchases {
		c.purchases[k] = v
	}
	for k, v := range st.messages {
		c.messages[k] = append([]domain.Message(nil), v...)
	}
	for k, v := range st.escrows {
		c.escrows[k] = v
	}
	for k, v := range st.sales {
		c.sales[k] = v
	}
	for k, v := range st.history {
		c.history[k] = append([]domain.OwnershipHistoryEntry(nil), v...)
	}
	return c
}

type memRepos struct {
	with func(func(*memState) error) error
	now  func() time.Time
}

// ---- purchases ------------------------------------------------------------

type memPurchases memRepos

func (m *memPurchases) Create(_ context.Context, pr domain.PurchaseRequest) (domain.PurchaseRequest, error) {
	var out domain.PurchaseRequest
	err := m.with(func(st *memState) error {
		now := m.now()
		pr.ID = uuid.New()
		pr.CreatedAt, pr.UpdatedAt = now, now
		msgs := make([]domain.Message, 0, len(pr.Messages))
		for _, msg := range pr.Messages {
			msg.CreatedAt = now
			msgs = append(msgs, msg)
		}
		pr.Messages = nil
		pr.Escrow = nil
		st.purchases[pr.ID] = pr
		st.messages[pr.ID] = msgs
		out = withMessages(st, pr)
		return nil
	})
	return out, err
}

func (m *memPurchases) GetByID(_ context.Context, id uuid.UUID) (domain.PurchaseRequest, error) {
	var out domain.PurchaseRequest
	err := m.with(func(st *memState) error {
		pr, ok := st.purchases[id]
		if !ok {
			return fmt.Errorf("repo.PurchaseRepo.GetByID: %w", domain.ErrNotFound)
		}
		out = withMessages(st, pr)
		return nil
	})
	return out, err
}

func (m *memPurchases) GetForUpdate(ctx context.Context, id uuid.UUID) (domain.PurchaseRequest, error) {
	return m.GetByID(ctx, id)
}

func (m *memPurchases) CompareAndSwap(_ context.Context, expected domain.Status, pr domain.PurchaseRequest) (domain.PurchaseRequest, error) {
	var out domain.PurchaseRequest
	err := m.with(func(st *memState) error {
		cur, ok := st.purchases[pr.ID]
		if !ok {
			return fmt.Errorf("repo.PurchaseRepo.CompareAndSwap: %w", domain.ErrNotFound)
		}
		if cur.Status != expected {
			return fmt.Errorf("repo.PurchaseRepo.CompareAndSwap: %w", domain.ErrConflict)
		}
		cur.Status = pr.Status
		cur.CounterPrice = pr.CounterPrice
		cur.CounterAccepted = pr.CounterAccepted
		cur.Verification = pr.Verification
		cur.VerificationAttempts = pr.VerificationAttempts
		cur.UpdatedAt = m.now()
		st.purchases[pr.ID] = cur
		out = withMessages(st, cur)
		return nil
	})
	return out, err
}

func (m *memPurchases) AppendMessage(_ context.Context, id uuid.UUID, msg domain.Message) (domain.Message, error) {
	err := m.with(func(st *memState) error {
		if _, ok := st.purchases[id]; !ok {
			return fmt.Errorf("repo.PurchaseRepo.AppendMessage: %w", domain.ErrNotFound)
		}
		msg.CreatedAt = m.now()
		st.messages[id] = append(st.messages[id], msg)
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

func (m *memPurchases) ListByActor(_ context.Context, actorID uuid.UUID, p domain.PaginationParams) ([]domain.PurchaseRequest, int64, error) {
	all, err := m.filter(func(pr domain.PurchaseRequest) bool {
		return pr.BuyerID == actorID || pr.SellerID == actorID
	}, func(a, b domain.PurchaseRequest) bool { return a.CreatedAt.After(b.CreatedAt) })
	if err != nil {
		return nil, 0, err
	}
	total := int64(len(all))
	start := min(p.Offset(), len(all))
	end := min(start+p.Limit, len(all))
	return all[start:end], total, nil
}

func (m *memPurchases) ListStale(_ context.Context, status domain.Status, cutoff time.Time) ([]domain.PurchaseRequest, error) {
	return m.filter(func(pr domain.PurchaseRequest) bool {
		return pr.Status == status && pr.UpdatedAt.Before(cutoff)
	}, func(a, b domain.PurchaseRequest) bool { return a.UpdatedAt.Before(b.UpdatedAt) })
}

func (m *memPurchases) filter(keep func(domain.PurchaseRequest) bool, less func(a, b domain.PurchaseRequest) bool) ([]domain.PurchaseRequest, error) {
	var out []domain.PurchaseRequest
	err := m.with(func(st *memState) error {
		for _, pr := range st.purchases {
			if keep(pr) {
				out = append(out, pr)
			}
		}
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, err
}

func withMessages(st *memState, pr domain.PurchaseRequest) domain.PurchaseRequest {
	if msgs := st.messages[pr.ID]; len(msgs) > 0 {
		pr.Messages = append([]domain.Message(nil), msgs...)
	}
	return pr
}

// ---- escrows --------------------------------------------------------------

type memEscrows memRepos

func (m *memEscrows) GetByPurchaseID(_ context.Context, purchaseID uuid.UUID) (domain.Escrow, error) {
	var out domain.Escrow
	err := m.with(func(st *memState) error {
		e, ok := st.escrows[purchaseID]
		if !ok {
			return fmt.Errorf("repo.EscrowRepo.GetByPurchaseID: %w", domain.ErrNotFound)
		}
		out = e
		return nil
	})
	return out, err
}

func (m *memEscrows) Create(_ context.Context, e domain.Escrow) (domain.Escrow, error) {
	err := m.with(func(st *memState) error {
		if _, ok := st.escrows[e.PurchaseRequestID]; ok {
			return fmt.Errorf("repo.EscrowRepo.Create: %w", domain.ErrConflict)
		}
		now := m.now()
		e.ID = uuid.New()
		e.CreatedAt, e.UpdatedAt = now, now
		st.escrows[e.PurchaseRequestID] = e
		return nil
	})
	if err != nil {
		return domain.Escrow{}, err
	}
	return e, nil
}

func (m *memEscrows) Transition(_ context.Context, id uuid.UUID, from, to domain.EscrowStatus, at time.Time) (domain.Escrow, error) {
	var out domain.Escrow
	err := m.with(func(st *memState) error {
		for key, e := range st.escrows {
			if e.ID != id {
				continue
			}
			if e.Status != from {
				return fmt.Errorf("repo.EscrowRepo.Transition: %w", domain.ErrConflict)
			}
			e.Status = to
			switch to {
			case domain.EscrowFunded:
				e.FundedAt = &at
			case domain.EscrowReleased:
				e.ReleasedAt = &at
			}
			e.UpdatedAt = m.now()
			st.escrows[key] = e
			out = e
			return nil
		}
		return fmt.Errorf("repo.EscrowRepo.Transition: %w", domain.ErrConflict)
	})
	return out, err
}

// ---- sales ----------------------------------------------------------------

type memSales memRepos

func (m *memSales) CreateOnce(_ context.Context, s domain.SaleRecord) (domain.SaleRecord, bool, error) {
	var created bool
	err := m.with(func(st *memState) error {
		if existing, ok := st.sales[s.PurchaseRequestID]; ok {
			s = existing
			return nil
		}
		s.ID = uuid.New()
		s.CreatedAt = m.now()
		st.sales[s.PurchaseRequestID] = s
		created = true
		return nil
	})
	if err != nil {
		return domain.SaleRecord{}, false, err
	}
	return s, created, nil
}

func (m *memSales) GetByPurchaseID(_ context.Context, purchaseID uuid.UUID) (domain.SaleRecord, error) {
	var out domain.SaleRecord
	err := m.with(func(st *memState) error {
		s, ok := st.sales[purchaseID]
		if !ok {
			return fmt.Errorf("repo.SaleRepo.GetByPurchaseID: %w", domain.ErrNotFound)
		}
		out = s
		return nil
	})
	return out, err
}

// ---- ownership history ----------------------------------------------------

type memHistory memRepos

func (m *memHistory) ListByVehicle(_ context.Context, vehicleID uuid.UUID) ([]domain.OwnershipHistoryEntry, error) {
	var out []domain.OwnershipHistoryEntry
	err := m.with(func(st *memState) error {
		out = append(out, st.history[vehicleID]...)
		return nil
	})
	return out, err
}

func (m *memHistory) Current(_ context.Context, vehicleID uuid.UUID) (domain.OwnershipHistoryEntry, error) {
	var out domain.OwnershipHistoryEntry
	err := m.with(func(st *memState) error {
		for _, e := range st.history[vehicleID] {
			if e.ToDate == nil {
				out = e
				return nil
			}
		}
		return fmt.Errorf("repo.HistoryRepo.Current: %w", domain.ErrNotFound)
	})
	return out, err
}

func (m *memHistory) Close(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.with(func(st *memState) error {
		for vehicle, entries := range st.history {
			for i, e := range entries {
				if e.ID != id {
					continue
				}
				if e.ToDate != nil {
					return fmt.Errorf("repo.HistoryRepo.Close: %w", domain.ErrConflict)
				}
				closed := at
				entries[i].ToDate = &closed
				st.history[vehicle] = entries
				return nil
			}
		}
		return fmt.Errorf("repo.HistoryRepo.Close: %w", domain.ErrConflict)
	})
}

func (m *memHistory) Append(_ context.Context, e domain.OwnershipHistoryEntry) (domain.OwnershipHistoryEntry, error) {
	err := m.with(func(st *memState) error {
		for _, existing := range st.history[e.VehicleID] {
			if existing.ToDate == nil {
				return fmt.Errorf("repo.HistoryRepo.Append: %w", domain.ErrConflict)
			}
		}
		e.ID = uuid.New()
		e.ToDate = nil
		st.history[e.VehicleID] = append(st.history[e.VehicleID], e)
		return nil
	})
	if err != nil {
		return domain.OwnershipHistoryEntry{}, err
	}
	return e, nil
}

// compile-time checks: the memory repos must satisfy the repo interfaces.
var (
	_ Store        = (*MemoryStore)(nil)
	_ Store        = (*PGStore)(nil)
	_ PurchaseRepo = (*memPurchases)(nil)
	_ EscrowRepo   = (*memEscrows)(nil)
	_ SaleRepo     = (*memSales)(nil)
	_ HistoryRepo  = (*memHistory)(nil)
)
