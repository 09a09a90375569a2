package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"spendguard/internal/models"
)

// MemoryStore keeps everything in process memory. It is meant for tests and dry runs.
type MemoryStore struct {
	mu           sync.Mutex
	limits       map[string]models.SpendingLimit
	reservations map[string]models.Reservation
	requests     map[string]models.RequestRecord
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limits:       make(map[string]models.SpendingLimit),
		reservations: make(map[string]models.Reservation),
		requests:     make(map[string]models.RequestRecord),
	}
}

func (m *MemoryStore) UpsertLimit(ctx context.Context, limit models.SpendingLimit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits[limit.PeerID] = toLimitRow(limit).toModel()
	return nil
}

func (m *MemoryStore) DeleteLimit(ctx context.Context, peerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limits, peerID)
	return nil
}

func (m *MemoryStore) ListLimits(ctx context.Context) ([]models.SpendingLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SpendingLimit, 0, len(m.limits))
	for _, l := range m.limits {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out, nil
}

func (m *MemoryStore) InsertReservation(ctx context.Context, r models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations[r.ID] = r
	return nil
}

// InsertReservationWithinLimit checks and inserts under the store mutex, so ledgers
// sharing one MemoryStore see each other's holds.
func (m *MemoryStore) InsertReservationWithinLimit(ctx context.Context, r models.Reservation, periodStart time.Time) (Headroom, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit, ok := m.limits[r.PeerID]
	if !ok {
		return Headroom{}, ErrLimitNotFound
	}
	h := Headroom{LimitSats: limit.LimitSats}
	for _, held := range m.reservations {
		h.add(held, r.PeerID, periodStart)
	}
	if r.AmountSats > h.RemainingSats() {
		return Headroom{}, &HeadroomError{Headroom: h}
	}
	m.reservations[r.ID] = r
	h.ReservedSats += r.AmountSats
	return h, nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (models.Reservation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	return r, ok, nil
}

func (m *MemoryStore) ResolveReservation(ctx context.Context, id string, state models.ReservationState, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok || r.State.Terminal() {
		return ErrReservationNotOpen
	}
	r.State = state
	resolved := at
	r.ResolvedAt = &resolved
	m.reservations[id] = r
	return nil
}

func (m *MemoryStore) ListReservations(ctx context.Context) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Reservation, 0, len(m.reservations))
	for _, r := range m.reservations {
		out = append(out, r)
	}
	sortReservations(out)
	return out, nil
}

func (m *MemoryStore) DeleteReservations(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if r, ok := m.reservations[id]; ok && r.State.Terminal() {
			delete(m.reservations, id)
		}
	}
	return nil
}

func (m *MemoryStore) SaveRequestStatus(ctx context.Context, rec models.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[rec.RequestID] = rec
	return nil
}

func (m *MemoryStore) GetRequestStatus(ctx context.Context, requestID string) (models.RequestRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.requests[requestID]
	return rec, ok, nil
}

func (m *MemoryStore) ListRecentRequests(ctx context.Context, limit int) ([]models.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return recentRequests(m.requests, limit), nil
}

func sortReservations(rs []models.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

func recentRequests(recs map[string]models.RequestRecord, limit int) []models.RequestRecord {
	out := make([]models.RequestRecord, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

var (
	_ LedgerStore        = (*MemoryStore)(nil)
	_ RequestStatusStore = (*MemoryStore)(nil)

	_ GuardedReservationStore = (*MemoryStore)(nil)
)
