// Package ledger enforces per-peer spending limits with reserve, commit and rollback.
//
// All mutations for one peer are serialised by a per-peer lock; different peers never
// wait on each other's store I/O. Every state change is written to the store before it
// becomes visible in memory, so the in-memory aggregates can always be rebuilt by
// replaying the store.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"spendguard/internal/models"
	"spendguard/internal/storage"
)

var (
	ErrNoLimitConfigured   = errors.New("ledger: no spending limit configured")
	ErrLimitExceeded       = errors.New("ledger: spending limit exceeded")
	ErrReservationNotFound = errors.New("ledger: reservation not found")
	ErrInvalidAmount       = errors.New("ledger: amount must be greater than zero")
	ErrInvalidPeer         = errors.New("ledger: peer id is required")
	ErrLimitTooLarge       = errors.New("ledger: limit exceeds the largest storable amount")
)

// LimitExceededError reports how much headroom was left when a reserve was refused.
type LimitExceededError struct {
	PeerID        string
	RemainingSats uint64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("ledger: spending limit exceeded for %s (%d sats remaining)", e.PeerID, e.RemainingSats)
}

// Is lets errors.Is(err, ErrLimitExceeded) match.
func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// CheckResult is the answer of a non-mutating limit check.
type CheckResult struct {
	WouldExceed   bool
	RemainingSats uint64
}

// Options tune ledger behaviour.
type Options struct {
	// Location anchors calendar windows. Defaults to UTC.
	Location *time.Location
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// Ledger is the spending ledger.
type Ledger struct {
	store  storage.LedgerStore
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
	peers  *peerLocks

	mu           sync.RWMutex
	limits       map[string]*models.SpendingLimit
	reservations map[string]*models.Reservation
	byReference  map[string]string
	// pruned remembers ids removed by Prune; they were terminal when dropped.
	pruned map[string]struct{}
}

// Open rebuilds a ledger from the store: limit rows plus a replay of every reservation.
func Open(ctx context.Context, store storage.LedgerStore, opts Options, logger zerolog.Logger) (*Ledger, error) {
	if store == nil {
		return nil, storage.ErrNotConfigured
	}
	l := &Ledger{
		store:        store,
		loc:          opts.Location,
		now:          opts.Now,
		logger:       logger.With().Str("component", "ledger").Logger(),
		peers:        newPeerLocks(),
		limits:       make(map[string]*models.SpendingLimit),
		reservations: make(map[string]*models.Reservation),
		byReference:  make(map[string]string),
		pruned:       make(map[string]struct{}),
	}
	if l.loc == nil {
		l.loc = time.UTC
	}
	if l.now == nil {
		l.now = time.Now
	}

	rows, err := store.ListLimits(ctx)
	if err != nil {
		return nil, fmt.Errorf("load limits: %w", err)
	}
	rs, err := store.ListReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load reservations: %w", err)
	}

	for i := range rs {
		r := rs[i]
		l.reservations[r.ID] = &r
		if r.Reference != "" {
			l.byReference[r.Reference] = r.ID
		}
	}

	now := l.now()
	for _, row := range rows {
		limit := row
		start := limit.Period.WindowStart(now, l.loc)
		if limit.PeriodStart.After(start) {
			start = limit.PeriodStart
		}
		limit.PeriodStart = start
		limit.CommittedSats, limit.ReservedSats = l.aggregate(limit.PeerID, start)
		l.limits[limit.PeerID] = &limit
	}

	l.logger.Info().
		Int("limits", len(l.limits)).
		Int("reservations", len(l.reservations)).
		Uint32("open", l.ActiveReservationsCount()).
		Msg("ledger replayed")
	return l, nil
}

// aggregate sums open reservations and committed reservations created at or after start.
// Callers hold l.mu or run before the ledger is shared.
func (l *Ledger) aggregate(peerID string, start time.Time) (committed, reserved uint64) {
	for _, r := range l.reservations {
		if r.PeerID != peerID {
			continue
		}
		switch r.State {
		case models.ReservationOpen:
			reserved += r.AmountSats
		case models.ReservationCommitted:
			if !r.CreatedAt.Before(start) {
				committed += r.AmountSats
			}
		}
	}
	return committed, reserved
}

// effective applies any pending period rollover to a copy of limit.
func (l *Ledger) effective(limit models.SpendingLimit, now time.Time) (models.SpendingLimit, bool) {
	start := limit.Period.WindowStart(now, l.loc)
	if !start.After(limit.PeriodStart) {
		return limit, false
	}
	limit.PeriodStart = start
	limit.CommittedSats = 0
	return limit, true
}

func (l *Ledger) snapshot(peerID string) (models.SpendingLimit, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	limit, ok := l.limits[peerID]
	if !ok {
		return models.SpendingLimit{}, false
	}
	return *limit, true
}

// SetLimit creates or replaces a peer's limit. Open reservations are untouched and keep
// counting against the new limit.
func (l *Ledger) SetLimit(ctx context.Context, peerID string, limitSats uint64, period models.Period) (models.SpendingLimit, error) {
	if peerID == "" {
		return models.SpendingLimit{}, ErrInvalidPeer
	}
	if !period.Valid() {
		return models.SpendingLimit{}, fmt.Errorf("ledger: invalid period %q", period)
	}
	if limitSats > math.MaxInt64 {
		return models.SpendingLimit{}, ErrLimitTooLarge
	}

	unlock := l.peers.lock(peerID)
	defer unlock()

	now := l.now()
	start := period.WindowStart(now, l.loc)
	if existing, ok := l.snapshot(peerID); ok && existing.Period == period && existing.PeriodStart.After(start) {
		start = existing.PeriodStart
	}

	l.mu.RLock()
	committed, reserved := l.aggregate(peerID, start)
	l.mu.RUnlock()

	limit := models.SpendingLimit{
		PeerID:        peerID,
		LimitSats:     limitSats,
		Period:        period,
		PeriodStart:   start,
		CommittedSats: committed,
		ReservedSats:  reserved,
		UpdatedAt:     now.UTC(),
	}
	if err := l.store.UpsertLimit(ctx, limit); err != nil {
		return models.SpendingLimit{}, fmt.Errorf("persist limit: %w", err)
	}

	l.mu.Lock()
	stored := limit
	l.limits[peerID] = &stored
	l.mu.Unlock()

	l.logger.Info().Str("peer_id", peerID).Uint64("limit_sats", limitSats).Str("period", string(period)).Msg("spending limit set")
	return limit, nil
}

// GetLimit returns the peer's limit as seen now, with any due rollover applied.
func (l *Ledger) GetLimit(peerID string) (models.SpendingLimit, bool) {
	limit, ok := l.snapshot(peerID)
	if !ok {
		return models.SpendingLimit{}, false
	}
	eff, _ := l.effective(limit, l.now())
	return eff, true
}

// ListLimits returns every limit ordered by peer id.
func (l *Ledger) ListLimits() []models.SpendingLimit {
	now := l.now()
	l.mu.RLock()
	out := make([]models.SpendingLimit, 0, len(l.limits))
	for _, limit := range l.limits {
		eff, _ := l.effective(*limit, now)
		out = append(out, eff)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// RemoveLimit deletes a peer's limit. Removing an unknown peer is a no-op.
func (l *Ledger) RemoveLimit(ctx context.Context, peerID string) error {
	unlock := l.peers.lock(peerID)
	defer unlock()

	if _, ok := l.snapshot(peerID); !ok {
		return nil
	}
	if err := l.store.DeleteLimit(ctx, peerID); err != nil {
		return fmt.Errorf("delete limit: %w", err)
	}

	l.mu.Lock()
	delete(l.limits, peerID)
	l.mu.Unlock()

	l.logger.Info().Str("peer_id", peerID).Msg("spending limit removed")
	return nil
}

// WouldExceed checks amountSats against the peer's headroom without mutating anything.
// A pending rollover is applied for the check only.
func (l *Ledger) WouldExceed(peerID string, amountSats uint64) (CheckResult, error) {
	limit, ok := l.snapshot(peerID)
	if !ok {
		return CheckResult{}, ErrNoLimitConfigured
	}
	eff, _ := l.effective(limit, l.now())
	remaining := eff.RemainingSats()
	return CheckResult{WouldExceed: amountSats > remaining, RemainingSats: remaining}, nil
}

// ReserveOption customises a reservation.
type ReserveOption func(*models.Reservation)

// WithReference tags the reservation with an external id, e.g. the discovered request id.
func WithReference(ref string) ReserveOption {
	return func(r *models.Reservation) { r.Reference = ref }
}

// Reserve atomically checks headroom and holds amountSats against the peer's limit.
// The reservation is durable before Reserve returns; if the store write fails no
// reservation exists. Stores shared between processes re-check the headroom against
// their durable holds, and the peer's aggregates are refreshed from that answer.
func (l *Ledger) Reserve(ctx context.Context, peerID string, amountSats uint64, opts ...ReserveOption) (models.Reservation, error) {
	if peerID == "" {
		return models.Reservation{}, ErrInvalidPeer
	}
	if amountSats == 0 {
		return models.Reservation{}, ErrInvalidAmount
	}

	unlock := l.peers.lock(peerID)
	defer unlock()

	limit, ok := l.snapshot(peerID)
	if !ok {
		return models.Reservation{}, ErrNoLimitConfigured
	}

	now := l.now()
	eff, rolled := l.effective(limit, now)
	if remaining := eff.RemainingSats(); amountSats > remaining {
		l.logger.Debug().Str("peer_id", peerID).Uint64("amount_sats", amountSats).Uint64("remaining_sats", remaining).Msg("reserve refused")
		return models.Reservation{}, &LimitExceededError{PeerID: peerID, RemainingSats: remaining}
	}

	if rolled {
		eff.UpdatedAt = now.UTC()
		if err := l.store.UpsertLimit(ctx, eff); err != nil {
			return models.Reservation{}, fmt.Errorf("persist period rollover: %w", err)
		}
		l.mu.Lock()
		if cur, ok := l.limits[peerID]; ok {
			cur.PeriodStart = eff.PeriodStart
			cur.CommittedSats = 0
			cur.UpdatedAt = eff.UpdatedAt
		}
		l.mu.Unlock()
		l.logger.Info().Str("peer_id", peerID).Time("period_start", eff.PeriodStart).Msg("spending period rolled over")
	}

	r := models.Reservation{
		ID:         uuid.NewString(),
		PeerID:     peerID,
		AmountSats: amountSats,
		State:      models.ReservationOpen,
		CreatedAt:  now.UTC(),
	}
	for _, opt := range opts {
		opt(&r)
	}

	durable, err := l.insert(ctx, r, eff.PeriodStart)
	if err != nil {
		var he *storage.HeadroomError
		switch {
		case errors.As(err, &he):
			l.syncHeadroom(peerID, he.Headroom)
			l.logger.Debug().Str("peer_id", peerID).Uint64("amount_sats", amountSats).Uint64("remaining_sats", he.RemainingSats()).Msg("reserve refused by store")
			return models.Reservation{}, &LimitExceededError{PeerID: peerID, RemainingSats: he.RemainingSats()}
		case errors.Is(err, storage.ErrLimitNotFound):
			return models.Reservation{}, ErrNoLimitConfigured
		}
		return models.Reservation{}, fmt.Errorf("persist reservation: %w", err)
	}

	if durable != nil {
		l.syncHeadroom(peerID, *durable)
	}
	l.mu.Lock()
	if cur, ok := l.limits[peerID]; ok && durable == nil {
		cur.ReservedSats += amountSats
	}
	stored := r
	l.reservations[r.ID] = &stored
	if r.Reference != "" {
		l.byReference[r.Reference] = r.ID
	}
	l.mu.Unlock()

	l.logger.Debug().Str("peer_id", peerID).Str("reservation_id", r.ID).Uint64("amount_sats", amountSats).Msg("spending reserved")
	return r, nil
}

// insert writes r, through the guarded path when the store offers one. The returned
// headroom is nil for stores without it.
func (l *Ledger) insert(ctx context.Context, r models.Reservation, periodStart time.Time) (*storage.Headroom, error) {
	guarded, ok := l.store.(storage.GuardedReservationStore)
	if !ok {
		return nil, l.store.InsertReservation(ctx, r)
	}
	h, err := guarded.InsertReservationWithinLimit(ctx, r, periodStart)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// syncHeadroom replaces the peer's cached limit and aggregates with the store's view.
func (l *Ledger) syncHeadroom(peerID string, h storage.Headroom) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.limits[peerID]
	if !ok {
		return
	}
	cur.LimitSats = h.LimitSats
	cur.CommittedSats = h.CommittedSats
	cur.ReservedSats = h.ReservedSats
}

// Commit finalises an open reservation as spent. Committing a reservation that is already
// committed or rolled back succeeds without changing anything, including one that Prune
// has since removed.
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	return l.resolve(ctx, reservationID, models.ReservationCommitted)
}

// Rollback releases an open reservation without counting it as spent. Idempotent like Commit.
func (l *Ledger) Rollback(ctx context.Context, reservationID string) error {
	return l.resolve(ctx, reservationID, models.ReservationRolledBack)
}

func (l *Ledger) resolve(ctx context.Context, reservationID string, state models.ReservationState) error {
	l.mu.RLock()
	r, ok := l.reservations[reservationID]
	var peerID string
	if ok {
		peerID = r.PeerID
	}
	_, wasPruned := l.pruned[reservationID]
	l.mu.RUnlock()
	if !ok {
		if wasPruned {
			return nil
		}
		return ErrReservationNotFound
	}

	unlock := l.peers.lock(peerID)
	defer unlock()

	l.mu.RLock()
	current := *r
	l.mu.RUnlock()
	if current.State.Terminal() {
		return nil
	}

	now := l.now()
	resolvedAt := now.UTC()
	err := l.store.ResolveReservation(ctx, reservationID, state, resolvedAt)
	if errors.Is(err, storage.ErrReservationNotOpen) {
		// another writer resolved it first; adopt the durable outcome
		durable, found, getErr := l.durableReservation(ctx, reservationID)
		if getErr != nil {
			return fmt.Errorf("reload %s: %w", reservationID, getErr)
		}
		if !found || !durable.State.Terminal() || durable.ResolvedAt == nil {
			return fmt.Errorf("persist %s: %w", state, err)
		}
		l.logger.Warn().
			Str("peer_id", peerID).
			Str("reservation_id", reservationID).
			Str("wanted", string(state)).
			Str("state", string(durable.State)).
			Msg("reservation already resolved by another writer")
		state = durable.State
		resolvedAt = durable.ResolvedAt.UTC()
		err = nil
	}
	if err != nil {
		return fmt.Errorf("persist %s: %w", state, err)
	}

	l.mu.Lock()
	r.State = state
	r.ResolvedAt = &resolvedAt
	if limit, ok := l.limits[peerID]; ok {
		if eff, rolled := l.effective(*limit, now); rolled {
			limit.PeriodStart = eff.PeriodStart
			limit.CommittedSats = 0
		}
		limit.ReservedSats = subSaturating(limit.ReservedSats, r.AmountSats)
		if state == models.ReservationCommitted && !r.CreatedAt.Before(limit.PeriodStart) {
			limit.CommittedSats += r.AmountSats
		}
	}
	l.mu.Unlock()

	l.logger.Info().Str("peer_id", peerID).Str("reservation_id", reservationID).Str("state", string(state)).Msg("reservation resolved")
	return nil
}

func (l *Ledger) durableReservation(ctx context.Context, id string) (models.Reservation, bool, error) {
	guarded, ok := l.store.(storage.GuardedReservationStore)
	if !ok {
		return models.Reservation{}, false, nil
	}
	return guarded.GetReservation(ctx, id)
}

// Reservation looks up a reservation by id.
func (l *Ledger) Reservation(id string) (models.Reservation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.reservations[id]
	if !ok {
		return models.Reservation{}, false
	}
	return *r, true
}

// ReservationByReference returns the most recent reservation tagged with ref.
func (l *Ledger) ReservationByReference(ref string) (models.Reservation, bool) {
	if ref == "" {
		return models.Reservation{}, false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	id, ok := l.byReference[ref]
	if !ok {
		return models.Reservation{}, false
	}
	r, ok := l.reservations[id]
	if !ok {
		return models.Reservation{}, false
	}
	return *r, true
}

// ListReservations returns all known reservations in creation order.
func (l *Ledger) ListReservations() []models.Reservation {
	l.mu.RLock()
	out := make([]models.Reservation, 0, len(l.reservations))
	for _, r := range l.reservations {
		out = append(out, *r)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DailyUsedSats sums open holds and today's committed spend across every peer. The day is
// the calendar day in the ledger's location.
func (l *Ledger) DailyUsedSats() uint64 {
	start := models.PeriodDaily.WindowStart(l.now(), l.loc)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var used uint64
	for _, r := range l.reservations {
		switch r.State {
		case models.ReservationOpen:
			used += r.AmountSats
		case models.ReservationCommitted:
			if !r.CreatedAt.Before(start) {
				used += r.AmountSats
			}
		}
	}
	return used
}

// ActiveReservationsCount is the number of open reservations across all peers.
func (l *Ledger) ActiveReservationsCount() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n uint32
	for _, r := range l.reservations {
		if r.State == models.ReservationOpen {
			n++
		}
	}
	return n
}

func subSaturating(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
