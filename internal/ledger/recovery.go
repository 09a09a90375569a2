package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"spendguard/internal/models"
)

// RecoveryReport summarises a stale-reservation pass.
type RecoveryReport struct {
	Stale      []models.Reservation
	RolledBack int
}

// StaleReservations lists open reservations created more than olderThan ago. The ledger
// cannot know whether the payment behind such a reservation went out; an operator decides.
func (l *Ledger) StaleReservations(olderThan time.Duration) []models.Reservation {
	cutoff := l.now().Add(-olderThan)
	stale := make([]models.Reservation, 0)
	for _, r := range l.ListReservations() {
		if r.State == models.ReservationOpen && r.CreatedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	return stale
}

// RecoverStale finds stale open reservations and, when rollback is set, rolls them back.
// Without rollback it only reports them.
func (l *Ledger) RecoverStale(ctx context.Context, olderThan time.Duration, rollback bool) (RecoveryReport, error) {
	report := RecoveryReport{Stale: l.StaleReservations(olderThan)}
	if len(report.Stale) == 0 {
		return report, nil
	}

	if !rollback {
		for _, r := range report.Stale {
			l.logger.Warn().
				Str("reservation_id", r.ID).
				Str("peer_id", r.PeerID).
				Uint64("amount_sats", r.AmountSats).
				Time("created_at", r.CreatedAt).
				Msg("stale open reservation needs operator review")
		}
		return report, nil
	}

	var errs []error
	for _, r := range report.Stale {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := l.Rollback(ctx, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("rollback %s: %w", r.ID, err))
			continue
		}
		report.RolledBack++
		l.logger.Warn().Str("reservation_id", r.ID).Str("peer_id", r.PeerID).Msg("stale reservation rolled back")
	}
	return report, errors.Join(errs...)
}

// Prune drops terminal reservations resolved more than retention ago that no longer
// contribute to any aggregate: rolled back ones, and committed ones created before their
// peer's current window. Returns the number removed. Commit and Rollback on a pruned id
// keep succeeding as no-ops.
func (l *Ledger) Prune(ctx context.Context, retention time.Duration) (int, error) {
	now := l.now()
	cutoff := now.Add(-retention)

	l.mu.RLock()
	ids := make([]string, 0)
	for id, r := range l.reservations {
		if !r.State.Terminal() || r.ResolvedAt == nil || !r.ResolvedAt.Before(cutoff) {
			continue
		}
		if r.State == models.ReservationCommitted {
			if limit, ok := l.limits[r.PeerID]; ok {
				eff, _ := l.effective(*limit, now)
				if !r.CreatedAt.Before(eff.PeriodStart) {
					continue
				}
			}
		}
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	if len(ids) == 0 {
		return 0, nil
	}
	if err := l.store.DeleteReservations(ctx, ids); err != nil {
		return 0, fmt.Errorf("prune reservations: %w", err)
	}

	l.mu.Lock()
	for _, id := range ids {
		r, ok := l.reservations[id]
		if !ok {
			continue
		}
		if r.Reference != "" && l.byReference[r.Reference] == id {
			delete(l.byReference, r.Reference)
		}
		delete(l.reservations, id)
		l.pruned[id] = struct{}{}
	}
	l.mu.Unlock()

	l.logger.Info().Int("pruned", len(ids)).Msg("old reservations pruned")
	return len(ids), nil
}
