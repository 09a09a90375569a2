package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"spendguard/internal/alerting"
	"spendguard/internal/models"
)

// ReservationFilter narrows reservations list.
type ReservationFilter struct {
	PeerID   string
	OpenOnly bool
	Limit    int
}

// ListReservations prints reservations, newest last.
func (a *App) ListReservations(ctx context.Context, filter ReservationFilter) error {
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	var rows []models.Reservation
	for _, r := range l.ListReservations() {
		if filter.PeerID != "" && r.PeerID != filter.PeerID {
			continue
		}
		if filter.OpenOnly && r.State != models.ReservationOpen {
			continue
		}
		rows = append(rows, r)
	}
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[len(rows)-filter.Limit:]
	}
	if len(rows) == 0 {
		fmt.Fprintln(a.Out, "no reservations found")
		return nil
	}
	a.printReservations(rows)
	return nil
}

// RecoverReservations lists stale open reservations, rolling them back when asked.
func (a *App) RecoverReservations(ctx context.Context, olderThan time.Duration, rollback bool) error {
	if olderThan <= 0 {
		olderThan = a.Config.Ledger.StaleAfter
	}
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	report, err := l.RecoverStale(ctx, olderThan, rollback)
	if len(report.Stale) == 0 {
		fmt.Fprintf(a.Out, "no open reservations older than %s\n", olderThan)
		return err
	}
	a.printReservations(report.Stale)
	if rollback {
		fmt.Fprintf(a.Out, "rolled back %d of %d stale reservations\n", report.RolledBack, len(report.Stale))
	} else {
		fmt.Fprintf(a.Out, "%d stale reservations; rerun with --rollback once the payments are confirmed unsent\n", len(report.Stale))
	}
	return err
}

// PruneReservations removes old terminal reservations outside every current window.
func (a *App) PruneReservations(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		retention = a.Config.Ledger.Retention
	}
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	n, err := l.Prune(ctx, retention)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "pruned %d reservations resolved more than %s ago\n", n, retention)
	return nil
}

func (a *App) printReservations(rows []models.Reservation) {
	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tPeer\tAmount\tState\tReference\tCreated (UTC)\tResolved (UTC)")
	for _, r := range rows {
		resolved := "-"
		if r.ResolvedAt != nil {
			resolved = r.ResolvedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID,
			alerting.ShortPubkey(r.PeerID),
			alerting.FormatSats(int64(r.AmountSats)),
			r.State,
			r.Reference,
			r.CreatedAt.UTC().Format(time.RFC3339),
			resolved,
		)
	}
	writer.Flush()
}
