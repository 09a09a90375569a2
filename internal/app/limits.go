package app

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"spendguard/internal/alerting"
	"spendguard/internal/models"
)

// LimitOptions describe a limits set call.
type LimitOptions struct {
	PeerID    string
	LimitSats uint64
	Period    models.Period
}

// SetLimit creates or replaces a peer's spending limit.
func (a *App) SetLimit(ctx context.Context, opts LimitOptions) error {
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	limit, err := l.SetLimit(ctx, opts.PeerID, opts.LimitSats, opts.Period)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "limit for %s set to %s per %s window (%s remaining)\n",
		alerting.ShortPubkey(limit.PeerID),
		alerting.FormatSats(int64(limit.LimitSats)),
		limit.Period,
		alerting.FormatSats(int64(limit.RemainingSats())),
	)
	return nil
}

// RemoveLimit deletes a peer's spending limit.
func (a *App) RemoveLimit(ctx context.Context, peerID string) error {
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	if _, ok := l.GetLimit(peerID); !ok {
		fmt.Fprintf(a.Out, "no limit configured for %s\n", peerID)
		return nil
	}
	if err := l.RemoveLimit(ctx, peerID); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "limit for %s removed\n", alerting.ShortPubkey(peerID))
	return nil
}

// ListLimits prints every limit with its current-window usage.
func (a *App) ListLimits(ctx context.Context) error {
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	limits := l.ListLimits()
	if len(limits) == 0 {
		fmt.Fprintln(a.Out, "no spending limits configured")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Peer\tPeriod\tWindow start\tLimit (BTC)\tCommitted\tReserved\tRemaining\tUsed%")
	for _, limit := range limits {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%.1f\n",
			limit.PeerID,
			limit.Period,
			limit.PeriodStart.UTC().Format(time.RFC3339),
			alerting.SatsToBTC(int64(limit.LimitSats)).StringFixed(8),
			alerting.GroupThousands(int64(limit.CommittedSats)),
			alerting.GroupThousands(int64(limit.ReservedSats)),
			alerting.GroupThousands(int64(limit.RemainingSats())),
			limit.UsagePercent(),
		)
	}
	writer.Flush()
	fmt.Fprintf(a.Out, "open reservations: %d\n", l.ActiveReservationsCount())
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
