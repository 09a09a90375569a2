package app

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"spendguard/internal/alerting"
	"spendguard/internal/models"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	// Statuses filters the rows; empty shows every status.
	Statuses []models.RequestStatus
}

// Show prints the most recently handled requests.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	be, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	fetch := opts.Limit
	if len(opts.Statuses) > 0 {
		fetch = 0
	}
	records, err := be.statuses.ListRecentRequests(ctx, fetch)
	if err != nil {
		return err
	}
	records = filterStatuses(records, opts.Statuses, opts.Limit)
	if len(records) == 0 {
		fmt.Fprintln(a.Out, "no requests handled yet")
		return nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tRequest\tType\tFrom\tAmount\tStatus\tDetail")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			rec.RequestID,
			rec.Type,
			alerting.ShortPubkey(rec.FromPeer),
			alerting.FormatSats(rec.AmountSats),
			rec.Status,
			sanitizeInline(rec.Detail),
		)
	}

	writer.Flush()
	return nil
}

// filterStatuses keeps records whose status is listed, at most limit of them.
func filterStatuses(records []models.RequestRecord, statuses []models.RequestStatus, limit int) []models.RequestRecord {
	if len(statuses) == 0 {
		return records
	}
	out := make([]models.RequestRecord, 0, len(records))
	for _, rec := range records {
		for _, st := range statuses {
			if rec.Status == st {
				out = append(out, rec)
				break
			}
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
