package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"spendguard/internal/alerting"
	"spendguard/internal/models"
)

// ExportOptions hold parameters for exporting committed spend.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PeerID    string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// DailySpend is the committed spend of one calendar day.
type DailySpend struct {
	Day           time.Time
	CommittedSats uint64
	Payments      int
}

// Export renders daily committed spend as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	l, be, err := a.openLedger(ctx)
	if err != nil {
		return err
	}
	defer be.close()

	loc, err := a.Config.Ledger.LoadLocation()
	if err != nil {
		return err
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	var from time.Time
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	days := aggregateDaily(l.ListReservations(), loc, from, to, opts.PeerID)
	if len(days) == 0 {
		a.Logger.Info().Msg("no committed spend found for export window")
		return nil
	}

	downsampled := downsampleDays(days, opts.MaxPoints)
	a.Logger.Info().Int("total", len(days)).Int("exported", len(downsampled)).Msg("exporting daily spend")

	if opts.CSVPath != "" {
		if err := writeDailyCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if len(downsampled) < 2 {
			a.Logger.Warn().Msg("chart needs at least two days of spend; skipping png")
			return nil
		}
		if err := writeDailyPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// aggregateDaily sums committed reservations per day of commit in loc. Reservations
// committed outside [from, to) are ignored.
func aggregateDaily(rs []models.Reservation, loc *time.Location, from, to time.Time, peerID string) []DailySpend {
	byDay := make(map[time.Time]*DailySpend)
	for _, r := range rs {
		if r.State != models.ReservationCommitted || r.ResolvedAt == nil {
			continue
		}
		if peerID != "" && r.PeerID != peerID {
			continue
		}
		at := *r.ResolvedAt
		if at.Before(from) || !at.Before(to) {
			continue
		}
		day := models.PeriodDaily.WindowStart(at, loc)
		entry, ok := byDay[day]
		if !ok {
			entry = &DailySpend{Day: day}
			byDay[day] = entry
		}
		entry.CommittedSats += r.AmountSats
		entry.Payments++
	}

	out := make([]DailySpend, 0, len(byDay))
	for _, d := range byDay {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out
}

func downsampleDays(days []DailySpend, max int) []DailySpend {
	if max <= 1 || len(days) <= max {
		return days
	}

	result := make([]DailySpend, 0, max)
	step := float64(len(days)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(days) {
			idx = len(days) - 1
		}
		result = append(result, days[idx])
	}
	return result
}

func writeDailyCSV(path string, days []DailySpend) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"day", "committed_sats", "committed_btc", "payments"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, d := range days {
		record := []string{
			d.Day.Format(time.RFC3339),
			strconv.FormatUint(d.CommittedSats, 10),
			alerting.SatsToBTC(int64(d.CommittedSats)).StringFixed(8),
			strconv.Itoa(d.Payments),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeDailyPNG(path string, days []DailySpend) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(days))
	sats := make([]float64, len(days))
	payments := make([]float64, len(days))

	for i, d := range days {
		x[i] = d.Day
		sats[i] = float64(d.CommittedSats)
		payments[i] = float64(d.Payments)
	}

	satsFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Committed (sats)",
			ValueFormatter: satsFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Payments",
			ValueFormatter: satsFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Committed",
				XValues: x,
				YValues: sats,
			},
			chart.TimeSeries{
				Name:    "Payments",
				XValues: x,
				YValues: payments,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
