package models

import (
	"fmt"
	"strings"
	"time"
)

// Period is the accounting window a spending limit resets on.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod accepts the period names case-insensitively.
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToLower(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown spending period %q", s)
	}
	return p, nil
}

// Valid reports whether p is a supported period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	default:
		return false
	}
}

// WindowStart returns the start of the calendar window containing t, evaluated in loc.
// Weeks start on Monday.
func (p Period) WindowStart(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	y, m, d := lt.Date()

	var start time.Time
	switch p {
	case PeriodHourly:
		start = time.Date(y, m, d, lt.Hour(), 0, 0, 0, loc)
	case PeriodWeekly:
		offset := (int(lt.Weekday()) + 6) % 7
		start = time.Date(y, m, d-offset, 0, 0, 0, 0, loc)
	case PeriodMonthly:
		start = time.Date(y, m, 1, 0, 0, 0, 0, loc)
	default:
		start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	}
	return start.UTC()
}

// SpendingLimit is the per-counterparty limit row plus its in-memory aggregates.
// CommittedSats and ReservedSats are derived from the reservation log and are not
// authoritative when read back from a store.
type SpendingLimit struct {
	PeerID        string    `json:"peer_id"`
	LimitSats     uint64    `json:"limit_sats"`
	Period        Period    `json:"period"`
	PeriodStart   time.Time `json:"period_start"`
	CommittedSats uint64    `json:"committed_sats"`
	ReservedSats  uint64    `json:"reserved_sats"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UsedSats is committed plus reserved.
func (l SpendingLimit) UsedSats() uint64 {
	return l.CommittedSats + l.ReservedSats
}

// RemainingSats is the headroom left in the current window, floored at zero.
func (l SpendingLimit) RemainingSats() uint64 {
	used := l.UsedSats()
	if used >= l.LimitSats {
		return 0
	}
	return l.LimitSats - used
}

// UsagePercent reports used/limit as a percentage.
func (l SpendingLimit) UsagePercent() float64 {
	if l.LimitSats == 0 {
		return 0
	}
	return float64(l.UsedSats()) / float64(l.LimitSats) * 100
}
