package storage

import (
	"time"

	"spendguard/internal/models"
)

const (
	opOpen    = "open"
	opResolve = "resolve"
)

// logEntry is one line of the reservation journal.
type logEntry struct {
	Op          string                  `json:"op"`
	At          time.Time               `json:"at"`
	Reservation *models.Reservation     `json:"reservation,omitempty"`
	ID          string                  `json:"id,omitempty"`
	State       models.ReservationState `json:"state,omitempty"`
}

// limitRow is the persisted subset of a spending limit; aggregates are rebuilt by replay.
type limitRow struct {
	PeerID      string        `json:"peer_id"`
	LimitSats   uint64        `json:"limit_sats"`
	Period      models.Period `json:"period"`
	PeriodStart time.Time     `json:"period_start"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func toLimitRow(l models.SpendingLimit) limitRow {
	return limitRow{
		PeerID:      l.PeerID,
		LimitSats:   l.LimitSats,
		Period:      l.Period,
		PeriodStart: l.PeriodStart,
		UpdatedAt:   l.UpdatedAt,
	}
}

func (r limitRow) toModel() models.SpendingLimit {
	return models.SpendingLimit{
		PeerID:      r.PeerID,
		LimitSats:   r.LimitSats,
		Period:      r.Period,
		PeriodStart: r.PeriodStart,
		UpdatedAt:   r.UpdatedAt,
	}
}

// add counts r against h when it belongs to peerID: every open hold, and committed
// holds created at or after start.
func (h *Headroom) add(r models.Reservation, peerID string, start time.Time) {
	if r.PeerID != peerID {
		return
	}
	switch r.State {
	case models.ReservationOpen:
		h.ReservedSats += r.AmountSats
	case models.ReservationCommitted:
		if !r.CreatedAt.Before(start) {
			h.CommittedSats += r.AmountSats
		}
	}
}
