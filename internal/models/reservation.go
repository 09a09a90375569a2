package models

import "time"

// ReservationState tracks a reservation through its single transition.
type ReservationState string

const (
	ReservationOpen       ReservationState = "open"
	ReservationCommitted  ReservationState = "committed"
	ReservationRolledBack ReservationState = "rolled_back"
)

// Terminal reports whether no further transition is possible.
func (s ReservationState) Terminal() bool {
	return s == ReservationCommitted || s == ReservationRolledBack
}

// Reservation is a hold against a peer's spending limit.
type Reservation struct {
	ID         string           `json:"id"`
	PeerID     string           `json:"peer_id"`
	AmountSats uint64           `json:"amount_sats"`
	Reference  string           `json:"reference,omitempty"`
	State      ReservationState `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}
