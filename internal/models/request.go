package models

import "time"

// RequestType distinguishes one-off payment requests from subscription proposals.
type RequestType string

const (
	RequestTypePayment      RequestType = "payment_request"
	RequestTypeSubscription RequestType = "subscription_proposal"
)

// DiscoveredRequest is a pending item pulled from the directory.
type DiscoveredRequest struct {
	RequestID   string      `json:"request_id"`
	Type        RequestType `json:"type"`
	FromPeer    string      `json:"from_peer"`
	AmountSats  int64       `json:"amount_sats"`
	Description string      `json:"description,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// RequestStatus is the last known handling outcome of a discovered request.
type RequestStatus string

const (
	RequestStatusManual          RequestStatus = "manual"
	RequestStatusDeclined        RequestStatus = "declined"
	RequestStatusPaid            RequestStatus = "paid"
	RequestStatusFailed          RequestStatus = "failed"
	RequestStatusPendingRecovery RequestStatus = "pending_recovery"
	RequestStatusProposal        RequestStatus = "proposal"
)

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestStatusManual, RequestStatusDeclined, RequestStatusPaid,
		RequestStatusFailed, RequestStatusPendingRecovery, RequestStatusProposal:
		return true
	}
	return false
}

// RequestRecord is the persisted status row for a discovered request.
type RequestRecord struct {
	RequestID     string        `json:"request_id"`
	Type          RequestType   `json:"type"`
	FromPeer      string        `json:"from_peer"`
	AmountSats    int64         `json:"amount_sats"`
	Status        RequestStatus `json:"status"`
	Detail        string        `json:"detail,omitempty"`
	ReservationID string        `json:"reservation_id,omitempty"`
	ExecutionID   string        `json:"execution_id,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// AutopayRule permits automatic payment to a peer up to an optional cap.
// PeerID "*" matches every peer. RequireConfirmation sends matches to manual approval.
type AutopayRule struct {
	PeerID         string   `json:"peer_id" yaml:"peer_id"`
	Name           string   `json:"name,omitempty" yaml:"name"`
	MaxAmountSats  *uint64  `json:"max_amount_sats,omitempty" yaml:"max_amount_sats"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
	AllowedMethods []string `json:"allowed_methods,omitempty" yaml:"allowed_methods"`

	RequireConfirmation bool `json:"require_confirmation,omitempty" yaml:"require_confirmation"`
}
