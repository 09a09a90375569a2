// Package discovery pulls pending payment requests and subscription proposals from the
// directory and emits each request id once per process.
package discovery

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"spendguard/internal/models"
)

// State is the reconciler's position in a cycle.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateReconciling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateReconciling:
		return "reconciling"
	default:
		return "unknown"
	}
}

// Result describes one cycle. Fetch errors are reported per category; a failed category
// contributes zero items and never aborts the other.
type Result struct {
	Skipped     bool
	Fetched     int
	New         []models.DiscoveredRequest
	PaymentErr  error
	ProposalErr error
}

// Reconciler runs polling cycles for a single owner identity.
type Reconciler struct {
	lookup  DirectoryLookup
	ownerID string
	seen    *SeenSet
	logger  zerolog.Logger
	state   atomic.Int32
}

// NewReconciler builds a reconciler. A nil seen set gets a fresh one.
func NewReconciler(lookup DirectoryLookup, ownerID string, seen *SeenSet, logger zerolog.Logger) *Reconciler {
	if seen == nil {
		seen = NewSeenSet()
	}
	return &Reconciler{
		lookup:  lookup,
		ownerID: strings.TrimSpace(ownerID),
		seen:    seen,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}
}

// State reports the current cycle state.
func (r *Reconciler) State() State { return State(r.state.Load()) }

// Seen exposes the seen set, e.g. to forget an id whose handling must be retried.
func (r *Reconciler) Seen() *SeenSet { return r.seen }

// Poll runs one cycle. If a cycle is already in flight the call is a no-op and the
// result is marked Skipped.
func (r *Reconciler) Poll(ctx context.Context) Result {
	if !r.state.CompareAndSwap(int32(StateIdle), int32(StatePolling)) {
		r.logger.Debug().Str("state", r.State().String()).Msg("poll skipped, cycle in flight")
		return Result{Skipped: true}
	}
	defer r.state.Store(int32(StateIdle))

	var res Result
	var payments, proposals []models.DiscoveredRequest

	if r.lookup == nil || r.ownerID == "" {
		res.PaymentErr = ErrNotConfigured
		res.ProposalErr = ErrNotConfigured
	} else {
		payments, res.PaymentErr = r.lookup.ListPendingPaymentRequests(ctx, r.ownerID)
		if res.PaymentErr != nil {
			payments = nil
			r.logger.Warn().Err(res.PaymentErr).Msg("fetch payment requests failed")
		}
		proposals, res.ProposalErr = r.lookup.ListSubscriptionProposals(ctx, r.ownerID)
		if res.ProposalErr != nil {
			proposals = nil
			r.logger.Warn().Err(res.ProposalErr).Msg("fetch subscription proposals failed")
		}
	}

	r.state.Store(int32(StateReconciling))
	res.Fetched = len(payments) + len(proposals)
	res.New = make([]models.DiscoveredRequest, 0, res.Fetched)
	res.New = r.reconcile(res.New, payments, models.RequestTypePayment)
	res.New = r.reconcile(res.New, proposals, models.RequestTypeSubscription)

	r.logger.Debug().
		Int("fetched", res.Fetched).
		Int("new", len(res.New)).
		Int("seen", r.seen.Len()).
		Msg("poll cycle complete")
	return res
}

// reconcile appends unseen items to out, stamping the category they were fetched from.
func (r *Reconciler) reconcile(out, items []models.DiscoveredRequest, kind models.RequestType) []models.DiscoveredRequest {
	for _, item := range items {
		if item.RequestID == "" {
			r.logger.Warn().Str("from_peer", item.FromPeer).Msg("directory item without request id dropped")
			continue
		}
		if !r.seen.Add(item.RequestID) {
			continue
		}
		item.Type = kind
		out = append(out, item)
	}
	return out
}
