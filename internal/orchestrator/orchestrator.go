// Package orchestrator turns discovered requests into decisions, and approved decisions
// into reserve, execute and commit or rollback.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"spendguard/internal/alerting"
	"spendguard/internal/ledger"
	"spendguard/internal/models"
	"spendguard/internal/policy"
	"spendguard/internal/storage"
)

// Evaluator decides on a single payment.
type Evaluator interface {
	Evaluate(peerID string, amountSats int64, methodID string) policy.Decision
}

// Ledger is the part of the spending ledger the orchestrator drives.
type Ledger interface {
	Reserve(ctx context.Context, peerID string, amountSats uint64, opts ...ledger.ReserveOption) (models.Reservation, error)
	Commit(ctx context.Context, reservationID string) error
	Rollback(ctx context.Context, reservationID string) error
	ReservationByReference(ref string) (models.Reservation, bool)
}

// Options tune the orchestrator.
type Options struct {
	MethodID string
	// ExecuteTimeout bounds a single executor call. Zero leaves it to the caller's ctx.
	ExecuteTimeout time.Duration
	// FinalizeTimeout bounds commit, rollback, status writes and notifications, which
	// run even after the caller's ctx is cancelled.
	FinalizeTimeout time.Duration
	Now             func() time.Time

	// MuteAutopayNotices skips the notification for payments sent automatically.
	MuteAutopayNotices bool
	// MuteLimitNotices skips the notification for requests declined by a spending limit.
	MuteLimitNotices bool
}

// Outcome reports how a request was handled.
type Outcome struct {
	RequestID     string
	Status        models.RequestStatus
	Decision      policy.Decision
	ReservationID string
	ExecutionID   string
	Detail        string
	Err           error
	// Duplicate is set when the request was already handled or is being handled.
	Duplicate bool
}

// Orchestrator glues evaluator, ledger, executor and notifier together.
type Orchestrator struct {
	evaluator Evaluator
	ledger    Ledger
	executor  PaymentExecutor
	notifier  alerting.Notifier
	statuses  storage.RequestStatusStore
	opts      Options
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New wires an orchestrator. notifier and statuses may be nil.
func New(evaluator Evaluator, l Ledger, executor PaymentExecutor, notifier alerting.Notifier, statuses storage.RequestStatusStore, opts Options, logger zerolog.Logger) *Orchestrator {
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		evaluator: evaluator,
		ledger:    l,
		executor:  executor,
		notifier:  notifier,
		statuses:  statuses,
		opts:      opts,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		inflight:  make(map[string]struct{}),
	}
}

// Handle processes one discovered request end to end. It never returns a policy outcome
// as an error; Outcome.Err is set only for ledger or executor failures.
func (o *Orchestrator) Handle(ctx context.Context, req models.DiscoveredRequest) Outcome {
	if !o.begin(req.RequestID) {
		o.logger.Debug().Str("request_id", req.RequestID).Msg("request already in flight")
		return Outcome{RequestID: req.RequestID, Duplicate: true}
	}
	defer o.end(req.RequestID)

	log := o.logger.With().
		Str("request_id", req.RequestID).
		Str("peer_id", req.FromPeer).
		Int64("amount_sats", req.AmountSats).
		Logger()

	var out Outcome
	switch req.Type {
	case models.RequestTypeSubscription:
		out = Outcome{RequestID: req.RequestID, Status: models.RequestStatusProposal}
		o.finish(ctx, req, out, alerting.KindSubscriptionProposal, "subscriptions always need approval")
		log.Info().Msg("subscription proposal routed to manual approval")
		return out
	case models.RequestTypePayment:
	default:
		out = Outcome{RequestID: req.RequestID, Status: models.RequestStatusManual, Detail: fmt.Sprintf("unknown request type %q", req.Type)}
		o.finish(ctx, req, out, alerting.KindManualApproval, out.Detail)
		return out
	}

	if prior, ok := o.ledger.ReservationByReference(req.RequestID); ok {
		switch prior.State {
		case models.ReservationCommitted:
			log.Info().Str("reservation_id", prior.ID).Msg("request already paid")
			return Outcome{RequestID: req.RequestID, Status: models.RequestStatusPaid, ReservationID: prior.ID, Duplicate: true}
		case models.ReservationOpen:
			log.Warn().Str("reservation_id", prior.ID).Msg("request has an unresolved reservation, awaiting recovery")
			return Outcome{RequestID: req.RequestID, Status: models.RequestStatusPendingRecovery, ReservationID: prior.ID, Duplicate: true}
		}
	}

	decision := o.evaluator.Evaluate(req.FromPeer, req.AmountSats, o.opts.MethodID)
	log = log.With().Str("decision", string(decision.Outcome)).Logger()

	switch decision.Outcome {
	case policy.Approved:
		out = o.pay(ctx, req, decision, log)
	case policy.Denied:
		out = Outcome{RequestID: req.RequestID, Status: models.RequestStatusDeclined, Decision: decision, Detail: decision.Reason}
		kind := alerting.KindManualApproval
		if o.opts.MuteLimitNotices && policy.LimitReached(decision.Reason) {
			kind = ""
		}
		o.finish(ctx, req, out, kind, "autopay declined: "+decision.Reason)
		log.Info().Str("reason", decision.Reason).Msg("autopay declined")
	default:
		out = Outcome{RequestID: req.RequestID, Status: models.RequestStatusManual, Decision: decision, Detail: decision.Reason}
		o.finish(ctx, req, out, alerting.KindManualApproval, decision.Reason)
		log.Info().Str("reason", decision.Reason).Msg("manual approval required")
	}
	return out
}

func (o *Orchestrator) pay(ctx context.Context, req models.DiscoveredRequest, decision policy.Decision, log zerolog.Logger) Outcome {
	out := Outcome{RequestID: req.RequestID, Decision: decision}
	log = log.With().Str("rule", decision.RuleName).Logger()

	reservation, err := o.ledger.Reserve(ctx, req.FromPeer, uint64(req.AmountSats), ledger.WithReference(req.RequestID))
	if err != nil {
		if errors.Is(err, ledger.ErrLimitExceeded) || errors.Is(err, ledger.ErrNoLimitConfigured) {
			out.Status = models.RequestStatusDeclined
			out.Detail = policy.ReasonWouldExceedLimit
			if errors.Is(err, ledger.ErrNoLimitConfigured) {
				out.Detail = policy.ReasonNoLimitConfigured
			}
			kind := alerting.KindManualApproval
			if o.opts.MuteLimitNotices && policy.LimitReached(out.Detail) {
				kind = ""
			}
			o.finish(ctx, req, out, kind, "autopay declined: "+out.Detail)
			log.Info().Err(err).Msg("reserve refused")
			return out
		}
		out.Status = models.RequestStatusFailed
		out.Err = err
		out.Detail = "could not reserve spending: " + err.Error()
		o.finish(ctx, req, out, alerting.KindFailure, out.Detail)
		log.Error().Err(err).Msg("reserve failed")
		return out
	}
	out.ReservationID = reservation.ID
	log = log.With().Str("reservation_id", reservation.ID).Logger()

	execCtx := ctx
	if o.opts.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.opts.ExecuteTimeout)
		defer cancel()
	}
	result, execErr := o.executor.Execute(execCtx, req.FromPeer, o.opts.MethodID, reservation.AmountSats)

	fctx, cancel := o.finalizeContext(ctx)
	defer cancel()

	if execErr == nil {
		out.ExecutionID = result.ExecutionID
		out.Status = models.RequestStatusPaid
		out.Detail = "rule " + ruleLabel(decision.RuleName)
		if err := o.ledger.Commit(fctx, reservation.ID); err != nil {
			// the money moved; leave the hold in place rather than free headroom
			out.Err = err
			out.Detail += "; ledger commit pending: " + err.Error()
			log.Error().Err(err).Str("execution_id", result.ExecutionID).Msg("commit after successful payment failed")
		}
		kind := alerting.KindSuccess
		if o.opts.MuteAutopayNotices {
			kind = ""
		}
		o.finish(ctx, req, out, kind, out.Detail)
		log.Info().Str("execution_id", result.ExecutionID).Msg("payment sent automatically")
		return out
	}

	out.Err = execErr
	if outcomeUnknown(ctx, execErr) {
		out.Status = models.RequestStatusPendingRecovery
		out.Detail = "payment outcome unknown, reservation held for recovery: " + execErr.Error()
		o.finish(ctx, req, out, alerting.KindFailure, out.Detail)
		log.Warn().Err(execErr).Msg("payment interrupted, reservation left open")
		return out
	}

	if err := o.ledger.Rollback(fctx, reservation.ID); err != nil {
		log.Error().Err(err).Msg("rollback after failed payment failed")
	}
	out.Status = models.RequestStatusFailed
	out.Detail = execErr.Error()
	o.finish(ctx, req, out, alerting.KindFailure, out.Detail)
	log.Warn().Err(execErr).Msg("payment failed, reservation rolled back")
	return out
}

// outcomeUnknown reports whether an executor error came from cancellation or a deadline
// rather than a definitive refusal.
func outcomeUnknown(ctx context.Context, err error) bool {
	if errors.Is(err, ErrExecution) {
		return false
	}
	return ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (o *Orchestrator) finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.FinalizeTimeout)
}

// finish records the request status and sends the notification. An empty kind records
// the status only. Failures are logged only.
func (o *Orchestrator) finish(ctx context.Context, req models.DiscoveredRequest, out Outcome, kind alerting.Kind, detail string) {
	fctx, cancel := o.finalizeContext(ctx)
	defer cancel()

	now := o.opts.Now().UTC()
	if o.statuses != nil {
		rec := models.RequestRecord{
			RequestID:     req.RequestID,
			Type:          req.Type,
			FromPeer:      req.FromPeer,
			AmountSats:    req.AmountSats,
			Status:        out.Status,
			Detail:        out.Detail,
			ReservationID: out.ReservationID,
			ExecutionID:   out.ExecutionID,
			UpdatedAt:     now,
		}
		if err := o.statuses.SaveRequestStatus(fctx, rec); err != nil {
			o.logger.Error().Err(err).Str("request_id", req.RequestID).Msg("save request status failed")
		}
	}

	if o.notifier == nil || kind == "" {
		return
	}
	note := alerting.Notification{Kind: kind, Request: req, Detail: detail, At: now}
	if err := o.notifier.Notify(fctx, note); err != nil {
		o.logger.Warn().Err(err).Str("request_id", req.RequestID).Str("kind", string(kind)).Msg("notification failed")
	}
}

func (o *Orchestrator) begin(requestID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[requestID]; busy {
		return false
	}
	o.inflight[requestID] = struct{}{}
	return true
}

func (o *Orchestrator) end(requestID string) {
	o.mu.Lock()
	delete(o.inflight, requestID)
	o.mu.Unlock()
}

func ruleLabel(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}
