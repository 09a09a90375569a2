// Package policy decides whether a payment may be made without asking the user.
package policy

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"spendguard/internal/ledger"
)

// Outcome is the kind of autopay decision.
type Outcome string

const (
	Approved            Outcome = "approved"
	Denied              Outcome = "denied"
	NeedsManualApproval Outcome = "needs_manual_approval"
)

// Denial and deferral reasons.
const (
	ReasonWouldExceedLimit  = "would exceed spending limit"
	ReasonWouldExceedGlobal = "would exceed global daily limit"
	ReasonAboveThreshold    = "amount above approval threshold"
	ReasonRuleConfirmation  = "rule requires confirmation"
	ReasonRuleCapExceeded   = "amount exceeds rule limit"
	ReasonInvalidAmount     = "invalid amount"
	ReasonAutopayDisabled   = "autopay disabled"
	ReasonNoLimitConfigured = "no spending limit configured"
	ReasonNoRule            = "no matching autopay rule"
	ReasonLimitCheckFailed  = "spending limit check failed"
)

// Decision is the result of an evaluation. RuleName is set only for Approved.
type Decision struct {
	Outcome  Outcome
	RuleName string
	Reason   string
}

// LimitChecker is the read-only view of the spending ledger the evaluator needs.
type LimitChecker interface {
	WouldExceed(peerID string, amountSats uint64) (ledger.CheckResult, error)
}

// GlobalUsage reports what has been spent or held across all peers in the current day.
type GlobalUsage interface {
	DailyUsedSats() uint64
}

// Settings carries the account-wide autopay knobs. Zero caps are off. Safe for
// concurrent use.
type Settings struct {
	enabled       atomic.Bool
	globalDaily   atomic.Uint64
	approvalAbove atomic.Uint64
}

// NewSettings returns settings with autopay switched as given.
func NewSettings(enabled bool) *Settings {
	s := &Settings{}
	s.enabled.Store(enabled)
	return s
}

func (s *Settings) Enabled() bool      { return s.enabled.Load() }
func (s *Settings) SetEnabled(on bool) { s.enabled.Store(on) }

// GlobalDailyLimit caps autopay across every peer per calendar day.
func (s *Settings) GlobalDailyLimit() uint64        { return s.globalDaily.Load() }
func (s *Settings) SetGlobalDailyLimit(sats uint64) { s.globalDaily.Store(sats) }

// ApprovalThreshold sends payments above it to manual approval.
func (s *Settings) ApprovalThreshold() uint64        { return s.approvalAbove.Load() }
func (s *Settings) SetApprovalThreshold(sats uint64) { s.approvalAbove.Store(sats) }

// Evaluator maps (peer, amount, method) to a Decision. It never mutates the ledger.
type Evaluator struct {
	settings *Settings
	limits   LimitChecker
	rules    *RuleTable
	logger   zerolog.Logger
}

// NewEvaluator wires an evaluator. A nil rules table behaves as an empty one.
func NewEvaluator(settings *Settings, limits LimitChecker, rules *RuleTable, logger zerolog.Logger) *Evaluator {
	if settings == nil {
		settings = NewSettings(false)
	}
	if rules == nil {
		rules = NewRuleTable()
	}
	return &Evaluator{
		settings: settings,
		limits:   limits,
		rules:    rules,
		logger:   logger.With().Str("component", "policy").Logger(),
	}
}

// Evaluate decides. The ledger and global checks run before any rule cap so a permissive
// rule can never lift a hard limit; a peer with no limit is never treated as unlimited.
// Denials win over manual approval.
func (e *Evaluator) Evaluate(peerID string, amountSats int64, methodID string) Decision {
	d := e.evaluate(peerID, amountSats, methodID)
	e.logger.Debug().
		Str("peer_id", peerID).
		Int64("amount_sats", amountSats).
		Str("method_id", methodID).
		Str("decision", string(d.Outcome)).
		Str("rule", d.RuleName).
		Str("reason", d.Reason).
		Msg("autopay evaluated")
	return d
}

func (e *Evaluator) evaluate(peerID string, amountSats int64, methodID string) Decision {
	if !e.settings.Enabled() {
		return Decision{Outcome: NeedsManualApproval, Reason: ReasonAutopayDisabled}
	}
	if amountSats <= 0 {
		return Decision{Outcome: Denied, Reason: ReasonInvalidAmount}
	}
	amount := uint64(amountSats)

	check, err := e.limits.WouldExceed(peerID, amount)
	switch {
	case errors.Is(err, ledger.ErrNoLimitConfigured):
		return Decision{Outcome: NeedsManualApproval, Reason: ReasonNoLimitConfigured}
	case err != nil:
		e.logger.Warn().Err(err).Str("peer_id", peerID).Msg("limit check failed")
		return Decision{Outcome: NeedsManualApproval, Reason: ReasonLimitCheckFailed}
	case check.WouldExceed:
		return Decision{Outcome: Denied, Reason: ReasonWouldExceedLimit}
	}

	if limit := e.settings.GlobalDailyLimit(); limit > 0 {
		usage, ok := e.limits.(GlobalUsage)
		if !ok {
			return Decision{Outcome: NeedsManualApproval, Reason: ReasonLimitCheckFailed}
		}
		if used := usage.DailyUsedSats(); used >= limit || amount > limit-used {
			return Decision{Outcome: Denied, Reason: ReasonWouldExceedGlobal}
		}
	}

	rule, ok := e.rules.Match(peerID, methodID)
	if !ok {
		return Decision{Outcome: NeedsManualApproval, Reason: ReasonNoRule}
	}
	if rule.MaxAmountSats != nil && amount > *rule.MaxAmountSats {
		return Decision{Outcome: Denied, Reason: ReasonRuleCapExceeded}
	}
	if rule.RequireConfirmation {
		return Decision{Outcome: NeedsManualApproval, Reason: ReasonRuleConfirmation}
	}
	if threshold := e.settings.ApprovalThreshold(); threshold > 0 && amount > threshold {
		return Decision{Outcome: NeedsManualApproval, Reason: ReasonAboveThreshold}
	}
	return Decision{Outcome: Approved, RuleName: rule.Name}
}

// LimitReached reports whether a denial reason comes from a spending limit.
func LimitReached(reason string) bool {
	return reason == ReasonWouldExceedLimit || reason == ReasonWouldExceedGlobal
}
