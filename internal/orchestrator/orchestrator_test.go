package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendguard/internal/alerting"
	"spendguard/internal/ledger"
	"spendguard/internal/models"
	"spendguard/internal/policy"
	"spendguard/internal/storage"
)

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	r.mu.Lock()
	r.notes = append(r.notes, note)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) kinds() []alerting.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alerting.Kind, 0, len(r.notes))
	for _, n := range r.notes {
		out = append(out, n.Kind)
	}
	return out
}

type harness struct {
	ledger   *ledger.Ledger
	store    *storage.MemoryStore
	rules    *policy.RuleTable
	executor *SimulatedExecutor
	notifier *recordingNotifier
	orch     *Orchestrator
}

func capSats(v uint64) *uint64 { return &v }

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	l, err := ledger.Open(ctx, store, ledger.Options{}, zerolog.Nop())
	require.NoError(t, err)

	_, err = l.SetLimit(ctx, "alice", 100_000, models.PeriodDaily)
	require.NoError(t, err)

	rules := policy.NewRuleTable(
		models.AutopayRule{PeerID: "alice", Name: "alice-daily", MaxAmountSats: capSats(50_000), Enabled: true},
	)
	eval := policy.NewEvaluator(policy.NewSettings(true), l, rules, zerolog.Nop())
	exec := &SimulatedExecutor{}
	notifier := &recordingNotifier{}
	if opts.MethodID == "" {
		opts.MethodID = "lightning"
	}
	orch := New(eval, l, exec, notifier, store, opts, zerolog.Nop())
	return &harness{ledger: l, store: store, rules: rules, executor: exec, notifier: notifier, orch: orch}
}

func paymentRequest(id, peer string, amount int64) models.DiscoveredRequest {
	return models.DiscoveredRequest{RequestID: id, Type: models.RequestTypePayment, FromPeer: peer, AmountSats: amount, CreatedAt: time.Now().UTC()}
}

func TestHandleApprovedPaymentCommits(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	out := h.orch.Handle(ctx, paymentRequest("req-1", "alice", 10_000))
	require.NoError(t, out.Err)
	assert.Equal(t, models.RequestStatusPaid, out.Status)
	assert.Equal(t, policy.Approved, out.Decision.Outcome)
	assert.NotEmpty(t, out.ExecutionID)

	limit, _ := h.ledger.GetLimit("alice")
	assert.Equal(t, uint64(10_000), limit.CommittedSats)
	assert.Zero(t, limit.ReservedSats)
	assert.Equal(t, []alerting.Kind{alerting.KindSuccess}, h.notifier.kinds())

	calls := h.executor.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, SimulatedCall{PeerID: "alice", MethodID: "lightning", AmountSats: 10_000}, calls[0])

	rec, ok, err := h.store.GetRequestStatus(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RequestStatusPaid, rec.Status)
	assert.Equal(t, out.ReservationID, rec.ReservationID)
}

func TestHandleExecutorFailureRollsBack(t *testing.T) {
	for name, failure := range map[string]error{
		"definitive": &ExecutionError{Message: "no route"},
		"transport":  errors.New("connection reset by peer"),
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, Options{})
			h.executor.Fail = failure

			out := h.orch.Handle(context.Background(), paymentRequest("req-1", "alice", 10_000))
			require.Error(t, out.Err)
			assert.Equal(t, models.RequestStatusFailed, out.Status)

			r, ok := h.ledger.Reservation(out.ReservationID)
			require.True(t, ok)
			assert.Equal(t, models.ReservationRolledBack, r.State)

			limit, _ := h.ledger.GetLimit("alice")
			assert.Zero(t, limit.ReservedSats)
			assert.Zero(t, limit.CommittedSats)
			assert.Equal(t, []alerting.Kind{alerting.KindFailure}, h.notifier.kinds())
		})
	}
}

func TestHandleCancellationLeavesReservationOpen(t *testing.T) {
	h := newHarness(t, Options{})
	h.executor.Delay = 5 * time.Second

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	out := h.orch.Handle(ctx, paymentRequest("req-1", "alice", 10_000))
	assert.Equal(t, models.RequestStatusPendingRecovery, out.Status)
	require.ErrorIs(t, out.Err, context.Canceled)

	r, ok := h.ledger.Reservation(out.ReservationID)
	require.True(t, ok)
	assert.Equal(t, models.ReservationOpen, r.State)
	assert.Equal(t, uint32(1), h.ledger.ActiveReservationsCount())

	// the failure notice still goes out after cancellation
	assert.Equal(t, []alerting.Kind{alerting.KindFailure}, h.notifier.kinds())
	rec, ok, _ := h.store.GetRequestStatus(context.Background(), "req-1")
	require.True(t, ok)
	assert.Equal(t, models.RequestStatusPendingRecovery, rec.Status)

	// rediscovery after restart must not pay again while the hold is unresolved
	again := h.orch.Handle(context.Background(), paymentRequest("req-1", "alice", 10_000))
	assert.True(t, again.Duplicate)
	assert.Len(t, h.executor.Calls(), 1)
}

func TestHandleExecuteTimeoutIsUnknownOutcome(t *testing.T) {
	h := newHarness(t, Options{ExecuteTimeout: 20 * time.Millisecond})
	h.executor.Delay = 5 * time.Second

	out := h.orch.Handle(context.Background(), paymentRequest("req-1", "alice", 10_000))
	assert.Equal(t, models.RequestStatusPendingRecovery, out.Status)
	require.ErrorIs(t, out.Err, context.DeadlineExceeded)

	r, _ := h.ledger.Reservation(out.ReservationID)
	assert.Equal(t, models.ReservationOpen, r.State)
}

func TestHandleSubscriptionProposalAlwaysManual(t *testing.T) {
	h := newHarness(t, Options{})
	h.rules.Set(models.AutopayRule{PeerID: policy.WildcardPeer, Name: "everyone", Enabled: true})

	req := paymentRequest("sub-1", "alice", 1_000_000)
	req.Type = models.RequestTypeSubscription
	out := h.orch.Handle(context.Background(), req)

	assert.Equal(t, models.RequestStatusProposal, out.Status)
	assert.Empty(t, out.ReservationID)
	assert.Empty(t, h.executor.Calls())
	assert.Zero(t, h.ledger.ActiveReservationsCount())
	assert.Equal(t, []alerting.Kind{alerting.KindSubscriptionProposal}, h.notifier.kinds())
}

func TestHandleDeniedWhenLedgerWouldExceed(t *testing.T) {
	h := newHarness(t, Options{})
	h.rules.Set(models.AutopayRule{PeerID: "alice", Name: "generous", MaxAmountSats: capSats(10_000_000), Enabled: true})

	out := h.orch.Handle(context.Background(), paymentRequest("req-1", "alice", 150_000))
	assert.Equal(t, models.RequestStatusDeclined, out.Status)
	assert.Equal(t, policy.Denied, out.Decision.Outcome)
	assert.Equal(t, policy.ReasonWouldExceedLimit, out.Detail)
	assert.Empty(t, h.executor.Calls())
	assert.Empty(t, h.ledger.ListReservations())
	assert.Equal(t, []alerting.Kind{alerting.KindManualApproval}, h.notifier.kinds())
}

func TestHandleDeniedByRuleCap(t *testing.T) {
	h := newHarness(t, Options{})

	out := h.orch.Handle(context.Background(), paymentRequest("req-1", "alice", 60_000))
	assert.Equal(t, models.RequestStatusDeclined, out.Status)
	assert.Equal(t, policy.ReasonRuleCapExceeded, out.Detail)
	assert.Empty(t, h.executor.Calls())
}

func TestHandleNeedsManualApproval(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	_, err := h.ledger.SetLimit(ctx, "bob", 100_000, models.PeriodDaily)
	require.NoError(t, err)

	noRule := h.orch.Handle(ctx, paymentRequest("req-bob", "bob", 100))
	assert.Equal(t, models.RequestStatusManual, noRule.Status)

	noLimit := h.orch.Handle(ctx, paymentRequest("req-carol", "carol", 100))
	assert.Equal(t, models.RequestStatusManual, noLimit.Status)
	assert.Equal(t, policy.ReasonNoLimitConfigured, noLimit.Detail)

	assert.Empty(t, h.executor.Calls())
	assert.Zero(t, h.ledger.ActiveReservationsCount())
	assert.Equal(t, []alerting.Kind{alerting.KindManualApproval, alerting.KindManualApproval}, h.notifier.kinds())
}

func TestHandleIsIdempotentPerRequest(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	first := h.orch.Handle(ctx, paymentRequest("req-1", "alice", 10_000))
	require.Equal(t, models.RequestStatusPaid, first.Status)

	second := h.orch.Handle(ctx, paymentRequest("req-1", "alice", 10_000))
	assert.True(t, second.Duplicate)
	assert.Equal(t, models.RequestStatusPaid, second.Status)
	assert.Len(t, h.executor.Calls(), 1)

	limit, _ := h.ledger.GetLimit("alice")
	assert.Equal(t, uint64(10_000), limit.CommittedSats)
}

func TestHandleRetriesAfterRollback(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.executor.Fail = &ExecutionError{Message: "insufficient balance"}
	failed := h.orch.Handle(ctx, paymentRequest("req-1", "alice", 10_000))
	require.Equal(t, models.RequestStatusFailed, failed.Status)

	h.executor.Fail = nil
	retried := h.orch.Handle(ctx, paymentRequest("req-1", "alice", 10_000))
	assert.Equal(t, models.RequestStatusPaid, retried.Status)
	assert.NotEqual(t, failed.ReservationID, retried.ReservationID)
}

func TestHandleConcurrentRequestsRespectLimit(t *testing.T) {
	h := newHarness(t, Options{})
	h.rules.Set(models.AutopayRule{PeerID: "alice", Name: "open", Enabled: true})

	var wg sync.WaitGroup
	outs := make([]Outcome, 10)
	for i := range outs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outs[i] = h.orch.Handle(context.Background(), paymentRequest("req-"+string(rune('a'+i)), "alice", 30_000))
		}(i)
	}
	wg.Wait()

	paid := 0
	for _, o := range outs {
		if o.Status == models.RequestStatusPaid {
			paid++
		}
	}
	assert.Equal(t, 3, paid)
	limit, _ := h.ledger.GetLimit("alice")
	assert.Equal(t, uint64(90_000), limit.CommittedSats)
	assert.LessOrEqual(t, limit.CommittedSats+limit.ReservedSats, limit.LimitSats)
}

func TestHTTPExecutor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok/payments":
			_, _ = w.Write([]byte(`{"execution_id":"ex-1","timestamp":1767225600}`))
		case "/huge/payments":
			_, _ = w.Write([]byte(`{"execution_id":"ex-2","pad":"` + strings.Repeat("x", maxResponseBytes) + `"}`))
		case "/refused/payments":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"no route"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	ok := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: srv.URL + "/ok", Timeout: time.Second}, zerolog.Nop())
	res, err := ok.Execute(ctx, "alice", "lightning", 1_000)
	require.NoError(t, err)
	assert.Equal(t, "ex-1", res.ExecutionID)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), res.Timestamp)

	refused := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: srv.URL + "/refused", Timeout: time.Second}, zerolog.Nop())
	_, err = refused.Execute(ctx, "alice", "lightning", 1_000)
	require.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "no route")

	broken := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: srv.URL + "/broken", Timeout: time.Second}, zerolog.Nop())
	_, err = broken.Execute(ctx, "alice", "lightning", 1_000)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExecution)

	huge := NewHTTPExecutor(HTTPExecutorOptions{BaseURL: srv.URL + "/huge", Timeout: 5 * time.Second}, zerolog.Nop())
	_, err = huge.Execute(ctx, "alice", "lightning", 1_000)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	unset := NewHTTPExecutor(HTTPExecutorOptions{}, zerolog.Nop())
	_, err = unset.Execute(ctx, "alice", "lightning", 1_000)
	require.ErrorIs(t, err, ErrExecution)
}

func TestHandleMutedNoticesStillRecordStatus(t *testing.T) {
	ctx := context.Background()

	h := newHarness(t, Options{MuteAutopayNotices: true})
	out := h.orch.Handle(ctx, paymentRequest("req-paid", "alice", 1_000))
	require.Equal(t, models.RequestStatusPaid, out.Status)
	assert.Empty(t, h.notifier.kinds())
	rec, ok, err := h.store.GetRequestStatus(ctx, "req-paid")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.RequestStatusPaid, rec.Status)

	h = newHarness(t, Options{MuteLimitNotices: true})
	out = h.orch.Handle(ctx, paymentRequest("req-over", "alice", 150_000))
	require.Equal(t, models.RequestStatusDeclined, out.Status)
	assert.Equal(t, policy.ReasonWouldExceedLimit, out.Detail)
	assert.Empty(t, h.notifier.kinds())

	// other declines are still announced
	out = h.orch.Handle(ctx, paymentRequest("req-cap", "alice", 60_000))
	require.Equal(t, models.RequestStatusDeclined, out.Status)
	assert.Equal(t, []alerting.Kind{alerting.KindManualApproval}, h.notifier.kinds())
	out = h.orch.Handle(ctx, paymentRequest("req-ok", "alice", 1_000))
	require.Equal(t, models.RequestStatusPaid, out.Status)
	assert.Equal(t, []alerting.Kind{alerting.KindManualApproval, alerting.KindSuccess}, h.notifier.kinds())
}
