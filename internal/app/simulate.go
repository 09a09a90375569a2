package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spendguard/internal/ledger"
	"spendguard/internal/models"
	"spendguard/internal/orchestrator"
	"spendguard/internal/storage"
)

// SimulateOptions describe a synthetic discovered request.
type SimulateOptions struct {
	PeerID       string
	AmountSats   int64
	Subscription bool
	Description  string
	// FailPayment makes the simulated executor report a definitive failure.
	FailPayment bool
}

// SimulateRequest 用模拟执行器跑一次完整的决策与支付流程。
// 限额与预留从已配置的存储复制到内存，真实账本不会被修改；通知照常发送。
func (a *App) SimulateRequest(ctx context.Context, opts SimulateOptions) (orchestrator.Outcome, error) {
	if opts.PeerID == "" {
		return orchestrator.Outcome{}, errors.New("--peer 必须配置")
	}

	scratch, err := a.scratchLedger(ctx)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	evaluator, err := a.newEvaluator(scratch)
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		return orchestrator.Outcome{}, err
	}
	defer closeNotifier()

	executor := &orchestrator.SimulatedExecutor{}
	if opts.FailPayment {
		executor.Fail = &orchestrator.ExecutionError{Message: "simulated payment failure"}
	}
	orch := orchestrator.New(evaluator, scratch, executor, notifier, nil, a.orchestratorOptions(), a.Logger)

	req := models.DiscoveredRequest{
		RequestID:   "sim-" + uuid.NewString(),
		Type:        models.RequestTypePayment,
		FromPeer:    opts.PeerID,
		AmountSats:  opts.AmountSats,
		Description: opts.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if opts.Subscription {
		req.Type = models.RequestTypeSubscription
	}

	out := orch.Handle(ctx, req)
	fmt.Fprintf(a.Out, "request %s: status=%s decision=%s", out.RequestID, out.Status, out.Decision.Outcome)
	if out.Decision.RuleName != "" {
		fmt.Fprintf(a.Out, " rule=%s", out.Decision.RuleName)
	}
	if out.Detail != "" {
		fmt.Fprintf(a.Out, " detail=%q", out.Detail)
	}
	fmt.Fprintln(a.Out)
	if remaining, ok := scratch.GetLimit(opts.PeerID); ok {
		fmt.Fprintf(a.Out, "remaining after simulation: %d sats\n", remaining.RemainingSats())
	}
	return out, nil
}

// scratchLedger copies the configured ledger state into memory.
func (a *App) scratchLedger(ctx context.Context) (*ledger.Ledger, error) {
	be, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	defer be.close()

	limits, err := be.ledger.ListLimits(ctx)
	if err != nil {
		return nil, err
	}
	reservations, err := be.ledger.ListReservations(ctx)
	if err != nil {
		return nil, err
	}

	mem := storage.NewMemoryStore()
	for _, limit := range limits {
		if err := mem.UpsertLimit(ctx, limit); err != nil {
			return nil, err
		}
	}
	for _, r := range reservations {
		if err := mem.InsertReservation(ctx, r); err != nil {
			return nil, err
		}
	}

	loc, err := a.Config.Ledger.LoadLocation()
	if err != nil {
		return nil, err
	}
	return ledger.Open(ctx, mem, ledger.Options{Location: loc}, a.Logger)
}
