package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"spendguard/internal/alerting"
	"spendguard/internal/config"
	"spendguard/internal/discovery"
	"spendguard/internal/ledger"
	"spendguard/internal/orchestrator"
	"spendguard/internal/policy"
	"spendguard/internal/scheduler"
	"spendguard/internal/service"
	"spendguard/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// backend is one opened storage driver seen through the interfaces the core needs.
type backend struct {
	ledger   storage.LedgerStore
	statuses storage.RequestStatusStore
	locker   storage.AdvisoryLocker
	close    func()
}

func (a *App) openStore(ctx context.Context) (*backend, error) {
	switch a.Config.Storage.Driver {
	case config.DriverMemory:
		a.Logger.Warn().Msg("storage.driver=memory; ledger state is lost on exit")
		store := storage.NewMemoryStore()
		return &backend{ledger: store, statuses: store, close: func() {}}, nil

	case config.DriverFile:
		store, err := storage.NewFileStore(a.Config.Storage.Dir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return &backend{ledger: store, statuses: store, close: func() {
			if err := store.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("close file store")
			}
		}}, nil

	case config.DriverPostgres:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, err
		}
		if a.Config.Database.AutoMigrate {
			if err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath); err != nil {
				pool.Close()
				return nil, err
			}
		}
		store := storage.NewStore(pool)
		return &backend{ledger: store, statuses: store, locker: store, close: store.Close}, nil
	}
	return nil, fmt.Errorf("unsupported storage driver %q", a.Config.Storage.Driver)
}

// openLedger opens the configured store and replays it into a ledger.
func (a *App) openLedger(ctx context.Context) (*ledger.Ledger, *backend, error) {
	be, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	loc, err := a.Config.Ledger.LoadLocation()
	if err != nil {
		be.close()
		return nil, nil, err
	}
	l, err := ledger.Open(ctx, be.ledger, ledger.Options{Location: loc}, a.Logger)
	if err != nil {
		be.close()
		return nil, nil, err
	}
	return l, be, nil
}

// newNotifier builds the fan-out of every enabled sink. The returned closer drains the
// NATS connection when one was opened.
func (a *App) newNotifier() (alerting.Notifier, func(), error) {
	cfg := a.Config.Alerting
	closer := func() {}
	if !cfg.Enabled {
		return nil, closer, nil
	}

	var sinks alerting.Multi
	for _, ch := range cfg.Channels {
		if strings.EqualFold(strings.TrimSpace(ch), "log") {
			sinks = append(sinks, alerting.NewLogNotifier(a.Logger))
			break
		}
	}
	if cfg.Telegram.Enabled {
		tg := cfg.Telegram
		sinks = append(sinks, alerting.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBase, tg.Timeout, a.Logger))
	}
	if cfg.NATS.Enabled {
		conn, err := alerting.ConnectNATS(alerting.NATSOptions{
			URL:            cfg.NATS.URL,
			Name:           a.Config.App.Name,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
			ReconnectWait:  cfg.NATS.ReconnectWait,
			MaxReconnects:  cfg.NATS.MaxReconnects,
		}, a.Logger)
		if err != nil {
			return nil, closer, err
		}
		closer = func() {
			if err := conn.Drain(); err != nil {
				a.Logger.Warn().Err(err).Msg("drain nats connection")
			}
		}
		sinks = append(sinks, alerting.NewNATSNotifier(conn, cfg.NATS.SubjectPrefix, a.Logger))
	}

	if len(sinks) == 0 {
		return nil, closer, nil
	}
	return sinks, closer, nil
}

func (a *App) newEvaluator(l *ledger.Ledger) (*policy.Evaluator, error) {
	rules, err := policy.LoadRules(a.Config.Autopay.RulesFile)
	if err != nil {
		return nil, err
	}
	a.Logger.Info().Int("rules", len(rules)).Bool("autopay", a.Config.Autopay.Enabled).Msg("autopay rules loaded")
	settings := policy.NewSettings(a.Config.Autopay.Enabled)
	settings.SetGlobalDailyLimit(a.Config.Autopay.GlobalDailyLimitSats)
	settings.SetApprovalThreshold(a.Config.Autopay.RequireApprovalAboveSats)
	return policy.NewEvaluator(settings, l, policy.NewRuleTable(rules...), a.Logger), nil
}

func (a *App) orchestratorOptions() orchestrator.Options {
	return orchestrator.Options{
		MethodID:       a.Config.Autopay.MethodID,
		ExecuteTimeout: a.Config.Autopay.ExecuteTimeout,

		MuteAutopayNotices: !a.Config.Autopay.NotifyOnAutopay,
		MuteLimitNotices:   !a.Config.Autopay.NotifyOnLimitReached,
	}
}

// runtime is everything a discovery cycle needs.
type runtime struct {
	ledger  *ledger.Ledger
	service *service.Service
	close   func()
}

func (a *App) newRuntime(ctx context.Context) (*runtime, error) {
	l, be, err := a.openLedger(ctx)
	if err != nil {
		return nil, err
	}
	evaluator, err := a.newEvaluator(l)
	if err != nil {
		be.close()
		return nil, err
	}
	notifier, closeNotifier, err := a.newNotifier()
	if err != nil {
		be.close()
		return nil, err
	}

	executor := orchestrator.NewHTTPExecutor(orchestrator.HTTPExecutorOptions{
		BaseURL:   a.Config.Executor.BaseURL,
		Timeout:   a.Config.Executor.Timeout,
		UserAgent: a.Config.Executor.UserAgent,
	}, a.Logger)
	orch := orchestrator.New(evaluator, l, executor, notifier, be.statuses, a.orchestratorOptions(), a.Logger)

	directory := discovery.NewHTTPDirectory(discovery.HTTPOptions{
		BaseURL:   a.Config.Directory.BaseURL,
		Timeout:   a.Config.Directory.Timeout,
		UserAgent: a.Config.Directory.UserAgent,
	}, a.Logger)
	reconciler := discovery.NewReconciler(directory, a.Config.Discovery.OwnerID, nil, a.Logger)

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Discovery.Interval,
		AlignToStart:   a.Config.Discovery.AlignToInterval,
		StartupDelay:   a.Config.Discovery.StartupDelay,
		TickTimeout:    a.Config.Discovery.CycleTimeout,
		RunImmediately: true,
	}, a.Logger)

	var lockKey int64
	if be.locker != nil {
		lockKey = a.Config.Discovery.AdvisoryLockKey
	}
	svc := service.New(service.Options{
		MaxConcurrent:     a.Config.Autopay.MaxConcurrent,
		LockKey:           lockKey,
		StaleAfter:        a.Config.Ledger.StaleAfter,
		AutoRollbackStale: a.Config.Ledger.AutoRollbackStale,
		Retention:         a.Config.Ledger.Retention,
	}, sched, reconciler, orch, l, be.locker, a.Logger)

	return &runtime{
		ledger:  l,
		service: svc,
		close: func() {
			closeNotifier()
			be.close()
		},
	}, nil
}

// Run executes the long-running discovery service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if a.Config.Discovery.OwnerID == "" {
		a.Logger.Warn().Msg("discovery.owner_id not configured; every cycle will be empty")
	}

	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	// SIGHUP asks for an immediate cycle
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.Logger.Info().Msg("SIGHUP received, triggering discovery cycle")
				rt.service.Trigger()
			}
		}
	}()

	a.Logger.Info().
		Dur("interval", a.Config.Discovery.Interval).
		Int("max_concurrent", a.Config.Autopay.MaxConcurrent).
		Msg("starting discovery service")
	err = rt.service.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("discovery service stopped")
	return nil
}

// Poll runs exactly one discovery cycle and prints its report.
func (a *App) Poll(ctx context.Context) error {
	rt, err := a.newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.close()

	if a.Config.Discovery.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.Config.Discovery.CycleTimeout)
		defer cancel()
	}

	report, err := rt.service.RunCycle(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(a.Out, "cycle skipped: another poller is active")
		return nil
	}
	fmt.Fprintf(a.Out, "fetched=%d new=%d deferred=%d\n", report.Fetched, report.New, report.Deferred)
	for status, n := range report.Statuses {
		fmt.Fprintf(a.Out, "  %s: %d\n", status, n)
	}
	return nil
}
