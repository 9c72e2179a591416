package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradeguard/internal/breaker"
	"tradeguard/internal/crypto"
	"tradeguard/internal/domain"
	"tradeguard/internal/executor"
	"tradeguard/internal/feed"
	"tradeguard/internal/notify"
	"tradeguard/internal/platform/binance"
	"tradeguard/internal/protection"
	"tradeguard/internal/reconcile"
	"tradeguard/internal/server"
	"tradeguard/internal/server/handler"
	"tradeguard/internal/service"
)

// dailyLossCheckInterval is how often the breaker re-evaluates total daily
// P&L (realized plus unrealized) against the floor.
const dailyLossCheckInterval = 10 * time.Second

// TradeMode runs the full core: intent execution, the three protection
// layers, the circuit breaker, reconciliation, feeds, archival, and the
// operator API.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	capital, err := decimal.NewFromString(a.cfg.Risk.Capital)
	if err != nil {
		return fmt.Errorf("app: risk capital: %w", err)
	}

	lifecycle := a.buildLifecycle(deps, capital)
	validator := a.buildValidator(capital)

	brk := breaker.New(breaker.Config{
		Capital:      capital,
		DailyLossPct: decimal.NewFromFloat(a.cfg.Breaker.DailyLossPct),
	}, deps.BreakerStore, deps.AuditStore, deps.SignalBus, a.logger)

	// Break the lifecycle <-> breaker cycle after construction.
	lifecycle.SetPnLSink(brk)
	brk.SetLiquidator(lifecycle.CloseAll)

	gateway, err := a.buildExchangeClient(deps)
	if err != nil {
		return err
	}

	protector := protection.NewCoordinator(protection.Config{
		MonitorInterval:   a.cfg.Protection.MonitorInterval.Duration,
		EmergencyInterval: a.cfg.Protection.EmergencyInterval.Duration,
		EmergencyLossPct:  decimal.NewFromFloat(a.cfg.Protection.EmergencyLossPct),
	}, lifecycle, gateway, deps.PriceCache, deps.AuditStore, deps.SignalBus, a.logger)

	recon := reconcile.New(reconcile.Config{
		Interval:     a.cfg.Reconcile.Interval.Duration,
		ThresholdPct: decimal.NewFromFloat(a.cfg.Reconcile.ThresholdPct),
	}, deps.PositionStore, deps.PriceCache, gateway, lifecycle, deps.AuditStore, deps.SignalBus, a.logger)

	intentCh := make(chan domain.TradeIntent, 32)
	intentFeed := feed.NewIntentFeed(deps.SignalBus, intentCh, a.logger)

	exec := executor.New(intentCh, lifecycle, validator, brk, gateway, deps.PriceCache,
		protector, recon, a.logger)

	router := feed.NewTickRouter(deps.PriceCache, deps.SignalBus, lifecycle, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	stream := binance.NewMarkPriceStream(a.cfg.Exchange.WsHost, a.cfg.Risk.Symbols,
		func(tick domain.PriceTick) { router.Handle(ctx, tick) }, a.logger)

	g.Go(func() error { return brk.Run(ctx) })
	g.Go(func() error { return recon.Run(ctx) })
	g.Go(func() error { return exec.Run(ctx) })
	g.Go(func() error { return intentFeed.Run(ctx) })
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return stream.Run(ctx) })

	// Re-arm protection for positions that were open across the restart.
	open, err := lifecycle.GetActivePositions(ctx, "")
	if err != nil {
		return fmt.Errorf("app: load open positions: %w", err)
	}
	protector.Resume(ctx, open)
	a.logger.InfoContext(ctx, "protections resumed", slog.Int("count", len(open)))

	// Daily-loss watcher: feeds realized+unrealized P&L to the breaker.
	g.Go(func() error {
		ticker := time.NewTicker(dailyLossCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				day := time.Now().UTC().Format("2006-01-02")
				pnl, err := lifecycle.GetDailyPnl(ctx, day)
				if err != nil {
					a.logger.WarnContext(ctx, "daily pnl check failed",
						slog.String("error", err.Error()))
					continue
				}
				brk.CheckDailyLoss(ctx, pnl)
			}
		}
	})

	a.startAlerts(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, lifecycle, brk, protector)
		a.startServer(ctx, g, srv)
	}

	return g.Wait()
}

// MonitorMode runs the read-only surfaces: feeds keep positions marked, the
// API serves queries, alerts flow, but nothing is executed or closed.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	capital, err := decimal.NewFromString(a.cfg.Risk.Capital)
	if err != nil {
		return fmt.Errorf("app: risk capital: %w", err)
	}

	lifecycle := a.buildLifecycle(deps, capital)

	brk := breaker.New(breaker.Config{
		Capital:      capital,
		DailyLossPct: decimal.NewFromFloat(a.cfg.Breaker.DailyLossPct),
	}, deps.BreakerStore, deps.AuditStore, deps.SignalBus, a.logger)

	router := feed.NewTickRouter(deps.PriceCache, deps.SignalBus, lifecycle, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	stream := binance.NewMarkPriceStream(a.cfg.Exchange.WsHost, a.cfg.Risk.Symbols,
		func(tick domain.PriceTick) { router.Handle(ctx, tick) }, a.logger)

	g.Go(func() error { return brk.Run(ctx) })
	g.Go(func() error { return router.Run(ctx) })
	g.Go(func() error { return stream.Run(ctx) })

	a.startAlerts(ctx, g, deps)
	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		srv := a.buildServer(deps, lifecycle, brk, noProtections{})
		a.startServer(ctx, g, srv)
	}

	return g.Wait()
}

// ServerMode serves the operator API over existing state, with no feeds and
// no execution.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	capital, err := decimal.NewFromString(a.cfg.Risk.Capital)
	if err != nil {
		return fmt.Errorf("app: risk capital: %w", err)
	}

	lifecycle := a.buildLifecycle(deps, capital)

	brk := breaker.New(breaker.Config{
		Capital:      capital,
		DailyLossPct: decimal.NewFromFloat(a.cfg.Breaker.DailyLossPct),
	}, deps.BreakerStore, deps.AuditStore, deps.SignalBus, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return brk.Run(ctx) })

	srv := a.buildServer(deps, lifecycle, brk, noProtections{})
	a.startServer(ctx, g, srv)

	return g.Wait()
}

// --------------------------------------------------------------------------
// Builders
// --------------------------------------------------------------------------

func (a *App) buildLifecycle(deps *Dependencies, capital decimal.Decimal) *service.LifecycleService {
	return service.NewLifecycleService(service.LifecycleConfig{
		Capital:        capital,
		MaxPositionPct: decimal.NewFromFloat(a.cfg.Risk.MaxPositionPct),
		MaxExposurePct: decimal.NewFromFloat(a.cfg.Risk.MaxExposurePct),
		MinLeverage:    a.cfg.Risk.MinLeverage,
		MaxLeverage:    a.cfg.Risk.MaxLeverage,
		Symbols:        a.cfg.Risk.Symbols,
	}, deps.PositionStore, deps.PriceCache, deps.LockManager, deps.SignalBus, deps.AuditStore, a.logger)
}

func (a *App) buildValidator(capital decimal.Decimal) *service.RiskValidator {
	return service.NewRiskValidator(service.RiskLimits{
		Capital:          capital,
		MaxPositionPct:   decimal.NewFromFloat(a.cfg.Risk.MaxPositionPct),
		MaxExposurePct:   decimal.NewFromFloat(a.cfg.Risk.MaxExposurePct),
		MinConfidence:    a.cfg.Risk.MinConfidence,
		MinStopLossPct:   decimal.NewFromFloat(a.cfg.Risk.MinStopLossPct),
		MaxStopLossPct:   decimal.NewFromFloat(a.cfg.Risk.MaxStopLossPct),
		MinLeverage:      a.cfg.Risk.MinLeverage,
		MaxLeverage:      a.cfg.Risk.MaxLeverage,
		MaxOpenPositions: a.cfg.Risk.MaxOpenPositions,
		SymbolLeverage:   a.cfg.Risk.SymbolLeverage,
	})
}

// buildExchangeClient resolves the API secret (plaintext or encrypted file)
// and constructs the signed REST client with the shared rate limiter.
func (a *App) buildExchangeClient(deps *Dependencies) (*binance.Client, error) {
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           a.cfg.Exchange.ApiSecret,
		EncryptedSecretPath: a.cfg.Exchange.EncryptedSecretPath,
		Password:            a.cfg.Exchange.SecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("app: exchange secret: %w", err)
	}

	auth := &crypto.HMACAuth{
		Key:    a.cfg.Exchange.ApiKey,
		Secret: secret,
	}
	client := binance.NewClient(a.cfg.Exchange.RestHost, auth, a.cfg.Exchange.RecvWindowMs)
	if a.cfg.Exchange.RateLimitPerMinute > 0 {
		client.SetRateLimiter(deps.RateLimiter, a.cfg.Exchange.RateLimitPerMinute)
	}
	return client, nil
}

func (a *App) buildServer(
	deps *Dependencies,
	lifecycle *service.LifecycleService,
	brk *breaker.Breaker,
	protections handler.ProtectionReader,
) *server.Server {
	pingers := map[string]handler.Pinger{
		"postgres": deps.PgPing,
		"redis":    deps.RedisPing,
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(pingers, a.logger),
		Positions:   handler.NewPositionHandler(lifecycle, a.logger),
		Pnl:         handler.NewPnlHandler(lifecycle, brk, a.logger),
		Breaker:     handler.NewBreakerHandler(brk, a.logger),
		Protections: handler.NewProtectionHandler(protections, a.logger),
	}

	return server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, deps.RateLimiter, a.logger)
}

// --------------------------------------------------------------------------
// Shared goroutine starters
// --------------------------------------------------------------------------

func (a *App) startAlerts(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	listener := notify.NewAlertListener(deps.SignalBus, deps.Notifier, a.logger)
	g.Go(func() error { return listener.Run(ctx) })
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error { return deps.Archiver.Run(ctx) })
}

func (a *App) startServer(ctx context.Context, g *errgroup.Group, srv *server.Server) {
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})
}

// noProtections satisfies the protections endpoint in modes that do not run
// the coordinator.
type noProtections struct{}

func (noProtections) Protections() []domain.Protection { return nil }
