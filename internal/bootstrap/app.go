// Package bootstrap assembles the trading system from configuration
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mirinaemaru/cautostock-sub000/internal/alert"
	"github.com/mirinaemaru/cautostock-sub000/internal/broker"
	"github.com/mirinaemaru/cautostock-sub000/internal/config"
	"github.com/mirinaemaru/cautostock-sub000/internal/core"
	"github.com/mirinaemaru/cautostock-sub000/internal/fill"
	"github.com/mirinaemaru/cautostock-sub000/internal/markethours"
	"github.com/mirinaemaru/cautostock-sub000/internal/marketdata"
	"github.com/mirinaemaru/cautostock-sub000/internal/order"
	"github.com/mirinaemaru/cautostock-sub000/internal/outbox"
	"github.com/mirinaemaru/cautostock-sub000/internal/risk"
	"github.com/mirinaemaru/cautostock-sub000/internal/scheduler"
	"github.com/mirinaemaru/cautostock-sub000/internal/signal"
	"github.com/mirinaemaru/cautostock-sub000/internal/storage"
	"github.com/mirinaemaru/cautostock-sub000/internal/strategy"
	apphttp "github.com/mirinaemaru/cautostock-sub000/pkg/http"
	"github.com/mirinaemaru/cautostock-sub000/pkg/logging"
	"github.com/mirinaemaru/cautostock-sub000/pkg/telemetry"
)

// App holds the wired components of a running trading node
type App struct {
	Cfg       *config.Config
	Logger    core.ILogger
	Store     *storage.Store
	Calendar  *markethours.Calendar
	Ticks     *marketdata.TickCache
	Aggregator *marketdata.Aggregator
	Bars      *marketdata.BarStore
	Broker    core.IBroker
	Risk      *risk.Engine
	Orders    *order.Service
	Fills     *fill.Processor
	Strategies *strategy.Service
	Policy    *signal.Policy
	Scheduler *scheduler.Scheduler
	Outbox    *outbox.Publisher
	Alerts    *alert.Manager

	telemetry *telemetry.Telemetry
	stub      *broker.Stub
	stream    *broker.Stream
	zap       *logging.ZapLogger
}

// NewApp loads configuration and builds the full dependency graph. Nothing
// is started; call Run.
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	zlog, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logger := zlog.WithField("app", "autostock")

	tel, err := telemetry.Setup("autostock")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(cfg.App.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Market.Timezone, err)
	}
	sessions := make([]markethours.Session, 0, len(cfg.Market.AllowedSessions))
	for _, s := range cfg.Market.AllowedSessions {
		sessions = append(sessions, markethours.Session(s))
	}
	calendar := markethours.NewCalendar(loc, sessions, cfg.Market.PublicHolidays)

	ticks := marketdata.NewTickCache()
	timeframes := []core.Timeframe{core.Timeframe1m, core.Timeframe5m}
	aggregator := marketdata.NewAggregator(store, ticks, timeframes, logger)
	bars := marketdata.NewBarStore(store)
	aggregator.OnBarSealed(func(b core.Bar) { bars.Append(b) })

	riskEngine := risk.NewEngine(riskRuleFrom(cfg.Risk.Global), calendar, ticks, cfg.Market.CheckEnabled, logger)

	app := &App{
		Cfg:        cfg,
		Logger:     logger,
		Store:      store,
		Calendar:   calendar,
		Ticks:      ticks,
		Aggregator: aggregator,
		Bars:       bars,
		Risk:       riskEngine,
		telemetry:  tel,
		zap:        zlog,
	}

	if err := app.buildBroker(); err != nil {
		store.Close()
		return nil, err
	}

	app.Orders = order.NewService(store, app.Broker, riskEngine, logger)
	app.Fills = fill.NewProcessor(store, riskEngine, cfg.App.AllowShort, logger)
	app.Strategies = strategy.NewService(store, strategy.NewRegistry(), logger)
	app.Policy = signal.NewPolicy(time.Duration(cfg.Signal.CooldownSeconds) * time.Second)
	app.Scheduler = scheduler.New(
		cfg.Scheduler.StrategyExecution, cfg.App, store,
		app.Strategies, bars, app.Policy, app.Orders,
		core.Timeframe1m, logger,
	)
	alerts := alert.NewManager(logger)
	if cfg.Alert.SlackWebhookURL != "" {
		alerts.AddChannel(alert.NewSlackChannel(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.TelegramBotToken != "" {
		alerts.AddChannel(alert.NewTelegramChannel(cfg.Alert.TelegramBotToken, cfg.Alert.TelegramChatID))
	}
	app.Alerts = alerts

	logSink := outbox.LogSink(logger)
	sink := func(ctx context.Context, e core.OutboxEvent) error {
		if err := logSink(ctx, e); err != nil {
			return err
		}
		return alerts.HandleEvent(ctx, e)
	}
	app.Outbox = outbox.NewPublisher(store, sink, cfg.Scheduler.OutboxPublisher, logger)

	return app, nil
}

// buildBroker selects the gateway variant. STUB mode trades against the
// built-in random-walk generator, PAPER simulates fills off live quotes,
// LIVE talks to the real brokerage and requires live_enabled.
func (a *App) buildBroker() error {
	cfg := a.Cfg
	if cfg.MarketData.Mode != "LIVE" {
		// stub quotes feed paper execution priced off the tick cache
		stub := broker.NewStub(a.Logger)
		a.stub = stub
		a.Broker = &paperOverStub{
			Paper: broker.NewPaper(a.Ticks, 100*time.Millisecond, a.Logger),
			stub:  stub,
		}
		return nil
	}

	callTimeout := time.Duration(cfg.Broker.CallTimeoutMs) * time.Millisecond
	authClient := apphttp.NewClient(cfg.Broker.BaseURL, callTimeout, cfg.Broker.RatePerSecond, nil)
	tokens := broker.NewTokenManager(a.Store,
		broker.OAuthTokenFetcher(authClient, cfg.Broker.AppKey, cfg.Broker.AppSecret),
		time.Duration(cfg.Broker.TokenRefreshLeadMs)*time.Millisecond, a.Logger)

	stream := broker.NewStream(cfg.Broker.StreamURL, a.Logger)
	stream.SetOnGaveUp(func(err error) {
		// losing the fill stream means flying blind; halt trading
		trip := a.Store.WithTx(context.Background(), func(q *storage.Queries) error {
			return a.Risk.TriggerKillSwitch(context.Background(), q, core.ScopeGlobal, "",
				"market data stream lost: "+err.Error())
		})
		if trip != nil {
			a.Logger.Error("kill switch trip failed after stream loss", "error", trip)
		}
	})
	a.stream = stream

	apiClient := apphttp.NewClient(cfg.Broker.BaseURL, callTimeout, cfg.Broker.RatePerSecond, tokens)
	a.Broker = broker.NewLive(apiClient, stream, a.Logger)
	return nil
}

// paperOverStub pairs the paper execution engine with the stub tick
// generator so a node runs end to end with no brokerage connection.
type paperOverStub struct {
	*broker.Paper
	stub *broker.Stub
}

func (p *paperOverStub) Name() string { return "STUB_PAPER" }

func (p *paperOverStub) SubscribeTicks(ctx context.Context, symbols []string, h core.TickHandler) (string, error) {
	return p.stub.SubscribeTicks(ctx, symbols, h)
}

func (p *paperOverStub) Unsubscribe(id string) error {
	p.stub.Unsubscribe(id)
	return p.Paper.Unsubscribe(id)
}

func (p *paperOverStub) Close() error {
	p.stub.Close()
	return p.Paper.Close()
}

// Run starts the background loops and blocks until a signal or fatal error
func (a *App) Run() error {
	ctx, stop := ossignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.Logger.Info("starting",
		"mode", a.Cfg.MarketData.Mode, "broker", a.Broker.Name(),
		"symbols", a.Cfg.MarketData.Symbols)

	if a.stub != nil {
		a.stub.StartGenerator(a.Cfg.MarketData.Symbols, decimal.NewFromInt(70_000), time.Second)
	}
	if a.stream != nil {
		a.stream.Start()
	}

	if _, err := a.Broker.SubscribeTicks(ctx, a.Cfg.MarketData.Symbols, func(t core.Tick) {
		a.Aggregator.HandleTick(ctx, t)
	}); err != nil {
		return fmt.Errorf("subscribe ticks: %w", err)
	}
	if _, err := a.Broker.SubscribeFills(ctx, a.Cfg.App.AccountID, func(f core.Fill) {
		if err := a.Fills.Process(ctx, f); err != nil {
			a.Logger.Error("fill processing failed", "fill_id", f.ID, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe fills: %w", err)
	}

	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Outbox.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})
	g.Go(func() error {
		// quiet symbols still need their finished buckets sealed
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				a.Aggregator.SealExpired(ctx, now)
			}
		}
	})
	if a.Cfg.Telemetry.EnableMetrics {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}

	err := g.Wait()
	a.shutdown()
	if err != nil && err != context.Canceled {
		a.Logger.Error("stopped with error", "error", err)
		return err
	}
	a.Logger.Info("shut down cleanly")
	return nil
}

// serveMetrics exposes the Prometheus scrape endpoint
func (a *App) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.Cfg.Telemetry.MetricsPort),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.Logger.Info("metrics endpoint up", "port", a.Cfg.Telemetry.MetricsPort)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func (a *App) shutdown() {
	a.Scheduler.Stop()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Aggregator.FlushOpen(flushCtx)

	if a.stream != nil {
		a.stream.Stop()
	}
	if err := a.Broker.Close(); err != nil {
		a.Logger.Warn("broker close failed", "error", err)
	}
	if err := a.Store.Close(); err != nil {
		a.Logger.Warn("store close failed", "error", err)
	}
	if err := a.telemetry.Shutdown(flushCtx); err != nil {
		a.Logger.Warn("telemetry shutdown failed", "error", err)
	}
	a.zap.Sync()
}

// riskRuleFrom converts the config fallback rule into the domain type
func riskRuleFrom(c config.RiskRuleConfig) core.RiskRule {
	return core.RiskRule{
		Scope:                         core.ScopeGlobal,
		MaxPositionValuePerSymbol:     decimal.NewFromFloat(c.MaxPositionValuePerSymbol),
		MaxOpenOrders:                 c.MaxOpenOrders,
		MaxOrdersPerMinute:            c.MaxOrdersPerMinute,
		DailyLossLimit:                decimal.NewFromFloat(c.DailyLossLimit),
		ConsecutiveOrderFailuresLimit: c.ConsecutiveOrderFailuresLimit,
		Active:                        true,
	}
}
