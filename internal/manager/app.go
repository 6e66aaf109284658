package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"ladder/internal/broker"
	"ladder/internal/config"
	"ladder/internal/engine"
	"ladder/internal/factors"
	"ladder/internal/logger"
	"ladder/internal/market"
	"ladder/internal/metrics"
	"ladder/internal/notify"
	"ladder/internal/ratelimit"
	"ladder/internal/store"
	ladderhttp "ladder/internal/transport/http"
)

// App 是组合根：把配置装配成券商、仓储、告警、worker 和 HTTP 面。
type App struct {
	cfg *config.Config

	states  *store.Store
	events  *store.EventLog
	brokers *broker.Registry
	factors *factors.Registry
	alarmer *notify.Alarmer
	metrics *metrics.Set

	workers map[string]*engine.Worker
	server  *ladderhttp.Server
}

func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("manager: nil config")
	}
	app := &App{cfg: cfg, workers: make(map[string]*engine.Worker)}

	states, err := store.New(cfg.Storage.StatePath)
	if err != nil {
		return nil, fmt.Errorf("manager: state store: %w", err)
	}
	app.states = states

	if cfg.Storage.EventLogPath != "" {
		events, err := store.NewEventLog(cfg.Storage.EventLogPath)
		if err != nil {
			return nil, fmt.Errorf("manager: event log: %w", err)
		}
		app.events = events
	}

	if cfg.Factors.Path != "" {
		reg, err := factors.NewRegistry(cfg.Factors.Path)
		if err != nil {
			return nil, fmt.Errorf("manager: factor registry: %w", err)
		}
		app.factors = reg
	}

	var sink notify.TextNotifier = notify.Noop{}
	if cfg.Notify.Telegram.Enabled {
		sink = notify.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
	}
	app.alarmer = notify.NewAlarmer(sink, cfg.Notify.AlarmsPerMinute)
	app.metrics = metrics.New()

	limits := make(map[ratelimit.Operation]ratelimit.Limit, len(cfg.Limits))
	for _, l := range cfg.Limits {
		limits[ratelimit.Operation(l.Operation)] = ratelimit.Limit{
			Capacity: l.Capacity, LeakPerMinute: l.LeakPerMinute,
		}
	}
	limiters := ratelimit.NewRegistry(limits)

	app.brokers = broker.NewRegistry()
	for _, bc := range cfg.Brokers {
		proxy, err := buildBroker(bc)
		if err != nil {
			return nil, err
		}
		// TTL 缓存在最外层，限速在它里面：缓存命中不消耗配额。
		limited := broker.NewLimited(proxy, limiters)
		limited.ObserveWaits(app.metrics)
		wrapped := market.NewCachedQuotes(limited, 2*time.Second)
		if err := app.brokers.Register(wrapped); err != nil {
			return nil, err
		}
	}

	for _, sc := range cfg.Stores {
		w, err := app.buildWorker(sc)
		if err != nil {
			return nil, err
		}
		app.workers[sc.Key()] = w
	}

	server, err := ladderhttp.NewServer(ladderhttp.ServerConfig{
		Addr:    cfg.App.HTTPAddr,
		Hub:     app,
		Events:  app.events,
		Metrics: app.metrics.Handler(),
	})
	if err != nil {
		return nil, err
	}
	app.server = server
	return app, nil
}

func buildBroker(bc config.BrokerConfig) (broker.Proxy, error) {
	switch strings.ToLower(bc.Kind) {
	case "replay", "":
		rep, err := broker.LoadReplay(bc.Fixture)
		if err != nil {
			return nil, fmt.Errorf("broker %s: %w", bc.Name, err)
		}
		return rep, nil
	default:
		// 真实券商适配器在这里接入（长桥/富途等都是进程外网关）。
		return nil, fmt.Errorf("broker %s: unknown kind %q", bc.Name, bc.Kind)
	}
}

func (a *App) buildWorker(sc config.StoreConfig) (*engine.Worker, error) {
	var proxy broker.Proxy
	var err error
	if sc.Broker != "" {
		p, ok := a.brokers.ByName(sc.Broker)
		if !ok {
			return nil, fmt.Errorf("store %s: unknown broker %q", sc.Symbol, sc.Broker)
		}
		proxy = p
	} else {
		proxy, err = a.brokers.Find(sc.TradeType, sc.Region)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", sc.Symbol, err)
		}
	}

	st, ok, err := a.states.LoadState(context.Background(), sc.Key())
	if err != nil {
		return nil, fmt.Errorf("store %s: load state: %w", sc.Symbol, err)
	}
	if ok {
		logger.Infof("[%s] resumed state version=%d lifecycle=%s", sc.Symbol, st.Version, st.Current)
	} else {
		st = nil
	}

	var factorSource engine.FactorSource
	if a.factors != nil {
		factorSource = a.factors
	}
	var base broker.BasePriceProvider
	if sc.BasePrice > 0 {
		base = broker.StaticBasePrice{Price: sc.BasePrice, Margin: marginFor(a.cfg, sc.Broker)}
	}
	return engine.NewWorker(engine.WorkerDeps{
		Config:  sc,
		State:   st,
		Broker:  proxy,
		Base:    base,
		Store:   a.states,
		Events:  a.events,
		Notify:  a.alarmer,
		Factors: factorSource,
		Metrics: a.metrics,
	})
}

func marginFor(cfg *config.Config, brokerName string) float64 {
	for _, bc := range cfg.Brokers {
		if bc.Name == brokerName {
			return bc.Margin
		}
	}
	return 0
}

// Worker implements the HTTP hub lookup.
func (a *App) Worker(symbol string) (*engine.Worker, bool) {
	w, ok := a.workers[strings.ToUpper(strings.TrimSpace(symbol))]
	return w, ok
}

// Symbols lists the configured instruments.
func (a *App) Symbols() []string {
	out := make([]string, 0, len(a.workers))
	for s := range a.workers {
		out = append(out, s)
	}
	return out
}

// Run drives every worker plus the HTTP surface until ctx ends or one of
// them fails fatally.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range a.workers {
		worker := w
		g.Go(func() error {
			worker.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	logger.Infof("ladder running: %d workers, http on %s", len(a.workers), a.server.Addr())
	return g.Wait()
}

// Close releases storage handles after Run returns.
func (a *App) Close() {
	for _, w := range a.workers {
		w.Stop()
	}
	if a.events != nil {
		_ = a.events.Close()
	}
	if a.states != nil {
		_ = a.states.Close()
	}
}
