package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ladder/internal/broker"
	"ladder/internal/config"
	"ladder/internal/factors"
	"ladder/internal/logger"
	"ladder/internal/plan"
	"ladder/internal/risk"
)

// Persister stores the full instrument state tree after every cycle.
type Persister interface {
	SaveState(ctx context.Context, st *State) error
}

// EventSink receives the append-only forensic trail.
type EventSink interface {
	Append(ctx context.Context, symbol, kind, detail string)
}

// Notifier delivers out-of-band operator alarms.
type Notifier interface {
	Alarm(text string)
}

// FactorSource resolves a named factor-table template.
type FactorSource interface {
	Template(id string) (factors.Template, bool)
}

// CycleMetrics is what the worker reports to the metrics layer.
type CycleMetrics interface {
	CycleRan(symbol string, failed bool)
	OrderFired(symbol string, direction string, market bool)
	BreachTripped(symbol string)
	SetLifecycle(symbol string, state string, states []string)
}

// errBreachSticky is returned by Cycle while a persisted breach stands.
var errBreachSticky = errors.New("engine: risk control break standing, operator action required")

// WorkerDeps 是 worker 的全部协作方。store 与 broker 必填，其余可空。
type WorkerDeps struct {
	Config  config.StoreConfig
	State   *State
	Broker  broker.Proxy
	Base    broker.BasePriceProvider
	Ledger  *risk.Ledger
	Store   Persister
	Events  EventSink
	Notify  Notifier
	Factors FactorSource
	Metrics CycleMetrics
}

// Worker 驱动单只标的的全部生命周期：行情轮询、风控、下单、清算。
// 所有 cycle 与外部操作共用一把互斥锁，保证任意时刻只有一个闭环在跑。
type Worker struct {
	cfg     config.StoreConfig
	st      *State
	brk     broker.Proxy
	base    broker.BasePriceProvider
	ledger  *risk.Ledger
	store   Persister
	events  EventSink
	notify  Notifier
	factors FactorSource
	metrics CycleMetrics

	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	nowFn func() time.Time
	loc   *time.Location

	sessionOpenAt time.Time
	sessionDay    string
	marginDay     string
}

func NewWorker(deps WorkerDeps) (*Worker, error) {
	if deps.Broker == nil {
		return nil, fmt.Errorf("worker %s: broker is required", deps.Config.Symbol)
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("worker %s: persister is required", deps.Config.Symbol)
	}
	if deps.Ledger == nil {
		deps.Ledger = risk.NewLedger()
	}
	if deps.State == nil {
		deps.State = NewState(deps.Config.Key())
	}
	loc, err := time.LoadLocation(deps.Config.Timezone)
	if err != nil {
		return nil, fmt.Errorf("worker %s: timezone: %w", deps.Config.Symbol, err)
	}
	w := &Worker{
		cfg:     deps.Config,
		st:      deps.State,
		brk:     deps.Broker,
		base:    deps.Base,
		ledger:  deps.Ledger,
		store:   deps.Store,
		events:  deps.Events,
		notify:  deps.Notify,
		factors: deps.Factors,
		metrics: deps.Metrics,
		stopCh:  make(chan struct{}),
		nowFn:   time.Now,
		loc:     loc,
	}
	// Resume path: persisted orders re-enter the ledger so their identity
	// and attempt slots survive the restart.
	if w.st.Plan != nil {
		for _, o := range w.st.Plan.Orders {
			if err := w.ledger.Observe(w.st.Version, o); err != nil {
				return nil, err
			}
		}
	}
	return w, nil
}

// Symbol is the worker's routing key.
func (w *Worker) Symbol() string { return w.cfg.Key() }

// Run polls until the context ends or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()
	interval := time.Duration(w.cfg.PollSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	logger.Infof("[%s] worker started, polling every %s", w.cfg.Symbol, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if halt := w.runOnce(ctx); halt {
				logger.Errorf("[%s] worker halted", w.cfg.Symbol)
				return
			}
		}
	}
}

// Stop signals Run to exit and waits for the in-flight cycle.
func (w *Worker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	w.wg.Wait()
}

// runOnce executes a cycle and classifies its failure. The returned flag
// halts the poll loop for failures that must not be retried blindly.
func (w *Worker) runOnce(ctx context.Context) (halt bool) {
	err := w.Cycle(ctx)
	if w.metrics != nil {
		w.mu.Lock()
		current := string(w.st.Current)
		w.mu.Unlock()
		w.metrics.CycleRan(w.cfg.Key(), err != nil)
		w.metrics.SetLifecycle(w.cfg.Key(), current, Lifecycles())
	}
	switch {
	case err == nil:
		return false
	case errors.Is(err, errBreachSticky):
		logger.Debugf("[%s] breach standing, cycle skipped", w.cfg.Symbol)
		return false
	case risk.IsBreach(err):
		w.tripBreach(ctx, err)
		return true
	case broker.IsThreadKiller(err):
		w.recordHalt(ctx, err)
		return true
	case broker.IsPrepare(err):
		logger.Warnf("[%s] cycle abandoned: %v", w.cfg.Symbol, err)
		return false
	default:
		logger.Errorf("[%s] cycle failed: %v", w.cfg.Symbol, err)
		return false
	}
}

func (w *Worker) tripBreach(ctx context.Context, err error) {
	w.mu.Lock()
	detail := risk.BreachDetail(err)
	w.st.MarkBreach(detail)
	w.persist(ctx)
	w.mu.Unlock()
	logger.Errorf("[%s] RISK CONTROL BREAK: %s", w.cfg.Symbol, detail)
	w.event(ctx, "risk_break", detail)
	w.alarm(fmt.Sprintf("⛔ %s 触发风控熔断：%s", w.cfg.Symbol, detail))
	if w.metrics != nil {
		w.metrics.BreachTripped(w.cfg.Key())
	}
}

func (w *Worker) recordHalt(ctx context.Context, err error) {
	w.mu.Lock()
	w.st.LastError = err.Error()
	w.st.Current = LifecycleHalted
	w.persist(ctx)
	w.mu.Unlock()
	w.event(ctx, "halt", err.Error())
	w.alarm(fmt.Sprintf("⛔ %s worker 停机：%v", w.cfg.Symbol, err))
}

func (w *Worker) alarm(text string) {
	if w.notify != nil {
		w.notify.Alarm(text)
	}
}

func (w *Worker) event(ctx context.Context, kind, detail string) {
	if w.events != nil {
		w.events.Append(ctx, w.cfg.Key(), kind, detail)
	}
}

func (w *Worker) persist(ctx context.Context) {
	w.st.UpdatedAt = w.nowFn().Unix()
	if err := w.store.SaveState(ctx, w.st); err != nil {
		// Persistence failure cannot be allowed to pass silently: the
		// on-disk tree is the crash-recovery source of truth.
		logger.Errorf("[%s] persist state failed: %v", w.cfg.Symbol, err)
		w.alarm(fmt.Sprintf("%s 状态持久化失败: %v", w.cfg.Symbol, err))
	}
}

func (w *Worker) today(now time.Time) string {
	return now.In(w.loc).Format("2006-01-02")
}

// marketStatus resolves the venue status for this store's region, with the
// manual closing_time cutoff layered on top for venues that never report a
// closing phase themselves.
func (w *Worker) marketStatus(ctx context.Context, now time.Time) (broker.MarketStatus, error) {
	statuses, err := w.brk.FetchMarketStatus(ctx)
	if err != nil {
		return broker.StatusUnknown, broker.NewPrepareError("market_status", err)
	}
	status, ok := statuses[w.cfg.Region]
	if !ok {
		return broker.StatusUnknown, broker.NewPrepareError("market_status",
			fmt.Errorf("no status for region %s", w.cfg.Region))
	}
	if status == broker.StatusTrading && w.cfg.ClosingTime != "" {
		cutoff, err := time.ParseInLocation("15:04", w.cfg.ClosingTime, w.loc)
		if err == nil {
			local := now.In(w.loc)
			edge := time.Date(local.Year(), local.Month(), local.Day(),
				cutoff.Hour(), cutoff.Minute(), 0, 0, w.loc)
			if !local.Before(edge) {
				status = broker.StatusClosing
			}
		}
	}
	return status, nil
}

// refreshOrders reloads fill state for every still-refreshable order.
// The returned flag gates the LSOD closing seal.
func (w *Worker) refreshOrders(ctx context.Context, day string) (bool, error) {
	all := true
	if w.st.Plan == nil {
		return true, nil
	}
	for _, o := range w.st.Plan.Orders {
		if !o.Refreshable(day) {
			continue
		}
		if err := w.brk.RefreshOrder(ctx, o); err != nil {
			if broker.IsThreadKiller(err) {
				return false, err
			}
			logger.Warnf("[%s] refresh %s failed: %v", w.cfg.Symbol, o.UniqueID(), err)
			all = false
		}
	}
	return all, nil
}

// resolveFactors picks the store's explicit sequences or falls back to the
// named registry template.
func (w *Worker) resolveFactors() ([]float64, []float64, []float64, error) {
	if w.cfg.HasExplicitFactors() {
		return w.cfg.Weights, w.cfg.SellRates, w.cfg.BuyRates, nil
	}
	if w.factors == nil {
		return nil, nil, nil, fmt.Errorf("worker %s: factor_table %q configured but no registry wired",
			w.cfg.Symbol, w.cfg.FactorTable)
	}
	tpl, ok := w.factors.Template(w.cfg.FactorTable)
	if !ok {
		return nil, nil, nil, fmt.Errorf("worker %s: unknown factor_table %q", w.cfg.Symbol, w.cfg.FactorTable)
	}
	return tpl.Weights, tpl.SellRates, tpl.BuyRates, nil
}

// resolveBasePrice seeds a new plan. A rework price left by the previous
// plan wins over everything so the ladder re-enters where it settled.
func (w *Worker) resolveBasePrice(ctx context.Context, quote broker.Quote) (float64, error) {
	if w.st.Plan != nil && w.st.Plan.Settled() && w.st.Plan.ReworkPrice > 0 {
		return w.st.Plan.ReworkPrice, nil
	}
	if w.cfg.BasePrice > 0 {
		return w.cfg.BasePrice, nil
	}
	if w.base != nil {
		return w.base.BasePrice(ctx, w.cfg.Symbol)
	}
	if quote.PrevClose > 0 {
		return quote.PrevClose, nil
	}
	return 0, fmt.Errorf("worker %s: no base price source", w.cfg.Symbol)
}

// ensurePlan rolls a fresh plan when none exists or the previous one
// settled on an earlier day. A live, unsettled plan is never replaced.
// One same-day exception: a plan settled today whose rework trigger the
// price has come back to rolls immediately, seeded at that trigger.
func (w *Worker) ensurePlan(ctx context.Context, day string, quote broker.Quote) error {
	p := w.st.Plan
	if p != nil && !w.st.ReadyForNewPlan(day) {
		if !p.ReworkDue(quote.Latest) {
			return nil
		}
		logger.Infof("[%s] rework trigger hit: latest %v reached %v, rolling same-day",
			w.cfg.Symbol, quote.Latest, p.ReworkPrice)
		w.event(ctx, "rework", fmt.Sprintf("latest=%v trigger=%v", quote.Latest, p.ReworkPrice))
	}
	base, err := w.resolveBasePrice(ctx, quote)
	if err != nil {
		return err
	}
	weights, sells, buys, err := w.resolveFactors()
	if err != nil {
		return err
	}
	np, err := plan.NewPlan(w.cfg.TotalChips, base, weights, sells, buys)
	if err != nil {
		return err
	}
	if err := w.st.ReplacePlan(np); err != nil {
		return err
	}
	if w.st.Current == LifecycleArbitraged || w.st.Current == LifecycleClosed {
		w.st.Current = LifecycleInit
	}
	logger.Infof("[%s] new plan: base=%v chips=%d levels=%d version=%d",
		w.cfg.Symbol, base, w.cfg.TotalChips, np.Levels(), w.st.Version)
	w.event(ctx, "plan", fmt.Sprintf("new plan base=%v version=%d", base, w.st.Version))
	return nil
}

func (w *Worker) margin(ctx context.Context, day string) float64 {
	if w.base == nil {
		return w.st.Daily.Margin
	}
	if w.marginDay == day {
		return w.st.Daily.Margin
	}
	amount, err := w.base.MarginAmount(ctx)
	if err != nil {
		logger.Warnf("[%s] margin query failed, keeping %v: %v", w.cfg.Symbol, w.st.Daily.Margin, err)
		return w.st.Daily.Margin
	}
	w.marginDay = day
	return amount
}

// Cycle runs one full closed loop. All failures bubble out as typed errors
// for runOnce to classify; partial progress is persisted regardless.
func (w *Worker) Cycle(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.st.RiskControlBreak {
		return errBreachSticky
	}

	now := w.nowFn().In(w.loc)
	day := w.today(now)

	status, err := w.marketStatus(ctx, now)
	if err != nil {
		return err
	}
	if status == broker.StatusTrading {
		if w.sessionDay != day {
			w.sessionDay = day
			w.sessionOpenAt = now
		}
	}

	if !w.brk.DetectPlugIn(ctx) {
		err := &broker.PlugInError{Broker: w.brk.Name()}
		w.alarm(fmt.Sprintf("%s 券商连接断开 (%s)", w.cfg.Symbol, w.brk.Name()))
		return broker.NewPrepareError("plug_in", err)
	}

	quote, err := w.brk.QueryQuote(ctx, w.cfg.Symbol)
	if err != nil {
		return broker.NewPrepareError("quote", err)
	}
	if !quote.Valid() {
		return broker.NewPrepareError("quote", fmt.Errorf("invalid quote %+v", quote))
	}
	chips, err := w.brk.QueryChips(ctx, w.cfg.Symbol)
	if err != nil {
		return broker.NewPrepareError("chips", err)
	}
	cash, err := w.brk.QueryCash(ctx)
	if err != nil {
		return broker.NewPrepareError("cash", err)
	}
	w.st.Daily = DailySnapshot{
		Chips: chips, ChipsDay: day,
		Cash: cash, CashDay: day,
		Margin: w.margin(ctx, day),
	}
	w.st.LatestSnapshot = quote

	allRefreshed, err := w.refreshOrders(ctx, day)
	if err != nil {
		return err
	}

	if err := w.ensurePlan(ctx, day, quote); err != nil {
		return err
	}
	table, err := plan.BuildTableForPlan(w.st.Plan, w.cfg.Spread, w.cfg.Precision, w.cfg.LotSize)
	if err != nil {
		return err
	}

	gate, err := risk.NewGate(risk.Inputs{
		Day:                day,
		Status:             status,
		Quote:              quote,
		Chips:              w.st.Daily.Chips,
		ChipsDay:           w.st.Daily.ChipsDay,
		Cash:               w.st.Daily.Cash,
		CashDay:            w.st.Daily.CashDay,
		Margin:             w.st.Daily.Margin,
		StateVersion:       w.st.Version,
		LSOD:               &w.st.LSOD,
		AllOrdersRefreshed: allRefreshed,
		LockPosition:       w.cfg.LockPosition,
		MaxShares:          w.cfg.MaxShares,
		AllowFirstMarket:   w.cfg.AllowFirstMarket,
		Plan:               w.st.Plan,
	}, w.ledger)
	if err != nil {
		return err
	}
	if err := gate.Verify(); err != nil {
		return err
	}

	defer w.persist(ctx)

	switch status {
	case broker.StatusTrading, broker.StatusClosing:
		if status == broker.StatusTrading &&
			(w.st.Current == LifecycleInit || w.st.Current == LifecycleClosed) {
			w.st.Current = LifecycleMonitoring
		}
		if w.st.Current != LifecycleMonitoring {
			return nil
		}
		firing := NewFiring(w.cfg, w.st, table, quote, gate, w.brk, day, now, w.sessionOpenAt)
		if status == broker.StatusTrading {
			if err := w.firePasses(ctx, firing); err != nil {
				return err
			}
		}
		if firing.ArbitrageDone() {
			return firing.Settle(ctx, w.alarm)
		}
	case broker.StatusClosed:
		if w.st.Current == LifecycleMonitoring {
			w.st.Current = LifecycleClosed
		}
	}
	return nil
}

func (w *Worker) firePasses(ctx context.Context, f *Firing) error {
	sold, err := f.SellPass(ctx)
	if err != nil {
		return err
	}
	if sold != nil {
		w.event(ctx, "order", fmt.Sprintf("sell level=%d qty=%d price=%v id=%s",
			sold.Level, sold.Qty, sold.Price, sold.OrderID))
		if w.metrics != nil {
			w.metrics.OrderFired(w.cfg.Key(), string(sold.Direction), sold.Market)
		}
	}
	if sold != nil {
		// A fresh sell may already carry fills, but the cash and chips
		// snapshots predate it. The buy side waits for the next cycle's
		// re-queried account state.
		return nil
	}
	bought, err := f.BuyPass(ctx)
	if err != nil {
		return err
	}
	if bought != nil {
		w.event(ctx, "order", fmt.Sprintf("buy level=%d qty=%d price=%v market=%v id=%s",
			bought.Level, bought.Qty, bought.Price, bought.Market, bought.OrderID))
		if w.metrics != nil {
			w.metrics.OrderFired(w.cfg.Key(), string(bought.Direction), bought.Market)
		}
	}
	return nil
}
