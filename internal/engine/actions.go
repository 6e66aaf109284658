package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"ladder/internal/logger"
	"ladder/internal/plan"
)

// actionFunc 执行一条运维指令，返回给调用方的文本结果。
type actionFunc func(ctx context.Context, w *Worker, arg string) (string, error)

var actionTable = map[string]actionFunc{
	"state":             actionState,
	"cancel-all":        actionCancelAll,
	"clear-risk-break":  actionClearRiskBreak,
	"set-give-up-price": actionSetGiveUpPrice,
	"prune-stale":       actionPruneStale,
}

// Actions lists the dispatchable operator action names.
func Actions() []string {
	names := make([]string, 0, len(actionTable))
	for name := range actionTable {
		names = append(names, name)
	}
	return names
}

// Do dispatches one operator action. It shares the cycle mutex so actions
// never interleave with a running cycle.
func (w *Worker) Do(ctx context.Context, name, arg string) (string, error) {
	fn, ok := actionTable[name]
	if !ok {
		return "", fmt.Errorf("unknown action %q", name)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	logger.Infof("[%s] action %s arg=%q", w.cfg.Symbol, name, arg)
	out, err := fn(ctx, w, arg)
	if err != nil {
		return "", err
	}
	w.persist(ctx)
	w.event(ctx, "action", fmt.Sprintf("%s %s", name, arg))
	return out, nil
}

// StateJSON renders the persisted state tree for the HTTP surface.
func (w *Worker) StateJSON() ([]byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return json.MarshalIndent(w.st, "", "  ")
}

func actionState(_ context.Context, w *Worker, _ string) (string, error) {
	data, err := json.MarshalIndent(w.st, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// actionCancelAll pulls every live order off the venue. Failures are
// reported but do not stop the sweep.
func actionCancelAll(ctx context.Context, w *Worker, _ string) (string, error) {
	if w.st.Plan == nil {
		return "no plan", nil
	}
	day := w.today(w.nowFn())
	var canceled, failed int
	for _, o := range w.st.Plan.LiveOrders(day) {
		if err := w.brk.CancelOrder(ctx, o); err != nil {
			logger.Errorf("[%s] cancel-all: %s failed: %v", w.cfg.Symbol, o.UniqueID(), err)
			failed++
			continue
		}
		canceled++
	}
	return fmt.Sprintf("canceled %d, failed %d", canceled, failed), nil
}

func actionClearRiskBreak(_ context.Context, w *Worker, _ string) (string, error) {
	if !w.st.RiskControlBreak {
		return "no break standing", nil
	}
	detail := w.st.RiskControlDetail
	w.st.ClearBreach()
	logger.Warnf("[%s] risk control break cleared by operator (was: %s)", w.cfg.Symbol, detail)
	return "cleared: " + detail, nil
}

func actionSetGiveUpPrice(_ context.Context, w *Worker, arg string) (string, error) {
	if w.st.Plan == nil {
		return "", fmt.Errorf("no plan to set give-up price on")
	}
	price, err := strconv.ParseFloat(arg, 64)
	if err != nil {
		return "", fmt.Errorf("give-up price %q: %w", arg, err)
	}
	table, err := plan.BuildTableForPlan(w.st.Plan, w.cfg.Spread, w.cfg.Precision, w.cfg.LotSize)
	if err != nil {
		return "", err
	}
	if err := w.st.Plan.SetGiveUpPrice(price, table); err != nil {
		return "", err
	}
	return fmt.Sprintf("give-up price set to %v", price), nil
}

func actionPruneStale(_ context.Context, w *Worker, _ string) (string, error) {
	if w.st.Plan == nil {
		return "no plan", nil
	}
	before := len(w.st.Plan.Orders)
	w.st.Plan.PruneStale(w.today(w.nowFn()))
	return fmt.Sprintf("pruned %d stale orders", before-len(w.st.Plan.Orders)), nil
}
