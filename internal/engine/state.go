package engine

import (
	"fmt"
	"time"

	"ladder/internal/broker"
	"ladder/internal/plan"
	"ladder/internal/risk"
)

// Lifecycle 是单只标的 worker 的运行状态。
type Lifecycle string

const (
	LifecycleInit       Lifecycle = "init"
	LifecycleMonitoring Lifecycle = "monitoring"
	LifecycleArbitraged Lifecycle = "already_arbitraged"
	LifecycleClosed     Lifecycle = "closed"
	LifecycleHalted     Lifecycle = "halted"
)

// Lifecycles lists every state, for gauge families and sanity checks.
func Lifecycles() []string {
	return []string{
		string(LifecycleInit),
		string(LifecycleMonitoring),
		string(LifecycleArbitraged),
		string(LifecycleClosed),
		string(LifecycleHalted),
	}
}

// DailySnapshot carries the account numbers the risk gate compares against
// today; the as-of days are what make staleness detectable.
type DailySnapshot struct {
	Chips    int64   `json:"chips"`
	ChipsDay string  `json:"chipsDay"`
	Cash     float64 `json:"cash"`
	CashDay  string  `json:"cashDay"`
	Margin   float64 `json:"margin"`
}

// State 是持久化的全量状态树：计划、账户快照、最新行情、生命周期、
// LSOD 与风控熔断标记。外部工具读它，worker 写它。
type State struct {
	Symbol  string `json:"symbol"`
	Version int64  `json:"version"` // bumped every time the plan is replaced

	Plan           *plan.Plan    `json:"plan"`
	Daily          DailySnapshot `json:"dailySnapshot"`
	LatestSnapshot broker.Quote  `json:"latestSnapshot"`
	Current        Lifecycle     `json:"current"`
	LSOD           risk.LSOD     `json:"lsod"`

	// RiskControlBreak is sticky: once set the worker halts every cycle
	// until an operator clears it after manual verification.
	RiskControlBreak  bool   `json:"riskControlBreak"`
	RiskControlDetail string `json:"riskControlDetail"`

	// LastError keeps the forensic trail of the most recent halt so an
	// operator can diagnose without log access.
	LastError string `json:"lastError,omitempty"`

	UpdatedAt int64 `json:"updatedAt"`
}

func NewState(symbol string) *State {
	return &State{
		Symbol:  symbol,
		Version: 1,
		Current: LifecycleInit,
	}
}

// MarkBreach records a sticky risk-control breach with its detail.
func (s *State) MarkBreach(detail string) {
	s.RiskControlBreak = true
	s.RiskControlDetail = detail
	s.Current = LifecycleHalted
	s.UpdatedAt = time.Now().Unix()
}

// ClearBreach is the deliberate operator action that re-arms the worker.
func (s *State) ClearBreach() {
	s.RiskControlBreak = false
	s.RiskControlDetail = ""
	if s.Current == LifecycleHalted {
		s.Current = LifecycleInit
	}
	s.UpdatedAt = time.Now().Unix()
}

// ReplacePlan installs a fresh plan and bumps the state version, which
// also rotates the duplicate-ledger attempt namespace.
func (s *State) ReplacePlan(p *plan.Plan) error {
	if p == nil {
		return fmt.Errorf("state %s: nil plan", s.Symbol)
	}
	s.Plan = p
	s.Version++
	s.UpdatedAt = time.Now().Unix()
	return nil
}

// ReadyForNewPlan reports whether the current plan may be replaced
// without losing work in flight: it settled, and not on the given day.
// A plan that settled today only rolls early through its rework trigger.
func (s *State) ReadyForNewPlan(day string) bool {
	if s.Plan == nil {
		return true
	}
	return s.Plan.Settled() && s.Plan.Cleanable(day)
}
