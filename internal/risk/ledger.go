package risk

import (
	"fmt"
	"sync"

	"ladder/internal/plan"
)

// Ledger is the process-wide duplicate-order guard. It is constructor
// injected wherever orders are authorized so tests get clean isolation;
// there is no package-level instance.
//
// Two layers of protection:
//   - an order's unique identity (broker/day/id) may enter the ledger once,
//   - per (state version, direction, level) tuple only one live attempt may
//     exist, which is what makes a crash-and-resume replay of the same
//     submission harmless.
type Ledger struct {
	mu       sync.Mutex
	orders   map[string]*plan.Order
	attempts map[string]*plan.Order
}

func NewLedger() *Ledger {
	return &Ledger{
		orders:   make(map[string]*plan.Order),
		attempts: make(map[string]*plan.Order),
	}
}

func attemptKey(version int64, dir plan.Direction, level int) string {
	return fmt.Sprintf("%d/%s/%d", version, dir, level)
}

// CheckAttempt authorizes a new submission slot before any broker call.
// A previous attempt for the same tuple only frees the slot once it ended
// in error or cancel.
func (l *Ledger) CheckAttempt(version int64, dir plan.Direction, level int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := attemptKey(version, dir, level)
	if prev, ok := l.attempts[key]; ok && !prev.Canceled && !prev.HasError() {
		return &BreachError{Detail: fmt.Sprintf(
			"duplicate order attempt for version=%d %s level=%d, previous order %s still standing",
			version, dir, level, prev.UniqueID())}
	}
	return nil
}

// Commit records a submitted order under both its identity and its attempt
// slot. Committing the same order instance again is a no-op so re-running
// the gate on an already-recorded order changes nothing.
func (l *Ledger) Commit(version int64, o *plan.Order) error {
	if o == nil {
		return fmt.Errorf("ledger: nil order")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := o.UniqueID()
	if existing, ok := l.orders[id]; ok {
		if existing == o {
			return nil
		}
		return &BreachError{Detail: fmt.Sprintf("order identity collision: %s seen twice", id)}
	}
	l.orders[id] = o
	l.attempts[attemptKey(version, o.Direction, o.Level)] = o
	return nil
}

// Observe registers an order recovered from persisted state (resume path)
// without claiming a new attempt slot for it.
func (l *Ledger) Observe(version int64, o *plan.Order) error {
	if o == nil || o.OrderID == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	id := o.UniqueID()
	if existing, ok := l.orders[id]; ok {
		if existing == o {
			return nil
		}
		return &BreachError{Detail: fmt.Sprintf("order identity collision on resume: %s", id)}
	}
	l.orders[id] = o
	key := attemptKey(version, o.Direction, o.Level)
	if _, ok := l.attempts[key]; !ok {
		l.attempts[key] = o
	}
	return nil
}

// Seen reports whether an identity is already in the ledger.
func (l *Ledger) Seen(uniqueID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.orders[uniqueID]
	return ok
}
