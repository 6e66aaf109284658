package broker

import (
	"errors"
	"fmt"
)

// ErrMismatch means no configured broker serves a requested
// trade-type/region pair. This is a configuration error, never transient.
var ErrMismatch = errors.New("broker: no broker satisfies trade type/region")

// PrepareError marks transient failures before any order was placed this
// cycle: stale quote, unreachable backend, refresh failure. The cycle is
// abandoned and the next poll retries from scratch.
type PrepareError struct {
	Stage string
	Err   error
}

func (e *PrepareError) Error() string {
	return fmt.Sprintf("prepare %s: %v", e.Stage, e.Err)
}

func (e *PrepareError) Unwrap() error { return e.Err }

func NewPrepareError(stage string, err error) *PrepareError {
	return &PrepareError{Stage: stage, Err: err}
}

func IsPrepare(err error) bool {
	var pe *PrepareError
	return errors.As(err, &pe)
}

// TradeError is a broker rejection during order placement or cancel.
// ThreadKiller marks systemic broker-side failures that must halt the
// instrument's worker instead of being retried next cycle.
type TradeError struct {
	Op           string
	Err          error
	ThreadKiller bool
}

func (e *TradeError) Error() string {
	if e.ThreadKiller {
		return fmt.Sprintf("trade %s (fatal): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("trade %s: %v", e.Op, e.Err)
}

func (e *TradeError) Unwrap() error { return e.Err }

func NewTradeError(op string, err error, threadKiller bool) *TradeError {
	return &TradeError{Op: op, Err: err, ThreadKiller: threadKiller}
}

// IsThreadKiller reports whether err demands halting the worker.
func IsThreadKiller(err error) bool {
	var te *TradeError
	return errors.As(err, &te) && te.ThreadKiller
}

// PlugInError means connectivity to the broker backend is gone; the cycle
// is abandoned and an alarm raised, the worker stays alive.
type PlugInError struct {
	Broker string
}

func (e *PlugInError) Error() string {
	return fmt.Sprintf("broker %s: plug-in lost", e.Broker)
}
