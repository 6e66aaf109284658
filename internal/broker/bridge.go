package broker

import (
	"context"
	"fmt"
	"sync"

	"ladder/internal/logger"
)

// call is one bridged request; Done receives exactly one result.
type call struct {
	fn   func(ctx context.Context) error
	ctx  context.Context
	done chan error
}

// Bridge serializes calls into a natively asynchronous broker client on a
// single background runner: an inbound request queue plus a per-request
// completion channel. Callers block on the channel, never on event-loop
// reentry. There is no cancellation of a call already handed to the
// runner; a stuck call blocks its caller until it resolves, and the
// duplicate-order ledger makes a retried submission safe.
type Bridge struct {
	queue    chan call
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewBridge(queueDepth int) *Bridge {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	b := &Bridge{
		queue:  make(chan call, queueDepth),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case c := <-b.queue:
			c.done <- b.invoke(c)
		}
	}
}

func (b *Bridge) invoke(c call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: panic in bridged call: %v", r)
			logger.Errorf("%v", err)
		}
	}()
	return c.fn(c.ctx)
}

// Call runs fn on the bridge runner and blocks until it finishes. The
// context only covers waiting for admission and for the result; once the
// runner picked the call up it runs to completion.
func (b *Bridge) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return fmt.Errorf("bridge: nil call")
	}
	c := call{fn: fn, ctx: ctx, done: make(chan error, 1)}
	select {
	case b.queue <- c:
	case <-b.stopCh:
		return fmt.Errorf("bridge: stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}
