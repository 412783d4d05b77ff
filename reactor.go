// Copyright (c) 2024 The Gmux Authors. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gmux

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	errorx "github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/netpoll"
)

// cleanupInterval is the number of cancellations after which the ready view is recomputed
// before the current dispatch pass goes on.
const cleanupInterval = 256

type selectorRef struct {
	sel netpoll.Selector
}

// Reactor runs the select and dispatch cycle over a netpoll.Selector.
//
// Every method except Wakeup must be called from the goroutine driving Run.
type Reactor struct {
	opts     *Options
	selector atomic.Pointer[selectorRef]
	array    *netpoll.KeyArray

	// wakenUp coalesces wakeup requests, it is the only state shared across goroutines.
	wakenUp atomic.Bool

	cancelledKeys      int
	needsToSelectAgain bool
}

// NewReactor opens a selector and returns a Reactor driving it.
func NewReactor(options ...Option) (*Reactor, error) {
	return newReactor(loadOptions(options...))
}

func newReactor(opts *Options) (*Reactor, error) {
	sel, err := opts.SelectorProvider()
	if err != nil {
		return nil, fmt.Errorf("gmux: failed to open selector: %w", err)
	}
	r := &Reactor{opts: opts}
	r.install(sel)
	return r, nil
}

func (r *Reactor) install(sel netpoll.Selector) {
	if !r.opts.DisableKeySetOptimization {
		if p, ok := sel.(netpoll.KeyArrayPublisher); ok {
			if r.array == nil {
				r.array = netpoll.NewKeyArray()
			}
			p.PublishInto(r.array)
			r.opts.Logger.Debugf("instrumented a special key array into a selector: %T", sel)
		}
	}
	r.selector.Store(&selectorRef{sel: sel})
}

// Selector returns the selector in use.
func (r *Reactor) Selector() netpoll.Selector {
	return r.selector.Load().sel
}

// Register binds h to the reactor with an empty interest set.
func (r *Reactor) Register(h Handle) (*Registration, error) {
	reg := &Registration{reactor: r, handle: h}
	sel := r.Selector()
	key, err := sel.Register(h.Fd(), netpoll.OpNone, reg)
	if errors.Is(err, errorx.ErrCancelledKey) {
		// The descriptor still has a cancelled key waiting to be flushed, select once to flush it.
		if _, err = sel.SelectNow(); err == nil {
			key, err = sel.Register(h.Fd(), netpoll.OpNone, reg)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("gmux: failed to register fd=%d: %w", h.Fd(), err)
	}
	reg.key = key
	return reg, nil
}

func (r *Reactor) cancelled() {
	r.cancelledKeys++
	if r.cancelledKeys >= cleanupInterval {
		r.cancelledKeys = 0
		r.needsToSelectAgain = true
	}
}

// Wakeup makes a blocked or upcoming select return, requests are coalesced until the next select.
// It is safe for concurrent use.
func (r *Reactor) Wakeup() {
	if r.wakenUp.CompareAndSwap(false, true) {
		if err := r.Selector().Wakeup(); err != nil {
			r.opts.Logger.Warnf("failed to wake up the selector: %v", err)
		}
	}
}

// Run performs one turn: select according to the strategy, then dispatch ready handles.
// It returns the number of handles dispatched.
func (r *Reactor) Run(ctx ExecutionContext) int {
	strategy, err := r.opts.SelectStrategy.CalculateStrategy(r.selectNow, !ctx.CanBlock())
	if err != nil {
		r.handleSelectError(err)
		return 0
	}
	switch strategy {
	case SelectContinue:
		return 0
	case SelectBusyWait, Select:
		if err = r.selectWait(ctx, r.wakenUp.Swap(false)); err != nil {
			r.handleSelectError(err)
			return 0
		}
		// A wakeup requested between the swap and the wait was consumed by the wait itself
		// or is still pending, either way wake the selector so the next select returns at once.
		if r.wakenUp.Load() {
			_ = r.Selector().Wakeup()
		}
	}

	r.cancelledKeys = 0
	r.needsToSelectAgain = false
	return r.processSelectedKeys()
}

func (r *Reactor) selectNow() (int, error) {
	n, err := r.Selector().SelectNow()
	if r.wakenUp.Load() {
		_ = r.Selector().Wakeup()
	}
	return n, err
}

func (r *Reactor) selectWait(ctx ExecutionContext, oldWakenUp bool) error {
	sel := r.Selector()
	selectCnt := 0
	now := time.Now()
	delay := ctx.Delay(now)
	block := delay < 0
	deadline := now.Add(delay)
	for {
		timeout := time.Duration(-1)
		if !block {
			timeoutMillis := (deadline.Sub(now) + 500*time.Microsecond) / time.Millisecond
			if timeoutMillis <= 0 {
				if selectCnt == 0 {
					if _, err := sel.SelectNow(); err != nil {
						return err
					}
					selectCnt = 1
				}
				break
			}
			timeout = timeoutMillis * time.Millisecond
		}

		// A task submitted while the wake-up flag was already set would otherwise wait until the timeout.
		if !ctx.CanBlock() && r.wakenUp.CompareAndSwap(false, true) {
			if _, err := sel.SelectNow(); err != nil {
				return err
			}
			selectCnt = 1
			break
		}

		n, err := sel.Select(timeout)
		selectCnt++
		if errors.Is(err, errorx.ErrInterrupted) {
			r.opts.Logger.Debugf("selector returned prematurely because it was interrupted, " +
				"a handler might be sending signals to the loop goroutine")
			selectCnt = 1
			break
		}
		if err != nil {
			return err
		}
		if n != 0 || oldWakenUp || r.wakenUp.Load() || !ctx.CanBlock() {
			break
		}

		after := time.Now()
		if timeout >= 0 && after.Sub(now) >= timeout {
			selectCnt = 1
		} else if r.opts.SelectorAutoRebuildThreshold > 0 && selectCnt >= r.opts.SelectorAutoRebuildThreshold {
			r.opts.Logger.Warnf("selector returned prematurely %d times in a row; rebuilding selector %T",
				selectCnt, sel)
			r.RebuildSelector()
			sel = r.Selector()
			if _, err = sel.SelectNow(); err != nil {
				return err
			}
			selectCnt = 1
			break
		}
		now = after
	}

	if selectCnt > MinPrematureSelectorReturns {
		r.opts.Logger.Debugf("selector returned prematurely %d times in a row for selector %T", selectCnt-1, sel)
		r.incr(MetricSelectorPremature)
	}
	return nil
}

func (r *Reactor) handleSelectError(err error) {
	r.incr(MetricLoopError)
	r.RebuildSelector()
	r.opts.Logger.Warnf("unexpected error in the selector loop: %v", err)
	// Prevent possible consecutive immediate failures that lead to excessive CPU consumption.
	time.Sleep(r.opts.LoopErrorBackoff)
}

// RebuildSelector moves every live registration onto a freshly opened selector and closes the old one.
func (r *Reactor) RebuildSelector() {
	oldSel := r.Selector()
	newSel, err := r.opts.SelectorProvider()
	if err != nil {
		r.opts.Logger.Warnf("failed to create a new selector: %v", err)
		return
	}

	nChannels := 0
	for _, key := range oldSel.Keys() {
		reg, ok := key.Attachment().(*Registration)
		if !ok || !key.IsValid() || newSel.KeyFor(key.Fd()) != nil {
			continue
		}
		newKey, err := newSel.Register(key.Fd(), key.InterestOps(), reg)
		if err != nil {
			r.opts.Logger.Warnf("failed to re-register fd=%d to the new selector: %v", key.Fd(), err)
			key.Cancel()
			r.closeHandle(reg)
			continue
		}
		reg.key = newKey
		nChannels++
	}

	r.install(newSel)
	if r.wakenUp.Load() {
		_ = newSel.Wakeup()
	}
	if err = oldSel.Close(); err != nil {
		r.opts.Logger.Warnf("failed to close the old selector: %v", err)
	}
	r.incr(MetricSelectorRebuild)
	r.opts.Logger.Infof("migrated %d handle(s) to the new selector", nChannels)
}

func (r *Reactor) processSelectedKeys() int {
	if r.array != nil {
		return r.processSelectedKeysOptimized()
	}
	return r.processSelectedKeysPlain(r.Selector().SelectedKeys())
}

func (r *Reactor) processSelectedKeysPlain(selected *netpoll.KeySet) (handled int) {
	if selected.IsEmpty() {
		return
	}
	it := selected.Iterator()
	for {
		k := it.Next()
		if k == nil {
			break
		}
		it.Remove()
		r.dispatch(k)
		handled++

		if !it.HasNext() {
			break
		}
		if r.needsToSelectAgain {
			r.selectAgain()
			selected = r.Selector().SelectedKeys()
			if selected.IsEmpty() {
				break
			}
			it = selected.Iterator()
		}
	}
	return
}

func (r *Reactor) processSelectedKeysOptimized() (handled int) {
	for i := 0; i < r.array.Size(); i++ {
		k := r.array.Take(i)
		r.dispatch(k)
		handled++

		if r.needsToSelectAgain {
			r.array.Reset(i + 1)
			r.selectAgain()
			i = -1
		}
	}
	return
}

func (r *Reactor) dispatch(k *netpoll.Key) {
	reg, ok := k.Attachment().(*Registration)
	if !ok {
		return
	}
	if !k.IsValid() || reg.key != k {
		r.opts.Logger.Debugf("closing fd=%d whose registration is no longer valid", k.Fd())
		r.closeHandle(reg)
		return
	}
	defer func() {
		if p := recover(); p != nil {
			r.incr(MetricHandlerPanic)
			r.opts.Logger.Errorf("handle of fd=%d panicked, closing it: %v", k.Fd(), p)
			reg.Cancel()
			r.closeHandle(reg)
		}
	}()
	reg.handle.Handle(reg, k.ReadyOps())
}

func (r *Reactor) closeHandle(reg *Registration) {
	if err := reg.handle.Close(); err != nil {
		r.opts.Logger.Debugf("failed to close fd=%d: %v", reg.handle.Fd(), err)
	}
}

func (r *Reactor) selectAgain() {
	r.needsToSelectAgain = false
	if _, err := r.Selector().SelectNow(); err != nil {
		r.opts.Logger.Warnf("failed to update selected keys: %v", err)
	}
}

// PrepareToDestroy flushes pending cancellations and closes every handle still registered.
func (r *Reactor) PrepareToDestroy() {
	r.selectAgain()
	for _, k := range r.Selector().Keys() {
		if reg, ok := k.Attachment().(*Registration); ok {
			r.closeHandle(reg)
		}
	}
}

// Destroy closes the selector.
func (r *Reactor) Destroy() {
	if err := r.Selector().Close(); err != nil {
		r.opts.Logger.Warnf("failed to close a selector: %v", err)
	}
}
