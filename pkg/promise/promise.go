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

// Package promise provides the write-once result used for asynchronous operations such as
// writes, closes and stream opens.
//
// A Future is completed exactly once, with success or with an error. Listeners added before
// completion run on the goroutine that completes the Future, in the order they were added.
// Listeners added after completion run immediately on the caller's goroutine.
package promise

import (
	"context"
	"sync"

	"github.com/gmux-io/gmux/pkg/errors"
)

// Listener is notified once the Future it was added to completes.
type Listener func(f *Future)

// Future is a promise that can be completed once and observed many times.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	completed bool
	err       error
	listeners []Listener
}

// New returns an incomplete Future.
func New() *Future {
	return &Future{done: make(chan struct{})}
}

// Succeeded returns a Future that is already completed successfully.
func Succeeded() *Future {
	f := New()
	f.TrySuccess()
	return f
}

// Failed returns a Future that is already completed with err.
func Failed(err error) *Future {
	f := New()
	f.TryFailure(err)
	return f
}

// TrySuccess completes the Future successfully and reports whether this call completed it.
func (f *Future) TrySuccess() bool {
	return f.complete(nil)
}

// TryFailure completes the Future with err and reports whether this call completed it.
func (f *Future) TryFailure(err error) bool {
	if err == nil {
		panic("promise: nil failure cause")
	}
	return f.complete(err)
}

// SetSuccess is TrySuccess that fails with errors.ErrPromiseAlreadyDone if the Future is complete.
func (f *Future) SetSuccess() error {
	if !f.TrySuccess() {
		return errors.ErrPromiseAlreadyDone
	}
	return nil
}

// SetFailure is TryFailure that fails with errors.ErrPromiseAlreadyDone if the Future is complete.
func (f *Future) SetFailure(err error) error {
	if !f.TryFailure(err) {
		return errors.ErrPromiseAlreadyDone
	}
	return nil
}

func (f *Future) complete(err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		l(f)
	}
	return true
}

// AddListener registers l to run when the Future completes.
func (f *Future) AddListener(l Listener) *Future {
	f.mu.Lock()
	if !f.completed {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return f
	}
	f.mu.Unlock()
	l(f)
	return f
}

// Cascade completes to with the outcome of f.
func (f *Future) Cascade(to *Future) *Future {
	return f.AddListener(func(f *Future) {
		if err := f.Err(); err != nil {
			to.TryFailure(err)
		} else {
			to.TrySuccess()
		}
	})
}

// IsDone reports whether the Future is complete.
func (f *Future) IsDone() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// IsSuccess reports whether the Future completed successfully.
func (f *Future) IsSuccess() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed && f.err == nil
}

// Err returns the failure cause, nil if the Future is incomplete or succeeded.
func (f *Future) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Done returns a channel that is closed when the Future completes.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future completes or ctx is done.
//
// Never call Wait on the event loop goroutine that is expected to complete the Future.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Aggregator completes a Future once every Future it was handed completes,
// failing it with the first failure.
type Aggregator struct {
	f       *Future
	pending int
	sealed  bool
	err     error
}

// NewAggregator returns an Aggregator that completes f.
func NewAggregator(f *Future) *Aggregator {
	return &Aggregator{f: f}
}

// Add tracks part. Add and Seal must run on one goroutine, which must also be the one completing the parts.
func (a *Aggregator) Add(part *Future) {
	a.pending++
	part.AddListener(func(p *Future) {
		a.pending--
		if err := p.Err(); err != nil && a.err == nil {
			a.err = err
		}
		a.tryComplete()
	})
}

// Seal declares that no more parts will be added.
func (a *Aggregator) Seal() *Future {
	a.sealed = true
	a.tryComplete()
	return a.f
}

func (a *Aggregator) tryComplete() {
	if !a.sealed || a.pending > 0 {
		return
	}
	if a.err != nil {
		a.f.TryFailure(a.err)
	} else {
		a.f.TrySuccess()
	}
}
