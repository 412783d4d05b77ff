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
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gmux-io/gmux/internal/queue"
	errorx "github.com/gmux-io/gmux/pkg/errors"
)

const (
	stateNotStarted int32 = iota
	stateStarted
	stateShuttingDown
	stateTerminated
)

// ScheduledTask is a task waiting for its deadline on an EventLoop.
type ScheduledTask struct {
	t *queue.DelayedTask
}

// Cancel prevents the task from running and reports whether this call cancelled it.
func (st *ScheduledTask) Cancel() bool {
	return st.t.Cancel()
}

// IsCancelled reports whether the task was cancelled.
func (st *ScheduledTask) IsCancelled() bool {
	return st.t.IsCancelled()
}

// Deadline returns the time the task becomes runnable.
func (st *ScheduledTask) Deadline() time.Time {
	return st.t.Deadline()
}

// EventLoop runs a Reactor and the tasks submitted to it on one goroutine.
type EventLoop struct {
	reactor    *Reactor
	opts       *Options
	tasks      queue.TaskQueue
	scheduled  queue.DelayQueue
	loopID     atomic.Uint64
	state      atomic.Int32
	terminated chan struct{}
	handles    atomic.Int32
	buffer     []byte
}

// NewEventLoop returns an EventLoop that has not been started yet.
func NewEventLoop(options ...Option) (*EventLoop, error) {
	opts := loadOptions(options...)
	r, err := newReactor(opts)
	if err != nil {
		return nil, err
	}
	return &EventLoop{
		reactor:    r,
		opts:       opts,
		tasks:      queue.NewLockFreeQueue(),
		terminated: make(chan struct{}),
	}, nil
}

// Reactor returns the reactor driven by the loop.
func (el *EventLoop) Reactor() *Reactor {
	return el.reactor
}

// Start launches the loop goroutine, it is a no-op if the loop was started before.
func (el *EventLoop) Start() {
	if el.state.CompareAndSwap(stateNotStarted, stateStarted) {
		go el.run()
	}
}

// InEventLoop reports whether the caller runs on the loop goroutine.
func (el *EventLoop) InEventLoop() bool {
	id := el.loopID.Load()
	return id != 0 && id == goroutineID()
}

// Execute queues task to run on the loop goroutine, it is safe for concurrent use.
func (el *EventLoop) Execute(task func()) error {
	if task == nil {
		return errorx.ErrNilRunnable
	}
	if el.state.Load() == stateTerminated {
		return errorx.ErrEventLoopShutdown
	}
	t := queue.GetTask()
	t.Run = task
	el.tasks.Enqueue(t)
	el.reactor.Wakeup()
	return nil
}

// Schedule runs task on the loop goroutine once delay has elapsed.
func (el *EventLoop) Schedule(task func(), delay time.Duration) (*ScheduledTask, error) {
	if task == nil {
		return nil, errorx.ErrNilRunnable
	}
	if delay < 0 {
		delay = 0
	}
	st := &ScheduledTask{t: queue.NewDelayedTask(task, time.Now().Add(delay))}
	if el.InEventLoop() {
		el.scheduled.Add(st.t)
		return st, nil
	}
	if err := el.Execute(func() { el.scheduled.Add(st.t) }); err != nil {
		return nil, err
	}
	return st, nil
}

// Register binds h to the loop's reactor. Called off the loop goroutine of a running loop,
// it blocks until the loop has performed the registration.
func (el *EventLoop) Register(h Handle) (reg *Registration, err error) {
	err = el.call(func() (err error) {
		reg, err = el.register(h)
		return
	})
	return
}

// call runs task on the loop goroutine and waits for its result. The task runs on the calling
// goroutine when that is the loop goroutine or when the loop goroutine never ran.
func (el *EventLoop) call(task func() error) error {
	switch state := el.state.Load(); {
	case el.InEventLoop(), state == stateNotStarted:
		return task()
	case state == stateTerminated && el.loopID.Load() == 0:
		// Shut down before it was ever started.
		return task()
	}
	ch := make(chan error, 1)
	if err := el.Execute(func() { ch <- task() }); err != nil {
		return err
	}
	select {
	case err := <-ch:
		return err
	case <-el.terminated:
		return errorx.ErrEventLoopShutdown
	}
}

func (el *EventLoop) register(h Handle) (*Registration, error) {
	reg, err := el.reactor.Register(h)
	if err == nil {
		el.handles.Add(1)
	}
	return reg, err
}

func (el *EventLoop) deregistered() {
	el.handles.Add(-1)
}

// readBuffer returns the scratch buffer the connections of the loop read into.
func (el *EventLoop) readBuffer(size int) []byte {
	if cap(el.buffer) < size {
		el.buffer = make([]byte, size)
	}
	return el.buffer[:size]
}

// CanBlock implements ExecutionContext.
func (el *EventLoop) CanBlock() bool {
	return el.tasks.IsEmpty() && el.state.Load() == stateStarted
}

// Delay implements ExecutionContext.
func (el *EventLoop) Delay(now time.Time) time.Duration {
	deadline, ok := el.scheduled.NextDeadline()
	if !ok {
		return -1
	}
	if d := deadline.Sub(now); d > 0 {
		return d
	}
	return 0
}

func (el *EventLoop) run() {
	el.loopID.Store(goroutineID())
	defer close(el.terminated)

	for {
		el.reactor.Run(el)
		el.runTasks(MaxTasksPerRun)
		if el.state.Load() >= stateShuttingDown {
			break
		}
	}

	el.reactor.PrepareToDestroy()
	for el.runTasks(-1) > 0 {
	}
	el.state.Store(stateTerminated)
	// Tasks that raced with the state change are dropped after one last pass.
	el.runTasks(-1)
	el.reactor.Destroy()
}

// runTasks runs due scheduled tasks and then queued tasks, at most max of them if max is positive.
func (el *EventLoop) runTasks(max int) (ran int) {
	now := time.Now()
	for max <= 0 || ran < max {
		st := el.scheduled.PollExpired(now)
		if st == nil {
			break
		}
		el.safeExecute(st.Run)
		ran++
	}
	for max <= 0 || ran < max {
		t := el.tasks.Dequeue()
		if t == nil {
			break
		}
		run := t.Run
		queue.PutTask(t)
		el.safeExecute(run)
		ran++
	}
	return
}

func (el *EventLoop) safeExecute(task func()) {
	defer func() {
		if p := recover(); p != nil {
			el.opts.Logger.Warnf("a task raised a panic: %v", p)
		}
	}()
	task()
}

// Shutdown stops the loop: every registered handle is closed, queued tasks are drained and the
// selector is closed. It waits until the loop goroutine is done or ctx is done. Scheduled tasks
// that are not due yet are dropped. Called on the loop goroutine it returns without waiting.
func (el *EventLoop) Shutdown(ctx context.Context) error {
	if el.state.CompareAndSwap(stateNotStarted, stateTerminated) {
		el.reactor.PrepareToDestroy()
		el.runTasks(-1)
		el.reactor.Destroy()
		close(el.terminated)
		return nil
	}
	if !el.state.CompareAndSwap(stateStarted, stateShuttingDown) {
		return errorx.ErrEventLoopInShutdown
	}
	el.reactor.Wakeup()
	if el.InEventLoop() {
		return nil
	}
	select {
	case <-el.terminated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminated returns a channel closed once the loop goroutine has exited.
func (el *EventLoop) Terminated() <-chan struct{} {
	return el.terminated
}

// goroutineID parses the id of the calling goroutine out of its stack header.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
