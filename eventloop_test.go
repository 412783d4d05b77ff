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
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errorx "github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/netpoll"
)

func newFakeLoop(tb testing.TB) (*EventLoop, *fakeProvider) {
	p := &fakeProvider{}
	el, err := NewEventLoop(WithSelectorProvider(p.open), WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(tb, err)
	return el, p
}

func startFakeLoop(tb testing.TB) (*EventLoop, *fakeProvider) {
	el, p := newFakeLoop(tb)
	el.Start()
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = el.Shutdown(ctx)
	})
	return el, p
}

func await(tb testing.TB, ch <-chan struct{}) {
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out")
	}
}

func TestEventLoopExecute(t *testing.T) {
	el, _ := startFakeLoop(t)
	assert.False(t, el.InEventLoop())

	done := make(chan struct{})
	var onLoop, nested bool
	require.NoError(t, el.Execute(func() {
		onLoop = el.InEventLoop()
		_ = el.Execute(func() {
			nested = el.InEventLoop()
			close(done)
		})
	}))
	await(t, done)
	assert.True(t, onLoop)
	assert.True(t, nested)

	assert.ErrorIs(t, el.Execute(nil), errorx.ErrNilRunnable)
}

func TestEventLoopTasksRunInOrder(t *testing.T) {
	el, _ := startFakeLoop(t)
	var (
		mu    sync.Mutex
		order []int
	)
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.NoError(t, el.Execute(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			if i == 99 {
				close(done)
			}
		}))
	}
	await(t, done)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestEventLoopSchedule(t *testing.T) {
	el, _ := startFakeLoop(t)
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(s string) func() {
		return func() {
			mu.Lock()
			order = append(order, s)
			mu.Unlock()
		}
	}
	done := make(chan struct{})
	_, err := el.Schedule(func() { record("30ms")(); close(done) }, 30*time.Millisecond)
	require.NoError(t, err)
	_, err = el.Schedule(record("10ms"), 10*time.Millisecond)
	require.NoError(t, err)
	cancelled, err := el.Schedule(record("20ms"), 20*time.Millisecond)
	require.NoError(t, err)
	_, err = el.Schedule(record("now"), -time.Second)
	require.NoError(t, err)

	assert.True(t, cancelled.Cancel())
	assert.True(t, cancelled.IsCancelled())
	assert.False(t, cancelled.Cancel())

	start := time.Now()
	await(t, done)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"now", "10ms", "30ms"}, order)

	_, err = el.Schedule(nil, 0)
	assert.ErrorIs(t, err, errorx.ErrNilRunnable)
}

func TestEventLoopSurvivesPanickingTask(t *testing.T) {
	el, _ := startFakeLoop(t)
	require.NoError(t, el.Execute(func() { panic("boom") }))
	done := make(chan struct{})
	require.NoError(t, el.Execute(func() { close(done) }))
	await(t, done)
}

func TestEventLoopDispatchesRegisteredHandles(t *testing.T) {
	el, p := startFakeLoop(t)
	ready := make(chan netpoll.IOOps, 1)
	h := newRecordingHandle(10, func(reg *Registration, ops netpoll.IOOps) {
		assert.True(t, el.InEventLoop())
		p.last().setReady(10, netpoll.OpNone)
		ready <- ops
	})
	reg, err := el.Register(h)
	require.NoError(t, err)
	assert.Same(t, el.Reactor(), reg.Reactor())
	assert.Same(t, h, reg.Handle())
	assert.Equal(t, int32(1), el.handles.Load())

	require.NoError(t, el.Execute(func() { _, _ = reg.Submit(netpoll.OpRead) }))
	p.last().setReady(10, netpoll.OpRead)
	el.Reactor().Wakeup()

	select {
	case ops := <-ready:
		assert.Equal(t, netpoll.OpRead, ops)
	case <-time.After(5 * time.Second):
		t.Fatal("handle was not dispatched")
	}
}

func TestEventLoopShutdown(t *testing.T) {
	el, p := newFakeLoop(t)
	el.Start()
	h := newRecordingHandle(10, nil)
	_, err := el.Register(h)
	require.NoError(t, err)

	// Queued tasks still run during the shutdown.
	ran := make(chan struct{})
	require.NoError(t, el.Execute(func() { close(ran) }))

	require.NoError(t, el.Shutdown(context.Background()))
	await(t, ran)
	await(t, el.Terminated())
	assert.Equal(t, 1, h.closed)
	assert.True(t, p.last().Closed())

	assert.ErrorIs(t, el.Execute(func() {}), errorx.ErrEventLoopShutdown)
	assert.ErrorIs(t, el.Shutdown(context.Background()), errorx.ErrEventLoopInShutdown)
	_, err = el.Register(newRecordingHandle(11, nil))
	assert.Error(t, err)
}

func TestEventLoopShutdownBeforeStart(t *testing.T) {
	el, p := newFakeLoop(t)
	h := newRecordingHandle(10, nil)
	_, err := el.Register(h)
	require.NoError(t, err)
	ran := false
	require.NoError(t, el.Execute(func() { ran = true }))

	require.NoError(t, el.Shutdown(context.Background()))
	await(t, el.Terminated())
	assert.True(t, ran)
	assert.Equal(t, 1, h.closed)
	assert.True(t, p.last().Closed())
}

func TestEventLoopShutdownFromLoop(t *testing.T) {
	el, _ := newFakeLoop(t)
	el.Start()
	errCh := make(chan error, 1)
	require.NoError(t, el.Execute(func() {
		errCh <- el.Shutdown(context.Background())
	}))
	require.NoError(t, <-errCh)
	await(t, el.Terminated())
}

func TestEventLoopCanBlock(t *testing.T) {
	el, _ := newFakeLoop(t)
	assert.False(t, el.CanBlock(), "a loop that is not started never blocks")
	assert.Negative(t, el.Delay(time.Now()))

	el.state.Store(stateStarted)
	assert.True(t, el.CanBlock())
	require.NoError(t, el.Execute(func() {}))
	assert.False(t, el.CanBlock(), "pending tasks keep the loop busy")
	el.runTasks(-1)
	assert.True(t, el.CanBlock())

	_, err := el.Schedule(func() {}, time.Hour)
	require.NoError(t, err)
	el.runTasks(-1)
	d := el.Delay(time.Now())
	assert.Greater(t, d, 59*time.Minute)
	el.state.Store(stateNotStarted)
}
