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

//go:build linux || darwin || dragonfly || freebsd
// +build linux darwin dragonfly freebsd

package netpoll

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func openPipe(t *testing.T) (r, w int) {
	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))
	require.NoError(t, unix.SetNonblock(fds[0], true))
	require.NoError(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSelectorReadiness(t *testing.T) {
	sel, err := OpenSelector()
	require.NoError(t, err)
	defer sel.Close()

	r, w := openPipe(t)
	rk, err := sel.Register(r, OpRead, "reader")
	require.NoError(t, err)
	wk, err := sel.Register(w, OpWrite, "writer")
	require.NoError(t, err)

	n, err := sel.SelectNow()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, sel.SelectedKeys().Contains(wk))
	assert.Equal(t, OpWrite, wk.ReadyOps())

	require.NoError(t, wk.SetInterestOps(OpNone))
	_, err = unix.Write(w, []byte("ping"))
	require.NoError(t, err)

	n, err = sel.Select(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, sel.SelectedKeys().Contains(rk))
	assert.Equal(t, OpRead, rk.ReadyOps())
	assert.Equal(t, "reader", rk.Attachment())
}

func TestSelectorTimeout(t *testing.T) {
	sel, err := OpenSelector()
	require.NoError(t, err)
	defer sel.Close()

	start := time.Now()
	n, err := sel.Select(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestSelectorWakeup(t *testing.T) {
	sel, err := OpenSelector()
	require.NoError(t, err)
	defer sel.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, sel.Wakeup())
		}()
	}
	wg.Wait()

	start := time.Now()
	n, err := sel.Select(-1)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Less(t, time.Since(start), time.Second)
}

func TestSelectorCancelAndReregister(t *testing.T) {
	sel, err := OpenSelector()
	require.NoError(t, err)
	defer sel.Close()

	r, _ := openPipe(t)
	k, err := sel.Register(r, OpRead, nil)
	require.NoError(t, err)
	k.Cancel()
	_, err = sel.SelectNow()
	require.NoError(t, err)
	assert.Nil(t, sel.KeyFor(r))

	k, err = sel.Register(r, OpRead, nil)
	require.NoError(t, err)
	assert.True(t, k.IsValid())
	require.NoError(t, sel.Close())
	assert.False(t, k.IsValid())
}

func TestSelectorKeyArray(t *testing.T) {
	sel, err := OpenSelector()
	require.NoError(t, err)
	defer sel.Close()

	p, ok := sel.(KeyArrayPublisher)
	require.True(t, ok)
	a := NewKeyArray()
	p.PublishInto(a)

	_, w := openPipe(t)
	k, err := sel.Register(w, OpWrite, nil)
	require.NoError(t, err)
	n, err := sel.SelectNow()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Equal(t, 1, a.Size())
	assert.Same(t, k, a.Take(0))
}

func TestSelectorIgnoresHangupWithoutInterest(t *testing.T) {
	sel, err := OpenSelector()
	require.NoError(t, err)
	defer sel.Close()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	k, err := sel.Register(fds[0], OpNone, nil)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))

	start := time.Now()
	n, err := sel.Select(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "a hangup without interest must not end the wait")

	require.NoError(t, k.SetInterestOps(OpRead))
	n, err = sel.SelectNow()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, OpRead, k.ReadyOps())

	require.NoError(t, k.SetInterestOps(OpNone))
	start = time.Now()
	n, err = sel.Select(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	k.Cancel()
	_, err = sel.SelectNow()
	require.NoError(t, err)
	assert.Nil(t, sel.KeyFor(fds[0]))
}
