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

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package gmux

import (
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/gmux-io/gmux/pkg/netpoll"
)

func TestReactorBlocksOnHangupWithoutInterest(t *testing.T) {
	sink := metrics.NewInmemSink(time.Minute, time.Minute)
	r, err := NewReactor(WithOptions(Options{Logger: zap.NewNop().Sugar(), MetricSink: sink}))
	require.NoError(t, err)
	t.Cleanup(r.Destroy)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = unix.Close(fds[0]) })
	h := newRecordingHandle(fds[0], nil)
	reg, err := r.Register(h)
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[1]))

	wait := fakeContext{canBlock: true, delay: 50 * time.Millisecond}
	for i := 0; i < 3; i++ {
		start := time.Now()
		assert.Zero(t, r.Run(wait))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "turn %d returned early", i)
	}
	assert.Zero(t, counter(t, sink, "gmux.selector.rebuild"))
	assert.Zero(t, counter(t, sink, "gmux.selector.premature"))
	assert.Zero(t, h.dispatched())

	_, err = reg.Submit(netpoll.OpRead)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Run(wait))
	require.Equal(t, 1, h.dispatched())
	assert.Equal(t, netpoll.OpRead, h.ready[0])
}
