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
	"net"
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFakeGroup(tb testing.TB, n int, lb LoadBalancing) *EventLoopGroup {
	p := &fakeProvider{}
	g, err := NewEventLoopGroup(n, lb, WithSelectorProvider(p.open), WithMetricSink(&metrics.BlackholeSink{}))
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = g.Shutdown(context.Background()) })
	return g
}

func TestEventLoopGroupRoundRobin(t *testing.T) {
	g := newFakeGroup(t, 3, RoundRobin)
	require.Equal(t, 3, g.Len())

	var loops []*EventLoop
	g.Iterate(func(_ int, el *EventLoop) bool {
		loops = append(loops, el)
		return true
	})
	for i := 0; i < 7; i++ {
		assert.Same(t, loops[i%3], g.Next(nil))
	}
}

func TestEventLoopGroupLeastConnections(t *testing.T) {
	g := newFakeGroup(t, 3, LeastConnections)
	first := g.Next(nil)
	_, err := first.Register(newRecordingHandle(10, nil))
	require.NoError(t, err)

	second := g.Next(nil)
	assert.NotSame(t, first, second)
	_, err = second.Register(newRecordingHandle(11, nil))
	require.NoError(t, err)

	third := g.Next(nil)
	assert.NotSame(t, first, third)
	assert.NotSame(t, second, third)

	first.deregistered()
	assert.Same(t, first, g.Next(nil))
}

func TestEventLoopGroupSourceAddrHash(t *testing.T) {
	g := newFakeGroup(t, 4, SourceAddrHash)
	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5000}
	el := g.Next(addr)
	for i := 0; i < 5; i++ {
		assert.Same(t, el, g.Next(addr))
	}
	assert.Same(t, g.loops[hash(addr.String())%4], el)
	assert.NotNil(t, g.Next(nil), "no address falls back to round-robin")
}

func TestEventLoopGroupIterateStops(t *testing.T) {
	g := newFakeGroup(t, 4, RoundRobin)
	visited := 0
	g.Iterate(func(i int, _ *EventLoop) bool {
		visited++
		return i < 1
	})
	assert.Equal(t, 2, visited)
}

func TestEventLoopGroupShutdown(t *testing.T) {
	p := &fakeProvider{}
	g, err := NewEventLoopGroup(0, RoundRobin, WithSelectorProvider(p.open))
	require.NoError(t, err)
	assert.Equal(t, 1, g.Len(), "a group has at least one loop")
	g.Start()
	require.NoError(t, g.Shutdown(context.Background()))
	g.Iterate(func(_ int, el *EventLoop) bool {
		await(t, el.Terminated())
		return true
	})
	assert.Error(t, g.Shutdown(context.Background()))
}
