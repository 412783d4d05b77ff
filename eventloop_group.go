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
	"errors"
	"hash/crc32"
	"net"
	"sync"
)

// LoadBalancing represents the type of load-balancing algorithm.
type LoadBalancing int

const (
	// RoundRobin assigns the next connection to the event-loop by polling event-loop list.
	RoundRobin LoadBalancing = iota

	// LeastConnections assigns the next connection to the event-loop that is
	// serving the least number of registered handles at the current time.
	LeastConnections

	// SourceAddrHash assigns the next connection to the event-loop by hashing the remote address.
	SourceAddrHash
)

// EventLoopGroup is a fixed set of event loops that connections are spread over.
type EventLoopGroup struct {
	lb            LoadBalancing
	loops         []*EventLoop
	mu            sync.Mutex
	nextLoopIndex int
}

// NewEventLoopGroup creates n event loops sharing the same options.
func NewEventLoopGroup(n int, lb LoadBalancing, options ...Option) (*EventLoopGroup, error) {
	if n <= 0 {
		n = 1
	}
	g := &EventLoopGroup{lb: lb}
	for i := 0; i < n; i++ {
		el, err := NewEventLoop(options...)
		if err != nil {
			_ = g.Shutdown(context.Background())
			return nil, err
		}
		g.loops = append(g.loops, el)
	}
	return g, nil
}

// Start starts every loop of the group.
func (g *EventLoopGroup) Start() {
	for _, el := range g.loops {
		el.Start()
	}
}

// Next returns the loop the next connection from addr should be served by.
func (g *EventLoopGroup) Next(addr net.Addr) *EventLoop {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch g.lb {
	case LeastConnections:
		el := g.loops[0]
		minN := el.handles.Load()
		for _, v := range g.loops[1:] {
			if n := v.handles.Load(); n < minN {
				minN = n
				el = v
			}
		}
		return el
	case SourceAddrHash:
		if addr != nil {
			return g.loops[hash(addr.String())%len(g.loops)]
		}
	}
	el := g.loops[g.nextLoopIndex]
	if g.nextLoopIndex++; g.nextLoopIndex >= len(g.loops) {
		g.nextLoopIndex = 0
	}
	return el
}

// hash converts a string to a non-negative hash code.
func hash(s string) int {
	v := int(crc32.ChecksumIEEE([]byte(s)))
	if v >= 0 {
		return v
	}
	return -v
}

// Iterate calls f for every loop until f returns false.
func (g *EventLoopGroup) Iterate(f func(int, *EventLoop) bool) {
	for i, el := range g.loops {
		if !f(i, el) {
			break
		}
	}
}

// Len returns the number of loops.
func (g *EventLoopGroup) Len() int {
	return len(g.loops)
}

// Shutdown shuts every loop down and returns the errors joined.
func (g *EventLoopGroup) Shutdown(ctx context.Context) error {
	var errs []error
	for _, el := range g.loops {
		if err := el.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
