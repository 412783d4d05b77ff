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

/*
Package gmux is a readiness-based event loop with an HTTP/2-style stream multiplexer on top of it.

A Reactor owns a netpoll.Selector and drives the select/dispatch cycle for every Handle registered
on it: it mitigates spurious wakeups, coalesces wakeup requests coming from other goroutines and
rebuilds its selector when the OS keeps returning from select with nothing ready. An EventLoop binds
a Reactor to one goroutine together with a task queue and a timer queue, and is the executor every
connection and every stream of that connection runs on.

Conn is the socket transport: it decodes HTTP/2 frames from the wire and hands them to a
mux.Multiplexer, which fans the connection out into many flow-controlled mux.StreamChannel values.

A client opening one stream looks like:

	loop, err := gmux.NewEventLoop()
	if err != nil {
		log.Fatal(err)
	}
	loop.Start()
	defer loop.Shutdown(context.Background())

	conn, err := gmux.Dial(context.Background(), loop, "tcp", "127.0.0.1:8080", connHandler)
	if err != nil {
		log.Fatal(err)
	}
	loop.Execute(func() {
		ch, err := conn.Multiplexer().OpenStream(streamHandler)
		if err != nil {
			return
		}
		ch.WriteAndFlush(&mux.HeadersFrame{Headers: hdrs, EndStream: true})
	})
*/
package gmux

import (
	"time"

	"github.com/gmux-io/gmux/pkg/netpoll"
)

// Handle is an I/O object that can be registered on a Reactor.
type Handle interface {
	// Fd returns the descriptor to poll.
	Fd() int
	// Handle is invoked on the loop goroutine with the operations the descriptor is ready for.
	Handle(reg *Registration, ready netpoll.IOOps)
	// Close releases the handle, it must be idempotent.
	Close() error
}

// HandleFunc adapts a descriptor and a readiness callback into a Handle whose Close is a no-op.
type HandleFunc struct {
	FD      int
	OnReady func(reg *Registration, ready netpoll.IOOps)
	OnClose func() error
}

// Fd implements Handle.
func (h *HandleFunc) Fd() int { return h.FD }

// Handle implements Handle.
func (h *HandleFunc) Handle(reg *Registration, ready netpoll.IOOps) { h.OnReady(reg, ready) }

// Close implements Handle.
func (h *HandleFunc) Close() error {
	if h.OnClose != nil {
		return h.OnClose()
	}
	return nil
}

// ExecutionContext is what a Reactor asks its owner before it waits.
type ExecutionContext interface {
	// CanBlock reports whether the caller has no pending work, in which case the reactor may block.
	CanBlock() bool
	// Delay returns the time left until the nearest scheduled task, negative if there is none.
	Delay(now time.Time) time.Duration
}
