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
Package netpoll provides a portable readiness multiplexer for non-blocking file descriptors.

A Selector reports which registered descriptors are ready for reading, writing, connecting or
accepting. Every registration is represented by a Key that carries the interest set, the ready
set computed by the last select and an opaque attachment. Keys are cancelled lazily: Key.Cancel
marks the key invalid at once and the descriptor is removed from the OS facility at the start
of the next select, which is why registering a descriptor whose key was cancelled but not yet
flushed fails with errors.ErrCancelledKey until another select runs.

The underlying facility of event notification is OS-specific:
  - epoll on Linux - https://man7.org/linux/man-pages/man7/epoll.7.html
  - kqueue on *BSD/Darwin - https://man.freebsd.org/cgi/man.cgi?kqueue

Ready keys are published into one of two views. The generic view is a KeySet whose iterator
supports removing the current element. Selectors that implement KeyArrayPublisher can instead
append ready keys into a flat KeyArray, which the consumer walks by index and clears slot by slot:

	sel, err := netpoll.OpenSelector()
	if err != nil {
		// handle error
	}
	defer sel.Close()

	key, err := sel.Register(fd, netpoll.OpRead, conn)
	if err != nil {
		// handle error
	}

	n, err := sel.Select(time.Second)
	if err != nil {
		// handle error
	}
	it := sel.SelectedKeys().Iterator()
	for it.HasNext() {
		k := it.Next()
		it.Remove()
		// k.ReadyOps() tells what k.Attachment() is ready for.
	}
*/
package netpoll

import (
	"strings"
	"time"
)

// IOOps is a bit set of the I/O operations a descriptor is interested in or ready for.
type IOOps uint32

const (
	// OpNone is the empty interest set.
	OpNone IOOps = 0
	// OpRead is set when the descriptor has bytes to read or reached EOF.
	OpRead IOOps = 1 << 0
	// OpWrite is set when the descriptor can accept more bytes without blocking.
	OpWrite IOOps = 1 << 2
	// OpConnect is set when a non-blocking connect finished or failed.
	OpConnect IOOps = 1 << 3
	// OpAccept is set when a listening descriptor has a pending connection.
	OpAccept IOOps = 1 << 4

	readSide  = OpRead | OpAccept
	writeSide = OpWrite | OpConnect
)

// Contains reports whether every bit of other is set in ops.
func (ops IOOps) Contains(other IOOps) bool {
	return ops&other == other
}

// Has reports whether any bit of other is set in ops.
func (ops IOOps) Has(other IOOps) bool {
	return ops&other != 0
}

func (ops IOOps) String() string {
	if ops == OpNone {
		return "NONE"
	}
	var parts []string
	if ops.Has(OpRead) {
		parts = append(parts, "READ")
	}
	if ops.Has(OpWrite) {
		parts = append(parts, "WRITE")
	}
	if ops.Has(OpConnect) {
		parts = append(parts, "CONNECT")
	}
	if ops.Has(OpAccept) {
		parts = append(parts, "ACCEPT")
	}
	return strings.Join(parts, "|")
}

// Selector is the readiness multiplexer contract.
//
// Except for Wakeup, the methods of a Selector must only be called from one goroutine at a time,
// which in practice is the goroutine running the reactor that owns it.
type Selector interface {
	// Register binds fd with the initial interest ops and returns its key.
	Register(fd int, ops IOOps, attachment any) (*Key, error)
	// Select blocks until at least one key is ready, Wakeup is called or the timeout elapses,
	// a negative timeout blocks indefinitely. It returns the number of keys whose ready set
	// was updated, a signal interruption is reported as errors.ErrInterrupted.
	Select(timeout time.Duration) (int, error)
	// SelectNow is a non-blocking Select.
	SelectNow() (int, error)
	// Wakeup makes the current or next Select return immediately, it is safe for concurrent use.
	Wakeup() error
	// Keys returns the keys still registered, cancelled keys included until they are flushed.
	Keys() []*Key
	// KeyFor returns the key registered for fd, or nil.
	KeyFor(fd int) *Key
	// SelectedKeys returns the generic view of ready keys.
	SelectedKeys() *KeySet
	// Close releases the OS facility and invalidates every key.
	Close() error
}

// KeyArrayPublisher is implemented by selectors that can publish ready keys into a flat
// array instead of the generic KeySet.
type KeyArrayPublisher interface {
	PublishInto(a *KeyArray)
}

// Controller applies interest changes to the OS facility behind a Registry.
type Controller interface {
	Add(fd int, ops IOOps) error
	Modify(fd int, old, ops IOOps) error
	Remove(fd int, old IOOps) error
}

// Provider opens new selectors, it is what the reactor calls when it needs to rebuild.
type Provider func() (Selector, error)
