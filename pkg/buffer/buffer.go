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

// Package buffer provides reference-counted byte regions.
//
// A Buffer is a view over a pooled backing array. Views produced by Split share the array of
// their parent and keep it alive; the array goes back to its pool once every view over it has
// been released. Buffers must be released on every path, including failed writes.
package buffer

import (
	"fmt"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"github.com/gmux-io/gmux/pkg/errors"
)

// Allocator produces buffers.
type Allocator interface {
	// Allocate returns an empty buffer able to hold at least capacity bytes without growing.
	Allocate(capacity int) *Buffer
	// Wrap returns a buffer holding a copy of p.
	Wrap(p []byte) *Buffer
}

// PooledAllocator allocates buffers backed by a bytebufferpool.Pool.
type PooledAllocator struct {
	pool *bytebufferpool.Pool
	live atomic.Int64
}

// NewPooledAllocator returns an allocator with its own pool.
func NewPooledAllocator() *PooledAllocator {
	return &PooledAllocator{pool: new(bytebufferpool.Pool)}
}

// Default is the process-wide allocator.
var Default = NewPooledAllocator()

// Allocate implements Allocator.
func (a *PooledAllocator) Allocate(capacity int) *Buffer {
	bb := a.pool.Get()
	if cap(bb.B) < capacity {
		bb.B = make([]byte, 0, capacity)
	}
	a.live.Add(1)
	r := &root{bb: bb, alloc: a}
	r.refs.Store(1)
	b := &Buffer{root: r}
	b.refs.Store(1)
	return b
}

// Wrap implements Allocator.
func (a *PooledAllocator) Wrap(p []byte) *Buffer {
	b := a.Allocate(len(p))
	_, _ = b.Write(p)
	return b
}

// Outstanding returns the number of backing arrays not yet returned to the pool.
func (a *PooledAllocator) Outstanding() int64 {
	return a.live.Load()
}

type root struct {
	bb    *bytebufferpool.ByteBuffer
	alloc *PooledAllocator
	refs  atomic.Int32
}

func (r *root) release() {
	if r.refs.Add(-1) == 0 {
		r.bb.Reset()
		r.alloc.pool.Put(r.bb)
		r.bb = nil
		r.alloc.live.Add(-1)
	}
}

// Buffer is a reference-counted view of readable bytes.
type Buffer struct {
	root       *root
	start, end int
	refs       atomic.Int32
}

// Bytes returns the readable bytes, valid until the buffer is released.
func (b *Buffer) Bytes() []byte {
	b.ensureAccessible()
	return b.root.bb.B[b.start:b.end]
}

// Len returns the number of readable bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// RefCnt returns the current reference count.
func (b *Buffer) RefCnt() int32 {
	return b.refs.Load()
}

// Retain increments the reference count.
func (b *Buffer) Retain() *Buffer {
	b.ensureAccessible()
	b.refs.Add(1)
	return b
}

// Release decrements the reference count and reports whether the buffer was deallocated.
func (b *Buffer) Release() bool {
	n := b.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("buffer: illegal reference count %d", n))
	}
	if n == 0 {
		b.root.release()
		return true
	}
	return false
}

// Write appends p, which is only possible on the buffer that owns the tail of its backing array.
func (b *Buffer) Write(p []byte) (int, error) {
	b.ensureAccessible()
	if b.end != len(b.root.bb.B) {
		return 0, errors.ErrUnsupportedOp
	}
	n, _ := b.root.bb.Write(p)
	b.end += n
	return n, nil
}

// Skip discards the first n readable bytes.
func (b *Buffer) Skip(n int) {
	if n > b.Len() {
		n = b.Len()
	}
	b.start += n
}

// Split returns a new view holding the first n readable bytes and advances b past them.
// The returned buffer has its own reference count and keeps the backing array alive.
func (b *Buffer) Split(n int) *Buffer {
	b.ensureAccessible()
	if n > b.Len() {
		n = b.Len()
	}
	b.root.refs.Add(1)
	s := &Buffer{root: b.root, start: b.start, end: b.start + n}
	s.refs.Store(1)
	b.start += n
	return s
}

// Copy returns an independent buffer with the same readable bytes.
func (b *Buffer) Copy() *Buffer {
	return b.root.alloc.Wrap(b.Bytes())
}

func (b *Buffer) ensureAccessible() {
	if b.refs.Load() <= 0 {
		panic("buffer: access to a released buffer")
	}
}

// ReleaseAll releases every non-nil buffer.
func ReleaseAll(bufs ...*Buffer) {
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}
}
