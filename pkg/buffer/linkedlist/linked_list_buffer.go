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

// Package linkedlist provides the outbound byte queue of a socket transport.
//
// Every chunk pushed may carry a promise that is completed once the last byte of the chunk
// has been discarded, which is when the bytes were handed to the kernel.
package linkedlist

import (
	"math"

	bsPool "github.com/gmux-io/gmux/pkg/pool/byteslice"
	"github.com/gmux-io/gmux/pkg/promise"
)

type node struct {
	buf     []byte
	pooled  []byte
	promise *promise.Future
	next    *node
}

func (b *node) len() int {
	return len(b.buf)
}

// Buffer is a linked list of node.
type Buffer struct {
	bs    [][]byte
	head  *node
	tail  *node
	size  int
	bytes int
}

// PushBack copies p onto the tail of the list, f is completed once p is fully discarded.
// An empty p completes f once every chunk before it has been discarded.
func (llb *Buffer) PushBack(p []byte, f *promise.Future) {
	n := len(p)
	var b []byte
	if n > 0 {
		b = bsPool.Get(n)
		copy(b, p)
	}
	if n == 0 && llb.head == nil {
		if f != nil {
			f.TrySuccess()
		}
		return
	}
	llb.pushBack(&node{buf: b, pooled: b, promise: f})
}

// Peek assembles the up to maxBytes of [][]byte based on the list of node,
// it won't remove these nodes from l until Discard() is called.
func (llb *Buffer) Peek(maxBytes int) [][]byte {
	if maxBytes <= 0 {
		maxBytes = math.MaxInt32
	}
	llb.bs = llb.bs[:0]
	var cum int
	for iter := llb.head; iter != nil; iter = iter.next {
		if iter.len() == 0 {
			continue
		}
		llb.bs = append(llb.bs, iter.buf)
		if cum += iter.len(); cum >= maxBytes {
			break
		}
	}
	return llb.bs
}

// Discard removes n bytes from the head and completes the promises of every chunk fully removed.
func (llb *Buffer) Discard(n int) (discarded int) {
	for {
		b := llb.head
		if b == nil {
			break
		}
		if n < b.len() {
			b.buf = b.buf[n:]
			llb.bytes -= n
			discarded += n
			break
		}
		llb.pop()
		n -= b.len()
		discarded += b.len()
		llb.recycle(b)
		if b.promise != nil {
			b.promise.TrySuccess()
		}
	}
	return
}

// Len returns the length of the list.
func (llb *Buffer) Len() int {
	return llb.size
}

// Buffered returns the number of bytes waiting in the buffer.
func (llb *Buffer) Buffered() int {
	return llb.bytes
}

// IsEmpty reports whether l is empty.
func (llb *Buffer) IsEmpty() bool {
	return llb.head == nil
}

// Reset removes all elements from this list and fails their promises with cause.
func (llb *Buffer) Reset(cause error) {
	for b := llb.pop(); b != nil; b = llb.pop() {
		llb.recycle(b)
		if b.promise != nil {
			b.promise.TryFailure(cause)
		}
	}
	llb.head = nil
	llb.tail = nil
	llb.size = 0
	llb.bytes = 0
	llb.bs = llb.bs[:0]
}

func (llb *Buffer) recycle(b *node) {
	if b.pooled != nil {
		bsPool.Put(b.pooled)
		b.pooled, b.buf = nil, nil
	}
}

// pop returns and removes the head of l. If l is empty, it returns nil.
func (llb *Buffer) pop() *node {
	if llb.head == nil {
		return nil
	}
	b := llb.head
	llb.head = b.next
	if llb.head == nil {
		llb.tail = nil
	}
	b.next = nil
	llb.size--
	llb.bytes -= b.len()
	return b
}

// pushBack adds a new node to the tail of l.
func (llb *Buffer) pushBack(b *node) {
	if llb.tail == nil {
		llb.head = b
	} else {
		llb.tail.next = b
	}
	b.next = nil
	llb.tail = b
	llb.size++
	llb.bytes += b.len()
}
