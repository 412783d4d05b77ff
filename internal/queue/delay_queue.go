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

package queue

import (
	"container/heap"
	"sync/atomic"
	"time"
)

// DelayedTask is a task that becomes runnable at its deadline.
type DelayedTask struct {
	Run       func()
	deadline  time.Time
	seq       uint64
	index     int
	cancelled atomic.Bool
}

// Deadline returns the time the task becomes runnable.
func (t *DelayedTask) Deadline() time.Time { return t.deadline }

// Cancel marks the task cancelled and reports whether this call did it.
// A cancelled task stays queued until it is polled and then dropped.
func (t *DelayedTask) Cancel() bool {
	return t.cancelled.CompareAndSwap(false, true)
}

// IsCancelled reports whether Cancel was called.
func (t *DelayedTask) IsCancelled() bool { return t.cancelled.Load() }

type delayHeap []*DelayedTask

func (h delayHeap) Len() int { return len(h) }

func (h delayHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h delayHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *delayHeap) Push(x any) {
	t := x.(*DelayedTask)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// DelayQueue orders delayed tasks by deadline, ties run in submission order.
// It is not safe for concurrent use.
type DelayQueue struct {
	h   delayHeap
	seq uint64
}

// NewDelayedTask returns a task running fn at deadline, it is queued by DelayQueue.Add.
func NewDelayedTask(fn func(), deadline time.Time) *DelayedTask {
	return &DelayedTask{Run: fn, deadline: deadline, index: -1}
}

// Push queues fn to run at deadline.
func (q *DelayQueue) Push(fn func(), deadline time.Time) *DelayedTask {
	t := NewDelayedTask(fn, deadline)
	q.Add(t)
	return t
}

// Add queues t, tasks added with equal deadlines run in the order they were added.
func (q *DelayQueue) Add(t *DelayedTask) {
	q.seq++
	t.seq = q.seq
	heap.Push(&q.h, t)
}

// Peek returns the task with the nearest deadline, or nil.
func (q *DelayQueue) Peek() *DelayedTask {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// PollExpired removes and returns the nearest task whose deadline is not after now,
// cancelled tasks are discarded on the way.
func (q *DelayQueue) PollExpired(now time.Time) *DelayedTask {
	for len(q.h) > 0 {
		t := q.h[0]
		if t.deadline.After(now) {
			return nil
		}
		heap.Pop(&q.h)
		if !t.IsCancelled() {
			return t
		}
	}
	return nil
}

// NextDeadline returns the nearest deadline of a live task.
func (q *DelayQueue) NextDeadline() (time.Time, bool) {
	for len(q.h) > 0 {
		if t := q.h[0]; !t.IsCancelled() {
			return t.deadline, true
		}
		heap.Pop(&q.h)
	}
	return time.Time{}, false
}

// Len returns the number of queued tasks, cancelled ones included.
func (q *DelayQueue) Len() int { return len(q.h) }

// Drain removes every task and returns the live ones in deadline order.
func (q *DelayQueue) Drain() []*DelayedTask {
	var live []*DelayedTask
	for len(q.h) > 0 {
		if t := heap.Pop(&q.h).(*DelayedTask); !t.IsCancelled() {
			live = append(live, t)
		}
	}
	return live
}
