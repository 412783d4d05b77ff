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

// Package queue provides the task queues behind an event loop: a lock-free multi-producer
// queue for immediate tasks and a deadline-ordered queue for delayed ones.
package queue

import "sync"

// Task is a unit of work submitted to an event loop.
type Task struct {
	Run func()
}

var taskPool = sync.Pool{New: func() any { return new(Task) }}

// GetTask gets a cached Task from pool.
func GetTask() *Task {
	return taskPool.Get().(*Task)
}

// PutTask puts the trashy Task back in pool.
func PutTask(task *Task) {
	task.Run = nil
	taskPool.Put(task)
}

// TaskQueue is a queue storing asynchronous tasks.
type TaskQueue interface {
	Enqueue(*Task)
	Dequeue() *Task
	IsEmpty() bool
	Length() int32
}
