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

//go:build darwin || dragonfly || freebsd
// +build darwin dragonfly freebsd

package netpoll

import (
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gmux-io/gmux/pkg/errors"
)

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 64
	// MaxPollEventsCap is the maximum limitation of events that the poller can process.
	MaxPollEventsCap = 512
	// MinPollEventsCap is the minimum limitation of events that the poller can process.
	MinPollEventsCap = 16
)

type eventList struct {
	size   int
	events []unix.Kevent_t
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.Kevent_t, size)}
}

func (el *eventList) expand() {
	if newSize := el.size << 1; newSize <= MaxPollEventsCap {
		el.size = newSize
		el.events = make([]unix.Kevent_t, newSize)
	}
}

func (el *eventList) shrink() {
	if newSize := el.size >> 1; newSize >= MinPollEventsCap {
		el.size = newSize
		el.events = make([]unix.Kevent_t, newSize)
	}
}

var note = []unix.Kevent_t{{
	Ident:  0,
	Filter: unix.EVFILT_USER,
	Fflags: unix.NOTE_TRIGGER,
}}

type kqueueSelector struct {
	*Registry
	kqfd       int
	el         *eventList
	wakeupCall int32
}

// OpenSelector opens the selector of the current platform, kqueue on BSD and Darwin.
func OpenSelector() (Selector, error) {
	s := &kqueueSelector{el: newEventList(InitPollEventsCap)}
	var err error
	if s.kqfd, err = unix.Kqueue(); err != nil {
		return nil, os.NewSyscallError("kqueue", err)
	}
	if _, err = unix.Kevent(s.kqfd, []unix.Kevent_t{{
		Ident:  0,
		Filter: unix.EVFILT_USER,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}, nil, nil); err != nil {
		_ = unix.Close(s.kqfd)
		return nil, os.NewSyscallError("kevent add|clear", err)
	}
	s.Registry = NewRegistry(s)
	return s, nil
}

func (s *kqueueSelector) changes(fd int, old, ops IOOps) []unix.Kevent_t {
	var evs []unix.Kevent_t
	toggle := func(had, want bool, filter int) {
		if had == want {
			return
		}
		var ev unix.Kevent_t
		flags := unix.EV_ADD
		if !want {
			flags = unix.EV_DELETE
		}
		unix.SetKevent(&ev, fd, filter, flags)
		evs = append(evs, ev)
	}
	toggle(old.Has(readSide), ops.Has(readSide), unix.EVFILT_READ)
	toggle(old.Has(writeSide), ops.Has(writeSide), unix.EVFILT_WRITE)
	return evs
}

func (s *kqueueSelector) apply(evs []unix.Kevent_t) error {
	if len(evs) == 0 {
		return nil
	}
	_, err := unix.Kevent(s.kqfd, evs, nil, nil)
	return os.NewSyscallError("kevent", err)
}

func (s *kqueueSelector) Add(fd int, ops IOOps) error {
	return s.apply(s.changes(fd, OpNone, ops))
}

func (s *kqueueSelector) Modify(fd int, old, ops IOOps) error {
	return s.apply(s.changes(fd, old, ops))
}

func (s *kqueueSelector) Remove(fd int, old IOOps) error {
	return s.apply(s.changes(fd, old, OpNone))
}

func (s *kqueueSelector) Select(timeout time.Duration) (int, error) {
	if timeout < 0 {
		return s.wait(nil)
	}
	ts := unix.NsecToTimespec(int64(timeout))
	return s.wait(&ts)
}

func (s *kqueueSelector) SelectNow() (int, error) {
	var ts unix.Timespec
	return s.wait(&ts)
}

func (s *kqueueSelector) wait(tsp *unix.Timespec) (int, error) {
	if s.Closed() {
		return 0, errors.ErrSelectorClosed
	}
	s.BeginSelect()
	n, err := unix.Kevent(s.kqfd, nil, s.el.events, tsp)
	if err == unix.EINTR {
		return 0, errors.ErrInterrupted
	} else if err != nil {
		return 0, os.NewSyscallError("kevent wait", err)
	}
	updated := 0
	for i := 0; i < n; i++ {
		ev := &s.el.events[i]
		if ev.Filter == unix.EVFILT_USER {
			atomic.StoreInt32(&s.wakeupCall, 0)
			continue
		}
		var ops IOOps
		switch {
		case ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0:
			ops = readSide | writeSide
		case ev.Filter == unix.EVFILT_READ:
			ops = readSide
		case ev.Filter == unix.EVFILT_WRITE:
			ops = writeSide
		}
		if s.Ready(int(ev.Ident), ops) {
			updated++
		}
	}
	if n == s.el.size {
		s.el.expand()
	} else if n < s.el.size>>1 {
		s.el.shrink()
	}
	return updated, nil
}

func (s *kqueueSelector) Wakeup() (err error) {
	if !atomic.CompareAndSwapInt32(&s.wakeupCall, 0, 1) {
		return nil
	}
	for {
		_, err = unix.Kevent(s.kqfd, note, nil, nil)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			err = nil
		}
		break
	}
	return os.NewSyscallError("kevent trigger", err)
}

func (s *kqueueSelector) Close() error {
	if s.Closed() {
		return nil
	}
	s.Registry.Close()
	return os.NewSyscallError("close", unix.Close(s.kqfd))
}
