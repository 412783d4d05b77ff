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

//go:build linux
// +build linux

package netpoll

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gmux-io/gmux/pkg/errors"
)

const (
	// InitPollEventsCap represents the initial capacity of poller event-list.
	InitPollEventsCap = 128
	// MaxPollEventsCap is the maximum limitation of events that the poller can process.
	MaxPollEventsCap = 1024
	// MinPollEventsCap is the minimum limitation of events that the poller can process.
	MinPollEventsCap = 32
)

type eventList struct {
	size   int
	events []unix.EpollEvent
}

func newEventList(size int) *eventList {
	return &eventList{size, make([]unix.EpollEvent, size)}
}

func (el *eventList) expand() {
	if newSize := el.size << 1; newSize <= MaxPollEventsCap {
		el.size = newSize
		el.events = make([]unix.EpollEvent, newSize)
	}
}

func (el *eventList) shrink() {
	if newSize := el.size >> 1; newSize >= MinPollEventsCap {
		el.size = newSize
		el.events = make([]unix.EpollEvent, newSize)
	}
}

// Make the endianness of bytes compatible with more linux OSs under different processor-architectures,
// according to http://man7.org/linux/man-pages/man2/eventfd.2.html.
var (
	u uint64 = 1
	b        = (*(*[8]byte)(unsafe.Pointer(&u)))[:]
)

type epollSelector struct {
	*Registry
	epfd       int
	efd        int
	efdBuf     []byte
	el         *eventList
	wakeupCall int32
}

// OpenSelector opens the selector of the current platform, epoll on Linux.
func OpenSelector() (Selector, error) {
	s := &epollSelector{efdBuf: make([]byte, 8), el: newEventList(InitPollEventsCap)}
	var err error
	if s.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if s.efd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		_ = unix.Close(s.epfd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	if err = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, s.efd,
		&unix.EpollEvent{Fd: int32(s.efd), Events: unix.EPOLLIN}); err != nil {
		_ = unix.Close(s.efd)
		_ = unix.Close(s.epfd)
		return nil, os.NewSyscallError("epoll_ctl add", err)
	}
	s.Registry = NewRegistry(s)
	return s, nil
}

func epollEvents(ops IOOps) uint32 {
	var ev uint32
	if ops.Has(readSide) {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if ops.Has(writeSide) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func readyOps(ev uint32) IOOps {
	if ev&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// Let whichever operation is pending observe the error.
		return readSide | writeSide
	}
	var ops IOOps
	if ev&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		ops |= readSide
	}
	if ev&unix.EPOLLOUT != 0 {
		ops |= writeSide
	}
	return ops
}

// Add puts fd in the epoll set unless ops is empty: epoll reports EPOLLHUP and EPOLLERR
// even for an empty event mask, so a descriptor without interest is kept out of it.
func (s *epollSelector) Add(fd int, ops IOOps) error {
	ev := epollEvents(ops)
	if ev == 0 {
		return nil
	}
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: ev}))
}

func (s *epollSelector) Modify(fd int, old, ops IOOps) error {
	oldEv, ev := epollEvents(old), epollEvents(ops)
	switch {
	case oldEv == ev:
		return nil
	case oldEv == 0:
		return s.Add(fd, ops)
	case ev == 0:
		return s.Remove(fd, old)
	}
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: ev}))
}

func (s *epollSelector) Remove(fd int, old IOOps) error {
	if epollEvents(old) == 0 {
		return nil
	}
	return os.NewSyscallError("epoll_ctl del", unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, nil))
}

func (s *epollSelector) Select(timeout time.Duration) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	return s.wait(msec)
}

func (s *epollSelector) SelectNow() (int, error) {
	return s.wait(0)
}

func (s *epollSelector) wait(msec int) (int, error) {
	if s.Closed() {
		return 0, errors.ErrSelectorClosed
	}
	s.BeginSelect()
	n, err := unix.EpollWait(s.epfd, s.el.events, msec)
	if err == unix.EINTR {
		return 0, errors.ErrInterrupted
	} else if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	updated := 0
	for i := 0; i < n; i++ {
		ev := &s.el.events[i]
		if fd := int(ev.Fd); fd == s.efd {
			_, _ = unix.Read(s.efd, s.efdBuf)
			atomic.StoreInt32(&s.wakeupCall, 0)
		} else if s.Ready(fd, readyOps(ev.Events)) {
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

func (s *epollSelector) Wakeup() (err error) {
	if !atomic.CompareAndSwapInt32(&s.wakeupCall, 0, 1) {
		return nil
	}
	for {
		_, err = unix.Write(s.efd, b)
		if err == unix.EAGAIN {
			_, _ = unix.Read(s.efd, s.efdBuf)
			continue
		}
		break
	}
	return os.NewSyscallError("write", err)
}

func (s *epollSelector) Close() error {
	if s.Closed() {
		return nil
	}
	s.Registry.Close()
	_ = unix.Close(s.efd)
	return os.NewSyscallError("close", unix.Close(s.epfd))
}
