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

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package socket

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

var listenerBacklogMaxSize = maxListenerBacklog()

// Accept takes one pending connection off the listening socket fd. The new descriptor is
// non-blocking and closed on exec. unix.EAGAIN means the accept queue is empty.
func Accept(fd int) (int, net.Addr, error) {
	nfd, sa, err := sysAccept(fd)
	if err != nil {
		return -1, nil, err
	}
	return nfd, SockaddrToTCPOrUnixAddr(sa), nil
}

// LocalAddr returns the address fd is bound to.
func LocalAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, os.NewSyscallError("getsockname", err)
	}
	return SockaddrToTCPOrUnixAddr(sa), nil
}

// RemoteAddr returns the address of the peer fd is connected to.
func RemoteAddr(fd int) (net.Addr, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil, os.NewSyscallError("getpeername", err)
	}
	return SockaddrToTCPOrUnixAddr(sa), nil
}

// ConnectError returns the outcome of a non-blocking connect once fd turned writable.
func ConnectError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if errno != 0 {
		return os.NewSyscallError("connect", unix.Errno(errno))
	}
	return nil
}

// connect starts a connect on the non-blocking fd, a connect still in progress is not an error.
func connect(fd int, sa unix.Sockaddr) error {
	switch err := unix.Connect(fd, sa); err {
	case nil, unix.EINPROGRESS, unix.EINTR:
		return nil
	default:
		return os.NewSyscallError("connect", err)
	}
}

// listen binds fd to sa and sets the backlog to the maximum.
func listen(fd int, sa unix.Sockaddr) error {
	if err := os.NewSyscallError("bind", unix.Bind(fd, sa)); err != nil {
		return err
	}
	return os.NewSyscallError("listen", unix.Listen(fd, listenerBacklogMaxSize))
}
