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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func acceptEventually(t *testing.T, lfd int) (int, net.Addr) {
	deadline := time.Now().Add(time.Second)
	for {
		nfd, addr, err := Accept(lfd)
		if err == unix.EAGAIN && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
			continue
		}
		require.NoError(t, err)
		return nfd, addr
	}
}

func TestTCPSocketListenConnectAccept(t *testing.T) {
	lfd, laddr, err := TCPSocket("tcp", "127.0.0.1:0", true, Option{SetSockOpt: SetReuseAddr, Opt: 1})
	require.NoError(t, err)
	defer unix.Close(lfd)

	tcpAddr, ok := laddr.(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, tcpAddr.Port, "the kernel picked a port")
	assert.True(t, tcpAddr.IP.Equal(net.IPv4(127, 0, 0, 1)))

	cfd, raddr, err := TCPSocket("tcp", laddr.String(), false, Option{SetSockOpt: SetNoDelay, Opt: 1})
	require.NoError(t, err)
	defer unix.Close(cfd)
	assert.Equal(t, laddr.String(), raddr.String())

	nfd, peer := acceptEventually(t, lfd)
	defer unix.Close(nfd)

	require.Eventually(t, func() bool {
		_, err := RemoteAddr(cfd)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	assert.NoError(t, ConnectError(cfd))

	local, err := LocalAddr(cfd)
	require.NoError(t, err)
	assert.Equal(t, local.String(), peer.String())

	flags, err := unix.FcntlInt(uintptr(nfd), unix.F_GETFL, 0)
	require.NoError(t, err)
	assert.NotZero(t, flags&unix.O_NONBLOCK, "accepted sockets are non-blocking")
}

func TestAcceptOnEmptyQueue(t *testing.T) {
	lfd, _, err := TCPSocket("tcp4", "127.0.0.1:0", true)
	require.NoError(t, err)
	defer unix.Close(lfd)

	_, _, err = Accept(lfd)
	assert.Equal(t, unix.EAGAIN, err)
}

func TestTCPSocketRejectsUnknownNetwork(t *testing.T) {
	_, _, err := TCPSocket("udp", "127.0.0.1:0", true)
	assert.Error(t, err)
}

func TestUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gmux.sock")
	lfd, laddr, err := UnixSocket("unix", path, true)
	require.NoError(t, err)
	defer unix.Close(lfd)
	assert.Equal(t, path, laddr.String())

	cfd, _, err := UnixSocket("unix", path, false)
	require.NoError(t, err)
	defer unix.Close(cfd)

	nfd, _ := acceptEventually(t, lfd)
	defer unix.Close(nfd)

	_, err = unix.Write(cfd, []byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.Eventually(t, func() bool {
		n, err := unix.Read(nfd, buf)
		return err == nil && n == 4
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "ping", string(buf))
}

func TestSockaddrToTCPOrUnixAddr(t *testing.T) {
	addr := SockaddrToTCPOrUnixAddr(&unix.SockaddrInet4{Port: 8080, Addr: [4]byte{10, 0, 0, 1}})
	assert.Equal(t, "10.0.0.1:8080", addr.String())

	sa6 := &unix.SockaddrInet6{Port: 443}
	copy(sa6.Addr[:], net.ParseIP("::1"))
	assert.Equal(t, "[::1]:443", SockaddrToTCPOrUnixAddr(sa6).String())

	assert.Equal(t, "/tmp/x.sock", SockaddrToTCPOrUnixAddr(&unix.SockaddrUnix{Name: "/tmp/x.sock"}).String())
	assert.Nil(t, SockaddrToTCPOrUnixAddr(nil))
}
