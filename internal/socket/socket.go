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

// Package socket creates the non-blocking stream sockets that a gmux transport registers on
// its event loop, either listening or connecting.
package socket

import (
	"net"
)

// Option is used for setting an option on socket.
type Option struct {
	SetSockOpt func(int, int) error
	Opt        int
}

// TCPSocket returns a TCP socket bound to and listening on addr when passive is set,
// connecting to addr otherwise.
func TCPSocket(proto, addr string, passive bool, sockOpts ...Option) (int, net.Addr, error) {
	return tcpSocket(proto, addr, passive, sockOpts...)
}

// UnixSocket returns a Unix domain socket bound to and listening on addr when passive is set,
// connecting to addr otherwise.
func UnixSocket(proto, addr string, passive bool, sockOpts ...Option) (int, net.Addr, error) {
	return udsSocket(proto, addr, passive, sockOpts...)
}
