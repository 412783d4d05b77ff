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

package gmux

import (
	"fmt"
	"net"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/gmux-io/gmux/internal/socket"
	errorx "github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/logging"
	"github.com/gmux-io/gmux/pkg/mux"
	"github.com/gmux-io/gmux/pkg/netpoll"
)

// MaxAcceptsPerEvent caps the connections a listener accepts per readiness event.
const MaxAcceptsPerEvent = 16

// Listener accepts server connections on one loop of an EventLoopGroup and spreads them over
// the loops of the group according to its load-balancing policy.
type Listener struct {
	fd       int
	addr     net.Addr
	network  string
	group    *EventLoopGroup
	loop     *EventLoop
	reg      *Registration
	handler  mux.ConnHandler
	opts     *ConnOptions
	sockOpts []socket.Option
	logger   logging.Logger
	closed   atomic.Bool
}

// Listen binds a listening socket to address and registers it on a loop of group. Every
// accepted connection gets its own Multiplexer reporting to h.
func Listen(group *EventLoopGroup, network, address string, h mux.ConnHandler, options ...ConnOption) (*Listener, error) {
	opts := loadConnOptions(options...)
	var sockOpts []socket.Option
	if opts.ReusePort && network != "unix" {
		sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetReuseport, Opt: 1})
	}
	if opts.ReuseAddr {
		sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetReuseAddr, Opt: 1})
	}
	if network == "unix" {
		_ = os.RemoveAll(address)
	}
	fd, addr, err := openSocket(network, address, true, sockOpts...)
	if err != nil {
		return nil, err
	}
	ln := &Listener{
		fd:       fd,
		addr:     addr,
		network:  network,
		group:    group,
		loop:     group.Next(nil),
		handler:  h,
		opts:     opts,
		sockOpts: connSockOpts(network, opts),
		logger:   opts.Logger,
	}
	err = ln.loop.call(func() error {
		reg, err := ln.loop.Register(ln)
		if err != nil {
			return err
		}
		ln.reg = reg
		_, err = reg.Submit(netpoll.OpAccept)
		return err
	})
	if err != nil {
		_ = ln.close()
		return nil, err
	}
	return ln, nil
}

// Fd implements Handle.
func (ln *Listener) Fd() int { return ln.fd }

// Handle implements Handle.
func (ln *Listener) Handle(_ *Registration, ready netpoll.IOOps) {
	if !ready.Has(netpoll.OpAccept) {
		return
	}
	for i := 0; i < MaxAcceptsPerEvent && !ln.closed.Load(); i++ {
		fd, remote, err := socket.Accept(ln.fd)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		default:
			ln.logger.Errorf("failed to accept on %v: %v", ln.addr, os.NewSyscallError("accept", err))
			return
		}
		ln.serve(fd, remote)
	}
}

// serve hands an accepted socket to the loop picked by the group.
func (ln *Listener) serve(fd int, remote net.Addr) {
	for _, opt := range ln.sockOpts {
		if err := opt.SetSockOpt(fd, opt.Opt); err != nil {
			ln.logger.Warnf("failed to set socket option on fd=%d: %v", fd, err)
		}
	}
	local, err := socket.LocalAddr(fd)
	if err != nil {
		local = ln.addr
	}
	el := ln.group.Next(remote)
	c := newConn(fd, el, local, remote, true, ln.handler, ln.opts)
	open := func() {
		if err := c.open(); err != nil {
			ln.logger.Errorf("failed to open connection from %v: %v", remote, err)
			_ = c.closeWithError(err)
		}
	}
	if el.InEventLoop() {
		open()
		return
	}
	if err := el.Execute(open); err != nil {
		_ = unix.Close(fd)
	}
}

// Addr returns the address the listener is bound to.
func (ln *Listener) Addr() net.Addr { return ln.addr }

// Close stops accepting, connections accepted before stay open. It may be called from any goroutine.
func (ln *Listener) Close() error {
	err := ln.loop.call(ln.close)
	if err == errorx.ErrEventLoopShutdown {
		return nil
	}
	return err
}

func (ln *Listener) close() error {
	if !ln.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ln.reg != nil {
		ln.reg.Cancel()
		ln.loop.deregistered()
	}
	err := os.NewSyscallError("close", unix.Close(ln.fd))
	if ln.network == "unix" {
		_ = os.RemoveAll(ln.addr.String())
	}
	return err
}

func (ln *Listener) String() string {
	return fmt.Sprintf("Listener(fd=%d, addr=%v)", ln.fd, ln.addr)
}
