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
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	gio "github.com/gmux-io/gmux/internal/io"
	"github.com/gmux-io/gmux/internal/socket"
	"github.com/gmux-io/gmux/pkg/buffer/linkedlist"
	errorx "github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/logging"
	"github.com/gmux-io/gmux/pkg/mux"
	"github.com/gmux-io/gmux/pkg/netpoll"
	"github.com/gmux-io/gmux/pkg/promise"
)

// Conn is a stream socket carrying one HTTP/2 connection. It is the Handle registered on its
// EventLoop and the mux.Transport of its Multiplexer. Except for Close, its methods must be
// called on the loop goroutine.
type Conn struct {
	fd         int
	loop       *EventLoop
	reg        *Registration
	opts       *ConnOptions
	logger     logging.Logger
	codec      *mux.Codec
	mux        *mux.Multiplexer
	inbound    *bytebufferpool.ByteBuffer // bytes read but not decoded yet
	scratch    *bytebufferpool.ByteBuffer // encoding target of one frame
	outbound   linkedlist.Buffer          // bytes encoded but not written yet
	localAddr  net.Addr
	remoteAddr net.Addr
	server     bool
	connecting *promise.Future // pending outbound connect
	preface    bool            // client preface seen or not expected
	writable   bool
	closed     bool
}

func newConn(fd int, el *EventLoop, local, remote net.Addr, server bool, h mux.ConnHandler, opts *ConnOptions) *Conn {
	c := &Conn{
		fd:         fd,
		loop:       el,
		opts:       opts,
		logger:     opts.Logger,
		inbound:    bytebufferpool.Get(),
		scratch:    bytebufferpool.Get(),
		localAddr:  local,
		remoteAddr: remote,
		server:     server,
		preface:    !server,
		writable:   true,
	}
	muxOpts := make([]mux.Option, 0, len(opts.MuxOptions)+2)
	muxOpts = append(muxOpts, mux.WithLogger(opts.Logger))
	muxOpts = append(muxOpts, opts.MuxOptions...)
	muxOpts = append(muxOpts, mux.WithServer(server))
	c.mux = mux.NewMultiplexer(c, el, h, muxOpts...)
	c.codec = mux.NewCodec(c.mux.Allocator())
	return c
}

// open registers the connection on its loop, it runs on the loop goroutine.
func (c *Conn) open() error {
	if c.closed {
		return errorx.ErrTransportClosed
	}
	reg, err := c.loop.Register(c)
	if err != nil {
		return err
	}
	c.reg = reg
	if c.connecting != nil {
		_, err = reg.Submit(netpoll.OpConnect)
		return err
	}
	return c.activate()
}

// activate starts reading and announces the local SETTINGS, preceded by the preface on the client side.
func (c *Conn) activate() error {
	if _, err := c.reg.Submit(netpoll.OpRead); err != nil {
		return err
	}
	if !c.server {
		c.codec.WritePreface(c.scratch)
		c.outbound.PushBack(c.scratch.B, nil)
		c.scratch.Reset()
	}
	if err := c.mux.Start(); err != nil {
		return err
	}
	c.codec.SetMaxReadFrameSize(c.mux.LocalMaxFrameSize())
	return nil
}

func (c *Conn) finishConnect() {
	if err := socket.ConnectError(c.fd); err != nil {
		_ = c.closeWithError(err)
		return
	}
	if addr, err := socket.LocalAddr(c.fd); err == nil {
		c.localAddr = addr
	}
	connected := c.connecting
	c.connecting = nil
	if err := c.activate(); err != nil {
		c.connecting = connected
		_ = c.closeWithError(err)
		return
	}
	connected.TrySuccess()
}

// Fd implements Handle.
func (c *Conn) Fd() int { return c.fd }

// Handle implements Handle.
func (c *Conn) Handle(_ *Registration, ready netpoll.IOOps) {
	if c.connecting != nil {
		if ready.Has(netpoll.OpConnect) {
			c.finishConnect()
		}
		return
	}
	if ready.Has(netpoll.OpWrite) {
		_ = c.flushOutbound()
	}
	if ready.Has(netpoll.OpRead) && !c.closed {
		c.read()
	}
}

func (c *Conn) read() {
	buf := c.loop.readBuffer(c.opts.ReadBufferCap)
	var (
		total int
		eof   bool
	)
	for total < MaxBytesPerRead {
		n, err := unix.Read(c.fd, buf)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			if err == unix.EINTR {
				continue
			}
			_ = c.closeWithError(os.NewSyscallError("read", err))
			return
		}
		if n == 0 {
			eof = true
			break
		}
		_, _ = c.inbound.Write(buf[:n])
		total += n
	}
	if total > 0 {
		c.decode()
		if c.closed {
			return
		}
		c.mux.OnReadComplete()
	}
	if eof {
		_ = c.closeWithError(io.EOF)
	}
}

// decode hands every complete frame of the inbound buffer to the multiplexer.
func (c *Conn) decode() {
	buf := c.inbound.B
	off := 0
	if !c.preface {
		n, err := c.codec.ReadPreface(buf)
		if err != nil {
			c.fatal(err)
			return
		}
		if n == 0 {
			return
		}
		off = n
		c.preface = true
	}
	for !c.closed {
		f, n, err := c.codec.Decode(buf[off:])
		if err != nil {
			if n == 0 {
				c.fatal(err)
				return
			}
			off += n
			c.mux.OnError(err)
			continue
		}
		if f == nil {
			break
		}
		off += n
		settings, _ := f.(*mux.SettingsFrame)
		c.mux.OnFrame(f)
		if settings != nil && !settings.Ack {
			c.codec.SetMaxWriteFrameSize(c.mux.RemoteMaxFrameSize())
		}
	}
	if c.closed {
		return
	}
	c.inbound.B = c.inbound.B[:copy(c.inbound.B, buf[off:])]
}

// fatal reports err to the connection handler and closes the connection if the handler did not.
func (c *Conn) fatal(err error) {
	c.mux.OnError(err)
	if c.closed {
		return
	}
	code := errorx.ProtocolError
	var ce *errorx.ConnectionError
	if errors.As(err, &ce) {
		code = ce.Code
	}
	_ = c.mux.CloseWithError(code, []byte(err.Error()))
}

// WriteFrame implements mux.Transport.
func (c *Conn) WriteFrame(f mux.Frame) error {
	if c.closed {
		mux.Release(f)
		return errorx.ErrTransportClosed
	}
	err := c.codec.Encode(f, c.scratch)
	if err == nil {
		c.outbound.PushBack(c.scratch.B, nil)
	}
	c.scratch.Reset()
	if c.writable && c.outbound.Buffered() > c.opts.WriteWaterMark.High {
		c.writable = false
	}
	return err
}

// Flush implements mux.Transport.
func (c *Conn) Flush() error {
	if c.closed {
		return errorx.ErrTransportClosed
	}
	return c.flushOutbound()
}

// FlushFuture flushes like Flush and returns a Future completed once every byte written so far
// has been handed to the kernel, or failed if the connection closes before that.
func (c *Conn) FlushFuture() *promise.Future {
	f := promise.New()
	if c.closed {
		f.TryFailure(errorx.ErrTransportClosed)
		return f
	}
	c.outbound.PushBack(nil, f)
	_ = c.flushOutbound()
	return f
}

func (c *Conn) flushOutbound() error {
	for !c.outbound.IsEmpty() {
		iov := c.outbound.Peek(-1)
		if len(iov) == 0 {
			c.outbound.Discard(0)
			continue
		}
		var (
			n   int
			err error
		)
		if len(iov) > 1 {
			n, err = gio.Writev(c.fd, iov)
		} else {
			n, err = unix.Write(c.fd, iov[0])
		}
		if n > 0 {
			c.outbound.Discard(n)
		} else if err == nil {
			err = errorx.ErrShortWritev
		}
		switch err {
		case nil:
		case unix.EINTR:
		case unix.EAGAIN:
			// The socket is full, wait until it is writable again.
			if err = c.interest(netpoll.OpRead | netpoll.OpWrite); err != nil {
				return c.closeWithError(err)
			}
			c.updateWritability()
			return nil
		case errorx.ErrShortWritev:
			_ = c.closeWithError(err)
			return err
		default:
			err = os.NewSyscallError("write", err)
			_ = c.closeWithError(err)
			return err
		}
	}
	if err := c.interest(netpoll.OpRead); err != nil {
		return c.closeWithError(err)
	}
	c.updateWritability()
	return nil
}

func (c *Conn) interest(ops netpoll.IOOps) error {
	if c.reg == nil || c.reg.InterestOps() == ops {
		return nil
	}
	_, err := c.reg.Submit(ops)
	return err
}

// updateWritability turns the connection writable again once the outbound buffer drained
// below the low water mark, which resumes the writes of the multiplexer.
func (c *Conn) updateWritability() {
	if c.writable || c.closed || c.outbound.Buffered() > c.opts.WriteWaterMark.Low {
		return
	}
	c.writable = true
	c.mux.OnTransportWritabilityChanged()
}

// IsActive implements mux.Transport.
func (c *Conn) IsActive() bool { return !c.closed && c.connecting == nil }

// IsWritable implements mux.Transport.
func (c *Conn) IsWritable() bool { return c.writable }

// Close closes the socket without a GOAWAY, use Multiplexer().Close for a graceful close.
// It may be called from any goroutine.
func (c *Conn) Close() error {
	return c.loop.call(func() error {
		return c.closeWithError(nil)
	})
}

func (c *Conn) closeWithError(cause error) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if cause != nil && cause != io.EOF {
		c.logger.Debugf("closing connection fd=%d to %v: %v", c.fd, c.remoteAddr, cause)
	}
	if cause == nil {
		cause = errorx.ErrTransportClosed
	}
	if c.reg != nil {
		c.reg.Cancel()
		c.loop.deregistered()
	}
	c.outbound.Reset(cause)
	bytebufferpool.Put(c.inbound)
	bytebufferpool.Put(c.scratch)
	c.inbound, c.scratch = nil, nil
	err := os.NewSyscallError("close", unix.Close(c.fd))
	if c.connecting != nil {
		c.connecting.TryFailure(cause)
	}
	c.mux.OnTransportInactive()
	return err
}

// Multiplexer returns the multiplexer running over the connection.
func (c *Conn) Multiplexer() *mux.Multiplexer { return c.mux }

// EventLoop returns the loop the connection is registered on.
func (c *Conn) EventLoop() *EventLoop { return c.loop }

// LocalAddr returns the local socket address.
func (c *Conn) LocalAddr() net.Addr { return c.localAddr }

// RemoteAddr returns the peer socket address.
func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *Conn) String() string {
	return fmt.Sprintf("Conn(fd=%d, local=%v, remote=%v, server=%t)", c.fd, c.localAddr, c.remoteAddr, c.server)
}

// connSockOpts returns the socket options applied to every connection.
func connSockOpts(network string, opts *ConnOptions) []socket.Option {
	var sockOpts []socket.Option
	if network != "unix" {
		noDelay := 0
		if opts.TCPNoDelay == TCPNoDelay {
			noDelay = 1
		}
		sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetNoDelay, Opt: noDelay})
		if opts.TCPKeepAlive > 0 {
			sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetKeepAlivePeriod, Opt: int(opts.TCPKeepAlive.Seconds())})
		}
	}
	if opts.SocketRecvBuffer > 0 {
		sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetRecvBuffer, Opt: opts.SocketRecvBuffer})
	}
	if opts.SocketSendBuffer > 0 {
		sockOpts = append(sockOpts, socket.Option{SetSockOpt: socket.SetSendBuffer, Opt: opts.SocketSendBuffer})
	}
	return sockOpts
}

// openSocket opens a listening socket when passive is set, a connecting one otherwise.
func openSocket(network, address string, passive bool, sockOpts ...socket.Option) (int, net.Addr, error) {
	if address == "" {
		return -1, nil, errorx.ErrInvalidNetworkAddress
	}
	switch network {
	case "tcp", "tcp4", "tcp6":
		return socket.TCPSocket(network, address, passive, sockOpts...)
	case "unix":
		return socket.UnixSocket(network, address, passive, sockOpts...)
	}
	return -1, nil, errorx.ErrUnsupportedProtocol
}
