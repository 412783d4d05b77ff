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

package gmux

import (
	"time"

	"github.com/gmux-io/gmux/pkg/logging"
	"github.com/gmux-io/gmux/pkg/mux"
)

const (
	// DefaultReadBufferCap is the size of the buffer a connection reads into.
	DefaultReadBufferCap = 64 * 1024

	// MaxBytesPerRead caps the bytes a connection reads per readiness event before it
	// yields to the other handles of its loop.
	MaxBytesPerRead = 1024 * 1024
)

// DefaultConnWaterMark is 256KiB low and 1MiB high.
var DefaultConnWaterMark = mux.WaterMark{Low: 256 * 1024, High: 1024 * 1024}

// TCPSocketOpt is the type of TCP socket options.
type TCPSocketOpt int

// Available TCP socket options.
const (
	TCPNoDelay TCPSocketOpt = iota
	TCPDelay
)

// ConnOption is a function that will set up connection option.
type ConnOption func(opts *ConnOptions)

func loadConnOptions(options ...ConnOption) *ConnOptions {
	opts := &ConnOptions{
		TCPNoDelay:     TCPNoDelay,
		ReadBufferCap:  DefaultReadBufferCap,
		WriteWaterMark: DefaultConnWaterMark,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.ReadBufferCap <= 0 {
		opts.ReadBufferCap = DefaultReadBufferCap
	}
	if opts.WriteWaterMark.High <= 0 || opts.WriteWaterMark.Low > opts.WriteWaterMark.High {
		opts.WriteWaterMark = DefaultConnWaterMark
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	return opts
}

// ConnOptions are configurations for the connections made by Listen and Dial.
type ConnOptions struct {
	// MuxOptions configure the multiplexer of every connection.
	MuxOptions []mux.Option

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option on listeners.
	ReusePort bool

	// ReuseAddr indicates whether to set up the SO_REUSEADDR socket option on listeners.
	ReuseAddr bool

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	//
	// The default is true (no delay), meaning that data is sent
	// as soon as possible after a write operation.
	TCPNoDelay TCPSocketOpt

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// SocketRecvBuffer sets the maximum socket receive buffer in bytes.
	SocketRecvBuffer int

	// SocketSendBuffer sets the maximum socket send buffer in bytes.
	SocketSendBuffer int

	// ReadBufferCap is the size of the buffer each read system call fills.
	ReadBufferCap int

	// WriteWaterMark bounds the bytes waiting in the outbound buffer of a connection before
	// it turns unwritable.
	WriteWaterMark mux.WaterMark

	// Logger is the customized logger for logging info, if it is not set,
	// then gmux will use the default logger powered by go.uber.org/zap.
	Logger logging.Logger
}

// WithConnOptions sets up all connection options.
func WithConnOptions(options ConnOptions) ConnOption {
	return func(opts *ConnOptions) {
		*opts = options
	}
}

// WithMuxOptions sets up the options of the connection multiplexers.
func WithMuxOptions(options ...mux.Option) ConnOption {
	return func(opts *ConnOptions) {
		opts.MuxOptions = append(opts.MuxOptions, options...)
	}
}

// WithReusePort sets up SO_REUSEPORT socket option.
func WithReusePort(reusePort bool) ConnOption {
	return func(opts *ConnOptions) {
		opts.ReusePort = reusePort
	}
}

// WithReuseAddr sets up SO_REUSEADDR socket option.
func WithReuseAddr(reuseAddr bool) ConnOption {
	return func(opts *ConnOptions) {
		opts.ReuseAddr = reuseAddr
	}
}

// WithTCPNoDelay enable/disable the TCP_NODELAY socket option.
func WithTCPNoDelay(tcpNoDelay TCPSocketOpt) ConnOption {
	return func(opts *ConnOptions) {
		opts.TCPNoDelay = tcpNoDelay
	}
}

// WithTCPKeepAlive sets up the SO_KEEPALIVE socket option with duration.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) ConnOption {
	return func(opts *ConnOptions) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithSocketRecvBuffer sets the maximum socket receive buffer in bytes.
func WithSocketRecvBuffer(recvBuf int) ConnOption {
	return func(opts *ConnOptions) {
		opts.SocketRecvBuffer = recvBuf
	}
}

// WithSocketSendBuffer sets the maximum socket send buffer in bytes.
func WithSocketSendBuffer(sendBuf int) ConnOption {
	return func(opts *ConnOptions) {
		opts.SocketSendBuffer = sendBuf
	}
}

// WithReadBufferCap sets up the size of the connection read buffer.
func WithReadBufferCap(readBufferCap int) ConnOption {
	return func(opts *ConnOptions) {
		opts.ReadBufferCap = readBufferCap
	}
}

// WithWriteWaterMark sets up the water mark of the connection outbound buffer.
func WithWriteWaterMark(wm mux.WaterMark) ConnOption {
	return func(opts *ConnOptions) {
		opts.WriteWaterMark = wm
	}
}

// WithConnLogger sets up a customized logger for connections.
func WithConnLogger(logger logging.Logger) ConnOption {
	return func(opts *ConnOptions) {
		opts.Logger = logger
	}
}
