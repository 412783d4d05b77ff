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

package gmux

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmux-io/gmux/pkg/buffer"
	errorx "github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/mux"
	"github.com/gmux-io/gmux/pkg/promise"
)

type echoStream struct {
	mux.BuiltinStreamHandler
}

func (echoStream) OnRead(ch *mux.StreamChannel, f mux.Frame) {
	switch v := f.(type) {
	case *mux.HeadersFrame:
		ch.WriteAndFlush(&mux.HeadersFrame{
			Headers:   mux.Headers{{Name: ":status", Value: "200"}},
			EndStream: v.EndStream,
		})
	case *mux.DataFrame:
		ch.WriteAndFlush(&mux.DataFrame{Data: v.Data, EndStream: v.EndStream})
	default:
		mux.Release(f)
	}
}

type echoConnHandler struct {
	mux.BuiltinConnHandler
}

func (echoConnHandler) OnStream(*mux.StreamChannel) mux.StreamHandler { return echoStream{} }

type collectingStream struct {
	mux.BuiltinStreamHandler
	frames   chan string
	inactive chan struct{}
}

func newCollectingStream() *collectingStream {
	return &collectingStream{frames: make(chan string, 16), inactive: make(chan struct{})}
}

func (h *collectingStream) OnRead(_ *mux.StreamChannel, f mux.Frame) {
	var s string
	switch v := f.(type) {
	case *mux.HeadersFrame:
		s = v.Headers.Get(":status")
	case *mux.DataFrame:
		s = string(v.Data.Bytes())
	}
	if mux.IsEndOfStream(f) {
		s += "|end"
	}
	mux.Release(f)
	h.frames <- s
}

func (h *collectingStream) OnInactive(*mux.StreamChannel) { close(h.inactive) }

func startGroup(tb testing.TB, n int) *EventLoopGroup {
	g, err := NewEventLoopGroup(n, RoundRobin)
	require.NoError(tb, err)
	g.Start()
	tb.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

func dial(tb testing.TB, el *EventLoop, network, address string, options ...ConnOption) *Conn {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, el, network, address, nil, options...)
	require.NoError(tb, err)
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

func next(tb testing.TB, ch <-chan string) string {
	select {
	case s := <-ch:
		return s
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for a frame")
		return ""
	}
}

// onLoop runs f on the loop of c and returns its error.
func onLoop(tb testing.TB, c *Conn, f func() error) error {
	errs := make(chan error, 1)
	require.NoError(tb, c.EventLoop().Execute(func() { errs <- f() }))
	select {
	case err := <-errs:
		return err
	case <-time.After(5 * time.Second):
		tb.Fatal("timed out waiting for the event loop")
		return nil
	}
}

func echo(tb testing.TB, c *Conn, msg string) *collectingStream {
	h := newCollectingStream()
	err := onLoop(tb, c, func() error {
		ch, err := c.Multiplexer().OpenStream(h)
		if err != nil {
			return err
		}
		ch.Write(&mux.HeadersFrame{Headers: mux.Headers{
			{Name: ":method", Value: "POST"},
			{Name: ":scheme", Value: "http"},
			{Name: ":path", Value: "/echo"},
			{Name: ":authority", Value: "localhost"},
		}})
		ch.WriteAndFlush(&mux.DataFrame{Data: buffer.Default.Wrap([]byte(msg)), EndStream: true})
		return nil
	})
	require.NoError(tb, err)
	assert.Equal(tb, "200", next(tb, h.frames))
	assert.Equal(tb, msg+"|end", next(tb, h.frames))
	await(tb, h.inactive)
	return h
}

func TestConnEchoOverTCP(t *testing.T) {
	g := startGroup(t, 2)
	ln, err := Listen(g, "tcp", "127.0.0.1:0", echoConnHandler{}, WithReuseAddr(true), WithTCPNoDelay(TCPNoDelay))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	client := startGroup(t, 1)
	c := dial(t, client.Next(nil), "tcp", ln.Addr().String(), WithTCPKeepAlive(time.Minute))
	assert.Equal(t, ln.Addr().String(), c.RemoteAddr().String())
	assert.NotNil(t, c.LocalAddr())

	for _, msg := range []string{"hello", "gmux", "bye"} {
		echo(t, c, msg)
	}

	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
	err = onLoop(t, c, func() error {
		assert.False(t, c.IsActive())
		assert.False(t, c.Multiplexer().IsActive())
		_, err := c.Multiplexer().OpenStream(nil)
		return err
	})
	assert.ErrorIs(t, err, errorx.ErrTransportClosed)
}

func TestConnEchoOverUnixSocket(t *testing.T) {
	g := startGroup(t, 1)
	path := filepath.Join(t.TempDir(), "gmux.sock")
	ln, err := Listen(g, "unix", path, echoConnHandler{})
	require.NoError(t, err)

	c := dial(t, g.Next(nil), "unix", path)
	echo(t, c, "over a unix socket")

	require.NoError(t, ln.Close())
	assert.NoFileExists(t, path)
}

func TestConnFlushFuture(t *testing.T) {
	g := startGroup(t, 1)
	ln, err := Listen(g, "tcp", "127.0.0.1:0", echoConnHandler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	c := dial(t, g.Next(nil), "tcp", ln.Addr().String())
	echo(t, c, "warm up")

	var flushed *promise.Future
	err = onLoop(t, c, func() error {
		if err := c.WriteFrame(&mux.PingFrame{Data: [8]byte{1}}); err != nil {
			return err
		}
		flushed = c.FlushFuture()
		return nil
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, flushed.Wait(ctx))
	assert.True(t, flushed.IsSuccess())

	require.NoError(t, c.Close())
	err = onLoop(t, c, func() error {
		f := c.FlushFuture()
		assert.True(t, f.IsDone())
		return f.Err()
	})
	assert.ErrorIs(t, err, errorx.ErrTransportClosed)
}

func TestConnGracefulClose(t *testing.T) {
	g := startGroup(t, 1)
	ln, err := Listen(g, "tcp", "127.0.0.1:0", echoConnHandler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	c := dial(t, g.Next(nil), "tcp", ln.Addr().String())
	echo(t, c, "ping")
	require.NoError(t, onLoop(t, c, c.Multiplexer().Close))
	err = onLoop(t, c, func() error {
		assert.False(t, c.IsActive())
		return nil
	})
	assert.NoError(t, err)
}

func TestListenerClose(t *testing.T) {
	g := startGroup(t, 1)
	ln, err := Listen(g, "tcp", "127.0.0.1:0", echoConnHandler{})
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	assert.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Dial(ctx, g.Next(nil), "tcp", addr, nil)
	assert.Error(t, err)
}

func TestListenRejectsBadAddresses(t *testing.T) {
	g := startGroup(t, 1)
	_, err := Listen(g, "udp", "127.0.0.1:0", nil)
	assert.ErrorIs(t, err, errorx.ErrUnsupportedProtocol)
	_, err = Listen(g, "tcp", "", nil)
	assert.ErrorIs(t, err, errorx.ErrInvalidNetworkAddress)

	_, err = Dial(context.Background(), g.Next(nil), "udp", "127.0.0.1:9", nil)
	assert.ErrorIs(t, err, errorx.ErrUnsupportedProtocol)
}

func TestDialHonorsContext(t *testing.T) {
	g := startGroup(t, 1)
	ln, err := Listen(g, "tcp", "127.0.0.1:0", echoConnHandler{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	// The connect is never driven since the loop is not running.
	el, err := NewEventLoop()
	require.NoError(t, err)
	t.Cleanup(func() { _ = el.Shutdown(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = Dial(ctx, el, "tcp", ln.Addr().String(), nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
