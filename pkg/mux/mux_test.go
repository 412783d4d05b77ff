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

package mux

import (
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/gmux-io/gmux/pkg/buffer"
)

type mockTransport struct {
	frames     []Frame
	flushes    int
	inactive   bool
	unwritable bool
	closed     bool
	writeErr   func(f Frame) error
}

func (t *mockTransport) WriteFrame(f Frame) error {
	if t.writeErr != nil {
		if err := t.writeErr(f); err != nil {
			Release(f)
			return err
		}
	}
	t.frames = append(t.frames, f)
	return nil
}

func (t *mockTransport) Flush() error {
	t.flushes++
	return nil
}

func (t *mockTransport) IsActive() bool   { return !t.inactive && !t.closed }
func (t *mockTransport) IsWritable() bool { return !t.unwritable }

func (t *mockTransport) Close() error {
	t.closed = true
	return nil
}

func (t *mockTransport) take() []Frame {
	fs := t.frames
	t.frames = nil
	return fs
}

func (t *mockTransport) ofType(typ http2.FrameType, id uint32) (fs []Frame) {
	for _, f := range t.frames {
		if f.Type() == typ && f.Stream() == id {
			fs = append(fs, f)
		}
	}
	return
}

func (t *mockTransport) resets() (fs []*ResetFrame) {
	for _, f := range t.frames {
		if r, ok := f.(*ResetFrame); ok {
			fs = append(fs, r)
		}
	}
	return
}

func (t *mockTransport) windowCredit(id uint32) (n int) {
	for _, f := range t.ofType(http2.FrameWindowUpdate, id) {
		n += int(f.(*WindowUpdateFrame).Increment)
	}
	return
}

type manualExecutor struct {
	tasks []func()
}

func (e *manualExecutor) Execute(task func()) error {
	e.tasks = append(e.tasks, task)
	return nil
}

func (e *manualExecutor) InEventLoop() bool { return true }

func (e *manualExecutor) runPending() {
	for len(e.tasks) > 0 {
		task := e.tasks[0]
		e.tasks = e.tasks[1:]
		task()
	}
}

type recordingHandler struct {
	BuiltinStreamHandler
	reads              []Frame
	events             []any
	errs               []error
	shutdowns          []Direction
	lifecycle          []string
	readCompletes      int
	writabilityChanges int

	onActive       func(ch *StreamChannel)
	onRead         func(ch *StreamChannel, f Frame)
	onReadComplete func(ch *StreamChannel)
}

func (h *recordingHandler) OnActive(ch *StreamChannel) {
	h.lifecycle = append(h.lifecycle, "active")
	if h.onActive != nil {
		h.onActive(ch)
	}
}

func (h *recordingHandler) OnRead(ch *StreamChannel, f Frame) {
	h.reads = append(h.reads, f)
	if h.onRead != nil {
		h.onRead(ch, f)
	}
}

func (h *recordingHandler) OnReadComplete(ch *StreamChannel) {
	h.readCompletes++
	if h.onReadComplete != nil {
		h.onReadComplete(ch)
	}
}

func (h *recordingHandler) OnWritabilityChanged(*StreamChannel) { h.writabilityChanges++ }
func (h *recordingHandler) OnUserEvent(_ *StreamChannel, e any) { h.events = append(h.events, e) }
func (h *recordingHandler) OnError(_ *StreamChannel, err error) { h.errs = append(h.errs, err) }

func (h *recordingHandler) OnShutdown(_ *StreamChannel, dir Direction) {
	h.shutdowns = append(h.shutdowns, dir)
}

func (h *recordingHandler) OnInactive(*StreamChannel) {
	h.lifecycle = append(h.lifecycle, "inactive")
}

func (h *recordingHandler) OnUnregistered(*StreamChannel) {
	h.lifecycle = append(h.lifecycle, "unregistered")
}

type recordingConnHandler struct {
	streams    []*StreamChannel
	handlers   []*recordingHandler
	errs       []error
	goAways    []*GoAwayFrame
	settings   []*SettingsFrame
	pings      []*PingFrame
	unknown    []*UnknownFrame
	newHandler func() *recordingHandler
}

func (h *recordingConnHandler) OnStream(ch *StreamChannel) StreamHandler {
	sh := &recordingHandler{}
	if h.newHandler != nil {
		sh = h.newHandler()
	}
	h.streams = append(h.streams, ch)
	h.handlers = append(h.handlers, sh)
	return sh
}

func (h *recordingConnHandler) OnSettings(_ *Multiplexer, f *SettingsFrame) {
	h.settings = append(h.settings, f)
}
func (h *recordingConnHandler) OnPing(_ *Multiplexer, f *PingFrame) { h.pings = append(h.pings, f) }
func (h *recordingConnHandler) OnGoAway(_ *Multiplexer, f *GoAwayFrame) {
	h.goAways = append(h.goAways, f)
}
func (h *recordingConnHandler) OnError(_ *Multiplexer, err error) { h.errs = append(h.errs, err) }
func (h *recordingConnHandler) OnUnknownFrame(_ *Multiplexer, f *UnknownFrame) {
	h.unknown = append(h.unknown, f)
}

type testMux struct {
	*Multiplexer
	t    *mockTransport
	exec *manualExecutor
	conn *recordingConnHandler
}

func newTestMux(tb testing.TB, server bool, options ...Option) *testMux {
	tb.Helper()
	tm := &testMux{t: &mockTransport{}, exec: &manualExecutor{}, conn: &recordingConnHandler{}}
	options = append([]Option{WithServer(server), WithMetricSink(&metrics.BlackholeSink{})}, options...)
	tm.Multiplexer = NewMultiplexer(tm.t, tm.exec, tm.conn, options...)
	require.NoError(tb, tm.Start())
	tm.t.take()
	return tm
}

// read runs one read loop of the transport.
func (tm *testMux) read(frames ...Frame) {
	for _, f := range frames {
		tm.OnFrame(f)
	}
	tm.OnReadComplete()
}

func (tm *testMux) open(tb testing.TB, h StreamHandler) *StreamChannel {
	tb.Helper()
	ch, err := tm.OpenStream(h)
	require.NoError(tb, err)
	return ch
}

func request() Headers {
	return Headers{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/foo.txt"},
		{Name: ":authority", Value: "example.com"},
	}
}

func response() Headers {
	return Headers{{Name: ":status", Value: "200"}}
}

func headers(id uint32, end bool) *HeadersFrame {
	return &HeadersFrame{StreamID: id, Headers: request(), EndStream: end}
}

func data(id uint32, s string, end bool) *DataFrame {
	return &DataFrame{StreamID: id, Data: buffer.Default.Wrap([]byte(s)), EndStream: end}
}

func payload(f Frame) string {
	return string(f.(*DataFrame).Data.Bytes())
}
