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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	gerrors "github.com/gmux-io/gmux/pkg/errors"
)

func manualReadMux(t *testing.T, hook func(h *recordingHandler)) *testMux {
	tm := newTestMux(t, true)
	tm.conn.newHandler = func() *recordingHandler {
		h := &recordingHandler{onActive: func(ch *StreamChannel) { ch.SetAutoRead(false) }}
		if hook != nil {
			hook(h)
		}
		return h
	}
	return tm
}

func TestReadWithoutAutoRead(t *testing.T) {
	tm := manualReadMux(t, nil)
	tm.read(headers(3, false), data(3, "a", false), data(3, "b", false))
	ch, h := tm.conn.streams[0], tm.conn.handlers[0]
	assert.Empty(t, h.reads)
	assert.False(t, ch.AutoRead())

	ch.Read()
	require.Len(t, h.reads, 1)
	assert.IsType(t, &HeadersFrame{}, h.reads[0])
	assert.Equal(t, 1, h.readCompletes)

	ch.Read()
	ch.Read()
	require.Len(t, h.reads, 3)
	assert.Equal(t, "b", payload(h.reads[2]))
	assert.Equal(t, 3, h.readCompletes)
	assert.Equal(t, 1, tm.t.windowCredit(3))
}

func TestReadFromReadCompleteDoesNotRecurse(t *testing.T) {
	tm := manualReadMux(t, func(h *recordingHandler) {
		h.onReadComplete = func(ch *StreamChannel) { ch.Read() }
	})
	tm.read(headers(3, false), data(3, "a", false), data(3, "b", false))
	ch, h := tm.conn.streams[0], tm.conn.handlers[0]

	ch.Read()
	assert.Len(t, h.reads, 3)
	assert.Equal(t, 3, h.readCompletes)

	tm.read(data(3, "c", false))
	assert.Len(t, h.reads, 4)
	assert.Equal(t, 4, h.readCompletes)
}

func TestMaxMessagesPerRead(t *testing.T) {
	tm := newTestMux(t, true, WithMaxMessagesPerRead(2))
	tm.read(headers(3, false), data(3, "a", false), data(3, "b", false), data(3, "c", false))
	h := tm.conn.handlers[0]
	assert.Len(t, h.reads, 4)
	assert.Equal(t, 2, h.readCompletes)
}

func TestQueuedFramesSurviveTransportInactive(t *testing.T) {
	tm := manualReadMux(t, nil)
	tm.read(headers(3, false), data(3, "a", false))
	ch, h := tm.conn.streams[0], tm.conn.handlers[0]

	tm.t.inactive = true
	tm.OnTransportInactive()
	assert.True(t, ch.IsActive())
	assert.Equal(t, StateClosed, ch.State())

	ch.Read()
	require.Len(t, h.reads, 2)
	assert.Equal(t, "a", payload(h.reads[1]))
	assert.False(t, ch.IsActive())
	assert.Empty(t, tm.t.resets())

	tm.exec.runPending()
	assert.Equal(t, []string{"active", "inactive", "unregistered"}, h.lifecycle)
}

func TestWritabilityFollowsWaterMark(t *testing.T) {
	tm := newTestMux(t, false)
	tm.read(&SettingsFrame{Settings: []http2.Setting{{ID: http2.SettingInitialWindowSize, Val: 10}}})
	h := &recordingHandler{}
	ch := tm.open(t, h)
	ch.SetWaterMark(WaterMark{Low: 32, High: 64})
	assert.Equal(t, 64, ch.WritableBytes())
	require.True(t, ch.WriteAndFlush(&HeadersFrame{Headers: request()}).IsSuccess())

	p := ch.WriteAndFlush(data(0, string(make([]byte, 100)), false))
	assert.False(t, p.IsDone())
	assert.False(t, ch.IsWritable())
	assert.Zero(t, ch.WritableBytes())
	assert.Equal(t, 1, h.writabilityChanges)
	require.Len(t, tm.t.ofType(http2.FrameData, 1), 1)

	tm.read(&WindowUpdateFrame{StreamID: 1, Increment: 90})
	assert.True(t, p.IsSuccess())
	assert.True(t, ch.IsWritable())
	assert.Equal(t, 64, ch.WritableBytes())
	assert.Len(t, tm.t.ofType(http2.FrameData, 1), 2)

	assert.Equal(t, 1, h.writabilityChanges)
	tm.exec.runPending()
	assert.Equal(t, 2, h.writabilityChanges)
}

func TestManualStreamFlowControl(t *testing.T) {
	tm := newTestMux(t, true)
	tm.conn.newHandler = func() *recordingHandler {
		return &recordingHandler{onActive: func(ch *StreamChannel) { ch.SetAutoStreamFlowControl(false) }}
	}
	tm.read(headers(3, false), data(3, "0123456789", false))
	ch := tm.conn.streams[0]
	assert.Zero(t, tm.t.windowCredit(3))

	p := ch.WriteAndFlush(&WindowUpdateFrame{Increment: 11})
	assert.ErrorIs(t, p.Err(), gerrors.ErrWindowUpdateOutOfRange)

	p = ch.WriteAndFlush(&WindowUpdateFrame{Increment: 4})
	require.True(t, p.IsSuccess())
	assert.Equal(t, 4, tm.t.windowCredit(3))

	ch.SetAutoStreamFlowControl(true)
	assert.Equal(t, 10, tm.t.windowCredit(3))

	p = ch.Write(&WindowUpdateFrame{Increment: 1})
	assert.ErrorIs(t, p.Err(), gerrors.ErrAutoFlowControl)
}

func TestWriteValidation(t *testing.T) {
	tm := newTestMux(t, false)

	ch := tm.open(t, nil)
	p := ch.Write(data(0, "x", false))
	assert.ErrorIs(t, p.Err(), gerrors.ErrFirstFrameNotHeaders)
	assert.True(t, ch.IsActive())

	p = ch.Write(&HeadersFrame{StreamID: 99, Headers: request()})
	assert.ErrorIs(t, p.Err(), gerrors.ErrForeignStreamFrame)

	p = ch.Write(&SettingsFrame{})
	assert.ErrorIs(t, p.Err(), gerrors.ErrUnsupportedFrame)

	ch.Close()
	p = ch.Write(&HeadersFrame{Headers: request()})
	assert.ErrorIs(t, p.Err(), gerrors.ErrChannelClosed)
}

func TestWriteAfterOutputShutdown(t *testing.T) {
	tm := newTestMux(t, false)
	h := &recordingHandler{}
	ch := tm.open(t, h)
	require.False(t, ch.Write(&HeadersFrame{Headers: request()}).IsDone())
	require.True(t, ch.Shutdown(Outbound).IsSuccess())
	assert.True(t, ch.IsShutdown(Outbound))
	assert.False(t, ch.IsShutdown(Inbound))
	assert.Equal(t, []Direction{Outbound}, h.shutdowns)

	d := data(0, "late", false)
	p := ch.Write(d)
	assert.ErrorIs(t, p.Err(), gerrors.ErrOutputShutdown)
	assert.Zero(t, d.Data.RefCnt())

	ch.Flush()
	fs := tm.t.ofType(http2.FrameHeaders, 1)
	require.Len(t, fs, 2)
	assert.True(t, IsEndOfStream(fs[1]))
	assert.Equal(t, StateHalfClosedLocal, ch.State())

	require.True(t, ch.Shutdown(Outbound).IsSuccess())
	assert.Len(t, h.shutdowns, 1)
}

func TestWriteFailureClosesChannel(t *testing.T) {
	boom := errors.New("boom")
	failData := func(f Frame) error {
		if _, ok := f.(*DataFrame); ok {
			return boom
		}
		return nil
	}

	t.Run("auto close", func(t *testing.T) {
		tm := newTestMux(t, false)
		ch := tm.open(t, nil)
		require.True(t, ch.WriteAndFlush(&HeadersFrame{Headers: request()}).IsSuccess())
		tm.t.writeErr = failData

		p := ch.WriteAndFlush(data(0, "x", false))
		assert.ErrorIs(t, p.Err(), boom)
		assert.False(t, ch.IsActive())
		rsts := tm.t.resets()
		require.Len(t, rsts, 1)
		assert.Equal(t, gerrors.Cancel, rsts[0].Code)
	})

	t.Run("shutdown output", func(t *testing.T) {
		tm := newTestMux(t, false)
		ch := tm.open(t, nil)
		ch.SetAutoClose(false)
		require.True(t, ch.WriteAndFlush(&HeadersFrame{Headers: request()}).IsSuccess())
		tm.t.writeErr = failData

		p := ch.WriteAndFlush(data(0, "x", false))
		assert.ErrorIs(t, p.Err(), boom)
		assert.True(t, ch.IsActive())
		assert.True(t, ch.IsShutdown(Outbound))
		assert.Equal(t, StateHalfClosedLocal, ch.State())
		assert.Empty(t, tm.t.resets())
	})
}

func TestCloseCompletesEveryFuture(t *testing.T) {
	tm := newTestMux(t, false)
	ch := tm.open(t, nil)
	require.True(t, ch.WriteAndFlush(&HeadersFrame{Headers: request()}).IsSuccess())
	p1 := ch.Close()
	p2 := ch.CloseWithError(gerrors.InternalError)
	assert.True(t, p1.IsSuccess())
	assert.True(t, p2.IsSuccess())
	assert.True(t, ch.CloseFuture().IsSuccess())
	assert.True(t, ch.IsShutdown(Inbound))
	assert.True(t, ch.IsShutdown(Outbound))
	assert.Len(t, tm.t.resets(), 1)
}

func TestUnknownFrameIsDelivered(t *testing.T) {
	tm := newTestMux(t, true)
	tm.read(headers(3, false), &UnknownFrame{StreamID: 3, FrameType: 0xfa, Payload: []byte{1}})
	h := tm.conn.handlers[0]
	require.Len(t, h.reads, 2)
	assert.IsType(t, &UnknownFrame{}, h.reads[1])

	tm.read(&UnknownFrame{FrameType: 0xfb})
	assert.Len(t, tm.conn.unknown, 1)
}
