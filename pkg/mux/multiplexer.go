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
	"fmt"
	"math"
	"sort"

	"github.com/eapache/queue"
	"golang.org/x/net/http2"

	"github.com/gmux-io/gmux/pkg/buffer"
	gerrors "github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/logging"
	"github.com/gmux-io/gmux/pkg/promise"
)

// Transport is the connection a Multiplexer writes its frames to.
type Transport interface {
	// WriteFrame encodes f into the outbound buffer of the connection. It takes ownership of
	// the payload of DATA frames, also when it fails.
	WriteFrame(f Frame) error
	// Flush writes the outbound buffer to the peer.
	Flush() error
	// IsActive reports whether the connection is usable.
	IsActive() bool
	// IsWritable reports whether the outbound buffer is below its high water mark.
	IsWritable() bool
	// Close closes the connection.
	Close() error
}

// Executor runs tasks on the event loop of the transport.
type Executor interface {
	// Execute queues task to run on the event loop.
	Execute(task func()) error
	// InEventLoop reports whether the caller runs on the event loop.
	InEventLoop() bool
}

type pendingWrite struct {
	ch      *StreamChannel
	frame   Frame
	promise *promise.Future
	size    int
	first   bool
}

type settings struct {
	headerTableSize      uint32
	enablePush           bool
	maxConcurrentStreams uint32
	initialWindowSize    uint32
	maxFrameSize         uint32
	maxHeaderListSize    uint32
}

func defaultSettings() settings {
	return settings{
		headerTableSize:      4096,
		enablePush:           true,
		maxConcurrentStreams: math.MaxUint32,
		initialWindowSize:    defaultInitialWindowSize,
		maxFrameSize:         defaultMaxFrameSize,
		maxHeaderListSize:    math.MaxUint32,
	}
}

func (s *settings) apply(st http2.Setting) error {
	if err := st.Valid(); err != nil {
		return toProtocolError(err)
	}
	switch st.ID {
	case http2.SettingHeaderTableSize:
		s.headerTableSize = st.Val
	case http2.SettingEnablePush:
		s.enablePush = st.Val == 1
	case http2.SettingMaxConcurrentStreams:
		s.maxConcurrentStreams = st.Val
	case http2.SettingInitialWindowSize:
		s.initialWindowSize = st.Val
	case http2.SettingMaxFrameSize:
		s.maxFrameSize = st.Val
	case http2.SettingMaxHeaderListSize:
		s.maxHeaderListSize = st.Val
	}
	return nil
}

// Multiplexer runs many StreamChannels over one Transport. It owns stream identifiers, flow
// control in both directions and the ordering of outbound frames. It is not safe for
// concurrent use, every method must be called on the event loop behind its Executor.
type Multiplexer struct {
	opts      *Options
	transport Transport
	exec      Executor
	handler   ConnHandler
	logger    logging.Logger

	channels map[*StreamChannel]struct{}
	streams  map[uint32]*StreamChannel

	nextStreamID uint32
	lastRemoteID uint32
	activeLocal  int
	activeRemote int

	local  settings
	remote settings

	connSendWindow   int64
	connRecvWindow   int64
	connUnreturned   int64
	connUpdateWindow int64

	outbound            *queue.Queue
	buffered            []*StreamChannel
	readCompletePending *queue.Queue

	parentReadInProgress bool
	inFlush              bool
	flushAgain           bool
	needsFlush           bool
	flushScheduled       bool

	started     bool
	closed      bool
	goAwaySent  bool
	goAwayLast  uint32
	goAwayError *gerrors.GoAwayError
}

// NewMultiplexer returns a Multiplexer writing to t, running deferred work on exec and
// reporting connection events to h.
func NewMultiplexer(t Transport, exec Executor, h ConnHandler, options ...Option) *Multiplexer {
	opts := loadOptions(options...)
	if h == nil {
		h = BuiltinConnHandler{}
	}
	m := &Multiplexer{
		opts:                opts,
		transport:           t,
		exec:                exec,
		handler:             h,
		logger:              opts.Logger,
		channels:            make(map[*StreamChannel]struct{}),
		streams:             make(map[uint32]*StreamChannel),
		nextStreamID:        1,
		local:               defaultSettings(),
		remote:              defaultSettings(),
		connSendWindow:      defaultInitialWindowSize,
		connRecvWindow:      defaultInitialWindowSize,
		outbound:            queue.New(),
		readCompletePending: queue.New(),
	}
	if opts.Server {
		m.nextStreamID = 2
	}
	return m
}

// Start announces the local SETTINGS and grows the connection receive window to the local
// INITIAL_WINDOW_SIZE.
func (m *Multiplexer) Start() error {
	if m.started {
		return nil
	}
	m.started = true
	for _, st := range m.opts.InitialSettings {
		if err := m.local.apply(st); err != nil {
			return err
		}
	}
	if err := m.writeControl(&SettingsFrame{Settings: m.opts.InitialSettings}); err != nil {
		return err
	}
	if delta := int64(m.local.initialWindowSize) - defaultInitialWindowSize; delta > 0 {
		m.connRecvWindow += delta
		if err := m.writeControl(&WindowUpdateFrame{Increment: uint32(delta)}); err != nil {
			return err
		}
	}
	m.connUpdateWindow = int64(float64(m.connRecvWindow) * m.opts.WindowUpdateRatio)
	m.flush()
	return nil
}

// IsServer reports whether the multiplexer is the server side of the connection.
func (m *Multiplexer) IsServer() bool { return m.opts.Server }

// IsActive reports whether streams can still be written.
func (m *Multiplexer) IsActive() bool { return !m.closed && m.transport.IsActive() }

// LocalMaxFrameSize returns the largest frame payload the local endpoint accepts.
func (m *Multiplexer) LocalMaxFrameSize() uint32 { return m.local.maxFrameSize }

// RemoteMaxFrameSize returns the largest frame payload the peer accepts.
func (m *Multiplexer) RemoteMaxFrameSize() uint32 { return m.remote.maxFrameSize }

// Allocator returns the allocator payload buffers are taken from.
func (m *Multiplexer) Allocator() buffer.Allocator { return m.opts.Allocator }

// NumActiveStreams returns the number of streams that are neither idle nor closed.
func (m *Multiplexer) NumActiveStreams() int { return m.activeLocal + m.activeRemote }

// Stream returns the channel of stream id, if the stream is alive.
func (m *Multiplexer) Stream(id uint32) (*StreamChannel, bool) {
	ch, ok := m.streams[id]
	return ch, ok
}

// OpenStream creates an outbound stream channel. The stream gets its identifier once its
// first HEADERS frame is written.
func (m *Multiplexer) OpenStream(h StreamHandler) (*StreamChannel, error) {
	if !m.IsActive() {
		return nil, gerrors.ErrTransportClosed
	}
	if m.goAwayError != nil {
		return nil, m.goAwayErr()
	}
	if h == nil {
		h = BuiltinStreamHandler{}
	}
	ch := newStreamChannel(m, h, 0, StateIdle)
	m.channels[ch] = struct{}{}
	ch.register()
	return ch, nil
}

func (m *Multiplexer) goAwayErr() error {
	e := *m.goAwayError
	return &e
}

func (m *Multiplexer) isLocalID(id uint32) bool {
	return (id%2 == 0) == m.opts.Server
}

// mayHaveExisted reports whether id was used before, as opposed to an idle identifier.
func (m *Multiplexer) mayHaveExisted(id uint32) bool {
	if m.isLocalID(id) {
		return id < m.nextStreamID
	}
	return id <= m.lastRemoteID
}

func (m *Multiplexer) nextID() (uint32, error) {
	id := m.nextStreamID
	if id > maxStreamID {
		return 0, gerrors.ErrNoMoreStreamIDs
	}
	m.nextStreamID += 2
	return id, nil
}

func (m *Multiplexer) invokeLater(task func()) {
	if err := m.exec.Execute(task); err != nil {
		m.logger.Warnf("can't invoke task later as the event-loop rejected it: %v", err)
	}
}

// ---- outbound ----

func (m *Multiplexer) enqueue(w *pendingWrite) {
	m.outbound.Add(w)
}

func (m *Multiplexer) flushIfNotReading() {
	if !m.parentReadInProgress {
		m.flush()
	}
}

// flush drains the outbound queue into the transport and flushes it. At most
// MaxMessagesPerWrite frames are written per pass, the rest follow on the next loop turn or
// once the transport turns writable again.
func (m *Multiplexer) flush() {
	if m.inFlush {
		m.flushAgain = true
		return
	}
	m.inFlush = true
	budget := m.opts.MaxMessagesPerWrite
	for {
		m.flushAgain = false
		budget -= m.drainOutbound(budget)
		if !m.flushAgain || budget <= 0 {
			break
		}
	}
	m.inFlush = false
	if m.needsFlush {
		m.needsFlush = false
		if err := m.transport.Flush(); err != nil {
			m.logger.Debugf("failed to flush transport: %v", err)
		}
	}
}

func (m *Multiplexer) drainOutbound(budget int) (written int) {
	for m.outbound.Length() > 0 {
		if !m.IsActive() {
			m.failOutbound(gerrors.ErrTransportClosed)
			return
		}
		if !m.transport.IsWritable() {
			return
		}
		if written >= budget {
			m.scheduleFlush()
			return
		}
		written += m.dispatch(m.outbound.Remove().(*pendingWrite))
	}
	return
}

func (m *Multiplexer) scheduleFlush() {
	if m.flushScheduled {
		return
	}
	m.flushScheduled = true
	if err := m.exec.Execute(func() {
		m.flushScheduled = false
		m.flush()
	}); err != nil {
		m.flushScheduled = false
		m.logger.Warnf("failed to schedule flush: %v", err)
	}
}

func (m *Multiplexer) failOutbound(err error) {
	for m.outbound.Length() > 0 {
		m.fail(m.outbound.Remove().(*pendingWrite), err)
	}
}

// dispatch handles a write leaving the outbound queue and returns the number of frames handed
// to the transport.
func (m *Multiplexer) dispatch(w *pendingWrite) int {
	ch := w.ch
	if rst, ok := w.frame.(*ResetFrame); ok {
		return m.writeReset(ch, rst, w)
	}
	if ch.pendingOut.Length() > 0 {
		ch.pendingOut.Add(w)
		return 0
	}
	n, blocked := m.process(w)
	if blocked {
		ch.pendingOut.Add(w)
	}
	return n
}

// drainPending writes the head of the pending writes of ch until one blocks again.
func (m *Multiplexer) drainPending(ch *StreamChannel) (written int) {
	for ch.pendingOut.Length() > 0 {
		n, blocked := m.process(ch.pendingOut.Peek().(*pendingWrite))
		written += n
		if blocked {
			break
		}
		ch.pendingOut.Remove()
	}
	if written > 0 {
		m.needsFlush = true
	}
	return
}

// process writes w, or reports that it is blocked on flow control or on a stream slot.
func (m *Multiplexer) process(w *pendingWrite) (written int, blocked bool) {
	ch := w.ch
	if ch.buffered {
		return 0, true
	}
	if ch.state == StateIdle {
		if ch.closeInitiated {
			m.fail(w, gerrors.ErrChannelClosed)
			return 0, false
		}
		if _, ok := w.frame.(*HeadersFrame); !ok {
			m.fail(w, gerrors.ErrFirstFrameNotHeaders)
			return 0, false
		}
		if ch.id == 0 {
			if m.goAwayError != nil {
				m.fail(w, m.goAwayErr())
				return 0, false
			}
			id, err := m.nextID()
			if err != nil {
				m.fail(w, err)
				return 0, false
			}
			ch.id = id
			m.streams[id] = ch
		}
		if uint32(m.activeLocal) >= m.remote.maxConcurrentStreams {
			ch.buffered = true
			m.buffered = append(m.buffered, ch)
			return 0, true
		}
	} else if ch.state == StateClosed || (!ch.state.localSideOpen() && isHeadersOrData(w.frame)) {
		m.fail(w, gerrors.NewStreamError(ch.id, gerrors.StreamClosed, "stream is %s", ch.state))
		return 0, false
	}

	if d, ok := w.frame.(*DataFrame); ok {
		return m.writeData(w, d)
	}
	setStream(w.frame, ch.id)
	err := m.transport.WriteFrame(w.frame)
	m.needsFlush = true
	if err == nil {
		m.onFrameWritten(ch, w.frame)
	}
	m.complete(w, err)
	return 1, false
}

func isHeadersOrData(f Frame) bool {
	switch f.(type) {
	case *HeadersFrame, *DataFrame:
		return true
	}
	return false
}

// writeData writes as much of d as the stream and connection windows allow, splitting it at
// the maximum frame size of the peer.
func (m *Multiplexer) writeData(w *pendingWrite, d *DataFrame) (written int, blocked bool) {
	ch := w.ch
	maxFrame := int(m.remote.maxFrameSize)
	for {
		avail := ch.sendWindow
		if m.connSendWindow < avail {
			avail = m.connSendWindow
		}
		n := d.FlowControlledBytes()
		dataLen := 0
		if d.Data != nil {
			dataLen = d.Data.Len()
		}
		if int64(n) <= avail && dataLen <= maxFrame {
			d.StreamID = ch.id
			ch.sendWindow -= int64(n)
			m.connSendWindow -= int64(n)
			err := m.transport.WriteFrame(d)
			m.needsFlush = true
			if err == nil {
				m.onFrameWritten(ch, d)
			}
			m.complete(w, err)
			return written + 1, false
		}
		chunk := dataLen
		if int64(chunk) > avail {
			chunk = int(avail)
		}
		if chunk > maxFrame {
			chunk = maxFrame
		}
		if chunk <= 0 {
			return written, true
		}
		part := &DataFrame{StreamID: ch.id, Data: d.Data.Split(chunk)}
		ch.sendWindow -= int64(chunk)
		m.connSendWindow -= int64(chunk)
		err := m.transport.WriteFrame(part)
		m.needsFlush = true
		written++
		if err != nil {
			m.fail(w, err)
			return written, false
		}
	}
}

// shouldReset is the only place deciding whether a RST_STREAM may go out for ch. Resetting
// an idle stream, a closed stream or a stream the peer reset is a protocol error.
func (m *Multiplexer) shouldReset(ch *StreamChannel) bool {
	return ch.id != 0 && ch.state != StateIdle && ch.state != StateClosed &&
		!ch.resetSent && !ch.resetReceived
}

func (m *Multiplexer) writeReset(ch *StreamChannel, rst *ResetFrame, w *pendingWrite) int {
	if !m.shouldReset(ch) {
		m.complete(w, nil)
		return 0
	}
	ch.failPendingOut(gerrors.ErrChannelClosed)
	rst.StreamID = ch.id
	err := m.transport.WriteFrame(rst)
	m.needsFlush = true
	if err == nil {
		ch.resetSent = true
		m.incr(MetricResetSent)
		m.streamClosed(ch)
	}
	m.complete(w, err)
	return 1
}

func (m *Multiplexer) onFrameWritten(ch *StreamChannel, f Frame) {
	if _, ok := f.(*HeadersFrame); ok && ch.state == StateIdle {
		ch.state = StateOpen
		ch.active = true
		m.activeLocal++
		m.incr(MetricStreamOpened)
	}
	if IsEndOfStream(f) {
		m.closeLocal(ch)
	}
}

// complete finishes a write that reached the transport.
func (m *Multiplexer) complete(w *pendingWrite, err error) {
	if w.ch != nil {
		w.ch.writeComplete(w, err)
		return
	}
	if err != nil {
		w.promise.TryFailure(err)
	} else {
		w.promise.TrySuccess()
	}
}

// fail finishes a write that never reached the transport.
func (m *Multiplexer) fail(w *pendingWrite, err error) {
	Release(w.frame)
	m.complete(w, err)
}

// writeControl writes a frame that bypasses the stream queues.
func (m *Multiplexer) writeControl(f Frame) error {
	if !m.transport.IsActive() {
		Release(f)
		return gerrors.ErrTransportClosed
	}
	err := m.transport.WriteFrame(f)
	m.needsFlush = true
	if err != nil {
		m.logger.Debugf("failed to write %s frame: %v", f.Type(), err)
		return err
	}
	if _, ok := f.(*ResetFrame); ok {
		m.incr(MetricResetSent)
	}
	return nil
}

// ---- stream lifecycle ----

func (m *Multiplexer) closeLocal(ch *StreamChannel) {
	if next := ch.state.closeLocal(); next == StateClosed {
		m.streamClosed(ch)
	} else {
		ch.state = next
	}
}

func (m *Multiplexer) closeRemote(ch *StreamChannel) {
	if next := ch.state.closeRemote(); next == StateClosed {
		m.streamClosed(ch)
	} else {
		ch.state = next
	}
}

func (m *Multiplexer) streamClosed(ch *StreamChannel) {
	if ch.state == StateClosed {
		return
	}
	ch.state = StateClosed
	delete(m.streams, ch.id)
	if ch.active {
		ch.active = false
		if m.isLocalID(ch.id) {
			m.activeLocal--
		} else {
			m.activeRemote--
		}
		m.incr(MetricStreamClosed)
	}
	if ch.unreturned > 0 {
		n := ch.unreturned
		ch.unreturned = 0
		m.returnConnCredit(n)
	}
	ch.readEOS = true
	ch.failPendingOut(gerrors.NewStreamError(ch.id, gerrors.StreamClosed, "stream closed"))
	ch.streamClosed()
	m.drainBuffered()
}

// channelClosed forgets a channel whose stream never made it to the wire.
func (m *Multiplexer) channelClosed(ch *StreamChannel) {
	delete(m.channels, ch)
	if ch.state != StateIdle {
		return
	}
	if ch.buffered {
		ch.buffered = false
		m.removeBuffered(ch)
		ch.failPendingOut(gerrors.ErrChannelClosed)
	}
	if ch.id != 0 {
		delete(m.streams, ch.id)
	}
}

func (m *Multiplexer) removeBuffered(ch *StreamChannel) {
	for i, c := range m.buffered {
		if c == ch {
			m.buffered = append(m.buffered[:i], m.buffered[i+1:]...)
			return
		}
	}
}

// drainBuffered activates buffered streams while the peer allows more concurrent streams.
func (m *Multiplexer) drainBuffered() {
	for len(m.buffered) > 0 && uint32(m.activeLocal) < m.remote.maxConcurrentStreams {
		ch := m.buffered[0]
		m.buffered = m.buffered[1:]
		ch.buffered = false
		m.drainPending(ch)
	}
	m.flushIfNotReading()
}

// drainStalled retries the writes of every stream that waits for flow-control credit.
func (m *Multiplexer) drainStalled() {
	for _, ch := range m.sortedStreams() {
		if ch.pendingOut.Length() > 0 && !ch.buffered {
			m.drainPending(ch)
		}
	}
	m.flushIfNotReading()
}

func (m *Multiplexer) sortedStreams() []*StreamChannel {
	chs := make([]*StreamChannel, 0, len(m.streams))
	for _, ch := range m.streams {
		chs = append(chs, ch)
	}
	sort.Slice(chs, func(i, j int) bool { return chs[i].id < chs[j].id })
	return chs
}

func (m *Multiplexer) sortedChannels() []*StreamChannel {
	chs := make([]*StreamChannel, 0, len(m.channels))
	for ch := range m.channels {
		chs = append(chs, ch)
	}
	sort.Slice(chs, func(i, j int) bool {
		if chs[i].id == 0 || chs[j].id == 0 {
			return chs[j].id == 0 && chs[i].id != 0
		}
		return chs[i].id < chs[j].id
	})
	return chs
}

// ---- flow control ----

// consumeBytes grants n consumed bytes of ch back to the peer.
func (m *Multiplexer) consumeBytes(ch *StreamChannel, n int) error {
	if n <= 0 || ch.id == 0 || ch.state == StateClosed {
		return nil
	}
	if n > ch.unreturned {
		n = ch.unreturned
	}
	ch.unreturned -= n
	ch.recvWindow += int64(n)
	if ch.state.remoteSideOpen() {
		if err := m.writeControl(&WindowUpdateFrame{StreamID: ch.id, Increment: uint32(n)}); err != nil {
			return err
		}
	}
	return m.returnConnCredit(n)
}

// returnConnCredit gives n bytes back to the connection window once enough accumulated.
func (m *Multiplexer) returnConnCredit(n int) error {
	m.connUnreturned += int64(n)
	if m.connUnreturned < m.connUpdateWindow || m.connUnreturned == 0 {
		return nil
	}
	inc := m.connUnreturned
	m.connUnreturned = 0
	m.connRecvWindow += inc
	return m.writeControl(&WindowUpdateFrame{Increment: uint32(inc)})
}

// ---- inbound ----

// OnFrame processes one frame read from the transport. Calls to OnFrame form a read loop
// that the transport ends with OnReadComplete.
func (m *Multiplexer) OnFrame(f Frame) {
	m.parentReadInProgress = true
	if m.connUpdateWindow == 0 {
		m.connUpdateWindow = int64(float64(m.connRecvWindow) * m.opts.WindowUpdateRatio)
	}
	switch v := f.(type) {
	case *SettingsFrame:
		m.onSettings(v)
	case *PingFrame:
		if !v.Ack {
			_ = m.writeControl(&PingFrame{Data: v.Data, Ack: true})
		}
		m.handler.OnPing(m, v)
	case *GoAwayFrame:
		m.onGoAway(v)
	case *WindowUpdateFrame:
		m.onWindowUpdate(v)
	default:
		m.onStreamFrame(f)
	}
}

// OnReadComplete ends the read loop of the transport: channels that kept reading get their
// read complete and the writes of the loop are flushed.
func (m *Multiplexer) OnReadComplete() {
	m.parentReadInProgress = true
	for m.readCompletePending.Length() > 0 {
		m.readCompletePending.Remove().(*StreamChannel).fireChildReadComplete()
	}
	m.parentReadInProgress = false
	m.flush()
}

// OnError reports an error raised while decoding frames.
func (m *Multiplexer) OnError(err error) {
	var se *gerrors.StreamError
	if errors.As(err, &se) {
		if ch, ok := m.streams[se.StreamID]; ok {
			m.streamError(ch, se)
			return
		}
		if se.StreamID != 0 {
			_ = m.writeControl(&ResetFrame{StreamID: se.StreamID, Code: se.Code})
			m.flushIfNotReading()
		}
	}
	m.handler.OnError(m, err)
}

// OnTransportWritabilityChanged lets the stream channels follow the writability of the
// transport and resumes writing once it is writable.
func (m *Multiplexer) OnTransportWritabilityChanged() {
	if !m.transport.IsWritable() {
		return
	}
	for _, ch := range m.sortedChannels() {
		ch.trySetWritable()
	}
	m.flush()
}

func (m *Multiplexer) connError(code gerrors.ErrCode, format string, args ...any) {
	m.handler.OnError(m, gerrors.NewConnectionError(code, format, args...))
}

func (m *Multiplexer) streamError(ch *StreamChannel, err *gerrors.StreamError) {
	if ch.IsActive() {
		ch.handler.OnError(ch, err)
	}
	if !ch.closeInitiated {
		ch.CloseWithError(err.Code)
		return
	}
	// The channel is gone but the stream is not, reset it directly.
	m.enqueue(&pendingWrite{ch: ch, frame: &ResetFrame{Code: err.Code}, promise: promise.New()})
	m.flushIfNotReading()
}

func (m *Multiplexer) onSettings(f *SettingsFrame) {
	if f.Ack {
		m.handler.OnSettings(m, f)
		return
	}
	for _, st := range f.Settings {
		if err := st.Valid(); err != nil {
			m.handler.OnError(m, toProtocolError(err))
			return
		}
	}
	for _, st := range f.Settings {
		if st.ID == http2.SettingInitialWindowSize {
			delta := int64(st.Val) - int64(m.remote.initialWindowSize)
			for _, ch := range m.streams {
				if ch.sendWindow+delta > maxWindowSize {
					m.connError(gerrors.FlowControlError, "window of stream %d overflows", ch.id)
					return
				}
			}
			for ch := range m.channels {
				ch.sendWindow += delta
			}
			for _, ch := range m.streams {
				if _, ok := m.channels[ch]; !ok {
					ch.sendWindow += delta
				}
			}
		}
		if err := m.remote.apply(st); err != nil {
			m.handler.OnError(m, err)
			return
		}
	}
	_ = m.writeControl(&SettingsFrame{Ack: true})
	m.handler.OnSettings(m, f)
	m.drainBuffered()
	m.drainStalled()
}

func (m *Multiplexer) onGoAway(f *GoAwayFrame) {
	m.incr(MetricGoAwayReceived)
	m.goAwayError = &gerrors.GoAwayError{LastStreamID: f.LastStreamID, Code: f.Code, DebugData: f.DebugData}

	var failed []*StreamChannel
	for _, ch := range m.buffered {
		if ch.id > f.LastStreamID {
			failed = append(failed, ch)
		}
	}
	for _, ch := range failed {
		ch.buffered = false
		m.removeBuffered(ch)
		delete(m.streams, ch.id)
		ch.failPendingOut(m.goAwayErr())
	}
	// Streams that are already open keep working, only new streams are refused.
	for _, ch := range m.sortedChannels() {
		ch.fireUserEvent(f)
	}
	m.handler.OnGoAway(m, f)
}

func (m *Multiplexer) onWindowUpdate(f *WindowUpdateFrame) {
	if f.StreamID == 0 {
		if f.Increment == 0 {
			m.connError(gerrors.ProtocolError, "connection WINDOW_UPDATE with zero increment")
			return
		}
		if m.connSendWindow+int64(f.Increment) > maxWindowSize {
			m.connError(gerrors.FlowControlError, "connection window overflows")
			return
		}
		m.connSendWindow += int64(f.Increment)
		m.drainStalled()
		return
	}
	ch, ok := m.streams[f.StreamID]
	if !ok {
		if !m.mayHaveExisted(f.StreamID) {
			m.connError(gerrors.ProtocolError, "WINDOW_UPDATE on idle stream %d", f.StreamID)
		}
		return
	}
	if f.Increment == 0 {
		m.streamError(ch, gerrors.NewStreamError(ch.id, gerrors.ProtocolError, "WINDOW_UPDATE with zero increment"))
		return
	}
	if ch.sendWindow+int64(f.Increment) > maxWindowSize {
		m.streamError(ch, gerrors.NewStreamError(ch.id, gerrors.FlowControlError, "stream window overflows"))
		return
	}
	ch.sendWindow += int64(f.Increment)
	if ch.pendingOut.Length() > 0 && !ch.buffered {
		m.drainPending(ch)
		m.flushIfNotReading()
	}
}

func (m *Multiplexer) onStreamFrame(f Frame) {
	id := f.Stream()
	if id == 0 {
		if u, ok := f.(*UnknownFrame); ok {
			m.handler.OnUnknownFrame(m, u)
			return
		}
		Release(f)
		m.connError(gerrors.ProtocolError, "%s frame on stream 0", f.Type())
		return
	}
	if m.goAwaySent && !m.isLocalID(id) && id > m.goAwayLast {
		// Streams the peer opened after our GOAWAY are ignored, their credit is handed back.
		if d, ok := f.(*DataFrame); ok {
			m.discardData(d)
		}
		return
	}
	ch, ok := m.streams[id]
	if !ok {
		m.onUnknownStream(f)
		return
	}

	switch v := f.(type) {
	case *HeadersFrame:
		if ch.state == StateReservedRemote {
			ch.state = StateHalfClosedLocal
			ch.active = true
			m.activeRemote++
			m.incr(MetricStreamOpened)
		} else if !ch.state.remoteSideOpen() {
			m.streamError(ch, gerrors.NewStreamError(id, gerrors.StreamClosed, "HEADERS on %s stream", ch.state))
			return
		}
		ch.fireChildRead(v)
		if v.EndStream {
			m.closeRemote(ch)
		}
	case *DataFrame:
		n := v.FlowControlledBytes()
		if !m.consumeConnWindow(n) {
			Release(v)
			return
		}
		if !ch.state.remoteSideOpen() {
			Release(v)
			_ = m.returnConnCredit(n)
			m.streamError(ch, gerrors.NewStreamError(id, gerrors.StreamClosed, "DATA on %s stream", ch.state))
			return
		}
		if int64(n) > ch.recvWindow {
			Release(v)
			_ = m.returnConnCredit(n)
			m.streamError(ch, gerrors.NewStreamError(id, gerrors.FlowControlError, "stream window exceeded"))
			return
		}
		ch.recvWindow -= int64(n)
		ch.unreturned += n
		ch.fireChildRead(v)
		if v.EndStream {
			m.closeRemote(ch)
		}
	case *ResetFrame:
		ch.resetReceived = true
		ch.fireUserEvent(v)
		m.streamClosed(ch)
	case *PriorityFrame:
		ch.fireUserEvent(v)
	case *PushPromiseFrame:
		m.onPushPromise(ch, v)
	case *UnknownFrame:
		ch.fireChildRead(v)
	}
}

func (m *Multiplexer) consumeConnWindow(n int) bool {
	if int64(n) > m.connRecvWindow {
		m.connError(gerrors.FlowControlError, "connection window exceeded")
		return false
	}
	m.connRecvWindow -= int64(n)
	return true
}

func (m *Multiplexer) discardData(d *DataFrame) {
	n := d.FlowControlledBytes()
	Release(d)
	if m.consumeConnWindow(n) {
		_ = m.returnConnCredit(n)
	}
}

func (m *Multiplexer) onUnknownStream(f Frame) {
	id := f.Stream()
	switch v := f.(type) {
	case *HeadersFrame:
		if m.mayHaveExisted(id) {
			m.OnError(gerrors.NewStreamError(id, gerrors.StreamClosed, "HEADERS on closed stream"))
			return
		}
		if m.isLocalID(id) {
			m.connError(gerrors.ProtocolError, "HEADERS on idle stream %d", id)
			return
		}
		m.acceptStream(v)
	case *DataFrame:
		m.discardData(v)
		if m.mayHaveExisted(id) {
			m.OnError(gerrors.NewStreamError(id, gerrors.StreamClosed, "DATA on closed stream"))
			return
		}
		m.connError(gerrors.ProtocolError, "DATA on idle stream %d", id)
	case *ResetFrame:
		if !m.mayHaveExisted(id) {
			m.connError(gerrors.ProtocolError, "RST_STREAM on idle stream %d", id)
		}
	case *PushPromiseFrame:
		m.connError(gerrors.ProtocolError, "PUSH_PROMISE on unknown stream %d", id)
	case *UnknownFrame:
		m.handler.OnUnknownFrame(m, v)
	}
}

func (m *Multiplexer) acceptStream(h *HeadersFrame) {
	id := h.StreamID
	m.lastRemoteID = id
	if uint32(m.activeRemote) >= m.local.maxConcurrentStreams {
		_ = m.writeControl(&ResetFrame{StreamID: id, Code: gerrors.RefusedStream})
		return
	}
	ch := newStreamChannel(m, nil, id, StateOpen)
	ch.active = true
	ch.firstFrameWritten = true
	m.activeRemote++
	m.incr(MetricStreamOpened)
	m.streams[id] = ch
	m.channels[ch] = struct{}{}
	if ch.handler = m.handler.OnStream(ch); ch.handler == nil {
		ch.handler = BuiltinStreamHandler{}
	}
	ch.register()
	ch.fireChildRead(h)
	if h.EndStream {
		m.closeRemote(ch)
	}
}

func (m *Multiplexer) onPushPromise(parent *StreamChannel, f *PushPromiseFrame) {
	if m.opts.Server || !m.local.enablePush {
		m.connError(gerrors.ProtocolError, "unexpected PUSH_PROMISE")
		return
	}
	id := f.PromisedID
	if m.isLocalID(id) || id <= m.lastRemoteID {
		m.connError(gerrors.ProtocolError, "invalid promised stream %d", id)
		return
	}
	m.lastRemoteID = id
	ch := newStreamChannel(m, nil, id, StateReservedRemote)
	ch.firstFrameWritten = true
	m.streams[id] = ch
	m.channels[ch] = struct{}{}
	if ch.handler = m.handler.OnStream(ch); ch.handler == nil {
		ch.handler = BuiltinStreamHandler{}
	}
	ch.register()
	parent.fireChildRead(f)
}

// ---- connection shutdown ----

// Ping writes a PING frame.
func (m *Multiplexer) Ping(data [8]byte) error {
	if err := m.writeControl(&PingFrame{Data: data}); err != nil {
		return err
	}
	m.flushIfNotReading()
	return nil
}

// GoAway tells the peer that no stream above the last one it opened will be processed.
// Frames of streams it opens afterwards are ignored.
func (m *Multiplexer) GoAway(code gerrors.ErrCode, debug []byte) error {
	if err := m.writeControl(&GoAwayFrame{LastStreamID: m.lastRemoteID, Code: code, DebugData: debug}); err != nil {
		return err
	}
	m.goAwaySent = true
	m.goAwayLast = m.lastRemoteID
	m.flushIfNotReading()
	return nil
}

// Close sends GOAWAY(NO_ERROR) and closes the transport.
func (m *Multiplexer) Close() error {
	return m.CloseWithError(gerrors.NoError, nil)
}

// CloseWithError sends GOAWAY with code and closes the transport.
func (m *Multiplexer) CloseWithError(code gerrors.ErrCode, debug []byte) error {
	if m.closed {
		return nil
	}
	if m.transport.IsActive() && !m.goAwaySent {
		_ = m.GoAway(code, debug)
	}
	m.flush()
	m.closed = true
	err := m.transport.Close()
	m.OnTransportInactive()
	return err
}

// OnTransportInactive closes every stream after the transport went away. Channels keep the
// frames they already received until those are read.
func (m *Multiplexer) OnTransportInactive() {
	m.closed = true
	m.failOutbound(gerrors.ErrTransportClosed)
	for len(m.buffered) > 0 {
		ch := m.buffered[0]
		m.buffered = m.buffered[1:]
		ch.buffered = false
		delete(m.streams, ch.id)
		ch.failPendingOut(fmt.Errorf("%w: %w", gerrors.ErrChannelClosed, gerrors.ErrTransportClosed))
	}
	for _, ch := range m.sortedStreams() {
		m.streamClosed(ch)
	}
	for _, ch := range m.sortedChannels() {
		if ch.state == StateIdle {
			ch.closeForcibly()
		}
	}
}

func toProtocolError(err error) error {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return gerrors.NewConnectionError(gerrors.ErrCode(ce), "%v", err)
	}
	return gerrors.NewConnectionError(gerrors.ProtocolError, "%v", err)
}
