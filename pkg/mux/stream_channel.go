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
	"fmt"

	"github.com/eapache/queue"

	"github.com/gmux-io/gmux/pkg/errors"
	"github.com/gmux-io/gmux/pkg/promise"
)

// StreamChannel is one HTTP/2 stream exposed as a channel of its own. It is created by
// Multiplexer.OpenStream or by the multiplexer when the peer opens a stream, and it is only
// ever used on the event loop that drives its multiplexer.
type StreamChannel struct {
	m       *Multiplexer
	handler StreamHandler

	id     uint32
	state  StreamState
	active bool // counted against the concurrency limit of its initiator

	sendWindow int64
	recvWindow int64
	// unreturned is the connection credit held by the stream, received but not consumed.
	unreturned int
	// flowControlledBytes were consumed by the handler and not yet granted back.
	flowControlledBytes int

	autoRead              bool
	autoClose             bool
	autoStreamFlowControl bool
	waterMark             WaterMark
	messagesRead          int

	pendingBytes int
	unwritable   bool

	registered     bool
	inputShutdown  bool
	outputShutdown bool
	closeInitiated bool
	closeFuture    *promise.Future

	readStatus          readStatus
	inboundBuffer       *queue.Queue
	readCompletePending bool
	writeDoneAndNoFlush bool
	readEOS             bool
	receivedEndOfStream bool
	sentEndOfStream     bool
	firstFrameWritten   bool
	resetSent           bool
	resetReceived       bool

	// pendingOut holds writes that wait for flow-control credit or for a stream slot.
	pendingOut *queue.Queue
	buffered   bool
}

func newStreamChannel(m *Multiplexer, h StreamHandler, id uint32, state StreamState) *StreamChannel {
	return &StreamChannel{
		m:                     m,
		handler:               h,
		id:                    id,
		state:                 state,
		sendWindow:            int64(m.remote.initialWindowSize),
		recvWindow:            int64(m.local.initialWindowSize),
		autoRead:              true,
		autoClose:             true,
		autoStreamFlowControl: true,
		waterMark:             m.opts.WaterMark,
		closeFuture:           promise.New(),
		pendingOut:            queue.New(),
	}
}

// ID returns the stream identifier, 0 until the first HEADERS of an outbound stream is written.
func (ch *StreamChannel) ID() uint32 { return ch.id }

// State returns the stream state.
func (ch *StreamChannel) State() StreamState { return ch.state }

// Multiplexer returns the parent multiplexer.
func (ch *StreamChannel) Multiplexer() *Multiplexer { return ch.m }

// Handler returns the handler of the channel.
func (ch *StreamChannel) Handler() StreamHandler { return ch.handler }

// IsOpen reports whether the channel has not been closed yet.
func (ch *StreamChannel) IsOpen() bool { return !ch.closeFuture.IsDone() }

// IsActive is IsOpen, a stream channel is active from its registration until it is closed.
func (ch *StreamChannel) IsActive() bool { return ch.IsOpen() }

// IsShutdown reports whether dir is shut down, which is true for both directions once closed.
func (ch *StreamChannel) IsShutdown(dir Direction) bool {
	if !ch.IsActive() {
		return true
	}
	if dir == Inbound {
		return ch.inputShutdown
	}
	return ch.outputShutdown
}

// IsWritable reports whether the pending outbound bytes are below the water mark.
func (ch *StreamChannel) IsWritable() bool { return !ch.unwritable }

// WritableBytes returns how many bytes can be written before the channel turns unwritable.
func (ch *StreamChannel) WritableBytes() int {
	if n := ch.waterMark.High - ch.pendingBytes; n > 0 && !ch.unwritable {
		return n
	}
	return 0
}

// CloseFuture completes once the channel is closed.
func (ch *StreamChannel) CloseFuture() *promise.Future { return ch.closeFuture }

// AutoRead reports whether the channel reads without explicit Read calls.
func (ch *StreamChannel) AutoRead() bool { return ch.autoRead }

// SetAutoRead enables or disables automatic reads, enabling it triggers a Read.
func (ch *StreamChannel) SetAutoRead(autoRead bool) {
	old := ch.autoRead
	ch.autoRead = autoRead
	if autoRead && !old {
		ch.Read()
	}
}

// SetAutoClose decides whether a failed write closes the channel or only shuts down its output.
func (ch *StreamChannel) SetAutoClose(autoClose bool) { ch.autoClose = autoClose }

// SetAutoStreamFlowControl decides whether consumed bytes are granted back automatically.
// When it is off the handler must write WindowUpdateFrames itself.
func (ch *StreamChannel) SetAutoStreamFlowControl(enabled bool) {
	changed := enabled && !ch.autoStreamFlowControl
	ch.autoStreamFlowControl = enabled
	if changed && ch.registered && ch.updateLocalWindowIfNeeded() {
		ch.Flush()
	}
}

// SetWaterMark replaces the write-buffer water mark of the channel.
func (ch *StreamChannel) SetWaterMark(wm WaterMark) { ch.waterMark = wm }

func (ch *StreamChannel) String() string {
	return fmt.Sprintf("stream(%d, %s)", ch.id, ch.state)
}

func (ch *StreamChannel) register() {
	ch.registered = true
	ch.handler.OnActive(ch)
	if ch.IsActive() && ch.autoRead {
		ch.Read()
	}
}

// Write queues f on the stream, the returned Future completes once the frame has been handed
// to the transport. Nothing is sent before the next Flush.
func (ch *StreamChannel) Write(f Frame) *promise.Future {
	p := promise.New()
	ch.write(f, p)
	return p
}

// WriteAndFlush is Write followed by Flush.
func (ch *StreamChannel) WriteAndFlush(f Frame) *promise.Future {
	p := ch.Write(f)
	ch.Flush()
	return p
}

func (ch *StreamChannel) write(f Frame, p *promise.Future) {
	if !ch.IsActive() {
		Release(f)
		p.TryFailure(errors.ErrChannelClosed)
		return
	}
	switch f.(type) {
	case *HeadersFrame, *DataFrame:
		if ch.IsShutdown(Outbound) {
			Release(f)
			p.TryFailure(errors.ErrOutputShutdown)
			return
		}
	}
	if id := f.Stream(); id != 0 && id != ch.id {
		Release(f)
		p.TryFailure(fmt.Errorf("%w: frame of stream %d written on stream %d", errors.ErrForeignStreamFrame, id, ch.id))
		return
	}

	switch v := f.(type) {
	case *WindowUpdateFrame:
		if ch.autoStreamFlowControl {
			p.TryFailure(errors.ErrAutoFlowControl)
			return
		}
		if int64(v.Increment) > int64(ch.flowControlledBytes) {
			p.TryFailure(fmt.Errorf("%w: %d > %d", errors.ErrWindowUpdateOutOfRange, v.Increment, ch.flowControlledBytes))
			return
		}
		ch.flowControlledBytes -= int(v.Increment)
		ch.writeWindowUpdate(int(v.Increment), p)
	case *HeadersFrame, *DataFrame, *ResetFrame, *PriorityFrame, *UnknownFrame:
		shutdownOutput := IsEndOfStream(f)
		ch.writeStreamFrame(f, p)
		if shutdownOutput && ch.shutdownOutput(false) {
			ch.handler.OnShutdown(ch, Outbound)
		}
	default:
		Release(f)
		p.TryFailure(fmt.Errorf("%w: %s", errors.ErrUnsupportedFrame, f.Type()))
	}
}

func (ch *StreamChannel) writeStreamFrame(f Frame, p *promise.Future) {
	if !ch.firstFrameWritten && ch.id == 0 {
		if _, ok := f.(*HeadersFrame); !ok {
			Release(f)
			p.TryFailure(fmt.Errorf("%w, got %s", errors.ErrFirstFrameNotHeaders, f.Type()))
			return
		}
	}
	first := !ch.firstFrameWritten
	ch.firstFrameWritten = true
	ch.sentEndOfStream = ch.sentEndOfStream || IsEndOfStream(f)

	w := &pendingWrite{ch: ch, frame: f, promise: p, size: frameSize(f), first: first}
	ch.incrementPendingBytes(w.size, false)
	ch.writeDoneAndNoFlush = true
	ch.m.enqueue(w)
}

// writeComplete is called by the multiplexer once w has been written or failed.
func (ch *StreamChannel) writeComplete(w *pendingWrite, err error) {
	ch.decrementPendingBytes(w.size, true)
	if err == nil {
		w.promise.TrySuccess()
		return
	}
	if errors.IsStreamClosed(err) {
		err = fmt.Errorf("%w: %w", errors.ErrChannelClosed, err)
	}
	switch {
	case ch.readEOS:
		// The stream is gone, the channel closes once its inbound queue is drained.
	case w.first || ch.autoClose:
		ch.closeForcibly()
	default:
		ch.shutdown(Outbound, promise.New())
	}
	w.promise.TryFailure(err)
}

func (ch *StreamChannel) writeWindowUpdate(n int, p *promise.Future) {
	err := ch.m.consumeBytes(ch, n)
	ch.writeDoneAndNoFlush = true
	if err != nil {
		p.TryFailure(err)
		if ch.IsActive() {
			ch.handler.OnError(ch, err)
		}
		ch.closeForcibly()
		return
	}
	p.TrySuccess()
}

func (ch *StreamChannel) updateLocalWindowIfNeeded() bool {
	if ch.flowControlledBytes != 0 && ch.autoStreamFlowControl && ch.m.IsActive() {
		n := ch.flowControlledBytes
		ch.flowControlledBytes = 0
		ch.writeWindowUpdate(n, promise.New())
		return true
	}
	return false
}

// Flush hands the queued writes to the transport. Inside the read loop of the parent the
// flush is deferred to the end of that loop.
func (ch *StreamChannel) Flush() {
	if !ch.writeDoneAndNoFlush || ch.m.parentReadInProgress {
		return
	}
	ch.writeDoneAndNoFlush = false
	ch.m.flush()
}

func (ch *StreamChannel) incrementPendingBytes(n int, invokeLater bool) {
	if n == 0 {
		return
	}
	ch.pendingBytes += n
	if ch.pendingBytes > ch.waterMark.High {
		ch.setUnwritable(invokeLater)
	}
}

func (ch *StreamChannel) decrementPendingBytes(n int, invokeLater bool) {
	if n == 0 {
		return
	}
	ch.pendingBytes -= n
	if ch.pendingBytes < ch.waterMark.Low && ch.m.transport.IsWritable() {
		ch.setWritable(invokeLater)
	}
}

// trySetWritable is called once the transport turned writable again.
func (ch *StreamChannel) trySetWritable() {
	if ch.pendingBytes < ch.waterMark.Low {
		ch.setWritable(false)
	}
}

func (ch *StreamChannel) setWritable(invokeLater bool) {
	if ch.unwritable {
		ch.unwritable = false
		ch.fireWritabilityChanged(invokeLater)
	}
}

func (ch *StreamChannel) setUnwritable(invokeLater bool) {
	if !ch.unwritable {
		ch.unwritable = true
		ch.fireWritabilityChanged(invokeLater)
	}
}

func (ch *StreamChannel) fireWritabilityChanged(invokeLater bool) {
	if invokeLater {
		ch.m.invokeLater(func() { ch.handler.OnWritabilityChanged(ch) })
		return
	}
	ch.handler.OnWritabilityChanged(ch)
}

// Read requests the delivery of queued frames. A Read issued while a read is in progress is
// folded into that read.
func (ch *StreamChannel) Read() {
	if !ch.IsActive() {
		return
	}
	ch.updateLocalWindowIfNeeded()
	switch ch.readStatus {
	case readIdle:
		ch.readStatus = readInProgress
		ch.doBeginRead()
	case readInProgress:
		ch.readStatus = readRequested
	}
}

func (ch *StreamChannel) pollQueued() Frame {
	if ch.inboundBuffer == nil || ch.inboundBuffer.Length() == 0 {
		return nil
	}
	return ch.inboundBuffer.Remove().(Frame)
}

func (ch *StreamChannel) queueEmpty() bool {
	return ch.inboundBuffer == nil || ch.inboundBuffer.Length() == 0
}

func (ch *StreamChannel) doBeginRead() {
	if ch.readStatus == readIdle {
		if ch.readEOS && ch.queueEmpty() {
			ch.Flush()
			ch.closeForcibly()
		}
		return
	}
	for {
		f := ch.pollQueued()
		if f == nil {
			ch.Flush()
			if ch.readEOS {
				ch.closeForcibly()
			}
			break
		}
		var cont bool
		for {
			cont = ch.doRead0(f)
			if !(ch.readEOS || cont) {
				break
			}
			if f = ch.pollQueued(); f == nil {
				break
			}
		}
		if cont && ch.m.parentReadInProgress && !ch.readEOS {
			ch.addToReadCompletePending()
		} else {
			ch.notifyReadComplete(true, true)
			// Reset after the callbacks so a Read issued from them loops here instead of recursing.
			ch.resetReadStatus()
		}
		if ch.readStatus == readIdle {
			break
		}
	}
}

func (ch *StreamChannel) resetReadStatus() {
	if ch.readStatus == readRequested {
		ch.readStatus = readInProgress
	} else {
		ch.readStatus = readIdle
	}
}

func (ch *StreamChannel) notifyReadComplete(force, inReadLoop bool) {
	if !ch.readCompletePending && !force {
		return
	}
	ch.readCompletePending = false
	if !inReadLoop {
		ch.resetReadStatus()
	}
	ch.messagesRead = 0
	ch.handler.OnReadComplete(ch)
	if ch.autoRead {
		ch.Read()
	}
	// Reads may have produced WINDOW_UPDATE or RST_STREAM frames.
	ch.Flush()
	if ch.readEOS {
		ch.closeForcibly()
	}
}

// doRead0 delivers f and reports whether the channel wants to keep reading.
func (ch *StreamChannel) doRead0(f Frame) bool {
	if ch.IsShutdown(Inbound) {
		switch f.(type) {
		case *DataFrame, *HeadersFrame:
			Release(f)
			return ch.lastRead()
		}
	}
	if d, ok := f.(*DataFrame); ok {
		// Counted before delivery, the handler may call Read which grants the credit back.
		ch.flowControlledBytes += d.FlowControlledBytes()
	}
	ch.receivedEndOfStream = ch.receivedEndOfStream || IsEndOfStream(f)
	ch.messagesRead++
	cont := ch.lastRead()

	shutdownInput := IsEndOfStream(f)
	ch.handler.OnRead(ch, f)
	if shutdownInput {
		ch.shutdown(Inbound, promise.New())
	}
	return cont
}

func (ch *StreamChannel) lastRead() bool {
	return ch.autoRead && ch.messagesRead < ch.m.opts.MaxMessagesPerRead
}

func (ch *StreamChannel) addToReadCompletePending() {
	if !ch.readCompletePending {
		ch.readCompletePending = true
		ch.m.readCompletePending.Add(ch)
	}
}

// fireChildRead hands an inbound frame to the channel, queueing it unless a read is running.
func (ch *StreamChannel) fireChildRead(f Frame) {
	switch {
	case !ch.IsActive():
		Release(f)
	case ch.readStatus != readIdle:
		if ch.doRead0(f) && !ch.IsShutdown(Inbound) {
			ch.addToReadCompletePending()
		} else {
			ch.notifyReadComplete(true, false)
		}
	default:
		if ch.inboundBuffer == nil {
			ch.inboundBuffer = queue.New()
		}
		ch.inboundBuffer.Add(f)
	}
}

// fireChildReadComplete runs when the parent finished its read loop.
func (ch *StreamChannel) fireChildReadComplete() {
	ch.notifyReadComplete(false, false)
}

func (ch *StreamChannel) fireUserEvent(event any) {
	if ch.IsActive() {
		ch.handler.OnUserEvent(ch, event)
	}
}

// streamClosed runs once the stream reached CLOSED, the channel follows as soon as the frames
// it still holds have been read.
func (ch *StreamChannel) streamClosed() {
	ch.readEOS = true
	ch.doBeginRead()
}

// Shutdown shuts down one direction of the channel. Shutting down the output sends an empty
// HEADERS frame with END_STREAM.
func (ch *StreamChannel) Shutdown(dir Direction) *promise.Future {
	p := promise.New()
	ch.shutdown(dir, p)
	return p
}

func (ch *StreamChannel) shutdown(dir Direction, p *promise.Future) {
	if !ch.IsActive() {
		p.TryFailure(errors.ErrChannelClosed)
		return
	}
	if ch.IsShutdown(dir) {
		p.TrySuccess()
		return
	}
	fire := true
	if dir == Outbound {
		fire = ch.shutdownOutput(true)
	} else {
		ch.inputShutdown = true
	}
	p.TrySuccess()
	if fire {
		ch.handler.OnShutdown(ch, dir)
	}
}

func (ch *StreamChannel) shutdownOutput(writeFrame bool) bool {
	if ch.IsShutdown(Outbound) {
		return false
	}
	if writeFrame {
		// Writing END_STREAM shuts the output down and fires the event itself.
		ch.write(&HeadersFrame{EndStream: true}, promise.New())
		if ch.outputShutdown {
			return false
		}
	}
	ch.outputShutdown = true
	return true
}

// Close closes the channel, resetting the stream with CANCEL if it is still open on the wire.
// Closing twice is harmless, every returned Future completes once the channel is closed.
func (ch *StreamChannel) Close() *promise.Future {
	return ch.CloseWithError(errors.Cancel)
}

// CloseWithError is Close with a custom RST_STREAM code.
func (ch *StreamChannel) CloseWithError(code errors.ErrCode) *promise.Future {
	p := promise.New()
	ch.closeTransport(code, p)
	return p
}

func (ch *StreamChannel) closeForcibly() {
	ch.closeTransport(errors.Cancel, promise.New())
}

func (ch *StreamChannel) closeTransport(code errors.ErrCode, p *promise.Future) {
	if ch.closeInitiated {
		ch.closeFuture.Cascade(p)
		return
	}
	ch.closeInitiated = true
	ch.readCompletePending = false
	wasActive := ch.IsActive()

	if ch.m.IsActive() && ch.state != StateIdle && !ch.readEOS &&
		!(ch.receivedEndOfStream && ch.sentEndOfStream) {
		ch.write(&ResetFrame{Code: code}, promise.New())
		ch.Flush()
	}

	for f := ch.pollQueued(); f != nil; f = ch.pollQueued() {
		Release(f)
	}
	ch.inboundBuffer = nil

	ch.outputShutdown = true
	ch.closeFuture.TrySuccess()
	p.TrySuccess()

	ch.m.channelClosed(ch)
	ch.fireInactiveAndDeregister(wasActive)
}

func (ch *StreamChannel) fireInactiveAndDeregister(fireInactive bool) {
	if !ch.registered {
		return
	}
	// Run after the current callback returns so the events of one handler never overlap.
	ch.m.invokeLater(func() {
		if fireInactive {
			ch.handler.OnInactive(ch)
		}
		if ch.registered {
			ch.registered = false
			ch.handler.OnUnregistered(ch)
		}
	})
}

// failPendingOut fails every write that waits for credit or for a stream slot.
func (ch *StreamChannel) failPendingOut(err error) {
	for ch.pendingOut.Length() > 0 {
		ch.m.fail(ch.pendingOut.Remove().(*pendingWrite), err)
	}
}
