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

// Package errors defines common errors for gmux.
package errors

import "errors"

var (
	// ErrEventLoopShutdown occurs when a task is submitted to an event-loop that is shutting down.
	ErrEventLoopShutdown = errors.New("gmux: event-loop is going to be shutdown")
	// ErrEventLoopInShutdown occurs when attempting to shut the event-loop down more than once.
	ErrEventLoopInShutdown = errors.New("gmux: event-loop is already in shutdown")
	// ErrSelectorClosed occurs when operating on a selector that has been closed.
	ErrSelectorClosed = errors.New("gmux: selector is closed")
	// ErrCancelledKey occurs when operating on a cancelled selection key, or when registering a
	// file descriptor whose previous key was cancelled but not yet removed by a select.
	ErrCancelledKey = errors.New("gmux: selection key is cancelled")
	// ErrAlreadyRegistered occurs when a file descriptor already holds a live key on the selector.
	ErrAlreadyRegistered = errors.New("gmux: file descriptor is already registered")
	// ErrInterrupted occurs when a blocking select returns because of a signal.
	ErrInterrupted = errors.New("gmux: select interrupted")
	// ErrUnsupportedPlatform occurs when no native selector is available for the running OS.
	ErrUnsupportedPlatform = errors.New("gmux: no selector available on this platform")
	// ErrUnsupportedOp occurs when calling some methods that are either not supported or have not been implemented yet.
	ErrUnsupportedOp = errors.New("gmux: unsupported operation")
	// ErrNilRunnable occurs when trying to execute a nil task.
	ErrNilRunnable = errors.New("gmux: nil runnable is not allowed")
	// ErrInvalidNetworkAddress occurs when the network address is invalid.
	ErrInvalidNetworkAddress = errors.New("gmux: invalid network address")
	// ErrUnsupportedProtocol occurs when trying to use protocol that is not supported.
	ErrUnsupportedProtocol = errors.New("gmux: only tcp/tcp4/tcp6 and unix are supported")

	// ErrPromiseAlreadyDone occurs when completing a promise twice.
	ErrPromiseAlreadyDone = errors.New("gmux: promise is already done")

	// ErrChannelClosed occurs when writing to or operating on a closed stream channel.
	ErrChannelClosed = errors.New("gmux: channel is closed")
	// ErrOutputShutdown occurs when writing to a stream channel whose outbound side is shut down.
	ErrOutputShutdown = errors.New("gmux: channel output is shutdown")
	// ErrNotYetConnected occurs when shutting down a stream channel that is open but not active.
	ErrNotYetConnected = errors.New("gmux: channel is not yet connected")
	// ErrFirstFrameNotHeaders occurs when the first frame written to an outbound stream is not a HEADERS frame.
	ErrFirstFrameNotHeaders = errors.New("gmux: the first frame of a stream must be a headers frame")
	// ErrForeignStreamFrame occurs when a frame carrying another stream's identity is written to a channel.
	ErrForeignStreamFrame = errors.New("gmux: frame belongs to another stream")
	// ErrUnsupportedFrame occurs when a frame type cannot be written through a stream channel.
	ErrUnsupportedFrame = errors.New("gmux: frame type cannot be written on a stream")
	// ErrAutoFlowControl occurs when writing a WINDOW_UPDATE while automatic stream flow control is on.
	ErrAutoFlowControl = errors.New("gmux: automatic stream flow control is enabled")
	// ErrWindowUpdateOutOfRange occurs when a manual WINDOW_UPDATE grants more credit than was consumed.
	ErrWindowUpdateOutOfRange = errors.New("gmux: window size increment exceeds consumed bytes")
	// ErrNoMoreStreamIDs occurs when the local stream identifier space is exhausted.
	ErrNoMoreStreamIDs = errors.New("gmux: no more stream identifiers available")
	// ErrTransportClosed occurs when writing a frame to a transport that is no longer active.
	ErrTransportClosed = errors.New("gmux: transport is closed")
	// ErrFrameTooLarge occurs when the codec meets a frame larger than the negotiated maximum.
	ErrFrameTooLarge = errors.New("gmux: frame exceeds the maximum frame size")
	// ErrShortWritev occurs when a writev call wrote fewer bytes than requested.
	ErrShortWritev = errors.New("gmux: short writev")
	// ErrListenerClosed occurs when accepting on a listener that was closed.
	ErrListenerClosed = errors.New("gmux: listener is closed")
)
