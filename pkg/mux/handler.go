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

	gerrors "github.com/gmux-io/gmux/pkg/errors"
)

// StreamHandler receives the events of one stream channel. All methods run on the event loop
// of the parent connection.
type StreamHandler interface {
	// OnActive is called once the channel is registered.
	OnActive(ch *StreamChannel)
	// OnRead delivers HEADERS, DATA, PUSH_PROMISE and unknown frames. The handler owns the
	// frame and must Release it.
	OnRead(ch *StreamChannel, f Frame)
	// OnReadComplete ends a batch of OnRead calls.
	OnReadComplete(ch *StreamChannel)
	// OnWritabilityChanged fires when IsWritable flips.
	OnWritabilityChanged(ch *StreamChannel)
	// OnUserEvent delivers RST_STREAM and PRIORITY frames and connection events such as a
	// received *GoAwayFrame.
	OnUserEvent(ch *StreamChannel, event any)
	// OnError reports a stream error, the channel is closed right after.
	OnError(ch *StreamChannel, err error)
	// OnShutdown fires once one direction of the channel is shut down.
	OnShutdown(ch *StreamChannel, dir Direction)
	// OnInactive fires once after the channel has been closed.
	OnInactive(ch *StreamChannel)
	// OnUnregistered is the last event of a channel, always after OnInactive.
	OnUnregistered(ch *StreamChannel)
}

// BuiltinStreamHandler is a StreamHandler that releases what it reads and ignores the rest,
// embed it to override only some events.
type BuiltinStreamHandler struct{}

func (BuiltinStreamHandler) OnActive(*StreamChannel)              {}
func (BuiltinStreamHandler) OnRead(_ *StreamChannel, f Frame)     { Release(f) }
func (BuiltinStreamHandler) OnReadComplete(*StreamChannel)        {}
func (BuiltinStreamHandler) OnWritabilityChanged(*StreamChannel)  {}
func (BuiltinStreamHandler) OnUserEvent(*StreamChannel, any)      {}
func (BuiltinStreamHandler) OnError(*StreamChannel, error)        {}
func (BuiltinStreamHandler) OnShutdown(*StreamChannel, Direction) {}
func (BuiltinStreamHandler) OnInactive(*StreamChannel)            {}
func (BuiltinStreamHandler) OnUnregistered(*StreamChannel)        {}

// ConnHandler receives the connection-scoped events of a Multiplexer.
type ConnHandler interface {
	// OnStream returns the handler of a stream opened by the peer.
	OnStream(ch *StreamChannel) StreamHandler
	// OnSettings is called after remote SETTINGS were applied and acknowledged.
	OnSettings(m *Multiplexer, f *SettingsFrame)
	// OnPing is called for every PING, acknowledgements included.
	OnPing(m *Multiplexer, f *PingFrame)
	// OnGoAway is called once the peer sent GOAWAY.
	OnGoAway(m *Multiplexer, f *GoAwayFrame)
	// OnError reports connection errors and stream errors that have no channel.
	OnError(m *Multiplexer, err error)
	// OnUnknownFrame receives extension frames that belong to no stream channel.
	OnUnknownFrame(m *Multiplexer, f *UnknownFrame)
}

// BuiltinConnHandler accepts every stream with a BuiltinStreamHandler and closes the
// connection on connection errors.
type BuiltinConnHandler struct{}

func (BuiltinConnHandler) OnStream(*StreamChannel) StreamHandler      { return BuiltinStreamHandler{} }
func (BuiltinConnHandler) OnSettings(*Multiplexer, *SettingsFrame)    {}
func (BuiltinConnHandler) OnPing(*Multiplexer, *PingFrame)            {}
func (BuiltinConnHandler) OnGoAway(*Multiplexer, *GoAwayFrame)        {}
func (BuiltinConnHandler) OnUnknownFrame(*Multiplexer, *UnknownFrame) {}

func (BuiltinConnHandler) OnError(m *Multiplexer, err error) {
	var ce *gerrors.ConnectionError
	if errors.As(err, &ce) {
		_ = m.CloseWithError(ce.Code, []byte(ce.Msg))
	}
}
