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
	"strings"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/gmux-io/gmux/pkg/buffer"
	"github.com/gmux-io/gmux/pkg/errors"
)

// frameHeaderLen is the size of the fixed frame header, used as the weight of frames that
// carry no flow-controlled payload.
const frameHeaderLen = 9

// Frame is one HTTP/2 frame exchanged between the multiplexer, its stream channels and the
// transport. The set of implementations is closed.
type Frame interface {
	// Type returns the wire type of the frame.
	Type() http2.FrameType
	// Stream returns the stream the frame belongs to, 0 for connection frames.
	Stream() uint32

	isFrame()
}

// Headers is an ordered list of header fields, pseudo-headers first.
type Headers []hpack.HeaderField

// Get returns the value of the first field named name.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if f.Name == name {
			return f.Value
		}
	}
	return ""
}

// Add appends a field, names are lower-cased as required on the wire.
func (h *Headers) Add(name, value string) {
	*h = append(*h, hpack.HeaderField{Name: strings.ToLower(name), Value: value})
}

// HeadersFrame opens a stream or carries trailers.
type HeadersFrame struct {
	StreamID  uint32
	Headers   Headers
	EndStream bool
	Priority  *http2.PriorityParam
	Padding   uint8
}

// DataFrame carries a stream payload. The frame owns Data until it is handed to a Write or
// delivered to a handler, which must release it.
type DataFrame struct {
	StreamID  uint32
	Data      *buffer.Buffer
	EndStream bool
	Padding   uint8

	padded bool
}

// FlowControlledBytes returns the bytes the frame takes from a flow-control window.
func (f *DataFrame) FlowControlledBytes() int {
	n := 0
	if f.Data != nil {
		n = f.Data.Len()
	}
	if f.Padding > 0 || f.padded {
		n += int(f.Padding) + 1
	}
	return n
}

// ResetFrame is RST_STREAM.
type ResetFrame struct {
	StreamID uint32
	Code     errors.ErrCode
}

// WindowUpdateFrame grants flow-control credit to a stream, or to the connection on stream 0.
type WindowUpdateFrame struct {
	StreamID  uint32
	Increment uint32
}

// PriorityFrame is PRIORITY.
type PriorityFrame struct {
	StreamID uint32
	Priority http2.PriorityParam
}

// SettingsFrame is SETTINGS or its acknowledgement.
type SettingsFrame struct {
	Settings []http2.Setting
	Ack      bool
}

// PingFrame is PING or its acknowledgement.
type PingFrame struct {
	Data [8]byte
	Ack  bool
}

// GoAwayFrame is GOAWAY.
type GoAwayFrame struct {
	LastStreamID uint32
	Code         errors.ErrCode
	DebugData    []byte
}

// PushPromiseFrame reserves PromisedID on behalf of the stream StreamID.
type PushPromiseFrame struct {
	StreamID   uint32
	PromisedID uint32
	Headers    Headers
}

// UnknownFrame carries an extension frame type verbatim.
type UnknownFrame struct {
	StreamID  uint32
	FrameType http2.FrameType
	Flags     http2.Flags
	Payload   []byte
}

func (*HeadersFrame) Type() http2.FrameType      { return http2.FrameHeaders }
func (*DataFrame) Type() http2.FrameType         { return http2.FrameData }
func (*ResetFrame) Type() http2.FrameType        { return http2.FrameRSTStream }
func (*WindowUpdateFrame) Type() http2.FrameType { return http2.FrameWindowUpdate }
func (*PriorityFrame) Type() http2.FrameType     { return http2.FramePriority }
func (*SettingsFrame) Type() http2.FrameType     { return http2.FrameSettings }
func (*PingFrame) Type() http2.FrameType         { return http2.FramePing }
func (*GoAwayFrame) Type() http2.FrameType       { return http2.FrameGoAway }
func (*PushPromiseFrame) Type() http2.FrameType  { return http2.FramePushPromise }
func (f *UnknownFrame) Type() http2.FrameType    { return f.FrameType }

func (f *HeadersFrame) Stream() uint32      { return f.StreamID }
func (f *DataFrame) Stream() uint32         { return f.StreamID }
func (f *ResetFrame) Stream() uint32        { return f.StreamID }
func (f *WindowUpdateFrame) Stream() uint32 { return f.StreamID }
func (f *PriorityFrame) Stream() uint32     { return f.StreamID }
func (*SettingsFrame) Stream() uint32       { return 0 }
func (*PingFrame) Stream() uint32           { return 0 }
func (*GoAwayFrame) Stream() uint32         { return 0 }
func (f *PushPromiseFrame) Stream() uint32  { return f.StreamID }
func (f *UnknownFrame) Stream() uint32      { return f.StreamID }

func (*HeadersFrame) isFrame()      {}
func (*DataFrame) isFrame()         {}
func (*ResetFrame) isFrame()        {}
func (*WindowUpdateFrame) isFrame() {}
func (*PriorityFrame) isFrame()     {}
func (*SettingsFrame) isFrame()     {}
func (*PingFrame) isFrame()         {}
func (*GoAwayFrame) isFrame()       {}
func (*PushPromiseFrame) isFrame()  {}
func (*UnknownFrame) isFrame()      {}

func (f *HeadersFrame) String() string {
	return fmt.Sprintf("HEADERS stream=%d end_stream=%t fields=%d", f.StreamID, f.EndStream, len(f.Headers))
}

func (f *DataFrame) String() string {
	return fmt.Sprintf("DATA stream=%d end_stream=%t len=%d", f.StreamID, f.EndStream, f.FlowControlledBytes())
}

func (f *ResetFrame) String() string {
	return fmt.Sprintf("RST_STREAM stream=%d code=%s", f.StreamID, f.Code)
}

func (f *GoAwayFrame) String() string {
	return fmt.Sprintf("GOAWAY last_stream=%d code=%s", f.LastStreamID, f.Code)
}

// Release frees the payload held by f, if any.
func Release(f Frame) {
	if d, ok := f.(*DataFrame); ok && d.Data != nil {
		d.Data.Release()
	}
}

// IsEndOfStream reports whether f closes its side of the stream.
func IsEndOfStream(f Frame) bool {
	switch v := f.(type) {
	case *HeadersFrame:
		return v.EndStream
	case *DataFrame:
		return v.EndStream
	}
	return false
}

// frameSize is the weight of f for write-buffer accounting.
func frameSize(f Frame) int {
	if d, ok := f.(*DataFrame); ok {
		return d.FlowControlledBytes() + frameHeaderLen
	}
	return frameHeaderLen
}

func setStream(f Frame, id uint32) {
	switch v := f.(type) {
	case *HeadersFrame:
		v.StreamID = id
	case *DataFrame:
		v.StreamID = id
	case *ResetFrame:
		v.StreamID = id
	case *WindowUpdateFrame:
		v.StreamID = id
	case *PriorityFrame:
		v.StreamID = id
	case *UnknownFrame:
		v.StreamID = id
	}
}
