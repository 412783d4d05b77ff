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

package errors

import (
	"errors"
	"fmt"
)

// ErrCode is an HTTP/2 error code carried by RST_STREAM and GOAWAY frames.
type ErrCode uint32

// Error codes defined by RFC 7540, Section 7.
const (
	NoError            ErrCode = 0x0
	ProtocolError      ErrCode = 0x1
	InternalError      ErrCode = 0x2
	FlowControlError   ErrCode = 0x3
	SettingsTimeout    ErrCode = 0x4
	StreamClosed       ErrCode = 0x5
	FrameSizeError     ErrCode = 0x6
	RefusedStream      ErrCode = 0x7
	Cancel             ErrCode = 0x8
	CompressionError   ErrCode = 0x9
	ConnectError       ErrCode = 0xa
	EnhanceYourCalm    ErrCode = 0xb
	InadequateSecurity ErrCode = 0xc
	HTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	NoError:            "NO_ERROR",
	ProtocolError:      "PROTOCOL_ERROR",
	InternalError:      "INTERNAL_ERROR",
	FlowControlError:   "FLOW_CONTROL_ERROR",
	SettingsTimeout:    "SETTINGS_TIMEOUT",
	StreamClosed:       "STREAM_CLOSED",
	FrameSizeError:     "FRAME_SIZE_ERROR",
	RefusedStream:      "REFUSED_STREAM",
	Cancel:             "CANCEL",
	CompressionError:   "COMPRESSION_ERROR",
	ConnectError:       "CONNECT_ERROR",
	EnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	InadequateSecurity: "INADEQUATE_SECURITY",
	HTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (c ErrCode) String() string {
	if s, ok := errCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN_ERROR_0x%x", uint32(c))
}

// StreamError is a protocol error scoped to a single stream, the stream is reset
// but the connection and the other streams keep going.
type StreamError struct {
	StreamID uint32
	Code     ErrCode
	Msg      string
	Cause    error
}

// NewStreamError returns a *StreamError with a formatted message.
func NewStreamError(id uint32, code ErrCode, format string, args ...any) *StreamError {
	return &StreamError{StreamID: id, Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gmux: stream %d error %s: %s: %v", e.StreamID, e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("gmux: stream %d error %s: %s", e.StreamID, e.Code, e.Msg)
}

func (e *StreamError) Unwrap() error { return e.Cause }

// ConnectionError is a protocol error that invalidates the whole connection.
type ConnectionError struct {
	Code ErrCode
	Msg  string
}

// NewConnectionError returns a *ConnectionError with a formatted message.
func NewConnectionError(code ErrCode, format string, args ...any) *ConnectionError {
	return &ConnectionError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("gmux: connection error %s: %s", e.Code, e.Msg)
}

// GoAwayError fails the creation of streams that fall beyond a received GOAWAY.
type GoAwayError struct {
	LastStreamID uint32
	Code         ErrCode
	DebugData    []byte
}

func (e *GoAwayError) Error() string {
	return fmt.Sprintf("gmux: GOAWAY received, last stream %d, error %s", e.LastStreamID, e.Code)
}

// CodeOf extracts the HTTP/2 error code carried by err, if any.
func CodeOf(err error) (ErrCode, bool) {
	var se *StreamError
	if errors.As(err, &se) {
		return se.Code, true
	}
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Code, true
	}
	return 0, false
}

// IsStreamClosed reports whether err is a STREAM_CLOSED protocol error.
func IsStreamClosed(err error) bool {
	code, ok := CodeOf(err)
	return ok && code == StreamClosed
}
