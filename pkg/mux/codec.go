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
	"bytes"
	"errors"

	"github.com/valyala/bytebufferpool"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/gmux-io/gmux/pkg/buffer"
	gerrors "github.com/gmux-io/gmux/pkg/errors"
)

// Codec translates Frames to and from the HTTP/2 wire format of one connection. It keeps the
// HPACK state of both directions, so a connection needs exactly one Codec.
type Codec struct {
	framer *http2.Framer
	dst    *bytebufferpool.ByteBuffer
	src    bytes.Reader
	alloc  buffer.Allocator

	hbuf bytes.Buffer
	henc *hpack.Encoder
	hdec *hpack.Decoder

	maxReadFrameSize  uint32
	maxWriteFrameSize uint32
}

// NewCodec returns a Codec whose DATA payloads are allocated from alloc.
func NewCodec(alloc buffer.Allocator) *Codec {
	if alloc == nil {
		alloc = buffer.Default
	}
	c := &Codec{
		alloc:             alloc,
		maxReadFrameSize:  defaultMaxFrameSize,
		maxWriteFrameSize: defaultMaxFrameSize,
	}
	c.framer = http2.NewFramer(c, &c.src)
	c.framer.SetMaxReadFrameSize(defaultMaxFrameSize)
	c.hdec = hpack.NewDecoder(4096, nil)
	c.framer.ReadMetaHeaders = c.hdec
	c.henc = hpack.NewEncoder(&c.hbuf)
	return c
}

// SetMaxReadFrameSize sets the largest frame payload accepted from the peer.
func (c *Codec) SetMaxReadFrameSize(n uint32) {
	c.maxReadFrameSize = n
	c.framer.SetMaxReadFrameSize(n)
}

// SetMaxWriteFrameSize sets the size header blocks are split at.
func (c *Codec) SetMaxWriteFrameSize(n uint32) {
	c.maxWriteFrameSize = n
}

// Write implements io.Writer for the framer.
func (c *Codec) Write(p []byte) (int, error) {
	return c.dst.Write(p)
}

// WritePreface appends the client connection preface to dst.
func (c *Codec) WritePreface(dst *bytebufferpool.ByteBuffer) {
	_, _ = dst.WriteString(http2.ClientPreface)
}

// ReadPreface checks the client connection preface at the start of src. It returns the
// number of bytes consumed, 0 if src is still too short.
func (c *Codec) ReadPreface(src []byte) (int, error) {
	n := len(http2.ClientPreface)
	if len(src) < n {
		if !bytes.HasPrefix([]byte(http2.ClientPreface), src) {
			return 0, gerrors.NewConnectionError(gerrors.ProtocolError, "invalid connection preface")
		}
		return 0, nil
	}
	if string(src[:n]) != http2.ClientPreface {
		return 0, gerrors.NewConnectionError(gerrors.ProtocolError, "invalid connection preface")
	}
	return n, nil
}

// Encode appends the wire form of f to dst and releases the payload of DATA frames.
func (c *Codec) Encode(f Frame, dst *bytebufferpool.ByteBuffer) error {
	c.dst = dst
	defer func() { c.dst = nil }()

	fr := c.framer
	switch v := f.(type) {
	case *HeadersFrame:
		block := c.encodeHeaders(v.Headers)
		p := http2.HeadersFrameParam{
			StreamID:  v.StreamID,
			EndStream: v.EndStream,
			PadLength: v.Padding,
		}
		limit := int(c.maxWriteFrameSize)
		if v.Padding > 0 {
			limit -= int(v.Padding) + 1
		}
		if v.Priority != nil {
			p.Priority = *v.Priority
			limit -= 5
		}
		first, rest := splitBlock(block, limit)
		p.BlockFragment = first
		p.EndHeaders = len(rest) == 0
		if err := fr.WriteHeaders(p); err != nil {
			return err
		}
		return c.writeContinuations(v.StreamID, rest)
	case *DataFrame:
		defer Release(v)
		var data []byte
		if v.Data != nil {
			data = v.Data.Bytes()
		}
		if v.Padding > 0 || v.padded {
			return fr.WriteDataPadded(v.StreamID, v.EndStream, data, make([]byte, v.Padding))
		}
		return fr.WriteData(v.StreamID, v.EndStream, data)
	case *ResetFrame:
		return fr.WriteRSTStream(v.StreamID, http2.ErrCode(v.Code))
	case *WindowUpdateFrame:
		return fr.WriteWindowUpdate(v.StreamID, v.Increment)
	case *PriorityFrame:
		return fr.WritePriority(v.StreamID, v.Priority)
	case *SettingsFrame:
		if v.Ack {
			return fr.WriteSettingsAck()
		}
		return fr.WriteSettings(v.Settings...)
	case *PingFrame:
		return fr.WritePing(v.Ack, v.Data)
	case *GoAwayFrame:
		return fr.WriteGoAway(v.LastStreamID, http2.ErrCode(v.Code), v.DebugData)
	case *PushPromiseFrame:
		first, rest := splitBlock(c.encodeHeaders(v.Headers), int(c.maxWriteFrameSize)-4)
		err := fr.WritePushPromise(http2.PushPromiseParam{
			StreamID:      v.StreamID,
			PromiseID:     v.PromisedID,
			BlockFragment: first,
			EndHeaders:    len(rest) == 0,
		})
		if err != nil {
			return err
		}
		return c.writeContinuations(v.StreamID, rest)
	case *UnknownFrame:
		return fr.WriteRawFrame(v.FrameType, v.Flags, v.StreamID, v.Payload)
	}
	return gerrors.ErrUnsupportedFrame
}

func (c *Codec) encodeHeaders(h Headers) []byte {
	c.hbuf.Reset()
	for _, f := range h {
		_ = c.henc.WriteField(f)
	}
	return c.hbuf.Bytes()
}

func (c *Codec) writeContinuations(id uint32, block []byte) error {
	for len(block) > 0 {
		var chunk []byte
		chunk, block = splitBlock(block, int(c.maxWriteFrameSize))
		if err := c.framer.WriteContinuation(id, len(block) == 0, chunk); err != nil {
			return err
		}
	}
	return nil
}

func splitBlock(block []byte, limit int) ([]byte, []byte) {
	if len(block) <= limit {
		return block, nil
	}
	return block[:limit], block[limit:]
}

// Decode parses the first frame of src. It returns a nil Frame and 0 when src does not hold
// a complete frame yet, a HEADERS or PUSH_PROMISE frame is complete once its last
// CONTINUATION arrived. On error the returned length tells how much input the frame used,
// 0 if the connection can't continue.
func (c *Codec) Decode(src []byte) (Frame, int, error) {
	total, err := c.frameLen(src)
	if err != nil || total == 0 {
		return nil, 0, err
	}
	c.src.Reset(src[:total])
	fr, err := c.framer.ReadFrame()
	if err != nil {
		return nil, total, toCodecError(err)
	}
	f, err := c.convert(fr)
	if err != nil {
		return nil, total, err
	}
	return f, total, nil
}

// frameLen returns the length of the first frame of src including its CONTINUATIONs.
func (c *Codec) frameLen(src []byte) (int, error) {
	off := 0
	first := true
	for {
		if len(src)-off < frameHeaderLen {
			return 0, nil
		}
		h := src[off:]
		length := uint32(h[0])<<16 | uint32(h[1])<<8 | uint32(h[2])
		if length > c.maxReadFrameSize {
			return 0, gerrors.NewConnectionError(gerrors.FrameSizeError, "frame of %d bytes exceeds %d: %v",
				length, c.maxReadFrameSize, gerrors.ErrFrameTooLarge)
		}
		typ, flags := http2.FrameType(h[3]), http2.Flags(h[4])
		off += frameHeaderLen + int(length)
		if len(src) < off {
			return 0, nil
		}
		if first {
			first = false
			if typ != http2.FrameHeaders && typ != http2.FramePushPromise {
				return off, nil
			}
		} else if typ != http2.FrameContinuation {
			// Let the framer report the broken sequence.
			return off, nil
		}
		if flags.Has(http2.FlagHeadersEndHeaders) {
			return off, nil
		}
	}
}

func (c *Codec) convert(fr http2.Frame) (Frame, error) {
	switch v := fr.(type) {
	case *http2.MetaHeadersFrame:
		f := &HeadersFrame{
			StreamID:  v.StreamID,
			Headers:   Headers(v.Fields),
			EndStream: v.StreamEnded(),
		}
		if v.HasPriority() {
			p := v.Priority
			f.Priority = &p
		}
		return f, nil
	case *http2.DataFrame:
		data := v.Data()
		f := &DataFrame{
			StreamID:  v.StreamID,
			Data:      c.alloc.Wrap(data),
			EndStream: v.StreamEnded(),
		}
		if v.Flags.Has(http2.FlagDataPadded) {
			f.padded = true
			f.Padding = uint8(int(v.Length) - len(data) - 1)
		}
		return f, nil
	case *http2.RSTStreamFrame:
		return &ResetFrame{StreamID: v.StreamID, Code: gerrors.ErrCode(v.ErrCode)}, nil
	case *http2.WindowUpdateFrame:
		return &WindowUpdateFrame{StreamID: v.StreamID, Increment: v.Increment}, nil
	case *http2.PriorityFrame:
		return &PriorityFrame{StreamID: v.StreamID, Priority: v.PriorityParam}, nil
	case *http2.SettingsFrame:
		f := &SettingsFrame{Ack: v.IsAck()}
		_ = v.ForeachSetting(func(s http2.Setting) error {
			f.Settings = append(f.Settings, s)
			return nil
		})
		return f, nil
	case *http2.PingFrame:
		return &PingFrame{Data: v.Data, Ack: v.IsAck()}, nil
	case *http2.GoAwayFrame:
		return &GoAwayFrame{
			LastStreamID: v.LastStreamID,
			Code:         gerrors.ErrCode(v.ErrCode),
			DebugData:    append([]byte(nil), v.DebugData()...),
		}, nil
	case *http2.PushPromiseFrame:
		block := append([]byte(nil), v.HeaderBlockFragment()...)
		for ended := v.HeadersEnded(); !ended; {
			next, err := c.framer.ReadFrame()
			if err != nil {
				return nil, toCodecError(err)
			}
			cf, ok := next.(*http2.ContinuationFrame)
			if !ok {
				return nil, gerrors.NewConnectionError(gerrors.ProtocolError, "expected CONTINUATION, got %s", next.Header().Type)
			}
			block = append(block, cf.HeaderBlockFragment()...)
			ended = cf.HeadersEnded()
		}
		fields, err := c.hdec.DecodeFull(block)
		if err != nil {
			return nil, gerrors.NewConnectionError(gerrors.CompressionError, "%v", err)
		}
		return &PushPromiseFrame{StreamID: v.StreamID, PromisedID: v.PromiseID, Headers: Headers(fields)}, nil
	case *http2.UnknownFrame:
		return &UnknownFrame{
			StreamID:  v.StreamID,
			FrameType: v.Type,
			Flags:     v.Flags,
			Payload:   append([]byte(nil), v.Payload()...),
		}, nil
	}
	return nil, gerrors.NewConnectionError(gerrors.ProtocolError, "unexpected %s frame", fr.Header().Type)
}

func toCodecError(err error) error {
	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return gerrors.NewConnectionError(gerrors.ErrCode(ce), "%v", err)
	}
	var se http2.StreamError
	if errors.As(err, &se) {
		e := gerrors.NewStreamError(se.StreamID, gerrors.ErrCode(se.Code), "invalid frame")
		e.Cause = se.Cause
		return e
	}
	if errors.Is(err, http2.ErrFrameTooLarge) {
		return gerrors.NewConnectionError(gerrors.FrameSizeError, "%v", err)
	}
	return gerrors.NewConnectionError(gerrors.ProtocolError, "%v", err)
}
