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
	"github.com/hashicorp/go-metrics"
	"golang.org/x/net/http2"

	"github.com/gmux-io/gmux/pkg/buffer"
	"github.com/gmux-io/gmux/pkg/logging"
)

const (
	// DefaultMaxMessagesPerWrite is how many frames one flush pass hands to the transport
	// before yielding back to the event loop.
	DefaultMaxMessagesPerWrite = 16

	// DefaultMaxMessagesPerRead is how many frames a stream channel delivers before it reports
	// a read complete.
	DefaultMaxMessagesPerRead = 16

	// DefaultWindowUpdateRatio is the share of the connection window that must be consumed
	// before a connection WINDOW_UPDATE is sent.
	DefaultWindowUpdateRatio = 0.5

	defaultInitialWindowSize = 65535
	defaultMaxFrameSize      = 16384
	maxWindowSize            = 1<<31 - 1
	maxStreamID              = 1<<31 - 1
)

// WaterMark bounds the bytes a stream channel may have pending before it turns unwritable.
type WaterMark struct {
	Low  int
	High int
}

// DefaultWaterMark is 32KiB low and 64KiB high.
var DefaultWaterMark = WaterMark{Low: 32 * 1024, High: 64 * 1024}

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := &Options{
		MaxMessagesPerWrite: DefaultMaxMessagesPerWrite,
		MaxMessagesPerRead:  DefaultMaxMessagesPerRead,
		WaterMark:           DefaultWaterMark,
		WindowUpdateRatio:   DefaultWindowUpdateRatio,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.MaxMessagesPerWrite <= 0 {
		opts.MaxMessagesPerWrite = DefaultMaxMessagesPerWrite
	}
	if opts.MaxMessagesPerRead <= 0 {
		opts.MaxMessagesPerRead = DefaultMaxMessagesPerRead
	}
	if opts.WaterMark.High <= 0 || opts.WaterMark.Low > opts.WaterMark.High {
		opts.WaterMark = DefaultWaterMark
	}
	if opts.WindowUpdateRatio <= 0 || opts.WindowUpdateRatio >= 1 {
		opts.WindowUpdateRatio = DefaultWindowUpdateRatio
	}
	if opts.Allocator == nil {
		opts.Allocator = buffer.Default
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.MetricSink == nil {
		opts.MetricSink = metrics.Default()
	}
	return opts
}

// Options are configurations for a Multiplexer.
type Options struct {
	// Server selects the even stream identifiers and disables receiving PUSH_PROMISE.
	Server bool

	// InitialSettings are announced in the first SETTINGS frame. INITIAL_WINDOW_SIZE also
	// sizes the connection receive window.
	InitialSettings []http2.Setting

	// MaxMessagesPerWrite caps the frames written per flush pass.
	MaxMessagesPerWrite int

	// MaxMessagesPerRead caps the frames a stream channel reads before a read complete.
	MaxMessagesPerRead int

	// WaterMark is the default write-buffer water mark of stream channels.
	WaterMark WaterMark

	// WindowUpdateRatio is the consumed share of the connection window that triggers a
	// connection WINDOW_UPDATE.
	WindowUpdateRatio float64

	// Allocator produces the payload buffers of frames built by the multiplexer.
	Allocator buffer.Allocator

	// Logger is the customized logger for logging info, if it is not set,
	// then gmux will use the default logger powered by go.uber.org/zap.
	Logger logging.Logger

	// MetricSink receives the stream counters.
	MetricSink metrics.MetricSink

	// MetricLabels are attached to every counter.
	MetricLabels []metrics.Label
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithServer makes the multiplexer the server side of the connection.
func WithServer(server bool) Option {
	return func(opts *Options) {
		opts.Server = server
	}
}

// WithInitialSettings sets up the local SETTINGS.
func WithInitialSettings(settings ...http2.Setting) Option {
	return func(opts *Options) {
		opts.InitialSettings = settings
	}
}

// WithMaxMessagesPerWrite sets up the frames written per flush pass.
func WithMaxMessagesPerWrite(n int) Option {
	return func(opts *Options) {
		opts.MaxMessagesPerWrite = n
	}
}

// WithMaxMessagesPerRead sets up the frames read per read cycle of a stream channel.
func WithMaxMessagesPerRead(n int) Option {
	return func(opts *Options) {
		opts.MaxMessagesPerRead = n
	}
}

// WithWaterMark sets up the default water mark of stream channels.
func WithWaterMark(wm WaterMark) Option {
	return func(opts *Options) {
		opts.WaterMark = wm
	}
}

// WithWindowUpdateRatio sets up the connection WINDOW_UPDATE threshold.
func WithWindowUpdateRatio(ratio float64) Option {
	return func(opts *Options) {
		opts.WindowUpdateRatio = ratio
	}
}

// WithAllocator sets up the buffer allocator.
func WithAllocator(alloc buffer.Allocator) Option {
	return func(opts *Options) {
		opts.Allocator = alloc
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetricSink sets up the sink of the stream counters.
func WithMetricSink(sink metrics.MetricSink, labels ...metrics.Label) Option {
	return func(opts *Options) {
		opts.MetricSink = sink
		opts.MetricLabels = labels
	}
}
