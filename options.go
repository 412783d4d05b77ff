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

package gmux

import (
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/gmux-io/gmux/pkg/logging"
	"github.com/gmux-io/gmux/pkg/netpoll"
)

const (
	// DefaultSelectorAutoRebuildThreshold is the number of premature select returns in a row
	// that triggers a selector rebuild.
	DefaultSelectorAutoRebuildThreshold = 512

	// MinPrematureSelectorReturns is the number of premature returns in a row above which they are logged.
	MinPrematureSelectorReturns = 3

	// DefaultLoopErrorBackoff is how long the loop sleeps after select itself failed.
	DefaultLoopErrorBackoff = time.Second

	// MaxTasksPerRun caps the tasks an EventLoop runs before going back to I/O.
	MaxTasksPerRun = 256

	envSelectorAutoRebuildThreshold = "GMUX_SELECTOR_AUTO_REBUILD_THRESHOLD"
	envDisableKeySetOptimization    = "GMUX_NO_KEYSET_OPTIMIZATION"
)

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := &Options{
		SelectorProvider:             netpoll.OpenSelector,
		SelectStrategy:               DefaultSelectStrategy,
		SelectorAutoRebuildThreshold: DefaultSelectorAutoRebuildThreshold,
		LoopErrorBackoff:             DefaultLoopErrorBackoff,
	}
	if v, err := strconv.Atoi(os.Getenv(envSelectorAutoRebuildThreshold)); err == nil {
		opts.SelectorAutoRebuildThreshold = v
	}
	if v, err := strconv.ParseBool(os.Getenv(envDisableKeySetOptimization)); err == nil {
		opts.DisableKeySetOptimization = v
	}
	for _, option := range options {
		option(opts)
	}
	if opts.SelectorProvider == nil {
		opts.SelectorProvider = netpoll.OpenSelector
	}
	if opts.SelectStrategy == nil {
		opts.SelectStrategy = DefaultSelectStrategy
	}
	if opts.SelectorAutoRebuildThreshold < MinPrematureSelectorReturns {
		opts.SelectorAutoRebuildThreshold = 0
	}
	if opts.LoopErrorBackoff < 0 {
		opts.LoopErrorBackoff = DefaultLoopErrorBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.MetricSink == nil {
		opts.MetricSink = metrics.Default()
	}
	return opts
}

// Options are configurations for a Reactor and the EventLoop around it.
type Options struct {
	// SelectorProvider opens the selectors, including the ones created by rebuilds.
	SelectorProvider netpoll.Provider

	// SelectStrategy decides what the reactor does on each turn.
	SelectStrategy SelectStrategy

	// SelectorAutoRebuildThreshold is the number of premature select returns in a row after which
	// the selector is rebuilt, values below MinPrematureSelectorReturns disable the rebuild.
	// It defaults to the GMUX_SELECTOR_AUTO_REBUILD_THRESHOLD environment variable or 512.
	SelectorAutoRebuildThreshold int

	// DisableKeySetOptimization forces dispatch over the generic netpoll.KeySet
	// even when the selector can publish into a netpoll.KeyArray.
	DisableKeySetOptimization bool

	// LoopErrorBackoff is how long the loop sleeps after select itself failed.
	LoopErrorBackoff time.Duration

	// Logger is the customized logger for logging info, if it is not set,
	// then gmux will use the default logger powered by go.uber.org/zap.
	Logger logging.Logger

	// MetricSink receives the counters of the loop, it defaults to the global go-metrics sink.
	MetricSink metrics.MetricSink

	// MetricLabels are attached to every counter.
	MetricLabels []metrics.Label
}

// WithOptions sets up every non-zero field of options, the other fields keep their defaults.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		if options.SelectorProvider != nil {
			opts.SelectorProvider = options.SelectorProvider
		}
		if options.SelectStrategy != nil {
			opts.SelectStrategy = options.SelectStrategy
		}
		if options.SelectorAutoRebuildThreshold != 0 {
			opts.SelectorAutoRebuildThreshold = options.SelectorAutoRebuildThreshold
		}
		if options.DisableKeySetOptimization {
			opts.DisableKeySetOptimization = true
		}
		if options.LoopErrorBackoff != 0 {
			opts.LoopErrorBackoff = options.LoopErrorBackoff
		}
		if options.Logger != nil {
			opts.Logger = options.Logger
		}
		if options.MetricSink != nil {
			opts.MetricSink = options.MetricSink
			opts.MetricLabels = options.MetricLabels
		}
	}
}

// WithSelectorProvider sets up the function opening selectors.
func WithSelectorProvider(provider netpoll.Provider) Option {
	return func(opts *Options) {
		opts.SelectorProvider = provider
	}
}

// WithSelectStrategy sets up the select strategy.
func WithSelectStrategy(strategy SelectStrategy) Option {
	return func(opts *Options) {
		opts.SelectStrategy = strategy
	}
}

// WithSelectorAutoRebuildThreshold sets up the premature return count that triggers a rebuild.
func WithSelectorAutoRebuildThreshold(threshold int) Option {
	return func(opts *Options) {
		opts.SelectorAutoRebuildThreshold = threshold
	}
}

// WithDisableKeySetOptimization forces dispatch over the generic key set.
func WithDisableKeySetOptimization(disable bool) Option {
	return func(opts *Options) {
		opts.DisableKeySetOptimization = disable
	}
}

// WithLoopErrorBackoff sets up the sleep after a failed select.
func WithLoopErrorBackoff(backoff time.Duration) Option {
	return func(opts *Options) {
		opts.LoopErrorBackoff = backoff
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithMetricSink sets up the sink of the loop counters.
func WithMetricSink(sink metrics.MetricSink, labels ...metrics.Label) Option {
	return func(opts *Options) {
		opts.MetricSink = sink
		opts.MetricLabels = labels
	}
}
