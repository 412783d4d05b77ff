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
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWithOptionsKeepsDefaults(t *testing.T) {
	logger := zap.NewNop().Sugar()
	opts := loadOptions(WithOptions(Options{Logger: logger, LoopErrorBackoff: time.Millisecond}))

	assert.NotNil(t, opts.SelectorProvider)
	assert.NotNil(t, opts.SelectStrategy)
	assert.Equal(t, DefaultSelectorAutoRebuildThreshold, opts.SelectorAutoRebuildThreshold)
	assert.Equal(t, time.Millisecond, opts.LoopErrorBackoff)
	assert.Same(t, logger, opts.Logger)
	assert.NotNil(t, opts.MetricSink)
}

func TestWithOptionsOverrides(t *testing.T) {
	p := &fakeProvider{}
	sink := &metrics.BlackholeSink{}
	r, err := NewReactor(
		WithOptions(Options{
			SelectorProvider:             p.open,
			SelectorAutoRebuildThreshold: 8,
			DisableKeySetOptimization:    true,
			MetricSink:                   sink,
		}),
		WithLoopErrorBackoff(time.Millisecond),
	)
	require.NoError(t, err)
	assert.Equal(t, 1, p.count())
	assert.Equal(t, 8, r.opts.SelectorAutoRebuildThreshold)
	assert.True(t, r.opts.DisableKeySetOptimization)
	assert.Equal(t, time.Millisecond, r.opts.LoopErrorBackoff)
	assert.Same(t, sink, r.opts.MetricSink)
}

func TestNilOptionsFallBackToDefaults(t *testing.T) {
	opts := loadOptions(
		WithSelectorProvider(nil),
		WithSelectStrategy(nil),
		WithLoopErrorBackoff(-time.Second),
		WithSelectorAutoRebuildThreshold(1),
	)
	assert.NotNil(t, opts.SelectorProvider)
	assert.NotNil(t, opts.SelectStrategy)
	assert.Equal(t, DefaultLoopErrorBackoff, opts.LoopErrorBackoff)
	assert.Zero(t, opts.SelectorAutoRebuildThreshold, "thresholds below the minimum disable the rebuild")
}
