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

var (
	// MetricSelectorRebuild counts selector rebuilds.
	MetricSelectorRebuild = []string{"gmux", "selector", "rebuild"}
	// MetricSelectorPremature counts selects that returned prematurely more than
	// MinPrematureSelectorReturns times in a row.
	MetricSelectorPremature = []string{"gmux", "selector", "premature"}
	// MetricLoopError counts failed selects.
	MetricLoopError = []string{"gmux", "loop", "error"}
	// MetricHandlerPanic counts handles closed because their callback panicked.
	MetricHandlerPanic = []string{"gmux", "handler", "panic"}
)

func (r *Reactor) incr(key []string) {
	r.opts.MetricSink.IncrCounterWithLabels(key, 1, r.opts.MetricLabels)
}
