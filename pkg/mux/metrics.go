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

var (
	// MetricStreamOpened counts streams that became active.
	MetricStreamOpened = []string{"gmux", "mux", "stream", "opened"}
	// MetricStreamClosed counts streams that reached CLOSED.
	MetricStreamClosed = []string{"gmux", "mux", "stream", "closed"}
	// MetricResetSent counts RST_STREAM frames written.
	MetricResetSent = []string{"gmux", "mux", "stream", "reset", "sent"}
	// MetricGoAwayReceived counts GOAWAY frames received.
	MetricGoAwayReceived = []string{"gmux", "mux", "goaway", "received"}
)

func (m *Multiplexer) incr(key []string) {
	m.opts.MetricSink.IncrCounterWithLabels(key, 1, m.opts.MetricLabels)
}
