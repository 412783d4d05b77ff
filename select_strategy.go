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

const (
	// SelectContinue tells the reactor to skip I/O for this turn.
	SelectContinue = -2
	// SelectBusyWait asks for a busy-poll, which the portable selectors serve as a Select.
	SelectBusyWait = -3
	// Select tells the reactor to wait for readiness.
	Select = -1
)

// SelectStrategy decides what a Reactor does on each turn. A non-negative result is the number
// of keys a non-blocking select already found ready, in which case they are dispatched at once.
type SelectStrategy interface {
	CalculateStrategy(selectNow func() (int, error), hasTasks bool) (int, error)
}

// SelectStrategyFunc is an adapter to allow the use of ordinary functions as a SelectStrategy.
type SelectStrategyFunc func(selectNow func() (int, error), hasTasks bool) (int, error)

// CalculateStrategy implements SelectStrategy.
func (f SelectStrategyFunc) CalculateStrategy(selectNow func() (int, error), hasTasks bool) (int, error) {
	return f(selectNow, hasTasks)
}

// DefaultSelectStrategy polls without blocking when tasks are pending and waits otherwise.
var DefaultSelectStrategy SelectStrategy = SelectStrategyFunc(func(selectNow func() (int, error), hasTasks bool) (int, error) {
	if hasTasks {
		return selectNow()
	}
	return Select, nil
})
