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
	"fmt"

	"github.com/gmux-io/gmux/pkg/netpoll"
)

// Registration binds one Handle to one Reactor.
//
// A registration is created by Reactor.Register with an empty interest set and stays
// bound to the same Reactor across selector rebuilds. Once cancelled it can never be
// used again, the handle has to be registered anew.
type Registration struct {
	reactor *Reactor
	handle  Handle
	key     *netpoll.Key
}

// Submit replaces the interest set and returns the set actually applied.
func (reg *Registration) Submit(ops netpoll.IOOps) (netpoll.IOOps, error) {
	if err := reg.key.SetInterestOps(ops); err != nil {
		return reg.key.InterestOps(), err
	}
	return reg.key.InterestOps(), nil
}

// InterestOps returns the current interest set.
func (reg *Registration) InterestOps() netpoll.IOOps {
	return reg.key.InterestOps()
}

// Cancel invalidates the registration, the descriptor is deregistered on the next select.
func (reg *Registration) Cancel() {
	if !reg.key.IsValid() {
		return
	}
	reg.key.Cancel()
	reg.reactor.cancelled()
}

// IsValid reports whether the registration is still live.
func (reg *Registration) IsValid() bool {
	return reg.key.IsValid()
}

// Reactor returns the reactor the handle is registered on.
func (reg *Registration) Reactor() *Reactor {
	return reg.reactor
}

// Handle returns the registered handle.
func (reg *Registration) Handle() Handle {
	return reg.handle
}

func (reg *Registration) String() string {
	return fmt.Sprintf("Registration(fd=%d, interest=%s, valid=%t)", reg.handle.Fd(), reg.key.InterestOps(), reg.IsValid())
}
