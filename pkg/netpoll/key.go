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

package netpoll

import (
	"fmt"
	"sync/atomic"

	"github.com/gmux-io/gmux/pkg/errors"
)

// Key is the registration of one descriptor on one selector.
type Key struct {
	fd         int
	reg        *Registry
	interest   IOOps
	ready      IOOps
	attachment any
	round      uint64
	valid      atomic.Bool
}

// Fd returns the descriptor of the key.
func (k *Key) Fd() int { return k.fd }

// InterestOps returns the current interest set.
func (k *Key) InterestOps() IOOps { return k.interest }

// ReadyOps returns the ready set computed by the last select that reported this key.
func (k *Key) ReadyOps() IOOps { return k.ready }

// Attachment returns the object attached at registration.
func (k *Key) Attachment() any { return k.attachment }

// IsValid reports whether the key is neither cancelled nor owned by a closed selector.
func (k *Key) IsValid() bool { return k.valid.Load() }

// SetInterestOps replaces the interest set.
func (k *Key) SetInterestOps(ops IOOps) error {
	if !k.IsValid() {
		return errors.ErrCancelledKey
	}
	if ops == k.interest {
		return nil
	}
	if err := k.reg.ctl.Modify(k.fd, k.interest, ops); err != nil {
		return err
	}
	k.interest = ops
	return nil
}

// Cancel invalidates the key, the descriptor leaves the OS facility on the next select.
func (k *Key) Cancel() {
	if k.valid.CompareAndSwap(true, false) {
		k.reg.cancelled = append(k.reg.cancelled, k)
	}
}

func (k *Key) String() string {
	return fmt.Sprintf("Key(fd=%d, interest=%s, ready=%s, valid=%t)", k.fd, k.interest, k.ready, k.IsValid())
}
