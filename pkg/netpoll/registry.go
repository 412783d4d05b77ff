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
	"sort"

	"github.com/gmux-io/gmux/pkg/errors"
)

// Registry holds the key bookkeeping shared by every selector implementation:
// the live keys, the cancelled keys waiting to be flushed and the ready views.
type Registry struct {
	ctl       Controller
	keys      map[int]*Key
	cancelled []*Key
	selected  KeySet
	array     *KeyArray
	round     uint64
	closed    bool
}

// NewRegistry returns a Registry that applies interest changes through ctl.
func NewRegistry(ctl Controller) *Registry {
	return &Registry{
		ctl:      ctl,
		keys:     make(map[int]*Key),
		selected: KeySet{m: make(map[*Key]struct{})},
	}
}

// Register creates the key for fd. A descriptor whose previous key is cancelled
// but not yet flushed fails with errors.ErrCancelledKey.
func (r *Registry) Register(fd int, ops IOOps, attachment any) (*Key, error) {
	if r.closed {
		return nil, errors.ErrSelectorClosed
	}
	if old, ok := r.keys[fd]; ok {
		if old.IsValid() {
			return nil, errors.ErrAlreadyRegistered
		}
		return nil, errors.ErrCancelledKey
	}
	if err := r.ctl.Add(fd, ops); err != nil {
		return nil, err
	}
	k := &Key{fd: fd, reg: r, interest: ops, attachment: attachment}
	k.valid.Store(true)
	r.keys[fd] = k
	return k, nil
}

// PublishInto switches the ready view from the generic set to a.
func (r *Registry) PublishInto(a *KeyArray) {
	r.array = a
}

// BeginSelect flushes cancelled keys and clears the array view, it is called before waiting.
func (r *Registry) BeginSelect() {
	r.FlushCancelled()
	r.round++
	if r.array != nil {
		r.array.Reset(0)
	}
}

// FlushCancelled removes the cancelled keys from the OS facility and from the ready views.
func (r *Registry) FlushCancelled() {
	if len(r.cancelled) == 0 {
		return
	}
	for i, k := range r.cancelled {
		if cur, ok := r.keys[k.fd]; ok && cur == k {
			delete(r.keys, k.fd)
			// The descriptor may already be closed, which removes it from the facility by itself.
			_ = r.ctl.Remove(k.fd, k.interest)
		}
		r.selected.remove(k)
		r.cancelled[i] = nil
	}
	r.cancelled = r.cancelled[:0]
}

// Ready records that fd is ready for ops, masked by the key's interest set.
// It reports whether the ready set of a key was updated.
func (r *Registry) Ready(fd int, ops IOOps) bool {
	k, ok := r.keys[fd]
	if !ok || !k.IsValid() {
		return false
	}
	if ops &= k.interest; ops == OpNone {
		return false
	}
	if r.array != nil {
		if k.round == r.round {
			old := k.ready
			k.ready |= ops
			return k.ready != old
		}
		k.round = r.round
		k.ready = ops
		r.array.add(k)
		return true
	}
	if r.selected.Contains(k) {
		old := k.ready
		k.ready |= ops
		return k.ready != old
	}
	k.ready = ops
	r.selected.add(k)
	return true
}

// Interest returns the interest set registered for fd.
func (r *Registry) Interest(fd int) (IOOps, bool) {
	k, ok := r.keys[fd]
	if !ok {
		return OpNone, false
	}
	return k.interest, true
}

// Keys returns the registered keys ordered by descriptor.
func (r *Registry) Keys() []*Key {
	keys := make([]*Key, 0, len(r.keys))
	for _, k := range r.keys {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].fd < keys[j].fd })
	return keys
}

// KeyFor returns the key registered for fd, or nil.
func (r *Registry) KeyFor(fd int) *Key {
	return r.keys[fd]
}

// SelectedKeys returns the generic ready view.
func (r *Registry) SelectedKeys() *KeySet {
	return &r.selected
}

// Close invalidates every key.
func (r *Registry) Close() {
	r.closed = true
	for fd, k := range r.keys {
		k.valid.Store(false)
		delete(r.keys, fd)
	}
	r.cancelled = nil
	r.selected.m = make(map[*Key]struct{})
	if r.array != nil {
		r.array.Reset(0)
	}
}

// Closed reports whether Close was called.
func (r *Registry) Closed() bool {
	return r.closed
}
