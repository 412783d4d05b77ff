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

import "sort"

// KeySet is the generic view of ready keys.
type KeySet struct {
	m map[*Key]struct{}
}

// Len returns the number of keys in the set.
func (s *KeySet) Len() int { return len(s.m) }

// IsEmpty reports whether the set has no keys.
func (s *KeySet) IsEmpty() bool { return len(s.m) == 0 }

// Contains reports whether k is in the set.
func (s *KeySet) Contains(k *Key) bool {
	_, ok := s.m[k]
	return ok
}

func (s *KeySet) add(k *Key) { s.m[k] = struct{}{} }

func (s *KeySet) remove(k *Key) { delete(s.m, k) }

// Iterator returns an iterator over a snapshot of the set ordered by descriptor,
// keys removed from the set after the snapshot are skipped.
func (s *KeySet) Iterator() *KeyIterator {
	snapshot := make([]*Key, 0, len(s.m))
	for k := range s.m {
		snapshot = append(snapshot, k)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].fd < snapshot[j].fd })
	return &KeyIterator{set: s, snapshot: snapshot}
}

// KeyIterator walks a KeySet and can remove the key it returned last.
type KeyIterator struct {
	set      *KeySet
	snapshot []*Key
	pos      int
	cur      *Key
}

// HasNext reports whether Next would return a key.
func (it *KeyIterator) HasNext() bool {
	for it.pos < len(it.snapshot) {
		if it.set.Contains(it.snapshot[it.pos]) {
			return true
		}
		it.pos++
	}
	return false
}

// Next returns the next key, or nil when the iteration is over.
func (it *KeyIterator) Next() *Key {
	if !it.HasNext() {
		return nil
	}
	it.cur = it.snapshot[it.pos]
	it.snapshot[it.pos] = nil
	it.pos++
	return it.cur
}

// Remove deletes the key returned by the last Next from the set.
func (it *KeyIterator) Remove() {
	if it.cur != nil {
		it.set.remove(it.cur)
		it.cur = nil
	}
}

// KeyArray is the flat view of ready keys, it is reset before every select.
type KeyArray struct {
	keys []*Key
	size int
}

// NewKeyArray returns an empty KeyArray.
func NewKeyArray() *KeyArray {
	return &KeyArray{keys: make([]*Key, 1024)}
}

// Size returns the number of published keys.
func (a *KeyArray) Size() int { return a.size }

// Take returns the key at i and clears its slot so a closed handle can be collected.
func (a *KeyArray) Take(i int) *Key {
	k := a.keys[i]
	a.keys[i] = nil
	return k
}

// Reset clears the slots from start onwards and empties the array.
func (a *KeyArray) Reset(start int) {
	for i := start; i < a.size; i++ {
		a.keys[i] = nil
	}
	a.size = 0
}

func (a *KeyArray) add(k *Key) {
	if a.size == len(a.keys) {
		grown := make([]*Key, len(a.keys)<<1)
		copy(grown, a.keys)
		a.keys = grown
	}
	a.keys[a.size] = k
	a.size++
}
