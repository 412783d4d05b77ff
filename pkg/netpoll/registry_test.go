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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gmux-io/gmux/pkg/errors"
)

type recordingController struct {
	interest map[int]IOOps
	removed  []int
}

func newRecordingController() *recordingController {
	return &recordingController{interest: make(map[int]IOOps)}
}

func (c *recordingController) Add(fd int, ops IOOps) error {
	c.interest[fd] = ops
	return nil
}

func (c *recordingController) Modify(fd int, _, ops IOOps) error {
	c.interest[fd] = ops
	return nil
}

func (c *recordingController) Remove(fd int, _ IOOps) error {
	delete(c.interest, fd)
	c.removed = append(c.removed, fd)
	return nil
}

func TestRegistryRegister(t *testing.T) {
	ctl := newRecordingController()
	r := NewRegistry(ctl)

	k, err := r.Register(3, OpRead, "a")
	require.NoError(t, err)
	assert.True(t, k.IsValid())
	assert.Equal(t, 3, k.Fd())
	assert.Equal(t, "a", k.Attachment())
	assert.Equal(t, OpRead, ctl.interest[3])

	_, err = r.Register(3, OpWrite, nil)
	assert.ErrorIs(t, err, errors.ErrAlreadyRegistered)

	require.NoError(t, k.SetInterestOps(OpRead|OpWrite))
	assert.Equal(t, OpRead|OpWrite, ctl.interest[3])
	assert.Equal(t, OpRead|OpWrite, k.InterestOps())
}

func TestRegistryCancelledKeyIsFlushedOnNextSelect(t *testing.T) {
	ctl := newRecordingController()
	r := NewRegistry(ctl)

	k, err := r.Register(5, OpRead, nil)
	require.NoError(t, err)
	k.Cancel()
	assert.False(t, k.IsValid())
	assert.ErrorIs(t, k.SetInterestOps(OpWrite), errors.ErrCancelledKey)

	_, err = r.Register(5, OpRead, nil)
	assert.ErrorIs(t, err, errors.ErrCancelledKey)
	assert.Len(t, r.Keys(), 1)

	r.BeginSelect()
	assert.Empty(t, r.Keys())
	assert.Equal(t, []int{5}, ctl.removed)

	k2, err := r.Register(5, OpRead, nil)
	require.NoError(t, err)
	assert.NotSame(t, k, k2)
}

func TestRegistryReadyMasksInterest(t *testing.T) {
	r := NewRegistry(newRecordingController())
	k, err := r.Register(7, OpRead, nil)
	require.NoError(t, err)

	r.BeginSelect()
	assert.False(t, r.Ready(7, OpWrite))
	assert.True(t, r.Ready(7, OpRead|OpWrite))
	assert.Equal(t, OpRead, k.ReadyOps())
	assert.False(t, r.Ready(7, OpRead), "ready set did not change")
	assert.False(t, r.Ready(8, OpRead), "unknown descriptor")
	assert.True(t, r.SelectedKeys().Contains(k))
}

func TestKeySetIteratorRemove(t *testing.T) {
	r := NewRegistry(newRecordingController())
	var keys []*Key
	for fd := 10; fd < 14; fd++ {
		k, err := r.Register(fd, OpRead, fd)
		require.NoError(t, err)
		keys = append(keys, k)
		r.Ready(fd, OpRead)
	}
	set := r.SelectedKeys()
	require.Equal(t, 4, set.Len())

	var seen []int
	it := set.Iterator()
	for it.HasNext() {
		k := it.Next()
		seen = append(seen, k.Attachment().(int))
		if k.Fd()%2 == 0 {
			it.Remove()
		}
	}
	assert.Equal(t, []int{10, 11, 12, 13}, seen)
	assert.Equal(t, 2, set.Len())
	assert.False(t, set.Contains(keys[0]))
	assert.True(t, set.Contains(keys[1]))
	assert.Nil(t, it.Next())

	// Cancelled keys leave the ready set when flushed.
	keys[1].Cancel()
	r.BeginSelect()
	assert.Equal(t, 1, set.Len())
	assert.True(t, set.Contains(keys[3]))
}

func TestKeyArrayPublishing(t *testing.T) {
	r := NewRegistry(newRecordingController())
	a := NewKeyArray()
	r.PublishInto(a)

	k1, err := r.Register(20, OpRead|OpWrite, nil)
	require.NoError(t, err)
	k2, err := r.Register(21, OpRead, nil)
	require.NoError(t, err)

	r.BeginSelect()
	assert.True(t, r.Ready(20, OpRead))
	assert.True(t, r.Ready(20, OpWrite))
	assert.True(t, r.Ready(21, OpRead))
	require.Equal(t, 2, a.Size())
	assert.Equal(t, OpRead|OpWrite, k1.ReadyOps())
	assert.Same(t, k1, a.Take(0))
	assert.Nil(t, a.keys[0])
	assert.Same(t, k2, a.Take(1))
	assert.True(t, r.SelectedKeys().IsEmpty())

	r.BeginSelect()
	assert.Zero(t, a.Size())
	assert.True(t, r.Ready(21, OpRead))
	assert.Equal(t, 1, a.Size())
	a.Reset(0)
	assert.Nil(t, a.keys[0])
}

func TestKeyArrayGrows(t *testing.T) {
	a := &KeyArray{keys: make([]*Key, 2)}
	for i := 0; i < 5; i++ {
		a.add(&Key{fd: i})
	}
	assert.Equal(t, 5, a.Size())
	assert.Len(t, a.keys, 8)
	assert.Equal(t, 4, a.Take(4).Fd())
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry(newRecordingController())
	k, err := r.Register(1, OpRead, nil)
	require.NoError(t, err)
	r.Close()
	assert.False(t, k.IsValid())
	assert.True(t, r.Closed())
	_, err = r.Register(2, OpRead, nil)
	assert.ErrorIs(t, err, errors.ErrSelectorClosed)
}

func TestIOOpsString(t *testing.T) {
	assert.Equal(t, "NONE", OpNone.String())
	assert.Equal(t, "READ|WRITE", (OpRead | OpWrite).String())
	assert.Equal(t, "CONNECT|ACCEPT", (OpConnect | OpAccept).String())
	assert.True(t, (OpRead | OpWrite).Contains(OpWrite))
	assert.False(t, OpRead.Has(OpAccept))
}
