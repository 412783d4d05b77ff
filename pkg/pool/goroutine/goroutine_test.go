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

package goroutine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPool(t *testing.T) {
	p := Default()
	defer p.Release()
	assert.Equal(t, DefaultAntsPoolSize, p.Cap())

	var wg sync.WaitGroup
	var mu sync.Mutex
	sum := 0
	for i := 1; i <= 10; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			mu.Lock()
			sum += i
			mu.Unlock()
		}))
	}
	wg.Wait()
	assert.Equal(t, 55, sum)
}

func TestDefaultPoolRecoversPanics(t *testing.T) {
	p := Default()
	defer p.Release()
	done := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		defer close(done)
		panic("boom")
	}))
	<-done
	require.NoError(t, p.Submit(func() {}))
}
