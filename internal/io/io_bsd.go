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

//go:build freebsd || dragonfly || darwin
// +build freebsd dragonfly darwin

package io

import (
	"golang.org/x/sys/unix"

	errorx "github.com/gmux-io/gmux/pkg/errors"
)

// IovMax is the upper limit of buffers handed to one Writev call.
const IovMax = 1024

// Writev calls write() once per buffer since writev() is not exposed for BSD-like OS's in x/sys.
func Writev(fd int, iov [][]byte) (int, error) {
	var sum int
	for i := range iov {
		n, err := unix.Write(fd, iov[i])
		if err != nil {
			if sum == 0 {
				return 0, err
			}
			return sum, nil
		}
		sum += n
		if n < len(iov[i]) {
			break
		}
	}
	if sum == 0 && len(iov) > 0 {
		return 0, errorx.ErrShortWritev
	}
	return sum, nil
}
