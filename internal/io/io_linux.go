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

//go:build linux
// +build linux

// Package io wraps the vectored I/O system calls used by the socket transport.
package io

import (
	"golang.org/x/sys/unix"

	errorx "github.com/gmux-io/gmux/pkg/errors"
)

// IovMax is the upper limit of buffers handed to one writev call.
const IovMax = 1024

// Writev calls writev() on Linux, a short write is reported through the returned count.
func Writev(fd int, iov [][]byte) (int, error) {
	if len(iov) > IovMax {
		iov = iov[:IovMax]
	}
	n, err := unix.Writev(fd, iov)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(iov) > 0 {
		return 0, errorx.ErrShortWritev
	}
	return n, nil
}
