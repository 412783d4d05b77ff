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

//go:build linux || freebsd || dragonfly || darwin
// +build linux freebsd dragonfly darwin

package gmux

import (
	"context"
	"net"

	"golang.org/x/sys/unix"

	"github.com/gmux-io/gmux/pkg/mux"
	"github.com/gmux-io/gmux/pkg/pool/goroutine"
	"github.com/gmux-io/gmux/pkg/promise"
)

// dialPool resolves addresses and creates sockets away from the caller, so that a cancelled
// ctx is honored even while name resolution blocks.
var dialPool = goroutine.Default()

type dialResult struct {
	fd   int
	addr net.Addr
	err  error
}

// Dial connects to address and registers the connection on el. It returns once the socket is
// connected and the client preface with the local SETTINGS has been queued.
func Dial(ctx context.Context, el *EventLoop, network, address string, h mux.ConnHandler, options ...ConnOption) (*Conn, error) {
	opts := loadConnOptions(options...)
	ch := make(chan dialResult, 1)
	err := dialPool.Submit(func() {
		fd, addr, err := openSocket(network, address, false, connSockOpts(network, opts)...)
		ch <- dialResult{fd, addr, err}
	})
	if err != nil {
		return nil, err
	}

	var res dialResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		_ = dialPool.Submit(func() {
			if res := <-ch; res.err == nil {
				_ = unix.Close(res.fd)
			}
		})
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	c := newConn(res.fd, el, nil, res.addr, false, h, opts)
	connected := promise.New()
	c.connecting = connected
	err = el.Execute(func() {
		if err := c.open(); err != nil {
			_ = c.closeWithError(err)
		}
	})
	if err != nil {
		_ = unix.Close(res.fd)
		return nil, err
	}
	if err = connected.Wait(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}
