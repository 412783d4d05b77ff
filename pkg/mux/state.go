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

package mux

// StreamState is the RFC 7540 state of a stream as seen by this endpoint.
type StreamState int

// Stream states.
const (
	StateIdle StreamState = iota
	StateReservedLocal
	StateReservedRemote
	StateOpen
	StateHalfClosedLocal
	StateHalfClosedRemote
	StateClosed
)

var stateNames = [...]string{
	StateIdle:             "IDLE",
	StateReservedLocal:    "RESERVED_LOCAL",
	StateReservedRemote:   "RESERVED_REMOTE",
	StateOpen:             "OPEN",
	StateHalfClosedLocal:  "HALF_CLOSED_LOCAL",
	StateHalfClosedRemote: "HALF_CLOSED_REMOTE",
	StateClosed:           "CLOSED",
}

func (s StreamState) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// localSideOpen reports whether this endpoint may still send HEADERS or DATA.
func (s StreamState) localSideOpen() bool {
	return s == StateOpen || s == StateHalfClosedRemote || s == StateReservedLocal
}

// remoteSideOpen reports whether the peer may still send HEADERS or DATA.
func (s StreamState) remoteSideOpen() bool {
	return s == StateOpen || s == StateHalfClosedLocal || s == StateReservedRemote
}

// closeLocal is the transition taken when this endpoint sends END_STREAM.
func (s StreamState) closeLocal() StreamState {
	switch s {
	case StateOpen:
		return StateHalfClosedLocal
	case StateHalfClosedRemote:
		return StateClosed
	}
	return s
}

// closeRemote is the transition taken when the peer sends END_STREAM.
func (s StreamState) closeRemote() StreamState {
	switch s {
	case StateOpen:
		return StateHalfClosedRemote
	case StateHalfClosedLocal:
		return StateClosed
	}
	return s
}

// readStatus is the read axis of a stream channel. A read requested while one is in progress
// is coalesced into one more pass of the running loop.
type readStatus int

const (
	readIdle readStatus = iota
	readInProgress
	readRequested
)

// Direction names one side of a stream for Shutdown.
type Direction int

// Shutdown directions.
const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}
