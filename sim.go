//----------------------------------------------------------------------
// This file is part of wifilink.
// Copyright (C) 2024-present Bernd Fix   >Y<
//
// wifilink is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License,
// or (at your option) any later version.
//
// wifilink is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL3.0-or-later
//----------------------------------------------------------------------

package wifilink

import (
	"context"
	"slices"
	"sync"
	"time"
)

// SimRadio is a scripted radio without hardware. It accepts every
// association unless failures were queued with FailNext.
type SimRadio struct {
	// Delay of every association attempt.
	Delay time.Duration
	// DropAfterConnect reports a disconnect right after association.
	DropAfterConnect bool

	mu        sync.Mutex
	ssid      string
	pass      string
	mode      Mode
	started   bool
	connected bool
	attempts  int
	failures  []error
	aps       []AccessPoint
	events    chan Event
}

// NewSimRadio creates a radio that "sees" the given access points. An
// empty list means every SSID is reachable.
func NewSimRadio(aps ...AccessPoint) *SimRadio {
	return &SimRadio{
		aps:    aps,
		events: make(chan Event, 64),
	}
}

// FailNext queues errors returned by the next association attempts.
func (r *SimRadio) FailNext(errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, errs...)
}

// Attempts counts association attempts so far.
func (r *SimRadio) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Drop simulates a remote disconnect.
func (r *SimRadio) Drop(reason string) {
	r.mu.Lock()
	was := r.connected
	r.connected = false
	mode := r.mode
	r.mu.Unlock()
	if !was {
		return
	}
	if mode == ModeAccessPoint {
		r.events <- Event{Kind: EventApStopped, Reason: reason}
	} else {
		r.events <- Event{Kind: EventDisconnected, Reason: reason}
	}
}

// Configure implements Radio.
func (r *SimRadio) Configure(ssid, pass string, mode Mode) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssid, r.pass, r.mode = ssid, pass, mode
	return nil
}

// Start implements Radio.
func (r *SimRadio) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = true
	return nil
}

// Stop implements Radio.
func (r *SimRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started, r.connected = false, false
	return nil
}

// Connect implements Radio.
func (r *SimRadio) Connect(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return &RadioError{Kind: RadioStopped}
	}
	r.attempts++
	var fail error
	if len(r.failures) > 0 {
		fail, r.failures = r.failures[0], r.failures[1:]
	}
	mode, ssid := r.mode, r.ssid
	r.mu.Unlock()

	if err := sleepCtx(ctx, r.Delay); err != nil {
		return &RadioError{Kind: RadioTimeout, Err: err}
	}
	if fail != nil {
		return fail
	}
	if mode == ModeStation && len(r.aps) > 0 && !slices.ContainsFunc(r.aps, func(ap AccessPoint) bool {
		return ap.SSID == ssid
	}) {
		return &RadioError{Kind: RadioNoAPFound}
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	if mode == ModeAccessPoint {
		r.events <- Event{Kind: EventApStarted}
	} else {
		r.events <- Event{Kind: EventConnected}
	}
	if r.DropAfterConnect {
		r.Drop("dropped after association")
	}
	return nil
}

// Disconnect implements Radio. A local disconnect emits no event.
func (r *SimRadio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	return nil
}

// Scan implements Radio.
func (r *SimRadio) Scan(_ context.Context, n int) ([]AccessPoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, &RadioError{Kind: RadioStopped}
	}
	aps := slices.Clone(r.aps)
	slices.SortStableFunc(aps, func(a, b AccessPoint) int { return b.RSSI - a.RSSI })
	if len(aps) > n {
		aps = aps[:n]
	}
	return aps, nil
}

// Events implements Radio.
func (r *SimRadio) Events() <-chan Event {
	return r.events
}

// Connected reports the simulated association state.
func (r *SimRadio) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}
