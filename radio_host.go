//go:build !rp2350

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
	"fmt"
	"net"
	"sync"
	"time"
)

// HostRadio treats an OS network interface as the radio: it is
// "associated" while the interface is up and carries an IPv4 address.
// The OS does the actual association.
type HostRadio struct {
	iface string
	poll  time.Duration

	mu        sync.Mutex
	started   bool
	connected bool
	stop      chan struct{}
	events    chan Event
}

// NewHostRadio watches the named interface.
func NewHostRadio(iface string) *HostRadio {
	return &HostRadio{
		iface:  iface,
		poll:   time.Second,
		events: make(chan Event, 16),
	}
}

// Configure implements Radio. Credentials are managed by the OS.
func (r *HostRadio) Configure(ssid, pass string, mode Mode) error {
	if mode != ModeStation {
		return fmt.Errorf("%w: mode %s on host interface", ErrUnsupported, mode)
	}
	return nil
}

// Start implements Radio.
func (r *HostRadio) Start() error {
	if _, err := net.InterfaceByName(r.iface); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		r.started = true
		r.stop = make(chan struct{})
		go r.watch(r.stop)
	}
	return nil
}

// Stop implements Radio.
func (r *HostRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		r.started, r.connected = false, false
		close(r.stop)
	}
	return nil
}

// Connect implements Radio: wait until the interface is usable.
func (r *HostRadio) Connect(ctx context.Context) error {
	for !r.up() {
		if err := sleepCtx(ctx, r.poll); err != nil {
			return &RadioError{Kind: RadioTimeout, Err: err}
		}
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

// Disconnect implements Radio. The interface itself stays up; the next
// Connect re-checks it.
func (r *HostRadio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = false
	return nil
}

// Scan implements Radio.
func (r *HostRadio) Scan(context.Context, int) ([]AccessPoint, error) {
	return nil, ErrUnsupported
}

// Events implements Radio.
func (r *HostRadio) Events() <-chan Event {
	return r.events
}

func (r *HostRadio) up() bool {
	ifc, err := net.InterfaceByName(r.iface)
	if err != nil || ifc.Flags&net.FlagUp == 0 {
		return false
	}
	addrs, err := ifc.Addrs()
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return true
		}
	}
	return false
}

func (r *HostRadio) watch(stop chan struct{}) {
	tick := time.NewTicker(r.poll)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
		}
		up := r.up()
		r.mu.Lock()
		lost := r.connected && !up
		if lost {
			r.connected = false
		}
		r.mu.Unlock()
		if lost {
			r.events <- Event{Kind: EventDisconnected, Reason: r.iface + " down"}
		}
	}
}
