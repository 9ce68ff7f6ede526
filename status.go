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
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// status codes (number of LED blinks)
const (
	StatUNK    = iota // unknown status (init)
	StatOK            // link ready
	StatASSOC         // associating with the access point
	StatADDR          // waiting for an address
	StatDOWN          // disconnected, backing off
	StatCONFIG        // invalid configuration
	StatDEV           // device failure
	StatSRV           // can't serve namespace
	StatRETRY         // retries exhausted
	StatEXCP          // exception (panic) occured
)

// StatusCode maps a connection state to a blink code.
func StatusCode(st ConnectionState) int {
	switch st.Kind {
	case StateReady:
		return StatOK
	case StateIdle, StateAssociating:
		return StatASSOC
	case StateAssociated, StateAddressPending:
		return StatADDR
	case StateDisconnected:
		return StatDOWN
	}
	return StatUNK
}

// Status handler.
// Show current status depending on hardware device.
type Status struct {
	dev    Device       // reference to device
	log    *slog.Logger // status changes are logged too
	curr   atomic.Int32 // current state
	repeat atomic.Int32 // current repeat counter
	led    *FlagFile    // LED enabled (shared with the 9p server)
}

// NewStatus creates a new status display
func NewStatus(dev Device, logger *slog.Logger) (state *Status) {
	state = new(Status)
	state.dev = dev
	state.log = loggerOrDiscard(logger)
	state.led = NewFlagFile(true, func(on bool) {
		state.log.Info("status led", slog.Bool("on", on))
	})
	go func() {
		// blink LED <state>; <repeat> times
		for {
			time.Sleep(5 * time.Second)
			state.show(state.curr.Load())
		}
	}()
	return
}

// LEDControl returns the switch for the status LED.
func (state *Status) LEDControl() *FlagFile {
	return state.led
}

// show one round of a status code on the LED.
func (state *Status) show(num int32) {
	dev := state.dev
	if !state.led.Get() {
		dev.LED(false)
		return
	}
	if num == StatOK {
		// steady light while ready
		dev.LED(true)
		return
	}
	dev.LED(false)
	time.Sleep(300 * time.Millisecond)
	for num > 5 {
		dev.LED(true)
		time.Sleep(1000 * time.Millisecond)
		dev.LED(false)
		time.Sleep(300 * time.Millisecond)
		num -= 5
	}
	for range num {
		dev.LED(true)
		time.Sleep(150 * time.Millisecond)
		dev.LED(false)
		time.Sleep(150 * time.Millisecond)
	}
	if state.repeat.Add(-1) == 0 {
		state.curr.Store(StatOK)
	}
}

// Set status and repeat <num> times (0: until changed).
func (state *Status) Set(flag, num int) {
	if state != nil {
		if prev := state.curr.Swap(int32(flag)); prev != int32(flag) {
			state.log.Debug("status", slog.Int("code", flag), slog.Int("repeat", num))
		}
		state.repeat.Store(int32(num))
	}
}

// Get current state and repeat counter
func (state *Status) Get() (int, int) {
	return int(state.curr.Load()), int(state.repeat.Load())
}

// Track follows the supervisor's connection state.
func (state *Status) Track(sup *Supervisor) {
	state.Set(StatusCode(sup.State()), 0)
	sup.OnTransition(func(tr Transition) {
		state.Set(StatusCode(tr.To), 0)
	})
}

// Trap critical failures (panic)
func (state *Status) Trap(t time.Duration) {
	s, _ := state.Get()
	if r := recover(); r != nil {
		state.log.Error("EXCP", slog.String("panic", fmt.Sprint(r)))
		if s != StatEXCP {
			state.Set(StatEXCP, 0)
		}
	} else if s == StatOK {
		state.Set(StatUNK, 0)
	}
	time.Sleep(t)
}
