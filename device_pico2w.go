//go:build rp2350

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
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/cyw43439"
)

// Raspberry Pico2 W  [RP2350]
type Pico2WDevice struct {
	ref   *cyw43439.Device // reference to device
	radio *cywRadio
	log   *slog.Logger

	once    sync.Once
	initErr error
}

// InitDevice accesses the on-board radio chip. The chip itself is
// initialized on first use.
func InitDevice(cfg DeviceConfig) (Device, error) {
	dev := &Pico2WDevice{
		ref: cyw43439.NewPicoWDevice(),
		log: loggerOrDiscard(cfg.Logger),
	}
	dev.radio = &cywRadio{dev: dev, events: make(chan Event, 4)}
	return dev, nil
}

// LED on or off (if applicable)
func (dev *Pico2WDevice) LED(on bool) {
	dev.ref.GPIOSet(0, on)
}

// Radio of the device.
func (dev *Pico2WDevice) Radio() Radio {
	return dev.radio
}

// NewStack attaches a seqs stack to the radio's Ethernet interface.
func (dev *Pico2WDevice) NewStack(cfg StackConfig) (ListenStack, error) {
	if err := dev.init(); err != nil {
		return nil, err
	}
	fault := cfg.OnLinkFault
	stack, err := NewSeqsStack(dev.ref, SeqsConfig{
		MTU:      cyw43439.MTU,
		TCPPorts: cfg.TCPPorts,
		LinkUp:   cfg.LinkUp,
		OnLinkFault: func(err error) {
			dev.radio.fault(err)
			if fault != nil {
				fault(err)
			}
		},
		Sync:   cfg.Sync,
		Logger: cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	return stack, nil
}

func (dev *Pico2WDevice) init() error {
	dev.once.Do(func() {
		wificfg := cyw43439.DefaultWifiConfig()
		// wificfg.Logger = dev.log // Uncomment to see in depth info on wifi device functioning.
		dev.log.Info("initializing pico W device...")
		devInitTime := time.Now()
		if err := dev.ref.Init(wificfg); err != nil {
			dev.initErr = fmt.Errorf("cyw43439 init: %w", err)
			return
		}
		dev.log.Info("cyw43439:Init", slog.Duration("duration", time.Since(devInitTime)))
	})
	return dev.initErr
}

// cywRadio drives the CYW43439 in station mode. The driver has no event
// callback; a dead link shows up as a run of poll errors in the stack
// pump, reported through fault.
type cywRadio struct {
	dev *Pico2WDevice

	mu         sync.Mutex
	ssid, pass string
	joined     bool
	events     chan Event
}

func (r *cywRadio) Configure(ssid, pass string, mode Mode) error {
	if mode != ModeStation {
		return fmt.Errorf("%w: mode %s on cyw43439", ErrUnsupported, mode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ssid, r.pass = ssid, pass
	return nil
}

func (r *cywRadio) Start() error {
	return r.dev.init()
}

// Stop is a no-op: the driver cannot power the chip down.
func (r *cywRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = false
	return nil
}

// Connect joins the network. JoinWPA2 blocks and ignores ctx.
func (r *cywRadio) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	ssid, pass := r.ssid, r.pass
	r.mu.Unlock()
	if err := r.dev.ref.JoinWPA2(ssid, pass); err != nil {
		return err
	}
	mac, _ := r.dev.ref.HardwareAddr6()
	r.dev.log.Info("wifi join success!", slog.String("mac", fmt.Sprintf("%x", mac[:])))
	r.mu.Lock()
	r.joined = true
	r.mu.Unlock()
	return nil
}

// Disconnect forgets the association; the next Connect joins again.
func (r *cywRadio) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joined = false
	return nil
}

func (r *cywRadio) Scan(context.Context, int) ([]AccessPoint, error) {
	return nil, ErrUnsupported
}

func (r *cywRadio) Events() <-chan Event {
	return r.events
}

func (r *cywRadio) fault(err error) {
	r.mu.Lock()
	was := r.joined
	r.joined = false
	r.mu.Unlock()
	if !was {
		return
	}
	select {
	case r.events <- Event{Kind: EventDisconnected, Reason: err.Error()}:
	default:
	}
}
