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
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// LinuxDevice is the host implementation (development and testing).
type LinuxDevice struct {
	cfg   DeviceConfig
	led   gpio.PinOut
	radio Radio
}

// InitDevice initializes the host device. A missing LED is not an
// error; the status is then only logged.
func InitDevice(cfg DeviceConfig) (Device, error) {
	log := loggerOrDiscard(cfg.Logger)
	dev := &LinuxDevice{cfg: cfg}
	if cfg.Iface == "" {
		log.Warn("no link interface configured, using simulated radio")
		dev.radio = NewSimRadio()
	} else {
		dev.radio = NewHostRadio(cfg.Iface)
	}
	if cfg.LEDPin >= 0 {
		if _, err := host.Init(); err != nil {
			log.Warn("gpio unavailable", slog.String("err", err.Error()))
			return dev, nil
		}
		p := gpioreg.ByName(fmt.Sprintf("GPIO%d", cfg.LEDPin))
		if p == nil {
			return nil, configErr("led_pin", "no such gpio %d", cfg.LEDPin)
		}
		dev.led = p
	}
	return dev, nil
}

// LED on or off (if a pin is configured)
func (dev *LinuxDevice) LED(on bool) {
	if dev.led == nil {
		return
	}
	lvl := gpio.Low
	if on {
		lvl = gpio.High
	}
	dev.led.Out(lvl)
}

// Radio of the device.
func (dev *LinuxDevice) Radio() Radio {
	return dev.radio
}

// NewStack returns an OS socket stack for the configured interface.
func (dev *LinuxDevice) NewStack(cfg StackConfig) (ListenStack, error) {
	return NewHostStack(HostConfig{
		Iface:  dev.cfg.Iface,
		LinkUp: cfg.LinkUp,
		Logger: cfg.Logger,
	}), nil
}
