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
	"log/slog"
	"net"
)

// Device is a hardware abstraction
type Device interface {
	// LED on or off (if applicable)
	LED(on bool)
	// Radio of the device.
	Radio() Radio
	// NewStack attaches a network stack to the device's link.
	NewStack(cfg StackConfig) (ListenStack, error)
}

// ListenStack is a Stack that can also accept connections.
type ListenStack interface {
	Stack
	Listen(port uint16) (net.Listener, error)
}

// DeviceConfig selects the resources used by InitDevice.
type DeviceConfig struct {
	// Iface is the host network interface acting as the radio; empty
	// selects a simulated radio. Ignored on boards with a radio.
	Iface string
	// LEDPin is the BCM number of a host status LED; negative for none.
	// Boards use their on-board LED.
	LEDPin int
	Logger *slog.Logger
}

// StackConfig for Device.NewStack.
type StackConfig struct {
	// LinkUp reports the radio association (RadioLink.IsConnected).
	LinkUp func() bool
	// OnLinkFault is called when the stack sees the link die; devices
	// without radio events use it to report a disconnect.
	OnLinkFault func(err error)
	// Number of TCP ports to open for the stack.
	TCPPorts uint16
	Sync     bool
	Logger   *slog.Logger
}
