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
	"io"
	"net/netip"
	"time"
)

// DHCPRequest parameters for a lease request.
type DHCPRequest struct {
	// Hostname is advertised as client identification (option 12).
	Hostname string
	// RequestedAddr is asked for in the DISCOVER (optional).
	RequestedAddr netip.Addr
	Xid           uint32
}

// Stack is the packet-level network stack capability.
type Stack interface {
	// Pump processes pending interface work once. It reports whether any
	// packet was received or sent.
	Pump() (bool, error)
	// LinkUp reports whether the link layer can carry traffic.
	LinkUp() bool
	// Config returns the active IPv4 configuration.
	Config() (IPBinding, bool)
	// SetConfig activates an IPv4 configuration.
	SetConfig(b IPBinding) error
	// ClearConfig drops the IPv4 configuration (on link loss).
	ClearConfig()
	// BeginDHCP starts a lease request.
	BeginDHCP(req DHCPRequest) error
	// DHCPResult returns the lease once the request is bound.
	DHCPResult() (IPBinding, bool)
	// Dial opens a TCP connection.
	Dial(ctx context.Context, raddr netip.AddrPort) (Conn, error)
	// LookupHost resolves a host name to IPv4 addresses.
	LookupHost(ctx context.Context, host string) ([]netip.Addr, error)
}

// Conn is one TCP endpoint of a Stack.
type Conn interface {
	io.ReadWriter
	// Flush pushes buffered output to the wire.
	Flush() error
	// SetReadDeadline bounds the next Read.
	SetReadDeadline(t time.Time) error
	// Close performs an orderly shutdown.
	Close() error
	// Abort releases the endpoint immediately.
	Abort()
}
