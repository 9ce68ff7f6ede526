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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"
)

// HostConfig for a HostStack.
type HostConfig struct {
	// Iface is the OS interface carrying the link ("" picks any).
	Iface string
	// LinkUp reports the association; nil means always up.
	LinkUp func() bool
	Logger *slog.Logger
}

// HostStack is a Stack on top of the operating system's sockets. The OS
// runs DHCP; a "lease" is the IPv4 address found on the interface.
type HostStack struct {
	cfg HostConfig
	log *slog.Logger

	mu      sync.Mutex
	binding IPBinding
	bound   bool
	dhcp    bool
}

// NewHostStack creates a stack for the given interface.
func NewHostStack(cfg HostConfig) *HostStack {
	return &HostStack{cfg: cfg, log: loggerOrDiscard(cfg.Logger)}
}

// Pump implements Stack; the kernel needs no pumping.
func (h *HostStack) Pump() (bool, error) { return false, nil }

// LinkUp implements Stack.
func (h *HostStack) LinkUp() bool {
	return h.cfg.LinkUp == nil || h.cfg.LinkUp()
}

// Config implements Stack. A DHCP binding is lost when the address
// disappears from the interface.
func (h *HostStack) Config() (IPBinding, bool) {
	h.mu.Lock()
	b, bound := h.binding, h.bound
	h.mu.Unlock()
	if !bound {
		return IPBinding{}, false
	}
	if b.Mode == AddrDHCP {
		if cur, ok := h.ifaceAddr(); !ok || cur.Addr() != b.Address.Addr() {
			return IPBinding{}, false
		}
	}
	return b, true
}

// SetConfig implements Stack. Static addresses must already be present
// on the host; they are only recorded here.
func (h *HostStack) SetConfig(b IPBinding) error {
	if b.IsZero() {
		return errors.New("empty binding")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binding, h.bound = b, true
	return nil
}

// ClearConfig implements Stack.
func (h *HostStack) ClearConfig() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.binding, h.bound, h.dhcp = IPBinding{}, false, false
}

// BeginDHCP implements Stack.
func (h *HostStack) BeginDHCP(req DHCPRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dhcp = true
	h.log.Debug("dhcp delegated to host", slog.String("iface", h.cfg.Iface), slog.String("hostname", req.Hostname))
	return nil
}

// DHCPResult implements Stack.
func (h *HostStack) DHCPResult() (IPBinding, bool) {
	h.mu.Lock()
	started := h.dhcp
	h.mu.Unlock()
	if !started {
		return IPBinding{}, false
	}
	p, ok := h.ifaceAddr()
	if !ok {
		return IPBinding{}, false
	}
	return IPBinding{Mode: AddrDHCP, Address: p}, true
}

// ifaceAddr returns the first IPv4 address of the interface.
func (h *HostStack) ifaceAddr() (netip.Prefix, bool) {
	var addrs []net.Addr
	var err error
	if h.cfg.Iface == "" {
		addrs, err = net.InterfaceAddrs()
	} else {
		var ifc *net.Interface
		if ifc, err = net.InterfaceByName(h.cfg.Iface); err == nil {
			addrs, err = ifc.Addrs()
		}
	}
	if err != nil {
		return netip.Prefix{}, false
	}
	var loopback netip.Prefix
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip, ok := netip.AddrFromSlice(ipn.IP)
		if !ok || !ip.Unmap().Is4() {
			continue
		}
		bits, _ := ipn.Mask.Size()
		p := netip.PrefixFrom(ip.Unmap(), bits)
		if ip.IsLoopback() {
			loopback = p
			continue
		}
		return p, true
	}
	return loopback, loopback.IsValid()
}

// Dial implements Stack. The connection is bound to the local address of
// the binding unless the destination is loopback.
func (h *HostStack) Dial(ctx context.Context, raddr netip.AddrPort) (Conn, error) {
	b, ok := h.Config()
	if !ok {
		return nil, ErrNotReady
	}
	d := net.Dialer{Timeout: dialTimeout}
	if !raddr.Addr().IsLoopback() && !b.Address.Addr().IsLoopback() {
		d.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(b.Address.Addr(), 0))
	}
	c, err := d.DialContext(ctx, "tcp", raddr.String())
	if err != nil {
		return nil, err
	}
	return &hostConn{TCPConn: c.(*net.TCPConn)}, nil
}

// LookupHost implements Stack.
func (h *HostStack) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no ipv4 address for %s", host)
	}
	return addrs, nil
}

// Listen returns a TCP listener on the given port.
func (h *HostStack) Listen(port uint16) (net.Listener, error) {
	cfg := new(net.ListenConfig)
	return cfg.Listen(context.Background(), "tcp", fmt.Sprintf(":%d", port))
}

type hostConn struct {
	*net.TCPConn
}

func (c *hostConn) Flush() error { return nil }

// Close half-closes and drains for a bounded time before releasing.
func (c *hostConn) Close() error {
	if err := c.CloseWrite(); err != nil {
		return c.TCPConn.Close()
	}
	c.SetReadDeadline(time.Now().Add(closeLinger))
	var buf [256]byte
	for {
		if _, err := c.Read(buf[:]); err != nil {
			break
		}
	}
	return c.TCPConn.Close()
}

func (c *hostConn) Abort() {
	c.SetLinger(0)
	c.TCPConn.Close()
}
