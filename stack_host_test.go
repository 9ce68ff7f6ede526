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
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func loopbackIface(c *qt.C) string {
	ifc, err := net.InterfaceByName("lo")
	if err != nil {
		c.Skip("no loopback interface")
	}
	return ifc.Name
}

func TestHostStackDHCPFromInterface(t *testing.T) {
	c := qt.New(t)
	stack := NewHostStack(HostConfig{Iface: loopbackIface(c)})

	_, ok := stack.DHCPResult()
	c.Assert(ok, qt.IsFalse)
	c.Assert(stack.BeginDHCP(DHCPRequest{Hostname: "test"}), qt.IsNil)
	b, ok := stack.DHCPResult()
	c.Assert(ok, qt.IsTrue)
	c.Assert(b.Address.Addr().IsLoopback(), qt.IsTrue)

	c.Assert(stack.SetConfig(b), qt.IsNil)
	got, ok := stack.Config()
	c.Assert(ok, qt.IsTrue)
	c.Assert(got.Address, qt.Equals, b.Address)

	stack.ClearConfig()
	_, ok = stack.Config()
	c.Assert(ok, qt.IsFalse)
}

func TestHostStackDial(t *testing.T) {
	c := qt.New(t)
	stack := NewHostStack(HostConfig{})
	ctx := context.Background()

	_, err := stack.Dial(ctx, netip.MustParseAddrPort("127.0.0.1:1"))
	c.Assert(err, qt.Equals, ErrNotReady)

	sc, err := ParseStaticConfig("127.0.0.1/8", "")
	c.Assert(err, qt.IsNil)
	c.Assert(stack.SetConfig(sc.Binding()), qt.IsNil)

	lst, err := stack.Listen(0)
	c.Assert(err, qt.IsNil)
	defer lst.Close()
	go func() {
		conn, err := lst.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	port := uint16(lst.Addr().(*net.TCPAddr).Port)
	conn, err := stack.Dial(ctx, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port))
	c.Assert(err, qt.IsNil)
	_, err = conn.Write([]byte("hello"))
	c.Assert(err, qt.IsNil)
	c.Assert(conn.Flush(), qt.IsNil)
	c.Assert(conn.SetReadDeadline(time.Now().Add(5*time.Second)), qt.IsNil)
	buf := make([]byte, 5)
	_, err = io.ReadFull(conn, buf)
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf), qt.Equals, "hello")
	c.Assert(conn.Close(), qt.IsNil)
}

func TestHostRadio(t *testing.T) {
	c := qt.New(t)
	radio := NewHostRadio("no-such-iface0")
	c.Assert(radio.Configure("x", "", ModeAccessPoint), qt.ErrorIs, ErrUnsupported)
	c.Assert(radio.Start(), qt.IsNotNil)

	radio = NewHostRadio(loopbackIface(c))
	c.Assert(radio.Configure("x", "", ModeStation), qt.IsNil)
	c.Assert(radio.Start(), qt.IsNil)
	defer radio.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	c.Assert(radio.Connect(ctx), qt.IsNil)
	_, err := radio.Scan(ctx, 5)
	c.Assert(err, qt.ErrorIs, ErrUnsupported)
}
