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
	"io"
	"net"
	"net/netip"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

var testRemote = netip.MustParseAddr("10.0.0.5")

func readyRig(c *qt.C) *rig {
	r := newRig(Options{}, AcquireOptions{})
	c.Assert(r.stepUntil(context.Background(), StateReady, 10), qt.IsNil)
	return r
}

func TestSessionOpenNotReady(t *testing.T) {
	c := qt.New(t)
	r := newRig(Options{}, AcquireOptions{})
	sess := NewSession(r.sup)

	err := sess.Open(context.Background(), testRemote, 80)
	c.Assert(err, qt.ErrorIs, ErrNotReady)
	var se *SocketError
	c.Assert(errors.As(err, &se), qt.IsTrue)
	c.Assert(se.Op, qt.Equals, "open")
	_, _, dials := r.stack.counts()
	c.Assert(dials, qt.Equals, 0)
	c.Assert(sess.IsOpen(), qt.IsFalse)
}

func TestSessionReadPastDeadline(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.IsNil)
	defer sess.Close()

	start := time.Now()
	n, err := sess.ReadWithDeadline(make([]byte, 16), start.Add(-time.Second))
	c.Assert(n, qt.Equals, 0)
	c.Assert(err, qt.ErrorIs, ErrTimeout)
	c.Assert(time.Since(start) < 100*time.Millisecond, qt.IsTrue)
	c.Assert(sess.IsOpen(), qt.IsTrue)
}

func TestSessionReadWrite(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.IsNil)
	defer sess.Close()
	c.Assert(sess.Remote().String(), qt.Equals, "10.0.0.5:80")
	peer := r.stack.peer(0)

	got := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := peer.Read(buf)
		got <- buf[:n]
		peer.Write([]byte("HTTP/1.0 200 OK\r\n"))
	}()
	c.Assert(sess.WriteAll([]byte("GET / HTTP/1.0\r\n\r\n")), qt.IsNil)
	c.Assert(string(<-got), qt.Equals, "GET / HTTP/1.0\r\n\r\n")

	buf := make([]byte, 64)
	n, err := sess.ReadWithDeadline(buf, time.Now().Add(5*time.Second))
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "HTTP/1.0 200 OK\r\n")
}

func TestSessionReadTimeoutKeepsHandle(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.IsNil)
	defer sess.Close()

	n, err := sess.ReadWithDeadline(make([]byte, 8), time.Now().Add(50*time.Millisecond))
	c.Assert(n, qt.Equals, 0)
	c.Assert(err, qt.ErrorIs, ErrTimeout)
	c.Assert(sess.IsOpen(), qt.IsTrue)
	c.Assert(r.stack.pumps > 0, qt.IsTrue)
}

func TestSessionEndOfStream(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.IsNil)
	defer sess.Close()

	r.stack.peer(0).Close()
	n, err := sess.ReadWithDeadline(make([]byte, 8), time.Now().Add(time.Second))
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)

	_, err = io.ReadAll(sess.Stream(time.Second))
	c.Assert(err, qt.IsNil)
}

func TestSessionWriteAfterReset(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.IsNil)
	defer sess.Close()

	r.stack.peer(0).Close()
	err := sess.WriteAll([]byte("x"))
	c.Assert(err, qt.ErrorIs, ErrClosed)
	c.Assert(sess.IsOpen(), qt.IsFalse)
	_, aborted := r.stack.conn(0).state()
	c.Assert(aborted, qt.IsTrue)
}

func TestSessionAbortedByDisconnect(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(ctx, testRemote, 80), qt.IsNil)

	r.radio.Drop("beacon loss")
	c.Assert(r.sup.Step(ctx), qt.IsNil)
	c.Assert(r.sup.State().Kind, qt.Equals, StateDisconnected)

	_, aborted := r.stack.conn(0).state()
	c.Assert(aborted, qt.IsTrue)
	_, err := sess.ReadWithDeadline(make([]byte, 8), time.Now().Add(time.Second))
	c.Assert(err, qt.ErrorIs, ErrClosed)
	c.Assert(err, qt.ErrorIs, ErrStale)

	// the old handle stays invalid in the next generation
	c.Assert(r.stepUntil(ctx, StateReady, 10), qt.IsNil)
	c.Assert(sess.WriteAll([]byte("x")), qt.ErrorIs, ErrClosed)

	c.Assert(sess.Close(), qt.IsNil)
	c.Assert(sess.Open(ctx, testRemote, 80), qt.IsNil)
	c.Assert(sess.IsOpen(), qt.IsTrue)
	c.Assert(sess.Close(), qt.IsNil)
}

func TestSessionOpenTwice(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.IsNil)
	defer sess.Close()
	c.Assert(sess.Open(context.Background(), testRemote, 80), qt.ErrorIs, ErrAlreadyOpen)
}

func TestSessionDialFailure(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	r.stack.dialErr = errors.New("connection refused")
	sess := NewSession(r.sup)
	err := sess.Open(context.Background(), testRemote, 80)
	c.Assert(err, qt.ErrorIs, ErrClosed)
	c.Assert(sess.IsOpen(), qt.IsFalse)
}

func TestSessionOpenHost(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	r.stack.hosts["broker.lan"] = []netip.Addr{testRemote}
	sess := NewSession(r.sup)
	c.Assert(sess.OpenHost(context.Background(), "broker.lan", 1883), qt.IsNil)
	c.Assert(sess.Remote().String(), qt.Equals, "10.0.0.5:1883")
	c.Assert(sess.Close(), qt.IsNil)

	c.Assert(sess.OpenHost(context.Background(), "nowhere.lan", 1883), qt.ErrorIs, ErrClosed)
}

func TestSessionUse(t *testing.T) {
	c := qt.New(t)
	r := readyRig(c)
	sess := NewSession(r.sup)
	err := sess.Use(context.Background(), testRemote, 80, func(s *Session) error {
		c.Assert(s.IsOpen(), qt.IsTrue)
		return io.ErrUnexpectedEOF
	})
	c.Assert(err, qt.Equals, io.ErrUnexpectedEOF)
	c.Assert(sess.IsOpen(), qt.IsFalse)
	closed, _ := r.stack.conn(0).state()
	c.Assert(closed, qt.IsTrue)
}

// A full session over loopback sockets of the host stack.
func TestSessionHostStack(t *testing.T) {
	c := qt.New(t)
	lst, err := net.Listen("tcp", "127.0.0.1:0")
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

	radio := NewSimRadio()
	link := NewRadioLink(radio, LinkOptions{Sync: true})
	stack := NewHostStack(HostConfig{LinkUp: link.IsConnected})
	sc, err := ParseStaticConfig("127.0.0.1/8", "")
	c.Assert(err, qt.IsNil)
	acq, err := NewAcquirer(stack, AcquireOptions{Mode: AddrStatic, Static: sc, Sync: true})
	c.Assert(err, qt.IsNil)
	creds, _ := NewCredentials("loopback", "")
	sup := NewSupervisor(link, acq, Options{Credentials: creds, Sync: true})
	ctx := context.Background()
	for range 10 {
		if sup.State().Kind == StateReady {
			break
		}
		c.Assert(sup.Step(ctx), qt.IsNil)
	}
	c.Assert(sup.State().Kind, qt.Equals, StateReady)

	addr := lst.Addr().(*net.TCPAddr).AddrPort()
	sess := NewSession(sup)
	c.Assert(sess.Open(ctx, addr.Addr().Unmap(), addr.Port()), qt.IsNil)
	c.Assert(sess.WriteAll([]byte("ping")), qt.IsNil)
	buf := make([]byte, 4)
	n, err := sess.ReadWithDeadline(buf, time.Now().Add(5*time.Second))
	c.Assert(err, qt.IsNil)
	c.Assert(string(buf[:n]), qt.Equals, "ping")
	c.Assert(sess.Close(), qt.IsNil)
}
