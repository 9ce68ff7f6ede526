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
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	mqtt "github.com/soypat/natiu-mqtt"
)

func TestReporterConfig(t *testing.T) {
	c := qt.New(t)
	r := newRig(Options{}, AcquireOptions{})

	_, err := NewReporter(r.sup, ReporterConfig{})
	c.Assert(IsFatal(err), qt.IsTrue)

	rep, err := NewReporter(r.sup, ReporterConfig{Broker: "broker.lan"})
	c.Assert(err, qt.IsNil)
	c.Assert(rep.host, qt.Equals, "broker.lan")
	c.Assert(rep.port, qt.Equals, uint16(1883))
	c.Assert(rep.cfg.Topic, qt.Equals, "wifilink")
}

// Observers never block; only the latest transition is kept.
func TestReporterObserveLatest(t *testing.T) {
	c := qt.New(t)
	r := newRig(Options{}, AcquireOptions{})
	rep, err := NewReporter(r.sup, ReporterConfig{Broker: "10.0.0.5:1884"})
	c.Assert(err, qt.IsNil)
	c.Assert(rep.port, qt.Equals, uint16(1884))

	rep.observe(Transition{To: ConnectionState{Kind: StateAssociating}})
	rep.observe(Transition{To: ConnectionState{Kind: StateReady}, Generation: 4})
	tr := <-rep.updates
	c.Assert(tr.To.Kind, qt.Equals, StateReady)
	c.Assert(tr.Generation, qt.Equals, uint64(4))
	select {
	case <-rep.updates:
		c.Fatal("stale transition kept")
	default:
	}
}

func TestSplitHostPort(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		in   string
		host string
		port uint16
		ok   bool
	}{
		{"broker", "broker", 1883, true},
		{"broker:8883", "broker", 8883, true},
		{"10.0.0.5:1", "10.0.0.5", 1, true},
		{"", "", 0, false},
		{"broker:0", "", 0, false},
		{"broker:99999", "", 0, false},
		{"broker:x", "", 0, false},
	}
	for _, test := range tests {
		host, port, err := splitHostPort(test.in, 1883)
		c.Assert(err == nil, qt.Equals, test.ok, qt.Commentf("%q", test.in))
		c.Assert(host, qt.Equals, test.host)
		c.Assert(port, qt.Equals, test.port)
	}
}

// testBroker is the broker end of a reporter session.
type testBroker struct {
	conn net.Conn
	dec  mqtt.DecoderNoAlloc
}

// acceptBroker waits for the n-th dial and answers the CONNECT.
func acceptBroker(c *qt.C, ctx context.Context, stack *fakeStack, n int) *testBroker {
	c.Assert(waitFor(ctx, func() bool {
		_, _, dials := stack.counts()
		return dials > n
	}), qt.IsNil)
	b := &testBroker{
		conn: stack.peer(n),
		dec:  mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 256)},
	}
	b.conn.SetDeadline(time.Now().Add(10 * time.Second))

	hdr, _, err := mqtt.DecodeHeader(b.conn)
	c.Assert(err, qt.IsNil)
	c.Assert(hdr.Type(), qt.Equals, mqtt.PacketConnect)
	vc, _, err := b.dec.DecodeConnect(b.conn)
	c.Assert(err, qt.IsNil)
	c.Assert(string(vc.ClientID), qt.Equals, "pico-1")
	c.Assert(vc.KeepAlive, qt.Equals, uint16(0))

	var tx mqtt.Tx
	tx.SetTxTransport(b.conn)
	c.Assert(tx.WriteConnack(mqtt.VariablesConnack{ReturnCode: mqtt.ReturnCodeConnAccepted}), qt.IsNil)
	return b
}

// next returns the next PUBLISH as topic, payload and retain flag.
func (b *testBroker) next() (topic, payload string, retain bool, err error) {
	hdr, _, err := mqtt.DecodeHeader(b.conn)
	if err != nil {
		return
	}
	if hdr.Type() != mqtt.PacketPublish {
		return "", "", false, io.ErrUnexpectedEOF
	}
	vp, n, err := b.dec.DecodePublish(b.conn, hdr.Flags().QoS())
	if err != nil {
		return
	}
	topic = string(vp.TopicName)
	data := make([]byte, int(hdr.RemainingLength)-n)
	if _, err = io.ReadFull(b.conn, data); err != nil {
		return
	}
	return topic, string(data), hdr.Flags().Retain(), nil
}

func (b *testBroker) expect(c *qt.C, topic, payload string) {
	got, data, retain, err := b.next()
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.Equals, topic)
	c.Assert(data, qt.Equals, payload)
	c.Assert(retain, qt.IsTrue)
}

func TestReporterPublishesState(t *testing.T) {
	c := qt.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	r := newRig(Options{}, AcquireOptions{})
	rep, err := NewReporter(r.sup, ReporterConfig{
		Broker:   "10.0.0.5:1883",
		Topic:    "home/pico",
		ClientID: "pico-1",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(r.stepUntil(ctx, StateReady, 10), qt.IsNil)
	select {
	case <-rep.updates:
	default:
	}
	done := make(chan error, 1)
	go func() { done <- rep.Run(ctx) }()

	b := acceptBroker(c, ctx, r.stack, 0)
	b.expect(c, "home/pico/state", "ready")
	b.expect(c, "home/pico/generation", "1")

	// leaving Ready ends the session
	r.radio.Drop("gone")
	c.Assert(r.sup.Step(ctx), qt.IsNil)
	_, _, _, err = b.next()
	c.Assert(err, qt.IsNotNil)

	// the next Ready period gets a new session with the new generation
	c.Assert(r.stepUntil(ctx, StateReady, 10), qt.IsNil)
	b = acceptBroker(c, ctx, r.stack, 1)
	b.expect(c, "home/pico/state", "ready")
	b.expect(c, "home/pico/generation", "2")

	cancel()
	b.conn.Close()
	c.Assert(<-done, qt.ErrorIs, context.Canceled)
}
