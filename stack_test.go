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
	"net"
	"net/netip"
	"sync"
	"time"
)

// fakeStack is a scripted Stack. Connections are in-memory pipes; the
// test side of each pipe is available through peers.
type fakeStack struct {
	mu         sync.Mutex
	linkUp     func() bool
	leaseAfter int // DHCPResult polls before the lease is granted (-1: never)
	lease      IPBinding
	polls      int
	dhcpReqs   []DHCPRequest
	setConfigs []IPBinding
	config     IPBinding
	bound      bool
	dialErr    error
	dials      int
	conns      []*fakeConn
	peers      []net.Conn
	pumps      int
	hosts      map[string][]netip.Addr
}

func newFakeStack() *fakeStack {
	return &fakeStack{
		lease: IPBinding{
			Mode:    AddrDHCP,
			Address: netip.MustParsePrefix("10.0.0.23/24"),
			Gateway: netip.MustParseAddr("10.0.0.1"),
			DNS:     []netip.Addr{netip.MustParseAddr("10.0.0.1")},
			Lease:   time.Hour,
		},
		hosts: make(map[string][]netip.Addr),
	}
}

func (f *fakeStack) Pump() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pumps++
	return false, nil
}

func (f *fakeStack) LinkUp() bool {
	f.mu.Lock()
	up := f.linkUp
	f.mu.Unlock()
	return up == nil || up()
}

func (f *fakeStack) Config() (IPBinding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config, f.bound
}

func (f *fakeStack) SetConfig(b IPBinding) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setConfigs = append(f.setConfigs, b)
	f.config, f.bound = b, true
	return nil
}

func (f *fakeStack) ClearConfig() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.config, f.bound = IPBinding{}, false
}

// dropLease simulates a lease that was not renewed.
func (f *fakeStack) dropLease() {
	f.ClearConfig()
}

func (f *fakeStack) BeginDHCP(req DHCPRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dhcpReqs = append(f.dhcpReqs, req)
	f.polls = 0
	return nil
}

func (f *fakeStack) DHCPResult() (IPBinding, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaseAfter < 0 || f.polls < f.leaseAfter {
		f.polls++
		return IPBinding{}, false
	}
	return f.lease, true
}

func (f *fakeStack) Dial(ctx context.Context, raddr netip.AddrPort) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	a, b := net.Pipe()
	c := &fakeConn{Conn: a}
	f.conns = append(f.conns, c)
	f.peers = append(f.peers, b)
	return c, nil
}

func (f *fakeStack) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if addrs, ok := f.hosts[host]; ok {
		return addrs, nil
	}
	return nil, errors.New("no such host")
}

func (f *fakeStack) counts() (dhcp, configs, dials int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dhcpReqs), len(f.setConfigs), f.dials
}

func (f *fakeStack) peer(i int) net.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peers[i]
}

func (f *fakeStack) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}

type fakeConn struct {
	net.Conn
	mu      sync.Mutex
	aborted bool
	closed  bool
}

func (c *fakeConn) Flush() error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Conn.Close()
}

func (c *fakeConn) Abort() {
	c.mu.Lock()
	c.aborted = true
	c.mu.Unlock()
	c.Conn.Close()
}

func (c *fakeConn) state() (closed, aborted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.aborted
}

//----------------------------------------------------------------------

// rig is a synchronous supervisor on a simulated radio and a fake stack.
type rig struct {
	radio  *SimRadio
	stack  *fakeStack
	link   *RadioLink
	acq    *Acquirer
	sup    *Supervisor
	sleeps []time.Duration
	trans  []Transition
}

func newRig(opts Options, acqOpts AcquireOptions) *rig {
	r := &rig{radio: NewSimRadio(), stack: newFakeStack()}
	r.link = NewRadioLink(r.radio, LinkOptions{Sync: true})
	r.stack.linkUp = r.link.IsConnected
	acqOpts.Sync = true
	acq, err := NewAcquirer(r.stack, acqOpts)
	if err != nil {
		panic(err)
	}
	r.acq = acq
	if opts.Credentials.IsZero() {
		opts.Credentials, _ = NewCredentials("testnet", "password123")
	}
	opts.Sync = true
	opts.Sleep = func(ctx context.Context, d time.Duration) error {
		r.sleeps = append(r.sleeps, d)
		return ctx.Err()
	}
	r.sup = NewSupervisor(r.link, r.acq, opts)
	r.sup.OnTransition(func(tr Transition) { r.trans = append(r.trans, tr) })
	return r
}

// stepUntil steps until the supervisor reaches kind.
func (r *rig) stepUntil(ctx context.Context, kind StateKind, max int) error {
	for range max {
		if r.sup.State().Kind == kind {
			return nil
		}
		if err := r.sup.Step(ctx); err != nil {
			return err
		}
	}
	if r.sup.State().Kind == kind {
		return nil
	}
	return errors.New("state not reached: " + kind.String())
}

// states returns the target states of all transitions since index from.
func (r *rig) states(from int) []StateKind {
	var out []StateKind
	for _, tr := range r.trans[from:] {
		out = append(out, tr.To.Kind)
	}
	return out
}
