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
	"net/netip"
	"sync/atomic"
	"time"
)

// AddrMode selects how the interface gets its IPv4 address.
type AddrMode int

const (
	AddrDHCP AddrMode = iota
	AddrStatic
)

func (m AddrMode) String() string {
	if m == AddrStatic {
		return "static"
	}
	return "dhcp"
}

// IPBinding is the IPv4 configuration of the interface.
type IPBinding struct {
	Mode    AddrMode
	Address netip.Prefix // host address and prefix length
	Gateway netip.Addr
	DNS     []netip.Addr
	Lease   time.Duration // DHCP only
}

// IsZero is true for an unpopulated binding.
func (b IPBinding) IsZero() bool {
	return !b.Address.IsValid()
}

func (b IPBinding) String() string {
	if b.IsZero() {
		return "<unbound>"
	}
	s := b.Mode.String() + " " + b.Address.String()
	if b.Gateway.IsValid() {
		s += " via " + b.Gateway.String()
	}
	return s
}

// StaticConfig is a validated static IPv4 assignment.
type StaticConfig struct {
	Address netip.Prefix
	Gateway netip.Addr
}

// ParseStaticConfig parses a CIDR address ("192.168.4.1/24") and a
// gateway ("192.168.4.1"). An empty gateway means none.
func ParseStaticConfig(cidr, gateway string) (StaticConfig, error) {
	var sc StaticConfig
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return sc, configErr("static_ip", "%v", err)
	}
	sc.Address = p
	if gateway != "" {
		if sc.Gateway, err = netip.ParseAddr(gateway); err != nil {
			return sc, configErr("gateway_ip", "%v", err)
		}
	}
	return sc, sc.Validate()
}

// Validate checks for an IPv4 host address with a gateway on-link.
func (sc StaticConfig) Validate() error {
	a := sc.Address.Addr()
	switch {
	case !sc.Address.IsValid():
		return configErr("static_ip", "missing address")
	case !a.Is4():
		return configErr("static_ip", "%s is not IPv4", a)
	case a.IsUnspecified() || a.IsMulticast():
		return configErr("static_ip", "%s is not a host address", a)
	case sc.Address.Bits() == 0:
		return configErr("static_ip", "prefix length 0")
	}
	if !sc.Gateway.IsValid() {
		return nil
	}
	if !sc.Gateway.Is4() {
		return configErr("gateway_ip", "%s is not IPv4", sc.Gateway)
	}
	if !sc.Address.Masked().Contains(sc.Gateway) {
		return configErr("gateway_ip", "%s not in %s", sc.Gateway, sc.Address.Masked())
	}
	return nil
}

// CIDR renders the address as parsed.
func (sc StaticConfig) CIDR() string { return sc.Address.String() }

// Binding for the static assignment.
func (sc StaticConfig) Binding() IPBinding {
	return IPBinding{Mode: AddrStatic, Address: sc.Address, Gateway: sc.Gateway}
}

// AcquireOptions configure address acquisition.
type AcquireOptions struct {
	Mode   AddrMode
	Static StaticConfig
	// Hostname advertised in DHCP requests.
	Hostname string
	// RequestedAddr asked for in DHCP requests.
	RequestedAddr netip.Addr
	// Timeout for a DHCP exchange; 0 waits until the link drops.
	Timeout time.Duration
	// Sync pumps the stack while waiting.
	Sync   bool
	Logger *slog.Logger
}

// Acquirer drives IPv4 configuration over an associated link.
type Acquirer struct {
	stack   Stack
	opts    AcquireOptions
	log     *slog.Logger
	binding atomic.Pointer[IPBinding]
}

// NewAcquirer validates a static configuration up front; a malformed one
// is a fatal error.
func NewAcquirer(stack Stack, opts AcquireOptions) (*Acquirer, error) {
	if opts.Mode == AddrStatic {
		if err := opts.Static.Validate(); err != nil {
			return nil, &AddressError{Fatal: true, Err: err}
		}
	}
	return &Acquirer{
		stack: stack,
		opts:  opts,
		log:   loggerOrDiscard(opts.Logger),
	}, nil
}

// Mode of acquisition.
func (a *Acquirer) Mode() AddrMode { return a.opts.Mode }

// Acquire configures the interface. It waits for the link layer, then
// either applies the static assignment or runs DHCP until bound. Closing
// lost aborts the wait with ErrLinkLost.
func (a *Acquirer) Acquire(ctx context.Context, lost <-chan struct{}) (IPBinding, error) {
	a.binding.Store(nil)
	if err := a.waitFor(ctx, lost, a.stack.LinkUp); err != nil {
		return IPBinding{}, err
	}
	a.log.Info("link up", slog.String("mode", a.opts.Mode.String()))

	var b IPBinding
	switch a.opts.Mode {
	case AddrStatic:
		if err := a.opts.Static.Validate(); err != nil {
			return b, &AddressError{Fatal: true, Err: err}
		}
		b = a.opts.Static.Binding()
	default:
		var err error
		if b, err = a.dhcp(ctx, lost); err != nil {
			return b, err
		}
	}
	if err := a.stack.SetConfig(b); err != nil {
		return IPBinding{}, &AddressError{Err: err}
	}
	a.binding.Store(&b)
	a.log.Info("address bound",
		slog.String("addr", b.Address.String()),
		slog.String("gateway", b.Gateway.String()),
		slog.Duration("lease", b.Lease),
	)
	return b, nil
}

func (a *Acquirer) dhcp(ctx context.Context, lost <-chan struct{}) (IPBinding, error) {
	req := DHCPRequest{
		Hostname:      a.opts.Hostname,
		RequestedAddr: a.opts.RequestedAddr,
		Xid:           uint32(time.Now().Nanosecond()),
	}
	if err := a.stack.BeginDHCP(req); err != nil {
		return IPBinding{}, &AddressError{Err: fmt.Errorf("dhcp request: %w", err)}
	}
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}
	var b IPBinding
	err := a.waitFor(ctx, lost, func() (ok bool) {
		b, ok = a.stack.DHCPResult()
		if !ok {
			a.log.Debug("DHCP ongoing...")
		}
		return ok
	})
	if errors.Is(err, context.DeadlineExceeded) && a.opts.Timeout > 0 {
		return b, &AddressError{Err: fmt.Errorf("dhcp: %w", ErrTimeout)}
	}
	return b, err
}

// waitFor polls cond until it holds, the link drops or ctx ends.
func (a *Acquirer) waitFor(ctx context.Context, lost <-chan struct{}, cond func() bool) error {
	for {
		if a.opts.Sync {
			a.stack.Pump()
		}
		if cond() {
			return nil
		}
		select {
		case <-lost:
			return &AddressError{Err: ErrLinkLost}
		default:
		}
		wait := pollInterval
		if a.opts.Sync {
			wait = pollInterval / 50
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return &AddressError{Err: ErrLinkLost}
		case <-time.After(wait):
		}
	}
}

// IsBound is true after lease confirmation or static validation, for as
// long as the stack keeps the configuration.
func (a *Acquirer) IsBound() bool {
	if a.binding.Load() == nil {
		return false
	}
	_, ok := a.stack.Config()
	return ok
}

// LinkUp reports the link-layer state of the stack.
func (a *Acquirer) LinkUp() bool {
	return a.stack.LinkUp()
}

// Binding returns the current binding.
func (a *Acquirer) Binding() (IPBinding, bool) {
	b := a.binding.Load()
	if b == nil {
		return IPBinding{}, false
	}
	return *b, true
}

// Release clears the binding after link loss.
func (a *Acquirer) Release() {
	if a.binding.Swap(nil) != nil {
		a.log.Info("address released")
	}
	a.stack.ClearConfig()
}
