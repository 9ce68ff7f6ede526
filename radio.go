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
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Mode of the radio interface.
type Mode int

const (
	ModeStation Mode = iota
	ModeAccessPoint
)

func (m Mode) String() string {
	if m == ModeAccessPoint {
		return "ap"
	}
	return "sta"
}

// ParseMode accepts "sta"/"station" and "ap"/"accesspoint".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "sta", "station":
		return ModeStation, nil
	case "ap", "accesspoint":
		return ModeAccessPoint, nil
	}
	return ModeStation, configErr("mode", "unknown radio mode %q", s)
}

// EventKind is the type of an asynchronous radio notification.
type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
	EventApStarted
	EventApStopped
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventApStarted:
		return "ap-started"
	case EventApStopped:
		return "ap-stopped"
	}
	return "unknown"
}

// Event reported by a radio.
type Event struct {
	Kind   EventKind
	Reason string
}

// AccessPoint found by a scan.
type AccessPoint struct {
	SSID    string
	BSSID   net.HardwareAddr
	Channel uint8
	RSSI    int // dBm
	Secure  bool
}

// Radio is the hardware capability consumed by RadioLink.
type Radio interface {
	// Configure credentials and interface mode.
	Configure(ssid, pass string, mode Mode) error
	// Start powers up the radio.
	Start() error
	// Stop powers down the radio.
	Stop() error
	// Connect associates (station) or brings up the access point. It
	// returns once the radio confirmed the result.
	Connect(ctx context.Context) error
	// Disconnect drops the current association.
	Disconnect() error
	// Scan for at most n access points, strongest first.
	Scan(ctx context.Context, n int) ([]AccessPoint, error)
	// Events delivers asynchronous notifications.
	Events() <-chan Event
}

// LinkOptions for a RadioLink.
type LinkOptions struct {
	// ConnectTimeout bounds a single association attempt (0: radio decides).
	ConnectTimeout time.Duration
	// Sync disables the event goroutine; events are drained on every query.
	Sync   bool
	Logger *slog.Logger
}

// RadioLink owns the radio lifecycle and tracks the association state.
type RadioLink struct {
	radio Radio
	opts  LinkOptions
	log   *slog.Logger

	mu          sync.Mutex
	creds       Credentials
	mode        Mode
	started     bool
	associating bool
	losses      uint64        // disconnect events seen
	lost        chan struct{} // closed when the current association ends

	connected atomic.Bool
}

// NewRadioLink wraps a radio.
func NewRadioLink(radio Radio, opts LinkOptions) *RadioLink {
	l := &RadioLink{
		radio: radio,
		opts:  opts,
		log:   loggerOrDiscard(opts.Logger),
		lost:  make(chan struct{}),
	}
	close(l.lost)
	return l
}

// Configure hands credentials to the radio. It fails on malformed
// credentials or while an association is in progress.
func (l *RadioLink) Configure(creds Credentials, mode Mode) error {
	if creds.IsZero() {
		return configErr("credentials", "missing ssid")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.associating {
		return &ConfigError{Field: "radio", Err: ErrBusy}
	}
	if err := l.radio.Configure(creds.SSID(), creds.Passphrase(), mode); err != nil {
		return &ConfigError{Field: "radio", Err: err}
	}
	l.creds, l.mode = creds, mode
	return nil
}

// Start the radio; a no-op when already started.
func (l *RadioLink) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.radio.Start(); err != nil {
		return &RadioError{Kind: RadioStopped, Err: err}
	}
	l.started = true
	if !l.opts.Sync {
		go l.watch()
	}
	l.log.Info("radio started", slog.String("mode", l.mode.String()))
	return nil
}

// Stop the radio.
func (l *RadioLink) Stop() error {
	l.mu.Lock()
	started := l.started
	l.started = false
	l.mu.Unlock()
	if !started {
		return nil
	}
	l.markLost("stopped")
	return l.radio.Stop()
}

// Connect performs one association attempt. It succeeds only if the
// association still stands when the radio confirmed it. Failures are
// classified and returned; retrying is the caller's business.
func (l *RadioLink) Connect(ctx context.Context) error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return &RadioError{Kind: RadioStopped}
	}
	if l.associating {
		l.mu.Unlock()
		return &RadioError{Kind: RadioRefused, Err: ErrBusy}
	}
	l.associating = true
	ssid := l.creds.SSID()
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.associating = false
		l.mu.Unlock()
	}()

	if l.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.ConnectTimeout)
		defer cancel()
	}
	l.mu.Lock()
	losses := l.losses
	l.mu.Unlock()
	start := time.Now()
	if err := l.radio.Connect(ctx); err != nil {
		return classifyRadio(ctx, err)
	}
	if l.opts.Sync {
		l.Poll()
	}
	l.mu.Lock()
	if l.losses != losses {
		// association reported and lost again before we got here
		l.mu.Unlock()
		l.log.Warn("association lost during connect", slog.String("ssid", ssid))
		return &RadioError{Kind: RadioRefused, Err: ErrLinkLost}
	}
	l.mu.Unlock()
	l.markUp()
	l.log.Info("radio associated", slog.String("ssid", ssid), slog.Duration("duration", time.Since(start)))
	return nil
}

// Disconnect drops the association (if any). Radios do not report a
// local disconnect as an event.
func (l *RadioLink) Disconnect() error {
	err := l.radio.Disconnect()
	l.markLost("local disconnect")
	return err
}

// IsConnected reports the association state as last seen.
func (l *RadioLink) IsConnected() bool {
	if l.opts.Sync {
		l.Poll()
	}
	return l.connected.Load()
}

// Lost returns a channel closed when the current association ends. If
// there is no association the channel is already closed.
func (l *RadioLink) Lost() <-chan struct{} {
	if l.opts.Sync {
		l.Poll()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lost
}

// WaitForDisconnect blocks until the current association ends.
func (l *RadioLink) WaitForDisconnect(ctx context.Context) error {
	if !l.opts.Sync {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.Lost():
			return nil
		}
	}
	for l.IsConnected() {
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return err
		}
	}
	return nil
}

// Scan for access points (at most n, strongest first).
func (l *RadioLink) Scan(ctx context.Context, n int) ([]AccessPoint, error) {
	if n <= 0 {
		return nil, nil
	}
	aps, err := l.radio.Scan(ctx, n)
	if len(aps) > n {
		aps = aps[:n]
	}
	return aps, err
}

// Credentials in use.
func (l *RadioLink) Credentials() Credentials {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.creds
}

// Mode in use.
func (l *RadioLink) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Poll drains pending radio events without blocking.
func (l *RadioLink) Poll() {
	for {
		select {
		case ev, ok := <-l.radio.Events():
			if !ok {
				return
			}
			l.handle(ev)
		default:
			return
		}
	}
}

func (l *RadioLink) watch() {
	for ev := range l.radio.Events() {
		l.handle(ev)
	}
}

func (l *RadioLink) handle(ev Event) {
	l.log.Debug("radio event", slog.String("event", ev.Kind.String()), slog.String("reason", ev.Reason))
	switch ev.Kind {
	case EventConnected, EventApStarted:
		l.mu.Lock()
		associating := l.associating
		l.mu.Unlock()
		if !associating {
			l.markUp()
		}
	case EventDisconnected, EventApStopped:
		l.mu.Lock()
		l.losses++
		l.mu.Unlock()
		l.markLost(ev.Reason)
	}
}

func (l *RadioLink) markUp() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected.Load() {
		return
	}
	l.lost = make(chan struct{})
	l.connected.Store(true)
}

func (l *RadioLink) markLost(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected.Load() {
		return
	}
	l.connected.Store(false)
	close(l.lost)
	l.log.Warn("radio link lost", slog.String("reason", reason))
}

func classifyRadio(ctx context.Context, err error) error {
	var re *RadioError
	if errors.As(err, &re) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &RadioError{Kind: RadioTimeout, Err: err}
	}
	return &RadioError{Kind: RadioRefused, Err: err}
}
