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
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBackoff between a disconnect and the next association attempt.
const DefaultBackoff = 5 * time.Second

// StateKind enumerates the supervisor states.
type StateKind int

const (
	StateIdle StateKind = iota
	StateAssociating
	StateAssociated
	StateAddressPending
	StateReady
	StateDisconnected
)

func (k StateKind) String() string {
	switch k {
	case StateIdle:
		return "idle"
	case StateAssociating:
		return "associating"
	case StateAssociated:
		return "associated"
	case StateAddressPending:
		return "address-pending"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ConnectionState of the supervisor. Reason is set for StateDisconnected.
type ConnectionState struct {
	Kind   StateKind
	Reason error
}

func (s ConnectionState) String() string {
	if s.Kind == StateDisconnected && s.Reason != nil {
		return fmt.Sprintf("%s(%v)", s.Kind, s.Reason)
	}
	return s.Kind.String()
}

// Transition is reported to observers after every state change.
type Transition struct {
	From, To   ConnectionState
	Generation uint64
	At         time.Time
}

// Options for a Supervisor.
type Options struct {
	Credentials Credentials
	Mode        Mode
	// Backoff after a disconnect (default 5s).
	Backoff time.Duration
	// MaxRetries bounds consecutive failed cycles; 0 retries forever.
	MaxRetries int
	// ScanOnStart logs up to n access points before the first association.
	ScanOnStart int
	// Sync runs without helper goroutines; waits pump the stack.
	Sync bool
	// Sleep replaces the back-off timer (tests).
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger *slog.Logger
}

// Supervisor composes RadioLink and Acquirer into one self-healing
// state machine. It owns the connection state and the link generation.
type Supervisor struct {
	link *RadioLink
	acq  *Acquirer
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     ConnectionState
	lost      <-chan struct{}
	ready     chan struct{} // closed while Ready
	readyEnd  chan struct{} // closed when the Ready period ends
	failures  int
	lastErr   error
	observers []func(Transition)
	sessions  map[*Session]struct{}

	gen atomic.Uint64
}

// NewSupervisor creates a supervisor in state Idle.
func NewSupervisor(link *RadioLink, acq *Acquirer, opts Options) *Supervisor {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	s := &Supervisor{
		link:     link,
		acq:      acq,
		opts:     opts,
		log:      loggerOrDiscard(opts.Logger),
		ready:    make(chan struct{}),
		readyEnd: make(chan struct{}),
		sessions: make(map[*Session]struct{}),
	}
	close(s.readyEnd)
	return s
}

// OnTransition registers an observer. Observers run on the supervisor
// goroutine and must not block.
func (s *Supervisor) OnTransition(fn func(Transition)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// State returns the current connection state.
func (s *Supervisor) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Generation of the current (or last) Ready period.
func (s *Supervisor) Generation() uint64 {
	return s.gen.Load()
}

// Link returns the managed radio link.
func (s *Supervisor) Link() *RadioLink { return s.link }

// Binding returns the IPv4 binding while Ready.
func (s *Supervisor) Binding() (IPBinding, bool) {
	if s.State().Kind != StateReady {
		return IPBinding{}, false
	}
	return s.acq.Binding()
}

// WaitReady blocks until the supervisor is Ready and returns the
// generation of that Ready period.
func (s *Supervisor) WaitReady(ctx context.Context) (uint64, error) {
	for {
		s.mu.Lock()
		ready, kind := s.ready, s.state.Kind
		s.mu.Unlock()
		if kind == StateReady {
			return s.gen.Load(), nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ready:
		}
	}
}

// ReadyDone returns a channel closed when the current Ready period ends.
// Outside Ready the channel is already closed.
func (s *Supervisor) ReadyDone() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readyEnd
}

// Run drives the state machine until ctx ends or a fatal error occurs.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if err := s.Step(ctx); err != nil {
			return err
		}
		if s.State().Kind == StateReady {
			if err := s.awaitLoss(ctx); err != nil {
				return err
			}
		}
	}
}

// Step performs one state transition. In Ready it only checks that link
// and address are still present.
func (s *Supervisor) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch st := s.State(); st.Kind {
	case StateIdle:
		return s.startup(ctx)

	case StateAssociating:
		err := s.link.Connect(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Error("wifi join failed", slog.String("err", err.Error()))
			return s.fail(err)
		}
		s.mu.Lock()
		s.lost = s.link.Lost()
		s.mu.Unlock()
		s.transition(ConnectionState{Kind: StateAssociated})

	case StateAssociated:
		if !s.link.IsConnected() {
			return s.fail(ErrLinkLost)
		}
		s.transition(ConnectionState{Kind: StateAddressPending})

	case StateAddressPending:
		s.mu.Lock()
		lost := s.lost
		s.mu.Unlock()
		_, err := s.acq.Acquire(ctx, lost)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if IsFatal(err) {
				return err
			}
			s.log.Error("address acquisition failed", slog.String("err", err.Error()))
			return s.fail(err)
		}
		s.mu.Lock()
		s.failures, s.lastErr = 0, nil
		s.mu.Unlock()
		s.gen.Add(1)
		s.transition(ConnectionState{Kind: StateReady})

	case StateReady:
		if !s.link.IsConnected() {
			s.transition(ConnectionState{Kind: StateDisconnected, Reason: ErrLinkLost})
		} else if !s.acq.IsBound() {
			s.transition(ConnectionState{Kind: StateDisconnected, Reason: ErrAddressLost})
		}

	case StateDisconnected:
		if s.link.IsConnected() {
			// address lost on a live association: force a fresh cycle
			s.link.Disconnect()
		}
		s.log.Info("retrying", slog.Duration("backoff", s.opts.Backoff))
		if err := s.opts.Sleep(ctx, s.opts.Backoff); err != nil {
			return err
		}
		s.transition(ConnectionState{Kind: StateAssociating})
	}
	return nil
}

func (s *Supervisor) startup(ctx context.Context) error {
	if err := s.link.Configure(s.opts.Credentials, s.opts.Mode); err != nil {
		return err
	}
	if err := s.link.Start(); err != nil {
		return &ConfigError{Field: "radio", Err: err}
	}
	if n := s.opts.ScanOnStart; n > 0 {
		aps, err := s.link.Scan(ctx, n)
		if err != nil {
			s.log.Warn("scan failed", slog.String("err", err.Error()))
		}
		for _, ap := range aps {
			s.log.Info("access point",
				slog.String("ssid", ap.SSID),
				slog.Int("rssi", ap.RSSI),
				slog.Int("channel", int(ap.Channel)),
			)
		}
	}
	if s.opts.Credentials.Open() {
		s.log.Info("joining open network:", slog.String("ssid", s.opts.Credentials.SSID()))
	} else {
		s.log.Info("joining WPA secure network",
			slog.String("ssid", s.opts.Credentials.SSID()),
			slog.Int("passlen", len(s.opts.Credentials.Passphrase())))
	}
	s.transition(ConnectionState{Kind: StateAssociating})
	return nil
}

// fail moves to Disconnected and enforces the retry ceiling.
func (s *Supervisor) fail(reason error) error {
	s.mu.Lock()
	s.failures++
	s.lastErr = reason
	n := s.failures
	s.mu.Unlock()
	s.transition(ConnectionState{Kind: StateDisconnected, Reason: reason})
	if s.opts.MaxRetries > 0 && n >= s.opts.MaxRetries {
		return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, n, reason)
	}
	return nil
}

// awaitLoss blocks while Ready until the link or the address is lost.
func (s *Supervisor) awaitLoss(ctx context.Context) error {
	s.mu.Lock()
	lost := s.lost
	s.mu.Unlock()
	for {
		if s.opts.Sync {
			s.acq.stack.Pump()
		}
		if !s.link.IsConnected() || !s.acq.IsBound() {
			return nil
		}
		wait := pollInterval
		if s.opts.Sync {
			wait = pollInterval / 50
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-lost:
			return nil
		case <-time.After(wait):
		}
	}
}

func (s *Supervisor) transition(to ConnectionState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	var aborted []*Session
	if from.Kind == StateReady && to.Kind != StateReady {
		for sess := range s.sessions {
			aborted = append(aborted, sess)
		}
		clear(s.sessions)
		s.ready = make(chan struct{})
		close(s.readyEnd)
	}
	if to.Kind == StateReady && from.Kind != StateReady {
		close(s.ready)
		s.readyEnd = make(chan struct{})
	}
	observers := append([]func(Transition){}, s.observers...)
	s.mu.Unlock()

	for _, sess := range aborted {
		sess.abort(ErrStale)
	}
	if to.Kind == StateDisconnected {
		s.acq.Release()
	}
	tr := Transition{From: from, To: to, Generation: s.gen.Load(), At: time.Now()}
	attrs := []any{
		slog.String("from", from.String()),
		slog.String("to", to.Kind.String()),
		slog.Uint64("gen", tr.Generation),
	}
	if to.Reason != nil {
		attrs = append(attrs, slog.String("reason", to.Reason.Error()))
	}
	s.log.Info("state", attrs...)
	for _, fn := range observers {
		fn(tr)
	}
}

// Reconnect forces a fresh association cycle.
func (s *Supervisor) Reconnect() {
	s.link.Disconnect()
}

// Shutdown aborts sessions, releases the address and stops the radio.
func (s *Supervisor) Shutdown() error {
	if s.State().Kind != StateIdle {
		s.transition(ConnectionState{Kind: StateDisconnected, Reason: errors.New("shutdown")})
	}
	s.link.Disconnect()
	return s.link.Stop()
}

// register admits a session to the current Ready period.
func (s *Supervisor) register(sess *Session) (uint64, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Kind != StateReady {
		return 0, nil, fmt.Errorf("%w: state %s", ErrNotReady, s.state)
	}
	s.sessions[sess] = struct{}{}
	return s.gen.Load(), s.lost, nil
}

func (s *Supervisor) unregister(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}
