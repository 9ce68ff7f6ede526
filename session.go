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
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"
)

// ReconnectInterval is the pause a long-running client takes between
// closing a session and reopening it.
const ReconnectInterval = time.Second

// syncSlice bounds a single blocking read in the synchronous model so the
// stack can be pumped in between.
const syncSlice = 10 * time.Millisecond

// Session is a single TCP endpoint over the bound interface. It borrows
// the interface for one Ready period; a reconnect of the link
// invalidates it and it has to be reopened.
type Session struct {
	sup *Supervisor
	log *slog.Logger

	mu      sync.Mutex
	conn    Conn
	opening bool
	gen     uint64
	lost    <-chan struct{}
	remote  netip.AddrPort
	dead    error // set when aborted by the supervisor
}

// NewSession creates a closed session bound to a supervisor.
func NewSession(sup *Supervisor) *Session {
	return &Session{sup: sup, log: sup.log}
}

// Open connects to remote. It fails with ErrNotReady unless the
// supervisor is Ready, without allocating a socket.
func (s *Session) Open(ctx context.Context, addr netip.Addr, port uint16) error {
	s.mu.Lock()
	if s.conn != nil || s.opening {
		s.mu.Unlock()
		return sockErr("open", ErrAlreadyOpen, nil)
	}
	gen, lost, err := s.sup.register(s)
	if err != nil {
		s.mu.Unlock()
		return sockErr("open", ErrNotReady, err)
	}
	s.opening, s.gen, s.lost, s.dead = true, gen, lost, nil
	s.remote = netip.AddrPortFrom(addr, port)
	s.mu.Unlock()

	conn, err := s.sup.acq.stack.Dial(ctx, s.remote)

	s.mu.Lock()
	s.opening = false
	dead := s.dead
	if err == nil && dead == nil {
		s.conn = conn
	}
	s.mu.Unlock()
	switch {
	case err != nil:
		s.sup.unregister(s)
		return sockErr("open", classifyIO(ctx, err), err)
	case dead != nil:
		conn.Abort()
		return sockErr("open", ErrClosed, dead)
	}
	s.log.Info("session open", slog.String("remote", s.remote.String()), slog.Uint64("gen", gen))
	return nil
}

// OpenHost resolves host through the stack and opens the first address.
func (s *Session) OpenHost(ctx context.Context, host string, port uint16) error {
	if addr, err := netip.ParseAddr(host); err == nil {
		return s.Open(ctx, addr, port)
	}
	if s.sup.State().Kind != StateReady {
		return sockErr("open", ErrNotReady, nil)
	}
	addrs, err := s.sup.acq.stack.LookupHost(ctx, host)
	if err != nil {
		return sockErr("open", ErrClosed, err)
	}
	return s.Open(ctx, addrs[0], port)
}

// Use opens a session, runs fn and closes the session on every path.
func (s *Session) Use(ctx context.Context, addr netip.Addr, port uint16, fn func(*Session) error) error {
	if err := s.Open(ctx, addr, port); err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

// IsOpen reports whether the session holds a usable endpoint.
func (s *Session) IsOpen() bool {
	_, err := s.handle("state")
	return err == nil
}

// Remote address of the (last) endpoint.
func (s *Session) Remote() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// WriteAll writes and flushes b. A peer reset yields ErrClosed.
func (s *Session) WriteAll(b []byte) error {
	conn, err := s.handle("write")
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := conn.Write(b)
		if err != nil {
			return s.ioError("write", err)
		}
		b = b[n:]
	}
	if err := conn.Flush(); err != nil {
		return s.ioError("flush", err)
	}
	return nil
}

// ReadWithDeadline reads into buf. It returns 0 at end of stream, the
// number of bytes read, or ErrTimeout if nothing arrived before deadline.
// It never blocks past deadline.
func (s *Session) ReadWithDeadline(buf []byte, deadline time.Time) (int, error) {
	conn, err := s.handle("read")
	if err != nil {
		return 0, err
	}
	if !time.Now().Before(deadline) {
		return 0, sockErr("read", ErrTimeout, nil)
	}
	if len(buf) == 0 {
		return 0, nil
	}
	pump := s.sup.opts.Sync
	for {
		until := deadline
		if pump {
			s.sup.acq.stack.Pump()
			if t := time.Now().Add(syncSlice); t.Before(deadline) {
				until = t
			}
		}
		if err := conn.SetReadDeadline(until); err != nil {
			// a peer that closed its side still has an end of stream
			// (and maybe data) to deliver; Read returns at once here
			n, rerr := conn.Read(buf)
			switch {
			case n > 0:
				return n, nil
			case errors.Is(rerr, io.EOF):
				return 0, nil
			}
			return 0, s.ioError("read", err)
		}
		n, err := conn.Read(buf)
		switch {
		case n > 0:
			return n, nil
		case err == nil:
		case errors.Is(err, io.EOF):
			return 0, nil
		case isTimeout(err):
			if !time.Now().Before(deadline) {
				return 0, sockErr("read", ErrTimeout, nil)
			}
		default:
			return 0, s.ioError("read", err)
		}
		if _, err := s.handle("read"); err != nil {
			return 0, err
		}
	}
}

// Close shuts the endpoint down; safe to call on every exit path.
func (s *Session) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.dead = nil, nil
	s.mu.Unlock()
	s.sup.unregister(s)
	if conn == nil {
		return nil
	}
	err := conn.Close()
	if err != nil {
		conn.Abort()
		s.log.Warn("session close", slog.String("err", err.Error()))
		return sockErr("close", ErrClosed, err)
	}
	s.log.Info("session closed", slog.String("remote", s.remote.String()))
	return nil
}

// Stream adapts the session to io.ReadWriteCloser for protocol clients.
// Each Read waits at most timeout.
func (s *Session) Stream(timeout time.Duration) io.ReadWriteCloser {
	return &sessionStream{s: s, timeout: timeout}
}

// abort invalidates the endpoint when its generation ends.
func (s *Session) abort(reason error) {
	s.mu.Lock()
	conn := s.conn
	s.conn, s.dead = nil, reason
	s.mu.Unlock()
	if conn != nil {
		conn.Abort()
		s.log.Warn("session aborted", slog.String("reason", reason.Error()))
	}
}

// handle returns the endpoint if it belongs to the current generation.
func (s *Session) handle(op string) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil, sockErr(op, ErrClosed, s.dead)
	}
	if s.sup.Generation() != s.gen {
		return nil, sockErr(op, ErrClosed, ErrStale)
	}
	select {
	case <-s.lost:
		return nil, sockErr(op, ErrClosed, ErrLinkLost)
	default:
	}
	return s.conn, nil
}

// ioError classifies err; a closed endpoint is invalidated.
func (s *Session) ioError(op string, err error) error {
	kind := classifyIO(context.Background(), err)
	if kind == ErrClosed {
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()
		if conn != nil {
			conn.Abort()
		}
	}
	return sockErr(op, kind, err)
}

func classifyIO(ctx context.Context, err error) error {
	switch {
	case isTimeout(err), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, ErrWouldBlock):
		return ErrWouldBlock
	}
	return ErrClosed
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

type sessionStream struct {
	s       *Session
	timeout time.Duration
}

func (st *sessionStream) Read(b []byte) (int, error) {
	n, err := st.s.ReadWithDeadline(b, time.Now().Add(st.timeout))
	if err == nil && n == 0 && len(b) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func (st *sessionStream) Write(b []byte) (int, error) {
	if err := st.s.WriteAll(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (st *sessionStream) Close() error {
	return st.s.Close()
}
