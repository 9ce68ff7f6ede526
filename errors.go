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
	"errors"
	"fmt"
)

var (
	ErrClosed           = errors.New("socket closed")
	ErrTimeout          = errors.New("deadline exceeded")
	ErrWouldBlock       = errors.New("operation would block")
	ErrNotReady         = errors.New("link not ready")
	ErrLinkLost         = errors.New("link lost")
	ErrAddressLost      = errors.New("address lost")
	ErrStale            = errors.New("stale link generation")
	ErrBusy             = errors.New("association in progress")
	ErrUnsupported      = errors.New("not supported by radio")
	ErrRetriesExhausted = errors.New("connection retries exhausted")
	ErrAlreadyOpen      = errors.New("session already open")
)

//----------------------------------------------------------------------
// Configuration errors
//----------------------------------------------------------------------

// ConfigError is a malformed credential or network parameter. It is
// never retried.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func configErr(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

//----------------------------------------------------------------------
// Radio errors
//----------------------------------------------------------------------

// RadioErrorKind classifies a failed association.
type RadioErrorKind int

const (
	RadioRefused RadioErrorKind = iota
	RadioBadCredentials
	RadioNoAPFound
	RadioTimeout
	RadioStopped
)

func (k RadioErrorKind) String() string {
	switch k {
	case RadioBadCredentials:
		return "bad credentials"
	case RadioNoAPFound:
		return "no access point found"
	case RadioTimeout:
		return "timeout"
	case RadioStopped:
		return "radio stopped"
	}
	return "refused"
}

// RadioError is a transient association failure.
type RadioError struct {
	Kind RadioErrorKind
	Err  error
}

func (e *RadioError) Error() string {
	if e.Err == nil {
		return "radio: " + e.Kind.String()
	}
	return fmt.Sprintf("radio: %s: %v", e.Kind, e.Err)
}

func (e *RadioError) Unwrap() error { return e.Err }

// Is matches any RadioError of the same kind.
func (e *RadioError) Is(target error) bool {
	t, ok := target.(*RadioError)
	return ok && t.Kind == e.Kind && t.Err == nil
}

//----------------------------------------------------------------------
// Address errors
//----------------------------------------------------------------------

// AddressError reports a failed IP configuration. DHCP failures are
// transient, a bad static configuration is fatal.
type AddressError struct {
	Fatal bool
	Err   error
}

func (e *AddressError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("address (fatal): %v", e.Err)
	}
	return fmt.Sprintf("address: %v", e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

//----------------------------------------------------------------------
// Socket errors
//----------------------------------------------------------------------

// SocketError is returned by every failing SocketSession operation.
// Callers recover by closing and reopening the session.
type SocketError struct {
	Op    string
	Err   error // ErrClosed, ErrTimeout, ErrWouldBlock, ErrNotReady or ErrAlreadyOpen
	Cause error
}

func (e *SocketError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Err, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SocketError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func sockErr(op string, kind, cause error) *SocketError {
	return &SocketError{Op: op, Err: kind, Cause: cause}
}

// IsFatal reports whether err must halt startup instead of being retried.
func IsFatal(err error) bool {
	var ce *ConfigError
	if errors.As(err, &ce) {
		return true
	}
	var ae *AddressError
	return errors.As(err, &ae) && ae.Fatal
}

// IsRetryable reports whether err is a transient link condition.
func IsRetryable(err error) bool {
	return err != nil && !IsFatal(err) && !errors.Is(err, ErrRetriesExhausted)
}
