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
	"strings"
	"sync/atomic"
)

// Errors returned by file writes
var (
	errReadOnly = errors.New("permission denied")
	errBadValue = errors.New("bad value")
)

// Readable file content, produced on demand by the 9p read handler.
type Readable interface {
	Read() ([]byte, error)
}

// Writable file: data of a 9p write request is handed over as a whole.
type Writable interface {
	Write([]byte) error
}

// File interface for file handler implementations:
// The interface methods are called by the 9p protocol handler on demand.
// The implementation is free to handle the read/write calls according
// to its own logic.
type File interface {
	Readable
	Writable
}

//----------------------------------------------------------------------

// NopFile ignores all read/write requests
type NopFile struct{}

// Read returns emtpy file
func (f *NopFile) Read() (data []byte, err error) {
	return
}

// Write to file is ignored
func (f *NopFile) Write([]byte) (err error) {
	return
}

//----------------------------------------------------------------------

// TextFile with (small) static text content.
type TextFile struct {
	NopFile
	body string
}

// NewTextFile with given text content.
func NewTextFile(content string) *TextFile {
	return &TextFile{
		body: content,
	}
}

// Read implementation: return file content.
func (f *TextFile) Read() ([]byte, error) {
	return []byte(f.body), nil
}

//----------------------------------------------------------------------

// FuncFile content is returned by a function.
type FuncFile struct {
	NopFile
	fcn func() ([]byte, error)
}

// NewFuncFile with specified function.
func NewFuncFile(fcn func() ([]byte, error)) *FuncFile {
	return &FuncFile{
		fcn: fcn,
	}
}

// NewLineFile returns a single line produced by fcn.
func NewLineFile(fcn func() string) *FuncFile {
	return NewFuncFile(func() ([]byte, error) {
		return []byte(fcn() + "\n"), nil
	})
}

// Read implementation: return file content.
func (f *FuncFile) Read() ([]byte, error) {
	return f.fcn()
}

//----------------------------------------------------------------------

// FlagFile is a boolean cell shared between the 9p server and the task
// that acts on it. Reads return "on" or "off"; writes accept on, off,
// 1, 0 and toggle.
type FlagFile struct {
	state    atomic.Bool
	onChange func(bool)
}

// NewFlagFile with initial value. onChange (optional) is called after
// every change of the value.
func NewFlagFile(init bool, onChange func(bool)) *FlagFile {
	f := &FlagFile{onChange: onChange}
	f.state.Store(init)
	return f
}

// Get the current value.
func (f *FlagFile) Get() bool {
	return f.state.Load()
}

// Set the value.
func (f *FlagFile) Set(on bool) {
	if f.state.Swap(on) != on && f.onChange != nil {
		f.onChange(on)
	}
}

// Toggle the value and return the new one.
func (f *FlagFile) Toggle() bool {
	for {
		old := f.state.Load()
		if f.state.CompareAndSwap(old, !old) {
			if f.onChange != nil {
				f.onChange(!old)
			}
			return !old
		}
	}
}

// Read implementation: current value.
func (f *FlagFile) Read() ([]byte, error) {
	if f.Get() {
		return []byte("on\n"), nil
	}
	return []byte("off\n"), nil
}

// Write implementation: set or toggle the value.
func (f *FlagFile) Write(data []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "on", "1":
		f.Set(true)
	case "off", "0":
		f.Set(false)
	case "toggle":
		f.Toggle()
	default:
		return errBadValue
	}
	return nil
}

//----------------------------------------------------------------------

// CmdFile runs a command for every write; reading returns the usage.
type CmdFile struct {
	usage string
	fcn   func(arg string) error
}

// NewCmdFile with usage text and command handler. The handler gets the
// written data without surrounding white space.
func NewCmdFile(usage string, fcn func(arg string) error) *CmdFile {
	return &CmdFile{usage: usage, fcn: fcn}
}

// Read implementation: usage text.
func (f *CmdFile) Read() ([]byte, error) {
	return []byte(f.usage), nil
}

// Write implementation: run the command.
func (f *CmdFile) Write(data []byte) error {
	return f.fcn(strings.TrimSpace(string(data)))
}
