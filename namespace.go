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
	"path"
	"runtime"
	"sort"
	"strings"
	"sync"

	"git.sr.ht/~moody/ninep"
)

// Error messages
var (
	errNoRoot = errors.New("no root directory")
	errNoFile = errors.New("no such file or directory")
	errNoDir  = errors.New("not a directory")
	errNoAbs  = errors.New("no absolute path")
	errExists = errors.New("file exists")
)

//----------------------------------------------------------------------

// Entry in the filesystem
type Entry struct {
	ref      *ninep.Dir        // 9p reference
	children map[string]*Entry // list of children (for folders) or nil
	file     File              // file implementation or nil (for folders)
}

// IsDir returns true if entry is a directory
func (e *Entry) IsDir() bool {
	return e.children != nil
}

// Name of the entry.
func (e *Entry) Name() string {
	return e.ref.Name
}

// Content of a file entry.
func (e *Entry) Content() ([]byte, error) {
	if e.file == nil {
		return nil, errNoFile
	}
	return e.file.Read()
}

// Write data to a file entry; files without write permission refuse.
func (e *Entry) Write(data []byte) error {
	switch {
	case e.file == nil:
		return errNoFile
	case e.ref.Mode&0222 == 0:
		return errReadOnly
	}
	return e.file.Write(data)
}

//----------------------------------------------------------------------

// Namespace is a synthetic file system. It is built before serving and
// read-only afterwards (file contents may still change).
type Namespace struct {
	ninep.NopFS // use default handlers where needed

	user, group string

	mu     sync.RWMutex
	dict   map[uint64]*Entry // map Qid.Path to filesystem entry
	nextID uint64            // next possible identifier (Qid.Path)
}

// NewNamespace creates a new filesystem (with root directory) for the given
// user/group.
func NewNamespace(user, group string) *Namespace {
	ns := &Namespace{
		user:  user,
		group: group,
		dict:  make(map[uint64]*Entry),
	}
	ns.dict[0] = ns.newEntry("/", 0555, nil)
	return ns
}

// Create a new entry in the filesystem.
// If impl is nil, the entry represents a directory; otherwise a file.
func (ns *Namespace) newEntry(name string, perm uint32, impl File) *Entry {
	e := new(Entry)
	kind := ninep.QTFile
	if impl == nil {
		kind = ninep.QTDir
		e.children = make(map[string]*Entry)
		perm |= ninep.DMDir
	} else {
		e.file = impl
	}
	e.ref = &ninep.Dir{
		Qid: ninep.Qid{
			Path: ns.nextID,
			Vers: 0,
			Type: byte(kind),
		},
		Name: name,
		Mode: perm,
		Uid:  ns.user,
		Gid:  ns.group,
		Muid: ns.user,
	}
	ns.nextID++
	return e
}

// NewDir creates a directory at the given absolute path.
func (ns *Namespace) NewDir(p string, perm uint32) error {
	return ns.add(p, perm, nil)
}

// NewFile creates a file at the given absolute path.
func (ns *Namespace) NewFile(p string, perm uint32, impl File) error {
	if impl == nil {
		return errNoFile
	}
	return ns.add(p, perm, impl)
}

func (ns *Namespace) add(p string, perm uint32, impl File) error {
	dir, name := path.Split(path.Clean(p))
	if name == "" {
		return errExists
	}
	parent, err := ns.Get(dir)
	if err != nil {
		return err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if parent.children == nil {
		return errNoDir
	}
	if _, ok := parent.children[name]; ok {
		return errExists
	}
	e := ns.newEntry(name, perm, impl)
	parent.children[name] = e
	ns.dict[e.ref.Path] = e
	return nil
}

// Root returns the entry of the root directory
func (ns *Namespace) Root() *Entry {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.dict[0]
}

// Get entry with given path
func (ns *Namespace) Get(p string) (*Entry, error) {
	if len(p) == 0 || p[0] != '/' {
		return nil, errNoAbs
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	curr := ns.dict[0]
	for _, label := range strings.Split(p[1:], "/") {
		if len(label) == 0 {
			continue
		}
		if curr.children == nil {
			return nil, errNoDir
		}
		e, ok := curr.children[label]
		if !ok {
			return nil, errNoFile
		}
		curr = e
	}
	return curr, nil
}

// Serve the 9p protocol on connections accepted from lst. It returns
// when the listener fails.
func (ns *Namespace) Serve(lst net.Listener) error {
	for {
		c, err := lst.Accept()
		if err != nil {
			return err
		}
		srv := ninep.NewSrv(func() ninep.FS { return ns })
		go func() {
			defer c.Close()
			srv.ServeIO(hangup{c}, hangup{c})
		}()
	}
}

// hangup ends the calling goroutine when the client is gone; the 9p
// server exits the process on a failed read or write.
type hangup struct {
	rw io.ReadWriter
}

func (h hangup) Read(b []byte) (int, error) {
	n, err := h.rw.Read(b)
	if err != nil {
		runtime.Goexit()
	}
	return n, err
}

func (h hangup) Write(b []byte) (int, error) {
	n, err := h.rw.Write(b)
	if err != nil {
		runtime.Goexit()
	}
	return n, err
}

// ServeReady waits for the supervisor to become Ready and serves the
// namespace on a fresh listener until that Ready period ends. It returns
// nil at the end of the period and the listener error otherwise.
func (ns *Namespace) ServeReady(ctx context.Context, sup *Supervisor, ls ListenStack, port uint16) error {
	if _, err := sup.WaitReady(ctx); err != nil {
		return err
	}
	done := sup.ReadyDone()
	lst, err := ls.Listen(port)
	if err != nil {
		return err
	}
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-done:
		case <-ctx.Done():
		case <-stop:
		}
		lst.Close()
	}()
	err = ns.Serve(lst)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	default:
	}
	return err
}

// ninep FS implementation

// Attach to 9p session
func (ns *Namespace) Attach(t *ninep.Tattach) {
	if e := ns.Root(); e != nil {
		t.Respond(&e.ref.Qid)
	} else {
		t.Err(errNoRoot)
	}
}

// Walk to child entry with name "next".
func (ns *Namespace) Walk(cur *ninep.Qid, next string) *ninep.Qid {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	e, ok := ns.dict[cur.Path]
	if !ok {
		return nil
	}
	if c, ok := e.children[next]; ok {
		return &c.ref.Qid
	}
	return nil
}

// open modes (low bits of Topen.Mode)
const (
	oWRITE = 1
	oRDWR  = 2
)

// Open entry for file operation
func (ns *Namespace) Open(t *ninep.Topen, q *ninep.Qid) {
	if m := t.Mode & 3; m == oWRITE || m == oRDWR {
		ns.mu.RLock()
		e, ok := ns.dict[q.Path]
		ns.mu.RUnlock()
		if !ok {
			t.Err(errNoFile)
			return
		}
		if e.file == nil || e.ref.Mode&0222 == 0 {
			t.Err(errReadOnly)
			return
		}
	}
	t.Respond(q, 8192)
}

// Read from entry. Either return the content of a file
// or the listing from a directory.
func (ns *Namespace) Read(t *ninep.Tread, q *ninep.Qid) {
	ns.mu.RLock()
	e, ok := ns.dict[q.Path]
	var kids []ninep.Dir
	if ok && e.children != nil {
		names := make([]string, 0, len(e.children))
		for name := range e.children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			kids = append(kids, *e.children[name].ref)
		}
	}
	ns.mu.RUnlock()
	if !ok {
		t.Err(errNoFile)
		return
	}
	if e.children != nil {
		ninep.ReadDir(t, kids)
		return
	}
	data, err := e.file.Read()
	if err != nil {
		t.Err(err)
	} else {
		ninep.ReadBuf(t, data)
	}
}

// Write to a file entry. The data of a request is handed to the file
// as a whole; the offset is ignored.
func (ns *Namespace) Write(t *ninep.Twrite, q *ninep.Qid) {
	ns.mu.RLock()
	e, ok := ns.dict[q.Path]
	ns.mu.RUnlock()
	if !ok {
		t.Err(errNoFile)
		return
	}
	if err := e.Write(t.Data); err != nil {
		t.Err(err)
		return
	}
	t.Respond(uint32(len(t.Data)))
}

// Stat returns information for a filesytem entry.
func (ns *Namespace) Stat(t *ninep.Tstat, q *ninep.Qid) {
	ns.mu.RLock()
	e, ok := ns.dict[q.Path]
	ns.mu.RUnlock()
	if !ok {
		t.Err(errNoFile)
	} else {
		t.Respond(e.ref)
	}
}
