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
	"fmt"
	"strconv"
	"strings"
	"time"
)

const statusReadme = `wifilink status
link/state       connection state
link/generation  number of the current ready period
link/ssid        network name
link/mode        radio mode (sta, ap)
link/addr        address/prefix while ready
link/gateway     gateway while ready
link/dns         name servers while ready
link/reconnect   write "reconnect" to force a fresh association
radio/scan       nearby access points (ssid rssi channel)
led              status LED on/off (write on, off or toggle)
`

// scanTimeout bounds a scan triggered by reading radio/scan.
const scanTimeout = 10 * time.Second

const reconnectUsage = "write reconnect to force a fresh association\n"

// NewStatusFS builds the 9p namespace exposing the supervisor's state.
// The led file is only present if a LED switch is given.
func NewStatusFS(sup *Supervisor, led *FlagFile) (*Namespace, error) {
	ns := NewNamespace("sys", "sys")
	binding := func(fn func(IPBinding) string) func() string {
		return func() string {
			b, ok := sup.Binding()
			if !ok {
				return ""
			}
			return fn(b)
		}
	}
	files := []struct {
		path string
		f    File
	}{
		{"/readme", NewTextFile(statusReadme)},
		{"/link/state", NewLineFile(func() string { return sup.State().String() })},
		{"/link/generation", NewLineFile(func() string { return strconv.FormatUint(sup.Generation(), 10) })},
		{"/link/ssid", NewLineFile(func() string { return sup.Link().Credentials().SSID() })},
		{"/link/mode", NewLineFile(func() string { return sup.Link().Mode().String() })},
		{"/link/addr", NewLineFile(binding(func(b IPBinding) string { return b.Address.String() }))},
		{"/link/gateway", NewLineFile(binding(func(b IPBinding) string {
			if !b.Gateway.IsValid() {
				return ""
			}
			return b.Gateway.String()
		}))},
		{"/link/dns", NewLineFile(binding(func(b IPBinding) string {
			var s []string
			for _, a := range b.DNS {
				s = append(s, a.String())
			}
			return strings.Join(s, " ")
		}))},
		{"/radio/scan", NewFuncFile(func() ([]byte, error) {
			ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
			defer cancel()
			aps, err := sup.Link().Scan(ctx, 10)
			if err != nil {
				return nil, err
			}
			var sb strings.Builder
			for _, ap := range aps {
				fmt.Fprintf(&sb, "%q %d %d\n", ap.SSID, ap.RSSI, ap.Channel)
			}
			return []byte(sb.String()), nil
		})},
	}
	reconnect := NewCmdFile(reconnectUsage, func(arg string) error {
		if arg != "" && arg != "reconnect" {
			return errBadValue
		}
		sup.Reconnect()
		return nil
	})
	for _, dir := range []string{"/link", "/radio"} {
		if err := ns.NewDir(dir, 0555); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		if err := ns.NewFile(f.path, 0444, f.f); err != nil {
			return nil, err
		}
	}
	if err := ns.NewFile("/link/reconnect", 0644, reconnect); err != nil {
		return nil, err
	}
	if led != nil {
		if err := ns.NewFile("/led", 0644, led); err != nil {
			return nil, err
		}
	}
	return ns, nil
}
