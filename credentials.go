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

import "strings"

// Limits from IEEE 802.11 (SSID) and WPA2-PSK (passphrase).
const (
	MaxSSIDLen       = 32
	MinPassphraseLen = 8
	MaxPassphraseLen = 63
	rawPSKLen        = 64
)

// Credentials for joining (or offering) a network. Use NewCredentials;
// a validated value is never modified afterwards.
type Credentials struct {
	ssid string
	pass string
}

// NewCredentials validates SSID and passphrase. An empty passphrase
// selects an open network.
func NewCredentials(ssid, pass string) (Credentials, error) {
	if len(ssid) == 0 || len(ssid) > MaxSSIDLen {
		return Credentials{}, configErr("ssid", "length %d not in 1..%d", len(ssid), MaxSSIDLen)
	}
	if hasControl(ssid) {
		return Credentials{}, configErr("ssid", "contains control characters")
	}
	switch n := len(pass); {
	case n == 0:
	case n == rawPSKLen:
		if !isHex(pass) {
			return Credentials{}, configErr("passphrase", "64-character key must be hexadecimal")
		}
	case n < MinPassphraseLen || n > MaxPassphraseLen:
		return Credentials{}, configErr("passphrase", "length %d not in %d..%d", n, MinPassphraseLen, MaxPassphraseLen)
	default:
		if !printable(pass) {
			return Credentials{}, configErr("passphrase", "must be printable ASCII")
		}
	}
	return Credentials{ssid: ssid, pass: pass}, nil
}

// SSID of the network.
func (c Credentials) SSID() string { return c.ssid }

// Passphrase (empty for open networks).
func (c Credentials) Passphrase() string { return c.pass }

// Open is true for networks without a passphrase.
func (c Credentials) Open() bool { return len(c.pass) == 0 }

// IsZero is true for credentials not created by NewCredentials.
func (c Credentials) IsZero() bool { return len(c.ssid) == 0 }

// String hides the passphrase.
func (c Credentials) String() string {
	if c.Open() {
		return c.ssid + " (open)"
	}
	return c.ssid + " (" + strings.Repeat("*", len(c.pass)) + ")"
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// hasControl permits UTF-8 SSIDs but not control bytes.
func hasControl(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7f {
			return true
		}
	}
	return false
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}
