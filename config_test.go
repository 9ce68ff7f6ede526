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
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestConfigFromValues(t *testing.T) {
	c := qt.New(t)
	cfg := DefaultConfig()
	err := cfg.FromValues(map[string]string{
		"WIFI_SSID":     "home",
		"WIFI_PASSWORD": "password123",
		"STATIC_IP":     "192.168.1.50/24",
		"GATEWAY_IP":    "192.168.1.1",
		"MAX_RETRIES":   "7",
		"NINEP_PORT":    "",
		"DEBUG":         "true",
		"UNRELATED":     "x",
	})
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Validate(), qt.IsNil)
	c.Assert(cfg.MaxRetries, qt.Equals, 7)
	c.Assert(cfg.NinePPort, qt.Equals, 564)
	c.Assert(cfg.Debug, qt.IsTrue)

	opts, err := cfg.AcquireOptions(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(opts.Mode, qt.Equals, AddrStatic)
	c.Assert(opts.Static.CIDR(), qt.Equals, "192.168.1.50/24")

	sopts := cfg.Options(nil)
	c.Assert(sopts.Credentials.SSID(), qt.Equals, "home")
	c.Assert(sopts.Backoff, qt.Equals, 5*time.Second)
	c.Assert(sopts.MaxRetries, qt.Equals, 7)
}

func TestConfigFromValuesBadNumber(t *testing.T) {
	c := qt.New(t)
	err := DefaultConfig().FromValues(map[string]string{"MAX_RETRIES": "many"})
	c.Assert(err, qt.ErrorMatches, `config max_retries: not a number: "many"`)
}

func TestConfigValidate(t *testing.T) {
	c := qt.New(t)
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"no ssid", func(cfg *Config) { cfg.SSID = "" }, "ssid"},
		{"bad mode", func(cfg *Config) { cfg.Mode = "mesh" }, "mode"},
		{"bad static", func(cfg *Config) { cfg.StaticIP = "10.0.0.1" }, "static_ip"},
		{"bad gateway", func(cfg *Config) { cfg.StaticIP, cfg.GatewayIP = "10.0.0.2/24", "10.0.1.1" }, "gateway_ip"},
		{"bad requested", func(cfg *Config) { cfg.RequestedIP = "::1" }, "requested_ip"},
		{"no backoff", func(cfg *Config) { cfg.BackoffSec = 0 }, "backoff_sec"},
		{"negative retries", func(cfg *Config) { cfg.MaxRetries = -1 }, "max_retries"},
		{"port range", func(cfg *Config) { cfg.NinePPort = 70000 }, "ninep_port"},
		{"broker port", func(cfg *Config) { cfg.BrokerAddr = "broker:0" }, "broker_addr"},
	}
	for _, test := range tests {
		c.Run(test.name, func(c *qt.C) {
			cfg := DefaultConfig()
			cfg.SSID = "home"
			test.edit(cfg)
			var ce *ConfigError
			c.Assert(cfg.Validate(), qt.ErrorAs, &ce)
			c.Assert(ce.Field, qt.Equals, test.field)
		})
	}
}

func TestConfigAccessPointDefaults(t *testing.T) {
	c := qt.New(t)
	for _, mode := range []string{"ap", "accesspoint"} {
		c.Run(mode, func(c *qt.C) {
			cfg := DefaultConfig()
			cfg.SSID, cfg.Mode = "pico-ap", mode
			c.Assert(cfg.Validate(), qt.IsNil)
			opts, err := cfg.AcquireOptions(nil)
			c.Assert(err, qt.IsNil)
			c.Assert(opts.Mode, qt.Equals, AddrStatic)
			c.Assert(opts.Static.CIDR(), qt.Equals, DefaultAPAddress)
			c.Assert(opts.Static.Gateway.String(), qt.Equals, DefaultAPGateway)
			c.Assert(cfg.Options(nil).Mode, qt.Equals, ModeAccessPoint)
		})
	}

	// station mode stays on DHCP
	cfg := DefaultConfig()
	cfg.SSID, cfg.Mode = "office", "station"
	opts, err := cfg.AcquireOptions(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(opts.Mode, qt.Equals, AddrDHCP)
}

func TestLoadConfig(t *testing.T) {
	c := qt.New(t)
	fn := filepath.Join(c.TempDir(), "wifilink.yaml")
	err := os.WriteFile(fn, []byte(`
ssid: office
password: "s3cret-pass"
dhcp_hostname: sensor-7
max_retries: 3
ninep_port: 5640
`), 0o600)
	c.Assert(err, qt.IsNil)
	c.Setenv("WIFILINK_CONFIG", fn)
	c.Setenv("MAX_RETRIES", "9")

	cfg, err := LoadConfig()
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.SSID, qt.Equals, "office")
	c.Assert(cfg.Hostname, qt.Equals, "sensor-7")
	c.Assert(cfg.NinePPort, qt.Equals, 5640)
	c.Assert(cfg.MaxRetries, qt.Equals, 9)
	c.Assert(cfg.BackoffSec, qt.Equals, 5)
}

func TestLoadConfigInvalid(t *testing.T) {
	c := qt.New(t)
	c.Setenv("WIFILINK_CONFIG", "")
	c.Setenv("WIFI_SSID", "home")
	c.Setenv("STATIC_IP", "not-an-address")
	_, err := LoadConfig()
	c.Assert(IsFatal(err), qt.IsTrue)
}
