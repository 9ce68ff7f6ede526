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
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Default access point addressing (the soft-AP is its own gateway).
const (
	DefaultAPAddress = "192.168.4.1/24"
	DefaultAPGateway = "192.168.4.1"
)

// Config of a wifilink node.
type Config struct {
	SSID     string `yaml:"ssid"`
	Password string `yaml:"password"`
	Mode     string `yaml:"mode"` // sta or ap

	// Address: static if StaticIP is set, DHCP otherwise.
	StaticIP       string `yaml:"static_ip"`
	GatewayIP      string `yaml:"gateway_ip"`
	Hostname       string `yaml:"dhcp_hostname"`
	RequestedIP    string `yaml:"requested_ip"`
	DHCPTimeoutSec int    `yaml:"dhcp_timeout_sec"` // 0: wait for the lease

	BackoffSec  int `yaml:"backoff_sec"`
	MaxRetries  int `yaml:"max_retries"` // 0: retry forever
	ScanOnStart int `yaml:"scan_on_start"`

	BrokerAddr string `yaml:"broker_addr"` // MQTT state reporting (optional)
	Topic      string `yaml:"topic"`
	NinePPort  int    `yaml:"ninep_port"` // 9p status namespace (0: off)

	LogFile  string `yaml:"log_file"`
	LogMaxMB int    `yaml:"log_max_mb"`
	Debug    bool   `yaml:"debug"`

	Iface  string `yaml:"link_iface"`
	LEDPin int    `yaml:"led_pin"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:        "sta",
		Hostname:    "wifilink",
		BackoffSec:  int(DefaultBackoff / time.Second),
		ScanOnStart: 10,
		Topic:       "wifilink",
		NinePPort:   564,
		LogMaxMB:    10,
		LEDPin:      -1,
	}
}

// FromValues overrides settings from name/value pairs using the
// environment variable names (WIFI_SSID, STATIC_IP, ...). Empty values
// are ignored.
func (cfg *Config) FromValues(vals map[string]string) error {
	str := map[string]*string{
		"WIFI_SSID":     &cfg.SSID,
		"WIFI_PASSWORD": &cfg.Password,
		"WIFI_MODE":     &cfg.Mode,
		"STATIC_IP":     &cfg.StaticIP,
		"GATEWAY_IP":    &cfg.GatewayIP,
		"DHCP_HOSTNAME": &cfg.Hostname,
		"REQUESTED_IP":  &cfg.RequestedIP,
		"BROKER_ADDR":   &cfg.BrokerAddr,
		"MQTT_TOPIC":    &cfg.Topic,
		"LOG_FILE":      &cfg.LogFile,
		"LINK_IFACE":    &cfg.Iface,
	}
	num := map[string]*int{
		"MAX_RETRIES":      &cfg.MaxRetries,
		"BACKOFF_SEC":      &cfg.BackoffSec,
		"DHCP_TIMEOUT_SEC": &cfg.DHCPTimeoutSec,
		"NINEP_PORT":       &cfg.NinePPort,
		"LED_PIN":          &cfg.LEDPin,
		"LOG_MAX_MB":       &cfg.LogMaxMB,
	}
	for key, val := range vals {
		if val == "" {
			continue
		}
		if p, ok := str[key]; ok {
			*p = val
			continue
		}
		if p, ok := num[key]; ok {
			n, err := strconv.Atoi(val)
			if err != nil {
				return configErr(strings.ToLower(key), "not a number: %q", val)
			}
			*p = n
			continue
		}
		if key == "DEBUG" {
			b, err := strconv.ParseBool(val)
			if err != nil {
				return configErr("debug", "not a boolean: %q", val)
			}
			cfg.Debug = b
		}
	}
	return nil
}

// Validate checks the configuration. Errors are *ConfigError.
func (cfg *Config) Validate() error {
	if _, err := cfg.Credentials(); err != nil {
		return err
	}
	if _, err := ParseMode(cfg.Mode); err != nil {
		return err
	}
	if _, err := cfg.AcquireOptions(nil); err != nil {
		return err
	}
	switch {
	case cfg.BackoffSec <= 0:
		return configErr("backoff_sec", "must be positive")
	case cfg.MaxRetries < 0:
		return configErr("max_retries", "must not be negative")
	case cfg.DHCPTimeoutSec < 0:
		return configErr("dhcp_timeout_sec", "must not be negative")
	case cfg.NinePPort < 0 || cfg.NinePPort > 65535:
		return configErr("ninep_port", "%d out of range", cfg.NinePPort)
	}
	if cfg.BrokerAddr != "" {
		if _, _, err := splitHostPort(cfg.BrokerAddr, 1883); err != nil {
			return &ConfigError{Field: "broker_addr", Err: err}
		}
	}
	return nil
}

// Credentials built from SSID and password.
func (cfg *Config) Credentials() (Credentials, error) {
	return NewCredentials(cfg.SSID, cfg.Password)
}

// AcquireOptions for the configured address mode. An access point
// without a static address uses DefaultAPAddress.
func (cfg *Config) AcquireOptions(logger *slog.Logger) (AcquireOptions, error) {
	opts := AcquireOptions{
		Mode:     AddrDHCP,
		Hostname: cfg.Hostname,
		Timeout:  time.Duration(cfg.DHCPTimeoutSec) * time.Second,
		Logger:   logger,
	}
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return opts, err
	}
	cidr, gw := cfg.StaticIP, cfg.GatewayIP
	if cidr == "" && mode == ModeAccessPoint {
		cidr, gw = DefaultAPAddress, DefaultAPGateway
	}
	if cidr != "" {
		sc, err := ParseStaticConfig(cidr, gw)
		if err != nil {
			return opts, err
		}
		opts.Mode, opts.Static = AddrStatic, sc
		return opts, nil
	}
	if cfg.RequestedIP != "" {
		a, err := netip.ParseAddr(cfg.RequestedIP)
		if err != nil || !a.Is4() {
			return opts, configErr("requested_ip", "invalid address %q", cfg.RequestedIP)
		}
		opts.RequestedAddr = a
	}
	return opts, nil
}

// Options for the supervisor (credentials are expected to be valid).
func (cfg *Config) Options(logger *slog.Logger) Options {
	creds, _ := cfg.Credentials()
	mode, _ := ParseMode(cfg.Mode)
	return Options{
		Credentials: creds,
		Mode:        mode,
		Backoff:     time.Duration(cfg.BackoffSec) * time.Second,
		MaxRetries:  cfg.MaxRetries,
		ScanOnStart: cfg.ScanOnStart,
		Logger:      logger,
	}
}
