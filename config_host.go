//go:build !rp2350

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
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v2"
)

// envKeys are the environment variables read by LoadConfig.
var envKeys = []string{
	"WIFI_SSID", "WIFI_PASSWORD", "WIFI_MODE", "STATIC_IP", "GATEWAY_IP",
	"DHCP_HOSTNAME", "REQUESTED_IP", "BROKER_ADDR", "MQTT_TOPIC", "LOG_FILE",
	"LINK_IFACE", "MAX_RETRIES", "BACKOFF_SEC", "DHCP_TIMEOUT_SEC",
	"NINEP_PORT", "LED_PIN", "LOG_MAX_MB", "DEBUG",
}

// LoadConfig loads the defaults, then the YAML file named by
// WIFILINK_CONFIG (if set), then environment overrides, and validates.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()
	if fn := os.Getenv("WIFILINK_CONFIG"); fn != "" {
		if err := loadConfigFile(cfg, fn); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", fn, err)
		}
	}
	vals := make(map[string]string)
	for _, key := range envKeys {
		vals[key] = os.Getenv(key)
	}
	if err := cfg.FromValues(vals); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadConfigFile loads configuration from a YAML file
func loadConfigFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// NewLogger returns a text logger on w, tee'd into a rotating log file
// if one is configured.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	if cfg.LogFile != "" {
		w = io.MultiWriter(w, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxMB,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		})
	}
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
