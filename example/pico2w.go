//go:build rp2350

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

package main

import (
	"context"
	"log/slog"
	"machine"
	"time"

	"github.com/bfix/wifilink"
)

// WiFi credentials and settings (set with -ldflags "-X main.SSID=...")
var (
	SSID    string
	Passwd  string
	Host    string
	IP      string // requested (DHCP) address
	Static  string // static address "a.b.c.d/n"
	Gateway string
	Mode    string
	Broker  string
	Port    string // 9p port
)

func main() {
	logger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{Level: slog.LevelDebug - 1}))
	time.Sleep(2 * time.Second)

	cfg := wifilink.DefaultConfig()
	err := cfg.FromValues(map[string]string{
		"WIFI_SSID":     SSID,
		"WIFI_PASSWORD": Passwd,
		"DHCP_HOSTNAME": Host,
		"REQUESTED_IP":  IP,
		"STATIC_IP":     Static,
		"GATEWAY_IP":    Gateway,
		"WIFI_MODE":     Mode,
		"BROKER_ADDR":   Broker,
		"NINEP_PORT":    Port,
	})
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		// nothing to bring up; keep reporting the problem
		for {
			logger.Error("invalid configuration", slog.String("err", err.Error()))
			time.Sleep(10 * time.Second)
		}
	}
	cfg.ScanOnStart = 0 // not supported by the driver
	run(context.Background(), cfg, logger, machine.Serial, machine.Serial)
}
