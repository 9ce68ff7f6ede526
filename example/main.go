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
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/bfix/wifilink"
)

// pumper is a stack that needs a packet pump task.
type pumper interface {
	Run(ctx context.Context) error
}

// run brings the link up and keeps it up; the status namespace, state
// reporter and console run alongside.
func run(ctx context.Context, cfg *wifilink.Config, log *slog.Logger, in io.Reader, out io.Writer) (err error) {
	// access device
	dev, err := wifilink.InitDevice(wifilink.DeviceConfig{
		Iface:  cfg.Iface,
		LEDPin: cfg.LEDPin,
		Logger: log,
	})
	if err != nil {
		return err
	}
	state := wifilink.NewStatus(dev, log)
	defer state.Trap(30 * time.Second)

	link := wifilink.NewRadioLink(dev.Radio(), wifilink.LinkOptions{
		ConnectTimeout: 30 * time.Second,
		Logger:         log,
	})
	stack, err := dev.NewStack(wifilink.StackConfig{
		LinkUp:   link.IsConnected,
		TCPPorts: 4,
		Logger:   log,
	})
	if err != nil {
		state.Set(wifilink.StatDEV, 0)
		return err
	}
	acqOpts, err := cfg.AcquireOptions(log)
	if err != nil {
		state.Set(wifilink.StatCONFIG, 0)
		return err
	}
	acq, err := wifilink.NewAcquirer(stack, acqOpts)
	if err != nil {
		state.Set(wifilink.StatCONFIG, 0)
		return err
	}
	sup := wifilink.NewSupervisor(link, acq, cfg.Options(log))
	state.Track(sup)

	// Begin asynchronous packet handling.
	if p, ok := stack.(pumper); ok {
		go p.Run(ctx)
	}
	if cfg.NinePPort > 0 {
		ns, err := wifilink.NewStatusFS(sup, state.LEDControl())
		if err != nil {
			return err
		}
		go serveStatus(ctx, sup, stack, ns, uint16(cfg.NinePPort), state, log)
	}
	if cfg.BrokerAddr != "" {
		rep, err := wifilink.NewReporter(sup, wifilink.ReporterConfig{
			Broker:   cfg.BrokerAddr,
			Topic:    cfg.Topic,
			ClientID: cfg.Hostname,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		go rep.Run(ctx)
	}
	if in != nil {
		go wifilink.NewConsole(sup, out, log).Run(ctx, in)
	}

	err = sup.Run(ctx)
	switch {
	case errors.Is(err, wifilink.ErrRetriesExhausted):
		state.Set(wifilink.StatRETRY, 0)
	case wifilink.IsFatal(err):
		state.Set(wifilink.StatCONFIG, 0)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("link supervisor stopped", slog.String("err", err.Error()))
	}
	sup.Shutdown()
	return err
}

// serveStatus serves the 9p namespace whenever the link is ready. Every
// Ready period gets its own listener.
func serveStatus(ctx context.Context, sup *wifilink.Supervisor, stack wifilink.ListenStack, ns *wifilink.Namespace, port uint16, state *wifilink.Status, log *slog.Logger) {
	for {
		log.Debug("9p server waiting for link", slog.Int("port", int(port)))
		err := ns.ServeReady(ctx, sup, stack, port)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}
		log.Warn("9p server", slog.String("err", err.Error()))
		state.Set(wifilink.StatSRV, 3)
		time.Sleep(wifilink.ReconnectInterval)
	}

	// srv tcp!<host>!9fs link
	// mount /srv/link /n/link
	// cat /n/link/link/state
	// unmount /n/link
	// rm /srv/link
}
