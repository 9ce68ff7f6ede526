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
	"log/slog"
	"strconv"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

// ReporterConfig for a Reporter.
type ReporterConfig struct {
	// Broker is "host:port" of the MQTT broker.
	Broker string
	// Topic prefix; states go to <Topic>/state (default "wifilink").
	Topic    string
	ClientID string
	// Timeout for a single broker response (default 10s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Reporter publishes the connection state to an MQTT broker. It opens a
// session whenever the link is Ready and reconnects after
// ReconnectInterval when the session ends.
type Reporter struct {
	sup     *Supervisor
	cfg     ReporterConfig
	log     *slog.Logger
	updates chan Transition
	host    string
	port    uint16
}

// NewReporter creates a reporter and subscribes it to state changes.
func NewReporter(sup *Supervisor, cfg ReporterConfig) (*Reporter, error) {
	host, port, err := splitHostPort(cfg.Broker, 1883)
	if err != nil {
		return nil, &ConfigError{Field: "broker_addr", Err: err}
	}
	if cfg.Topic == "" {
		cfg.Topic = "wifilink"
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "wifilink"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	r := &Reporter{
		sup:     sup,
		cfg:     cfg,
		log:     loggerOrDiscard(cfg.Logger),
		updates: make(chan Transition, 1),
		host:    host,
		port:    port,
	}
	sup.OnTransition(r.observe)
	return r, nil
}

// observe keeps only the latest transition; observers must not block.
func (r *Reporter) observe(tr Transition) {
	for {
		select {
		case r.updates <- tr:
			return
		default:
		}
		select {
		case <-r.updates:
		default:
		}
	}
}

// Run publishes until ctx is done.
func (r *Reporter) Run(ctx context.Context) error {
	for {
		if _, err := r.sup.WaitReady(ctx); err != nil {
			return err
		}
		err := r.publishSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			r.log.Warn("reporter session ended", slog.String("err", err.Error()))
		}
		if err := sleepCtx(ctx, ReconnectInterval); err != nil {
			return err
		}
	}
}

func (r *Reporter) publishSession(ctx context.Context) error {
	sess := NewSession(r.sup)
	if err := sess.OpenHost(ctx, r.host, r.port); err != nil {
		return err
	}
	defer sess.Close()

	client := mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, 512)},
	})
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(r.cfg.ClientID))
	varconn.KeepAlive = 0 // publish only; no pings
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	err := client.Connect(cctx, sess.Stream(r.cfg.Timeout), &varconn)
	cancel()
	if err != nil {
		return err
	}
	r.log.Info("reporter connected", slog.String("broker", r.cfg.Broker))

	// current state first, then every change while the session lives
	if err := r.publish(client, r.sup.State(), r.sup.Generation()); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-r.updates:
			if err := r.publish(client, tr.To, tr.Generation); err != nil {
				return err
			}
		}
		if !sess.IsOpen() {
			return errors.New("session closed")
		}
	}
}

func (r *Reporter) publish(client *mqtt.Client, st ConnectionState, gen uint64) error {
	flags, err := mqtt.NewPublishFlags(mqtt.QoS0, false, true)
	if err != nil {
		return err
	}
	msgs := []struct{ topic, payload string }{
		{r.cfg.Topic + "/state", st.String()},
		{r.cfg.Topic + "/generation", strconv.FormatUint(gen, 10)},
	}
	for _, m := range msgs {
		vp := mqtt.VariablesPublish{TopicName: []byte(m.topic)}
		if err := client.PublishPayload(flags, vp, []byte(m.payload)); err != nil {
			return err
		}
	}
	r.log.Debug("state published", slog.String("state", st.String()), slog.Uint64("gen", gen))
	return nil
}
