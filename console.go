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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/google/shlex"
)

var errUnknownCmd = errors.New("unknown command")

const consoleHelp = `commands:
  state        connection state and generation
  binding      address binding while ready
  scan [n]     list up to n access points (default 10)
  reconnect    drop the association and start over
  help         this text
`

// Console executes operator commands against a supervisor.
type Console struct {
	sup *Supervisor
	out io.Writer
	log *slog.Logger
}

// NewConsole writes command output to out.
func NewConsole(sup *Supervisor, out io.Writer, logger *slog.Logger) *Console {
	return &Console{sup: sup, out: out, log: loggerOrDiscard(logger)}
}

// Run executes one command per input line until in is exhausted or ctx
// is done. Command errors are reported on out and do not stop the loop.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.Exec(ctx, sc.Text()); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

// Exec runs a single command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	args, err := shlex.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	c.log.Debug("console", slog.String("cmd", args[0]), slog.Int("args", len(args)-1))
	switch args[0] {
	case "state":
		fmt.Fprintf(c.out, "%s gen=%d\n", c.sup.State(), c.sup.Generation())
	case "binding":
		b, ok := c.sup.Binding()
		if !ok {
			fmt.Fprintln(c.out, "unbound")
			return nil
		}
		fmt.Fprintln(c.out, b)
		for _, d := range b.DNS {
			fmt.Fprintf(c.out, "dns %s\n", d)
		}
	case "scan":
		n := 10
		if len(args) > 1 {
			if n, err = strconv.Atoi(args[1]); err != nil || n <= 0 {
				return fmt.Errorf("scan: invalid count %q", args[1])
			}
		}
		sctx, cancel := context.WithTimeout(ctx, scanTimeout)
		defer cancel()
		aps, err := c.sup.Link().Scan(sctx, n)
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		for _, ap := range aps {
			fmt.Fprintf(c.out, "%-32q %4d dBm ch %2d\n", ap.SSID, ap.RSSI, ap.Channel)
		}
	case "reconnect":
		c.sup.Reconnect()
		fmt.Fprintln(c.out, "reconnecting")
	case "help":
		io.WriteString(c.out, consoleHelp)
	default:
		return fmt.Errorf("%w: %s", errUnknownCmd, args[0])
	}
	return nil
}
