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
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth"
	"github.com/soypat/seqs/eth/dhcp"
	"github.com/soypat/seqs/eth/dns"
	"github.com/soypat/seqs/stacks"
)

// LinkDevice is a link-layer (Ethernet frame) device, e.g. a
// *cyw43439.Device.
type LinkDevice interface {
	SendEth(pkt []byte) error
	PollOne() (bool, error)
	RecvEthHandle(handler func(pkt []byte) error)
	HardwareAddr6() ([6]byte, error)
}

const (
	defaultMTU     = 1514
	maxPollErrors  = 16
	closeLinger    = 5 * time.Second
	dialTimeout    = 5 * time.Second
	readPoll       = 2 * time.Millisecond
	flushQuiet     = 10 // pump rounds without output that end a flush
	firstEphemeral = 49152
	tcpBufSize     = 512
)

// SeqsConfig for a SeqsStack.
type SeqsConfig struct {
	MTU int
	// Number of UDP ports (DHCP and DNS are added) and TCP ports.
	UDPPorts uint16
	TCPPorts uint16
	// LinkUp reports the radio association; nil means always up.
	LinkUp func() bool
	// OnLinkFault is called once a run of device poll errors suggests
	// the link is gone.
	OnLinkFault func(err error)
	// Sync pumps from within blocking operations.
	Sync   bool
	Logger *slog.Logger
}

// SeqsStack is a Stack on top of the seqs userspace TCP/IP stack. The
// port stack is not safe for concurrent use: everything touching it
// runs under pumpMu.
type SeqsStack struct {
	dev   LinkDevice
	stack *stacks.PortStack
	cfg   SeqsConfig
	log   *slog.Logger

	mu       sync.Mutex
	dhcpc    *stacks.DHCPClient
	dnsc     *stacks.DNSClient
	binding  IPBinding
	bound    bool
	nextPort uint16

	// pump state
	pumpMu   sync.Mutex
	queue    [queueSize][]byte
	lenBuf   [queueSize]int
	retries  [queueSize]int
	pollErrs int
	sent     uint64               // frames handed to the device
	conns    map[uint16]*seqsConn // dialed connections by local port
}

// Maximum number of packets to queue before sending them.
const (
	queueSize                = 3
	maxRetriesBeforeDropping = 3
)

// NewSeqsStack attaches a seqs port stack to the device.
func NewSeqsStack(dev LinkDevice, cfg SeqsConfig) (*SeqsStack, error) {
	if cfg.MTU == 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.TCPPorts == 0 {
		cfg.TCPPorts = 1
	}
	mac, err := dev.HardwareAddr6()
	if err != nil {
		return nil, fmt.Errorf("hardware address: %w", err)
	}
	logger := loggerOrDiscard(cfg.Logger)
	s := &SeqsStack{
		dev: dev,
		cfg: cfg,
		log: logger,
		stack: stacks.NewPortStack(stacks.PortStackConfig{
			MAC:             mac,
			MaxOpenPortsUDP: int(cfg.UDPPorts) + 2, // DHCP and DNS clients
			MaxOpenPortsTCP: int(cfg.TCPPorts),
			MTU:             uint16(cfg.MTU),
			Logger:          logger,
		}),
		nextPort: firstEphemeral + uint16(time.Now().Nanosecond()%1024),
		conns:    make(map[uint16]*seqsConn),
	}
	for i := range s.queue {
		s.queue[i] = make([]byte, cfg.MTU)
	}
	dev.RecvEthHandle(s.recvEth)
	logger.Info("stack attached", slog.String("mac", net.HardwareAddr(mac[:]).String()))
	return s, nil
}

// Pump polls the device once, then queues and sends outgoing packets.
func (s *SeqsStack) Pump() (bool, error) {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()

	gotPacket, pollErr := s.dev.PollOne()
	if pollErr != nil {
		s.pollErrs++
		if s.pollErrs == maxPollErrors && s.cfg.OnLinkFault != nil {
			s.cfg.OnLinkFault(pollErr)
		}
	} else {
		s.pollErrs = 0
	}

	// Queue packets to be sent.
	for i := range s.queue {
		if s.retries[i] != 0 {
			continue // Packet currently queued for retransmission.
		}
		n, err := s.stack.HandleEth(s.queue[i])
		if err != nil {
			s.log.Error("stack error", slog.Int("n", n), slog.String("err", err.Error()))
			s.lenBuf[i] = 0
			continue
		}
		s.lenBuf[i] = n
		if n == 0 {
			break
		}
	}
	if s.lenBuf == [queueSize]int{} {
		return gotPacket, pollErr
	}

	// Send queued packets.
	for i := range s.queue {
		n := s.lenBuf[i]
		if n <= 0 {
			continue
		}
		if err := s.dev.SendEth(s.queue[i][:n]); err != nil {
			s.retries[i]++
			if s.retries[i] > maxRetriesBeforeDropping {
				s.markSent(i)
				s.log.Warn("dropped outgoing packet", slog.String("err", err.Error()))
			}
			continue
		}
		s.markSent(i)
		s.sent++
	}
	return true, pollErr
}

func (s *SeqsStack) sentCount() (n uint64) {
	s.locked(func() { n = s.sent })
	return
}

func (s *SeqsStack) markSent(i int) {
	s.lenBuf[i] = 0
	s.retries[i] = 0
}

// recvEth hands a received frame to the port stack. Input buffered on a
// dialed connection is saved before the peer's FIN moves it out of the
// established state, since seqs refuses reads after that.
func (s *SeqsStack) recvEth(frame []byte) error {
	port, payload, fin := finSegment(frame)
	c := s.conns[port]
	if !fin || c == nil {
		return s.stack.RecvEth(frame)
	}
	c.save()
	err := s.stack.RecvEth(frame)
	// data riding on the FIN itself
	if len(payload) > 0 && c.TCPConn.State() != seqs.StateEstablished &&
		c.BufferedInput() == len(payload) {
		c.pending = append(c.pending, payload...)
	}
	return err
}

// finSegment returns destination port and payload of a TCP segment
// carrying FIN.
func finSegment(frame []byte) (port uint16, payload []byte, ok bool) {
	const ipStart = eth.SizeEthernetHeader
	if len(frame) < ipStart+eth.SizeIPv4Header {
		return
	}
	if eth.DecodeEthernetHeader(frame).AssertType() != eth.EtherTypeIPv4 {
		return
	}
	ip, ipOff := eth.DecodeIPv4Header(frame[ipStart:])
	start := ipStart + int(ipOff)
	end := ipStart + int(ip.TotalLength)
	if ip.Protocol != 6 || end > len(frame) || end < start+eth.SizeTCPHeader {
		return
	}
	tcp, tcpOff := eth.DecodeTCPHeader(frame[start:end])
	if start+int(tcpOff) > end {
		return
	}
	return tcp.DestinationPort, frame[start+int(tcpOff) : end], tcp.Flags().HasAny(seqs.FlagFIN)
}

// locked runs fn with the pump excluded.
func (s *SeqsStack) locked(fn func()) {
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	fn()
}

// Run pumps until ctx is done (concurrent scheduling model).
func (s *SeqsStack) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		active, _ := s.Pump()
		if !active {
			// Avoid busy waiting when both Rx and Tx stall.
			time.Sleep(51 * time.Millisecond)
		}
	}
	return ctx.Err()
}

// LinkUp implements Stack.
func (s *SeqsStack) LinkUp() bool {
	return s.cfg.LinkUp == nil || s.cfg.LinkUp()
}

// Config implements Stack. A DHCP binding is gone once the client left
// the bound state.
func (s *SeqsStack) Config() (IPBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return IPBinding{}, false
	}
	if s.binding.Mode == AddrDHCP && s.dhcpc != nil {
		var state dhcp.ClientState
		s.locked(func() { state = s.dhcpc.State() })
		if state != dhcp.StateBound {
			return IPBinding{}, false
		}
	}
	return s.binding, true
}

// SetConfig implements Stack.
func (s *SeqsStack) SetConfig(b IPBinding) error {
	if b.IsZero() || !b.Address.Addr().Is4() {
		return fmt.Errorf("invalid binding %s", b)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// It's important to set the IP address after DHCP completes.
	s.locked(func() { s.stack.SetAddr(b.Address.Addr()) })
	s.binding, s.bound = b, true
	return nil
}

// ClearConfig implements Stack. The stack falls back to the unspecified
// address it has before the first lease.
func (s *SeqsStack) ClearConfig() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locked(func() { s.stack.SetAddr(netip.IPv4Unspecified()) })
	s.binding, s.bound = IPBinding{}, false
	s.resetDHCP()
}

func (s *SeqsStack) resetDHCP() {
	if s.dhcpc != nil {
		s.locked(func() { s.stack.CloseUDP(dhcp.DefaultClientPort) })
		s.dhcpc = nil
	}
}

// BeginDHCP implements Stack.
func (s *SeqsStack) BeginDHCP(req DHCPRequest) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetDHCP()
	s.locked(func() {
		s.dhcpc = stacks.NewDHCPClient(s.stack, dhcp.DefaultClientPort)
		err = s.dhcpc.BeginRequest(stacks.DHCPRequestConfig{
			RequestedAddr: req.RequestedAddr,
			Xid:           req.Xid,
			Hostname:      req.Hostname,
		})
	})
	return
}

// DHCPResult implements Stack.
func (s *SeqsStack) DHCPResult() (IPBinding, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.dhcpc
	if d == nil {
		return IPBinding{}, false
	}
	s.pumpMu.Lock()
	defer s.pumpMu.Unlock()
	if d.State() != dhcp.StateBound {
		return IPBinding{}, false
	}
	gw := d.Router()
	if !gw.IsValid() {
		gw = d.Gateway()
	}
	b := IPBinding{
		Mode:    AddrDHCP,
		Address: netip.PrefixFrom(d.Offer(), int(d.CIDRBits())),
		Gateway: gw,
		Lease:   d.IPLeaseTime(),
	}
	for _, a := range d.DNSServers() {
		if a.IsValid() {
			b.DNS = append(b.DNS, a)
		}
	}
	s.log.Info("DHCP complete",
		slog.Uint64("cidrbits", uint64(d.CIDRBits())),
		slog.String("ourIP", d.Offer().String()),
		slog.String("broadcast", d.BroadcastAddr().String()),
		slog.String("router", d.Router().String()),
		slog.String("dhcp", d.DHCPServer().String()),
		slog.Duration("lease", d.IPLeaseTime()),
		slog.Duration("renewal", d.RenewalTime()),
		slog.Duration("rebinding", d.RebindingTime()),
	)
	return b, true
}

// Dial implements Stack.
func (s *SeqsStack) Dial(ctx context.Context, raddr netip.AddrPort) (Conn, error) {
	b, ok := s.Config()
	if !ok {
		return nil, ErrNotReady
	}
	hw, err := s.resolveHardwareAddr(ctx, s.nextHop(b, raddr.Addr()))
	if err != nil {
		return nil, err
	}
	conn, err := stacks.NewTCPConn(s.stack, stacks.TCPConnConfig{
		TxBufSize: tcpBufSize,
		RxBufSize: tcpBufSize,
	})
	if err != nil {
		return nil, err
	}
	port := s.ephemeralPort()
	s.locked(func() {
		err = conn.OpenDialTCP(port, hw, raddr, seqs.Value(time.Now().UnixNano()))
	})
	if err != nil {
		return nil, err
	}
	if _, has := ctx.Deadline(); !has {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}
	err = s.wait(ctx, 10*time.Millisecond, func() (up bool) {
		s.locked(func() { up = conn.State() == seqs.StateEstablished })
		return
	})
	if err != nil {
		s.locked(func() { s.release(conn, port) })
		return nil, fmt.Errorf("dial %s: %w", raddr, err)
	}
	c := &seqsConn{TCPConn: conn, owner: s, port: port}
	s.locked(func() { s.conns[port] = c })
	return c, nil
}

// release closes the port of conn unless seqs already did.
func (s *SeqsStack) release(conn *stacks.TCPConn, port uint16) {
	if conn.LocalPort() == port {
		s.stack.CloseTCP(port)
	}
}

// Listen returns a TCP listener on the given port.
func (s *SeqsStack) Listen(port uint16) (lst net.Listener, err error) {
	listener, err := stacks.NewTCPListener(s.stack, stacks.TCPListenerConfig{
		MaxConnections: 3,
		ConnTxBufSize:  tcpBufSize,
		ConnRxBufSize:  tcpBufSize,
	})
	if err != nil {
		return nil, err
	}
	s.locked(func() { err = listener.StartListening(port) })
	if err != nil {
		return nil, err
	}
	return &seqsListener{TCPListener: listener, owner: s, port: port}, nil
}

func (s *SeqsStack) nextHop(b IPBinding, dst netip.Addr) netip.Addr {
	if b.Address.Masked().Contains(dst) || !b.Gateway.IsValid() {
		return dst
	}
	return b.Gateway
}

func (s *SeqsStack) ephemeralPort() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.nextPort
	s.nextPort++
	if s.nextPort < firstEphemeral {
		s.nextPort = firstEphemeral
	}
	return p
}

// wait polls cond every interval, pumping in the synchronous model.
func (s *SeqsStack) wait(ctx context.Context, interval time.Duration, cond func() bool) error {
	for {
		if s.cfg.Sync {
			s.Pump()
		}
		if cond() {
			return nil
		}
		if err := sleepCtx(ctx, interval); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return ErrTimeout
			}
			return err
		}
	}
}

// resolveHardwareAddr obtains the hardware address of the given IP address.
func (s *SeqsStack) resolveHardwareAddr(ctx context.Context, ip netip.Addr) (hw [6]byte, err error) {
	if !ip.IsValid() {
		return hw, errors.New("invalid ip")
	}
	arpc := s.stack.ARP()
	s.locked(func() {
		arpc.Abort() // Remove any previous ARP requests.
		err = arpc.BeginResolve(ip)
	})
	if err != nil {
		return hw, err
	}
	// ARP exchanges should be fast, don't wait too long for them.
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err = s.wait(ctx, time.Second/100, func() (done bool) {
		s.locked(func() { done = arpc.IsDone() })
		return
	})
	if err != nil {
		return hw, fmt.Errorf("arp %s: %w", ip, err)
	}
	s.locked(func() { _, hw, err = arpc.ResultAs6() })
	return hw, err
}

// LookupHost implements Stack using the DNS server learned via DHCP.
func (s *SeqsStack) LookupHost(ctx context.Context, host string) ([]netip.Addr, error) {
	b, ok := s.Config()
	if !ok {
		return nil, ErrNotReady
	}
	if len(b.DNS) == 0 {
		return nil, errors.New("no dns server")
	}
	name, err := dns.NewName(host)
	if err != nil {
		return nil, err
	}
	dnshw, err := s.resolveHardwareAddr(ctx, s.nextHop(b, b.DNS[0]))
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.dnsc == nil {
		s.locked(func() { s.dnsc = stacks.NewDNSClient(s.stack, dns.ClientPort) })
	}
	dnsc := s.dnsc
	s.mu.Unlock()

	s.locked(func() {
		err = dnsc.StartResolve(stacks.DNSResolveConfig{
			Questions: []dns.Question{
				{
					Name:  name,
					Type:  dns.TypeA,
					Class: dns.ClassINET,
				},
			},
			DNSAddr:         b.DNS[0],
			DNSHWAddr:       dnshw,
			EnableRecursion: true,
		})
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	var rcode dns.RCode
	err = s.wait(ctx, 20*time.Millisecond, func() (done bool) {
		s.locked(func() { done, rcode = dnsc.IsDone() })
		return
	})
	if err != nil {
		return nil, errors.New("dns lookup timed out")
	}
	if rcode != dns.RCodeSuccess {
		return nil, errors.New("dns lookup failed:" + rcode.String())
	}
	var addrs []netip.Addr
	s.locked(func() {
		answers := dnsc.Answers()
		for i := range answers {
			data := answers[i].RawData()
			if len(data) == 4 {
				addrs = append(addrs, netip.AddrFrom4([4]byte(data)))
			}
		}
	})
	if len(addrs) == 0 {
		return nil, errors.New("no ipv4 dns answers")
	}
	return addrs, nil
}

//----------------------------------------------------------------------

// seqsConn is a dialed seqs TCP connection with polled reads, the
// orderly close drain and input saved across the peer's FIN.
type seqsConn struct {
	*stacks.TCPConn
	owner *SeqsStack
	port  uint16

	// guarded by owner.pumpMu
	pending []byte // input saved before the peer closed
	closed  bool   // closed or aborted locally

	rdead time.Time
}

// save moves buffered input aside while reads are still allowed.
func (c *seqsConn) save() {
	if c.TCPConn.State() != seqs.StateEstablished {
		return
	}
	var buf [tcpBufSize]byte
	for c.BufferedInput() > 0 {
		n, err := c.TCPConn.Read(buf[:])
		c.pending = append(c.pending, buf[:n]...)
		if err != nil || n == 0 {
			return
		}
	}
}

// SetReadDeadline bounds the next Read. It never fails: a closed
// connection is reported by Read.
func (c *seqsConn) SetReadDeadline(t time.Time) error {
	c.rdead = t
	return nil
}

// Read returns saved input first. Once the peer closed its side and all
// input is consumed, Read returns io.EOF.
func (c *seqsConn) Read(b []byte) (int, error) {
	s := c.owner
	for {
		var (
			n    int
			err  error
			done bool
		)
		s.locked(func() { n, done, err = c.poll(b) })
		if done {
			return n, err
		}
		if !c.rdead.IsZero() && !time.Now().Before(c.rdead) {
			return 0, os.ErrDeadlineExceeded
		}
		if s.cfg.Sync {
			s.Pump()
		}
		time.Sleep(readPoll)
	}
}

// poll reads without blocking; done is false if nothing is available.
func (c *seqsConn) poll(b []byte) (n int, done bool, err error) {
	if len(c.pending) > 0 {
		n = copy(b, c.pending)
		c.pending = c.pending[n:]
		return n, true, nil
	}
	if c.closed {
		return 0, true, net.ErrClosed
	}
	switch c.TCPConn.State() {
	case seqs.StateEstablished:
		if c.BufferedInput() == 0 {
			return 0, false, nil
		}
		n, err = c.TCPConn.Read(b)
		return n, true, err
	case seqs.StateCloseWait:
		return 0, true, io.EOF
	}
	// reset by the peer or released by the stack
	return 0, true, net.ErrClosed
}

// Write queues b for sending. In the synchronous model the stack is
// pumped whenever the output buffer is full.
func (c *seqsConn) Write(b []byte) (int, error) {
	s := c.owner
	if !s.cfg.Sync {
		return c.TCPConn.Write(b)
	}
	start := time.Now()
	total := 0
	for {
		if err := c.TCPConn.SetWriteDeadline(time.Now().Add(syncSlice)); err != nil {
			return total, err
		}
		n, err := c.TCPConn.Write(b)
		total += n
		b = b[n:]
		if err == nil && len(b) == 0 {
			c.TCPConn.SetWriteDeadline(time.Time{})
			return total, nil
		}
		if !errors.Is(err, os.ErrDeadlineExceeded) {
			return total, err
		}
		if time.Since(start) > dialTimeout {
			return total, ErrTimeout
		}
		s.Pump()
	}
}

// Flush waits until queued output went out. In the synchronous model
// the stack is pumped until it stops sending.
func (c *seqsConn) Flush() (err error) {
	s := c.owner
	if !s.cfg.Sync {
		return c.FlushOutputBuffer()
	}
	limit := time.Now().Add(dialTimeout)
	last, quiet := s.sentCount(), 0
	for quiet < flushQuiet {
		s.Pump()
		if n := s.sentCount(); n != last {
			last, quiet = n, 0
		} else {
			quiet++
		}
		if time.Now().After(limit) {
			return ErrTimeout
		}
		time.Sleep(readPoll)
	}
	s.locked(func() {
		if c.TCPConn.State().IsClosed() {
			err = net.ErrClosed
		}
	})
	return
}

// Close sends FIN and waits (bounded) for the peer before releasing the
// port.
func (c *seqsConn) Close() (err error) {
	s := c.owner
	s.locked(func() {
		c.closed = true
		err = c.TCPConn.Close()
	})
	ctx, cancel := context.WithTimeout(context.Background(), closeLinger)
	defer cancel()
	s.wait(ctx, 10*time.Millisecond, func() (gone bool) {
		s.locked(func() { gone = c.TCPConn.State().IsClosed() })
		return
	})
	c.Abort()
	return err
}

// Abort releases the port without a handshake.
func (c *seqsConn) Abort() {
	c.owner.locked(func() {
		c.closed = true
		if c.owner.conns[c.port] == c {
			delete(c.owner.conns, c.port)
		}
		c.owner.release(c.TCPConn, c.port)
	})
}

//----------------------------------------------------------------------

// seqsListener closes its port through the stack; the listener's own
// Close refuses while it is listening.
type seqsListener struct {
	*stacks.TCPListener
	owner *SeqsStack
	port  uint16
	once  sync.Once
}

// Close stops listening; a blocked Accept returns net.ErrClosed.
func (l *seqsListener) Close() (err error) {
	l.once.Do(func() {
		l.owner.locked(func() { err = l.owner.stack.CloseTCP(l.port) })
	})
	return
}
