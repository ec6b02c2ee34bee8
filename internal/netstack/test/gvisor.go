package test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Kalycito-open-automation/openSAFETY-DEMO-sub000/internal/netstack"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/icmp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"
)

const (
	gvisorNICID tcpip.NICID = 1

	// pollInterval is how often the pump goroutine calls Periodic.
	pollInterval = time.Millisecond
)

var (
	hostIPv4  = net.IPv4(10, 42, 0, 1)
	guestIPv4 = net.IPv4(10, 42, 0, 2)

	hostMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	guestMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// gvisorHarness connects a netstack.Stack (the "host", 10.42.0.1) to a
// gVisor stack (the "guest", 10.42.0.2) over an in-memory Ethernet link.
// A pump goroutine drives Periodic from the wall clock.
type gvisorHarness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	ns     *netstack.Stack
	start  time.Time
	offset time.Duration

	gs *stack.Stack
	ch *channel.Endpoint

	// observation channels
	g2c chan []byte // gVisor -> netstack (ethernet frames)
	c2g chan []byte // netstack -> gVisor (ethernet frames)
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil || len(ip4) != 4 {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func addrPort(ip net.IP, port uint16) netip.AddrPort {
	a, _ := netip.AddrFromSlice(ip.To4())
	return netip.AddrPortFrom(a, port)
}

func observe(ch chan []byte, frame []byte) {
	select {
	case ch <- frame:
	default:
	}
}

func newGvisorHarness(tb testing.TB) *gvisorHarness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &gvisorHarness{
		t:      tb,
		ctx:    ctx,
		cancel: cancel,
		g2c:    make(chan []byte, 4096),
		c2g:    make(chan []byte, 4096),
	}

	// channel.Endpoint.MTU is treated as the L2 MTU by ethernet.Endpoint, which
	// subtracts the ethernet header length to get the L3 MTU. Use 1500 L3 MTU.
	h.ch = channel.New(4096, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(string(guestMAC)))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4},
	})
	if err := h.gs.CreateNIC(gvisorNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(
		gvisorNICID,
		tcpip.ProtocolAddress{
			Protocol: ipv4.ProtocolNumber,
			AddressWithPrefix: tcpip.AddressWithPrefix{
				Address:   mustAddrFrom4(guestIPv4),
				PrefixLen: 24,
			},
		},
		stack.AddressProperties{},
	); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{
			Destination: header.IPv4EmptySubnet,
			Gateway:     mustAddrFrom4(hostIPv4),
			NIC:         gvisorNICID,
		},
	})

	// netstack -> gVisor. SendFrame runs under the stack lock; the ethernet
	// endpoint only queues work, so injecting synchronously is fine.
	sender := netstack.FrameSenderFunc(func(frame []byte) int {
		out := bytes.Clone(frame)
		observe(h.c2g, out)
		pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{
			Payload: buffer.MakeWithData(out),
		})
		h.ch.InjectInbound(0, pkt)
		pkt.DecRef()
		return len(frame)
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	ns, err := netstack.New(netstack.Config{
		MAC:        hostMAC.String(),
		Address:    "10.42.0.1/24",
		RxQueueLen: 64,
		TxBuffers:  16,
		Sockets:    16,
	}, sender, logger)
	if err != nil {
		tb.Fatalf("new netstack: %v", err)
	}
	h.ns = ns

	// Run address probing on a virtual clock so tests do not wait for it.
	for h.offset < 5*time.Second {
		h.offset += 100 * time.Millisecond
		h.ns.Periodic(h.offset)
	}
	if st := h.ns.State(); st != netstack.StateReady {
		tb.Fatalf("netstack state = %s, want ready", st)
	}
	h.start = time.Now()

	// gVisor -> netstack
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		for {
			pkt := h.ch.ReadContext(h.ctx)
			if pkt == nil {
				return
			}
			out := bytes.Clone(pkt.ToView().AsSlice())
			pkt.DecRef()
			observe(h.g2c, out)
			for errors.Is(h.ns.DeliverFrame(out, nil), netstack.ErrRxQueueFull) {
				select {
				case <-h.ctx.Done():
					return
				case <-time.After(pollInterval):
				}
			}
		}
	}()

	go func() {
		defer h.wg.Done()
		tick := time.NewTicker(pollInterval)
		defer tick.Stop()
		for {
			select {
			case <-h.ctx.Done():
				return
			case <-tick.C:
				h.ns.Periodic(h.now())
			}
		}
	}()

	tb.Cleanup(func() {
		h.cancel()
		h.wg.Wait()
		h.ch.Close()
		_ = h.ns.Close()
	})
	return h
}

func (h *gvisorHarness) now() time.Duration { return h.offset + time.Since(h.start) }

// waitFor polls cond until it holds or the timeout expires.
func (h *gvisorHarness) waitFor(what string, timeout time.Duration, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(pollInterval)
	}
}

// listen opens a stream listener on the host. Accepted sockets acknowledge
// every segment at once, which keeps bulk transfers from pacing on the
// 100ms tick.
func (h *gvisorHarness) listen(port uint16) netstack.SocketID {
	h.t.Helper()
	l, err := h.ns.Socket(netstack.SockStream)
	if err != nil {
		h.t.Fatalf("socket: %v", err)
	}
	if err := h.ns.SetSockOpt(l, netstack.OptAckOnData, true); err != nil {
		h.t.Fatalf("setsockopt: %v", err)
	}
	if err := h.ns.Bind(l, netip.AddrPortFrom(netip.IPv4Unspecified(), port)); err != nil {
		h.t.Fatalf("bind: %v", err)
	}
	if err := h.ns.Listen(l); err != nil {
		h.t.Fatalf("listen: %v", err)
	}
	return l
}

// accept waits for a connection on l and for its handshake to finish.
func (h *gvisorHarness) accept(l netstack.SocketID) netstack.SocketID {
	h.t.Helper()
	var id netstack.SocketID
	h.waitFor("connection request", 3*time.Second, func() bool {
		var err error
		id, err = h.ns.Accept(l)
		if err != nil && !netstack.IsTemporary(err) {
			h.t.Fatalf("accept: %v", err)
		}
		return err == nil
	})
	h.waitConnected(id)
	return id
}

// connect dials the host listener l from gVisor. The dial only completes
// once Accept answers the SYN, so it runs in the background.
func (h *gvisorHarness) connect(l netstack.SocketID, port uint16) (net.Conn, netstack.SocketID) {
	h.t.Helper()
	type dialResult struct {
		c   net.Conn
		err error
	}
	done := make(chan dialResult, 1)
	go func() {
		c, err := gvisorTryDialTCP(h.gs, hostIPv4, port)
		done <- dialResult{c, err}
	}()
	id := h.accept(l)
	res := <-done
	if res.err != nil {
		h.t.Fatalf("gvisor dial tcp: %v", res.err)
	}
	h.t.Cleanup(func() { _ = res.c.Close() })
	return res.c, id
}

func (h *gvisorHarness) waitConnected(id netstack.SocketID) {
	h.t.Helper()
	h.waitFor("connected socket", 3*time.Second, func() bool {
		st, err := h.ns.SocketState(id)
		if err != nil {
			h.t.Fatalf("socket state: %v", err)
		}
		return st == netstack.SocketConnected
	})
}

// sendAll pushes p through a stream socket, waiting whenever the segment in
// flight is still unacknowledged.
func (h *gvisorHarness) sendAll(id netstack.SocketID, p []byte) {
	h.t.Helper()
	h.waitFor("send", 5*time.Second, func() bool {
		n, err := h.ns.Send(id, p)
		if err != nil && !netstack.IsTemporary(err) {
			h.t.Fatalf("send: %v", err)
		}
		p = p[n:]
		return len(p) == 0
	})
}

// recvN reads exactly n bytes from a stream socket.
func (h *gvisorHarness) recvN(id netstack.SocketID, n int) []byte {
	h.t.Helper()
	out := make([]byte, 0, n)
	buf := make([]byte, 2048)
	h.waitFor("receive", 5*time.Second, func() bool {
		m, err := h.ns.Recv(id, buf)
		if err != nil && !netstack.IsTemporary(err) {
			h.t.Fatalf("recv after %d bytes: %v", len(out), err)
		}
		out = append(out, buf[:m]...)
		return len(out) >= n
	})
	return out
}

// recvEOF waits for the peer's FIN.
func (h *gvisorHarness) recvEOF(id netstack.SocketID) {
	h.t.Helper()
	h.waitFor("end of stream", 3*time.Second, func() bool {
		_, err := h.ns.Recv(id, make([]byte, 1))
		if err != nil && !netstack.IsTemporary(err) && !errors.Is(err, io.EOF) {
			h.t.Fatalf("recv: %v", err)
		}
		return errors.Is(err, io.EOF)
	})
}

func awaitFrame(tb testing.TB, ch <-chan []byte, timeout time.Duration) []byte {
	tb.Helper()
	if timeout <= 0 {
		timeout = time.Second
	}
	select {
	case f, ok := <-ch:
		if !ok {
			tb.Fatalf("frame channel closed")
		}
		return f
	case <-time.After(timeout):
		tb.Fatalf("timeout waiting for frame")
		return nil
	}
}

func parseEthernet(frame []byte) (dst, src net.HardwareAddr, etherType uint16, payload []byte) {
	if len(frame) < 14 {
		return nil, nil, 0, nil
	}
	dst = net.HardwareAddr(frame[0:6])
	src = net.HardwareAddr(frame[6:12])
	etherType = binary.BigEndian.Uint16(frame[12:14])
	return dst, src, etherType, frame[14:]
}

type ipv4Summary struct {
	Proto    uint8
	Src      net.IP
	Dst      net.IP
	Fragment bool
}

func mustIPv4Payload(tb testing.TB, ethPayload []byte) (hdr ipv4Summary, l4 []byte) {
	tb.Helper()
	ip := header.IPv4(ethPayload)
	if len(ethPayload) < header.IPv4MinimumSize || !ip.IsValid(len(ethPayload)) {
		tb.Fatalf("malformed ipv4 packet (%d bytes)", len(ethPayload))
	}
	src, dst := ip.SourceAddress().As4(), ip.DestinationAddress().As4()
	hdr = ipv4Summary{
		Proto:    ip.Protocol(),
		Src:      net.IP(src[:]),
		Dst:      net.IP(dst[:]),
		Fragment: ip.More() || ip.FragmentOffset() != 0,
	}
	return hdr, ip.Payload()
}

func gvisorTryDialTCP(gs *stack.Stack, dstIP net.IP, dstPort uint16) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return gonet.DialContextTCP(ctx, gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(dstIP),
		Port: dstPort,
	}, ipv4.ProtocolNumber)
}

func gvisorListenTCP(tb testing.TB, gs *stack.Stack, port uint16) *gonet.TCPListener {
	tb.Helper()
	ln, err := gonet.ListenTCP(gs, tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(guestIPv4),
		Port: port,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor listen tcp: %v", err)
	}
	tb.Cleanup(func() { _ = ln.Close() })
	return ln
}

func gvisorNewEndpoint(tb testing.TB, gs *stack.Stack, proto tcpip.TransportProtocolNumber) tcpip.Endpoint {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(proto, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new endpoint: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep
}

func gvisorDialUDP(tb testing.TB, gs *stack.Stack, localPort uint16) tcpip.Endpoint {
	tb.Helper()
	ep := gvisorNewEndpoint(tb, gs, udp.ProtocolNumber)
	if terr := ep.Bind(tcpip.FullAddress{
		NIC:  gvisorNICID,
		Addr: mustAddrFrom4(guestIPv4),
		Port: localPort,
	}); terr != nil {
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	return ep
}

func gvisorWriteTo(tb testing.TB, ep tcpip.Endpoint, dstIP net.IP, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{
			NIC:  gvisorNICID,
			Addr: mustAddrFrom4(dstIP),
			Port: dstPort,
		},
	})
	if terr != nil {
		tb.Fatalf("gvisor write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor short write: %d != %d", n, len(payload))
	}
}

func gvisorRead(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) (data []byte, from tcpip.FullAddress) {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	for {
		buf := make([]byte, 64*1024)
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count], rr.RemoteAddr
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor read")
			}
			time.Sleep(pollInterval)
			continue
		}
		tb.Fatalf("gvisor read: %v", terr)
	}
}
