package netstack

import (
	"bytes"
	"encoding/binary"
	"log/slog"
	"net/netip"
	"testing"
	"time"
)

var (
	testMAC   = macAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC   = macAddr{0x0a, 0x42, 0x00, 0x00, 0x00, 0x02}
	otherMAC  = macAddr{0x0a, 0x42, 0x00, 0x00, 0x00, 0x03}
	testIP    = mustIP("192.168.1.10")
	peerIP    = mustIP("192.168.1.20")
	gatewayIP = mustIP("192.168.1.1")
	remoteIP  = mustIP("10.9.8.7")
)

func mustIP(s string) ipAddr { return ipFromNetip(netip.MustParseAddr(s)) }

func testConfig() Config {
	return Config{
		MAC:     testMAC.String(),
		Address: "192.168.1.10/24",
		Gateway: "192.168.1.1",
	}
}

// testNet drives a Stack with a fake clock and records every frame the
// stack transmits.
type testNet struct {
	tb     testing.TB
	ns     *Stack
	now    time.Duration
	frames [][]byte
	busy   bool
}

func (n *testNet) SendFrame(frame []byte) int {
	if n.busy {
		return 0
	}
	n.frames = append(n.frames, bytes.Clone(frame))
	return len(frame)
}

func newTestNet(tb testing.TB, cfg Config) *testNet {
	tb.Helper()
	n := &testNet{tb: tb}
	ns, err := New(cfg, n, slog.New(slog.DiscardHandler))
	if err != nil {
		tb.Fatalf("new stack: %v", err)
	}
	n.ns = ns
	tb.Cleanup(func() { _ = ns.Close() })
	return n
}

// newReadyNet returns a stack with a static address that finished probing,
// with the transmit log cleared.
func newReadyNet(tb testing.TB) *testNet {
	tb.Helper()
	n := newTestNet(tb, testConfig())
	n.run(5 * time.Second)
	if got := n.ns.State(); got != StateReady {
		tb.Fatalf("stack state = %s, want ready", got)
	}
	n.take()
	return n
}

func (n *testNet) step(d time.Duration) {
	n.now += d
	n.ns.Periodic(n.now)
}

// run advances the clock in 100ms steps.
func (n *testNet) run(d time.Duration) {
	end := n.now + d
	for n.now < end {
		n.step(100 * time.Millisecond)
	}
}

func (n *testNet) deliver(frame []byte) {
	n.tb.Helper()
	if err := n.ns.DeliverFrame(frame, nil); err != nil {
		n.tb.Fatalf("deliver frame: %v", err)
	}
}

// exchange delivers frame, runs one Periodic and returns what was sent.
func (n *testNet) exchange(frame []byte) [][]byte {
	n.deliver(frame)
	n.ns.Periodic(n.now)
	return n.take()
}

func (n *testNet) take() [][]byte {
	f := n.frames
	n.frames = nil
	return f
}

// expectOne fails unless exactly one frame was sent.
func expectOne(tb testing.TB, frames [][]byte) []byte {
	tb.Helper()
	if len(frames) != 1 {
		tb.Fatalf("expected 1 frame, got %d", len(frames))
	}
	return frames[0]
}

////////////////////////////////////////////////////////////////////////////////
// Frame builders.
////////////////////////////////////////////////////////////////////////////////

func ethFrame(dst, src macAddr, et etherType, payload []byte) []byte {
	frame := make([]byte, ethernetHeaderLen+len(payload))
	n := buildEthernetHeaderInto(frame, dst, src, et, 0)
	copy(frame[n:], payload)
	return frame
}

func arpPacket(op uint16, sha macAddr, spa ipAddr, tha macAddr, tpa ipAddr) []byte {
	p := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(p[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(p[2:4], uint16(etherTypeIPv4))
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], op)
	copy(p[8:14], sha[:])
	spa.put(p[14:18])
	copy(p[18:24], tha[:])
	tpa.put(p[24:28])
	return p
}

func arpFrame(dst macAddr, op uint16, sha macAddr, spa ipAddr, tha macAddr, tpa ipAddr) []byte {
	return ethFrame(dst, sha, etherTypeARP, arpPacket(op, sha, spa, tha, tpa))
}

func ipPacket(src, dst ipAddr, proto protocolNumber, id, frag uint16, payload []byte) []byte {
	pkt := make([]byte, ipv4HeaderLen+len(payload))
	buildIPv4HeaderInto(pkt, src, dst, proto, len(payload), id, frag)
	copy(pkt[ipv4HeaderLen:], payload)
	return pkt
}

func ipFrame(srcMAC macAddr, src, dst ipAddr, proto protocolNumber, payload []byte) []byte {
	return ethFrame(testMAC, srcMAC, etherTypeIPv4, ipPacket(src, dst, proto, 1, 0, payload))
}

func udpDatagram(src, dst ipAddr, sport, dport uint16, payload []byte) []byte {
	seg := make([]byte, udpHeaderLen+len(payload))
	putUDPHeader(seg, sport, dport, len(seg))
	copy(seg[udpHeaderLen:], payload)
	binary.BigEndian.PutUint16(seg[6:8], udpChecksum(src, dst, seg))
	return seg
}

func udpFrame(src, dst ipAddr, sport, dport uint16, payload []byte) []byte {
	return ipFrame(peerMAC, src, dst, udpProtocolNumber, udpDatagram(src, dst, sport, dport, payload))
}

type tcpSeg struct {
	sport, dport uint16
	seq, ack     uint32
	flags        uint8
	window       uint16
	mss          uint16
	payload      []byte
}

func (s tcpSeg) bytes(src, dst ipAddr) []byte {
	optLen := 0
	if s.mss != 0 {
		optLen = 4
	}
	seg := make([]byte, tcpHeaderLen+optLen+len(s.payload))
	window := s.window
	if window == 0 && s.flags&tcpFlagRST == 0 {
		window = 8192
	}
	putTCPHeader(seg, s.sport, s.dport, s.seq, s.ack, s.flags, window, optLen)
	if optLen > 0 {
		putTCPMSSOption(seg[tcpHeaderLen:], s.mss)
	}
	copy(seg[tcpHeaderLen+optLen:], s.payload)
	binary.BigEndian.PutUint16(seg[16:18], tcpChecksum(src, dst, seg))
	return seg
}

// frame builds the segment as sent by the peer to the stack.
func (s tcpSeg) frame() []byte {
	return ipFrame(peerMAC, peerIP, testIP, tcpProtocolNumber, s.bytes(peerIP, testIP))
}

////////////////////////////////////////////////////////////////////////////////
// Frame parsers.
////////////////////////////////////////////////////////////////////////////////

func parseIPFrame(tb testing.TB, frame []byte) (ethernetHeader, ipv4Header) {
	tb.Helper()
	eth, payload, err := parseEthernetHeader(frame)
	if err != nil {
		tb.Fatalf("parse ethernet: %v", err)
	}
	if eth.etherType != etherTypeIPv4 {
		tb.Fatalf("unexpected ethertype %s", eth.etherType)
	}
	h, err := parseIPv4Header(payload)
	if err != nil {
		tb.Fatalf("parse ipv4: %v", err)
	}
	if checksum(h.raw) != 0 {
		tb.Fatalf("bad ipv4 header checksum")
	}
	return eth, h
}

func parseARPFrame(tb testing.TB, frame []byte) (eth ethernetHeader, op uint16, sha macAddr, spa ipAddr, tpa ipAddr) {
	tb.Helper()
	eth, p, err := parseEthernetHeader(frame)
	if err != nil {
		tb.Fatalf("parse ethernet: %v", err)
	}
	if eth.etherType != etherTypeARP {
		tb.Fatalf("unexpected ethertype %s", eth.etherType)
	}
	if len(p) < arpPacketLen {
		tb.Fatalf("short arp packet: %d", len(p))
	}
	return eth, binary.BigEndian.Uint16(p[6:8]), macFrom(p[8:14]), ipFrom(p[14:18]), ipFrom(p[24:28])
}

func parseTCPFrame(tb testing.TB, frame []byte) (ipv4Header, tcpHeader) {
	tb.Helper()
	_, h := parseIPFrame(tb, frame)
	if h.protocol != tcpProtocolNumber {
		tb.Fatalf("unexpected protocol %s", h.protocol)
	}
	if tcpChecksum(h.src, h.dst, h.payload) != 0 {
		tb.Fatalf("bad tcp checksum")
	}
	t, err := parseTCPHeader(h.payload)
	if err != nil {
		tb.Fatalf("parse tcp: %v", err)
	}
	return h, t
}

func parseUDPFrame(tb testing.TB, frame []byte) (ipv4Header, udpHeader) {
	tb.Helper()
	_, h := parseIPFrame(tb, frame)
	if h.protocol != udpProtocolNumber {
		tb.Fatalf("unexpected protocol %s", h.protocol)
	}
	u, err := parseUDPHeader(h.payload)
	if err != nil {
		tb.Fatalf("parse udp: %v", err)
	}
	if u.checksum != 0 && transportChecksum(h.src, h.dst, udpProtocolNumber, h.payload[:u.length]) != 0 {
		tb.Fatalf("bad udp checksum")
	}
	return h, u
}
