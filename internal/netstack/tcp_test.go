package netstack

import (
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"
)

// tcpPeer plays the remote end of one connection.
type tcpPeer struct {
	t            *testing.T
	n            *testNet
	sport, dport uint16
	seq, ack     uint32
}

func (p *tcpPeer) segment(flags uint8, payload []byte) []byte {
	f := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq, ack: p.ack, flags: flags, payload: payload}.frame()
	p.seq += uint32(len(payload))
	if flags&tcpFlagSYN != 0 {
		p.seq++
	}
	if flags&tcpFlagFIN != 0 {
		p.seq++
	}
	return f
}

func (p *tcpPeer) send(flags uint8, payload []byte) [][]byte {
	return p.n.exchange(p.segment(flags, payload))
}

// expectSegment parses the only frame in frames as a segment to the peer.
func (p *tcpPeer) expectSegment(frames [][]byte) tcpHeader {
	p.t.Helper()
	h, seg := parseTCPFrame(p.t, expectOne(p.t, frames))
	if h.src != testIP || h.dst != peerIP || seg.srcPort != p.dport || seg.dstPort != p.sport {
		p.t.Fatalf("segment addressed %s:%d -> %s:%d", h.src, seg.srcPort, h.dst, seg.dstPort)
	}
	if h.flags&ipv4FlagDontFragment == 0 {
		p.t.Fatalf("segment without DF")
	}
	return seg
}

func listenTCP(t *testing.T, n *testNet, port uint16, opts ...SockOpt) SocketID {
	t.Helper()
	l, err := n.ns.Socket(SockStream)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	for _, o := range opts {
		if err := n.ns.SetSockOpt(l, o, true); err != nil {
			t.Fatalf("setsockopt %d: %v", o, err)
		}
	}
	if err := n.ns.Bind(l, netip.AddrPortFrom(netip.Addr{}, port)); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := n.ns.Listen(l); err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

// establish accepts one connection from the peer on port 80.
func establish(t *testing.T, n *testNet, opts ...SockOpt) (SocketID, *tcpPeer) {
	t.Helper()
	l := listenTCP(t, n, 80, opts...)
	p := &tcpPeer{t: t, n: n, sport: 40000, dport: 80, seq: 1000}

	syn := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq, flags: tcpFlagSYN, mss: 1460}.frame()
	p.seq++
	if got := n.exchange(syn); len(got) != 0 {
		t.Fatalf("syn answered before accept: %d frames", len(got))
	}
	id, err := n.ns.Accept(l)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := n.ns.Accept(l); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("second accept: %v", err)
	}
	n.step(0)

	synAck := p.expectSegment(n.take())
	if synAck.flags != tcpFlagSYN|tcpFlagACK || synAck.ack != 1001 {
		t.Fatalf("unexpected syn-ack flags %#x ack %d", synAck.flags, synAck.ack)
	}
	if mss, ok := parseTCPMSS(synAck.options); !ok || mss != 1460 {
		t.Fatalf("syn-ack mss = %d, %v", mss, ok)
	}
	p.ack = synAck.seq + 1

	if got := p.send(tcpFlagACK, nil); len(got) != 0 {
		t.Fatalf("handshake ack answered: %d frames", len(got))
	}
	if st, err := n.ns.SocketState(id); err != nil || st != SocketConnected {
		t.Fatalf("socket state = %s, %v", st, err)
	}
	return id, p
}

func TestTCPPassiveOpen(t *testing.T) {
	n := newReadyNet(t)
	id, _ := establish(t, n)

	if n.ns.Stat(StatTCPAccepted) != 1 || n.ns.Stat(StatTCPConnected) != 1 {
		t.Fatalf("accepted %d connected %d", n.ns.Stat(StatTCPAccepted), n.ns.Stat(StatTCPConnected))
	}
	peer, err := n.ns.GetPeerName(id)
	if err != nil || peer != netip.AddrPortFrom(peerIP.netip(), 40000) {
		t.Fatalf("peer = %s, %v", peer, err)
	}
	local, err := n.ns.GetSockName(id)
	if err != nil || local != netip.AddrPortFrom(testIP.netip(), 80) {
		t.Fatalf("local = %s, %v", local, err)
	}
}

func TestTCPReceiveWindow(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)

	if got := p.send(tcpFlagACK|tcpFlagPSH, []byte("hello")); len(got) != 0 {
		t.Fatalf("data acknowledged before the tick without ack-on-data")
	}
	n.step(tcpTickInterval)
	ack := p.expectSegment(n.take())
	if ack.flags != tcpFlagACK || ack.ack != p.seq || ack.window != 0 {
		t.Fatalf("delayed ack flags %#x ack %d window %d", ack.flags, ack.ack, ack.window)
	}

	// The slot is full; more data is dropped without a reply.
	if got := p.n.exchange(tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq, ack: p.ack,
		flags: tcpFlagACK, payload: []byte("more")}.frame()); len(got) != 0 {
		t.Fatalf("busy drop answered")
	}
	if s := n.ns.Stat(StatTCPRejectedBusy); s != 1 {
		t.Fatalf("rejected busy = %d, want 1", s)
	}

	var avail uint32
	if err := n.ns.IoctlSocket(id, IoctlFIONREAD, &avail); err != nil || avail != 5 {
		t.Fatalf("FIONREAD = %d, %v", avail, err)
	}
	buf := make([]byte, 3)
	for _, want := range []string{"hel", "lo"} {
		got, err := n.ns.Recv(id, buf)
		if err != nil || string(buf[:got]) != want {
			t.Fatalf("recv = %q, %v; want %q", buf[:got], err, want)
		}
	}
	if _, err := n.ns.Recv(id, buf); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("empty recv: %v", err)
	}

	// Emptying the slot reopens the window at once.
	n.step(0)
	upd := p.expectSegment(n.take())
	if upd.window != 1460 || upd.ack != p.seq {
		t.Fatalf("window update %d ack %d", upd.window, upd.ack)
	}
}

func TestTCPAckOnDataAndRejectWhileBusy(t *testing.T) {
	n := newReadyNet(t)
	_, p := establish(t, n, OptAckOnData, OptRejectWhileBusy)

	ack := p.expectSegment(p.send(tcpFlagACK|tcpFlagPSH, []byte("one")))
	if ack.ack != p.seq || ack.window != 0 {
		t.Fatalf("immediate ack %d window %d", ack.ack, ack.window)
	}

	busy := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq, ack: p.ack, flags: tcpFlagACK, payload: []byte("two")}
	zw := p.expectSegment(n.exchange(busy.frame()))
	if zw.window != 0 || zw.ack != p.seq {
		t.Fatalf("busy reply window %d ack %d", zw.window, zw.ack)
	}
}

func TestTCPOutOfOrder(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)

	ahead := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq + 100, ack: p.ack, flags: tcpFlagACK, payload: []byte("later")}
	dup := p.expectSegment(n.exchange(ahead.frame()))
	if dup.ack != p.seq {
		t.Fatalf("duplicate ack %d, want %d", dup.ack, p.seq)
	}
	if s := n.ns.Stat(StatTCPOutOfOrder); s != 1 {
		t.Fatalf("out of order = %d, want 1", s)
	}
	if _, err := n.ns.Recv(id, make([]byte, 8)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("out of order data delivered: %v", err)
	}
}

func TestTCPSendAndRetransmit(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)

	sent, err := n.ns.Send(id, []byte("world"))
	if err != nil || sent != 5 {
		t.Fatalf("send = %d, %v", sent, err)
	}
	if _, err := n.ns.Send(id, []byte("again")); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("second send while in flight: %v", err)
	}
	_, w := n.ns.Select(nil, []SocketID{id})
	if len(w) != 0 {
		t.Fatalf("writable with a segment in flight")
	}

	n.step(0)
	seg := p.expectSegment(n.take())
	if seg.seq != p.ack || seg.ack != p.seq || string(seg.payload) != "world" || !seg.has(tcpFlagPSH) {
		t.Fatalf("unexpected segment seq %d ack %d %q flags %#x", seg.seq, seg.ack, seg.payload, seg.flags)
	}

	n.run(time.Second)
	frames := n.take()
	if len(frames) == 0 {
		t.Fatalf("no retransmission")
	}
	for _, f := range frames {
		re := p.expectSegment([][]byte{f})
		if re.seq != seg.seq || string(re.payload) != "world" {
			t.Fatalf("retransmission seq %d %q", re.seq, re.payload)
		}
	}
	if n.ns.Stat(StatTCPRetransmits) == 0 {
		t.Fatalf("retransmissions not counted")
	}

	p.ack += 5
	if got := p.send(tcpFlagACK, nil); len(got) != 0 {
		t.Fatalf("ack answered: %d frames", len(got))
	}
	_, w = n.ns.Select(nil, []SocketID{id})
	if len(w) != 1 {
		t.Fatalf("not writable after the ack")
	}
	n.run(5 * time.Second)
	if got := len(n.take()); got != 0 {
		t.Fatalf("retransmitted after the ack: %d frames", got)
	}
}

func TestTCPRetransmitLimitAborts(t *testing.T) {
	n := newReadyNet(t)
	id, _ := establish(t, n)
	if _, err := n.ns.Send(id, []byte("lost")); err != nil {
		t.Fatalf("send: %v", err)
	}
	n.run(130 * time.Second)

	if s := n.ns.Stat(StatTCPRetransmits); s != tcpMaxRetries {
		t.Fatalf("retransmits = %d, want %d", s, tcpMaxRetries)
	}
	frames := n.take()
	_, last := parseTCPFrame(t, frames[len(frames)-1])
	if !last.has(tcpFlagRST) {
		t.Fatalf("abort did not reset the peer, flags %#x", last.flags)
	}
	if st, _ := n.ns.SocketState(id); st != SocketClosed {
		t.Fatalf("state = %s, want closed", st)
	}
	if _, err := n.ns.Send(id, []byte("x")); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("send after abort: %v", err)
	}
	if err := n.ns.LastError(id); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("last error = %v", err)
	}
	if err := n.ns.LastError(id); err != nil {
		t.Fatalf("last error not cleared: %v", err)
	}
}

func TestTCPCoalesce(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n, OptCoalesce)

	for _, s := range []string{"ab", "cd"} {
		if _, err := n.ns.Send(id, []byte(s)); err != nil {
			t.Fatalf("send %q: %v", s, err)
		}
	}
	n.step(0)
	if got := len(n.take()); got != 0 {
		t.Fatalf("coalesced data sent before the tick")
	}
	n.step(tcpTickInterval)
	seg := p.expectSegment(n.take())
	if string(seg.payload) != "abcd" || !seg.has(tcpFlagPSH) {
		t.Fatalf("coalesced segment %q flags %#x", seg.payload, seg.flags)
	}
	if _, err := n.ns.Send(id, []byte("ef")); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("send while in flight: %v", err)
	}
}

func TestTCPActiveCloseLingers(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)

	if err := n.ns.CloseSocket(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := n.ns.Recv(id, nil); !errors.Is(err, ErrBadSocket) {
		t.Fatalf("handle valid after close: %v", err)
	}
	n.step(0)
	fin := p.expectSegment(n.take())
	if fin.flags != tcpFlagFIN|tcpFlagACK || fin.seq != p.ack {
		t.Fatalf("fin flags %#x seq %d", fin.flags, fin.seq)
	}
	sk := &n.ns.sockets[id.index]
	if sk.state != SocketFinWait1 {
		t.Fatalf("state = %s, want fin-wait-1", sk.state)
	}

	p.ack++
	p.send(tcpFlagACK, nil)
	if sk.state != SocketFinWait2 {
		t.Fatalf("state = %s, want fin-wait-2", sk.state)
	}

	last := p.expectSegment(p.send(tcpFlagFIN|tcpFlagACK, nil))
	if last.flags != tcpFlagACK || last.ack != p.seq {
		t.Fatalf("final ack flags %#x ack %d", last.flags, last.ack)
	}
	if sk.state != SocketTimeWait {
		t.Fatalf("state = %s, want time-wait", sk.state)
	}

	// A retransmitted FIN is acknowledged again.
	refin := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq - 1, ack: p.ack, flags: tcpFlagFIN | tcpFlagACK}
	if again := p.expectSegment(n.exchange(refin.frame())); again.ack != p.seq {
		t.Fatalf("re-ack %d", again.ack)
	}

	n.run(time.Duration(DefaultTimeWait+1) * time.Second)
	if sk.state != SocketFree {
		t.Fatalf("state = %s, want free", sk.state)
	}
}

func TestTCPPeerCloseSendsFin(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)

	fin := p.expectSegment(p.send(tcpFlagFIN|tcpFlagACK|tcpFlagPSH, []byte("bye")))
	if fin.flags != tcpFlagFIN|tcpFlagACK || fin.ack != p.seq {
		t.Fatalf("reply flags %#x ack %d, want FIN+ACK %d", fin.flags, fin.ack, p.seq)
	}
	if st, _ := n.ns.SocketState(id); st != SocketLastAck {
		t.Fatalf("state = %s, want last-ack", st)
	}
	r, _ := n.ns.Select([]SocketID{id}, nil)
	if len(r) != 1 {
		t.Fatalf("not readable after the peer closed")
	}

	buf := make([]byte, 16)
	got, err := n.ns.Recv(id, buf)
	if err != nil || string(buf[:got]) != "bye" {
		t.Fatalf("recv = %q, %v", buf[:got], err)
	}
	if _, err := n.ns.Recv(id, buf); !errors.Is(err, io.EOF) {
		t.Fatalf("recv after fin: %v", err)
	}
	if _, err := n.ns.Send(id, []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("send after close: %v", err)
	}

	p.ack++
	p.send(tcpFlagACK, nil)
	if st, _ := n.ns.SocketState(id); st != SocketClosed {
		t.Fatalf("state = %s, want closed", st)
	}
	if err := n.ns.CloseSocket(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n.ns.sockets[id.index].state != SocketFree {
		t.Fatalf("socket not freed")
	}
}

func TestTCPReset(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)

	if got := p.send(tcpFlagRST, nil); len(got) != 0 {
		t.Fatalf("reset answered")
	}
	if st, _ := n.ns.SocketState(id); st != SocketClosed {
		t.Fatalf("state = %s, want closed", st)
	}
	r, _ := n.ns.Select([]SocketID{id}, nil)
	if len(r) != 1 {
		t.Fatalf("reset socket not readable")
	}
	if _, err := n.ns.Recv(id, make([]byte, 1)); !errors.Is(err, ErrConnReset) {
		t.Fatalf("recv after reset: %v", err)
	}
	if n.ns.Stat(StatTCPResetsRx) != 1 || n.ns.Stat(StatTCPAborts) != 1 {
		t.Fatalf("resets %d aborts %d", n.ns.Stat(StatTCPResetsRx), n.ns.Stat(StatTCPAborts))
	}
}

func TestTCPResetForClosedPort(t *testing.T) {
	n := newReadyNet(t)

	syn := tcpSeg{sport: 40000, dport: 81, seq: 500, flags: tcpFlagSYN}
	_, rst := parseTCPFrame(t, expectOne(t, n.exchange(syn.frame())))
	if rst.flags != tcpFlagRST|tcpFlagACK || rst.ack != 501 || rst.seq != 0 {
		t.Fatalf("reset flags %#x seq %d ack %d", rst.flags, rst.seq, rst.ack)
	}

	stray := tcpSeg{sport: 40000, dport: 81, seq: 500, ack: 7777, flags: tcpFlagACK}
	_, rst = parseTCPFrame(t, expectOne(t, n.exchange(stray.frame())))
	if rst.flags != tcpFlagRST || rst.seq != 7777 {
		t.Fatalf("reset flags %#x seq %d", rst.flags, rst.seq)
	}

	reset := tcpSeg{sport: 40000, dport: 81, seq: 500, flags: tcpFlagRST}
	if got := n.exchange(reset.frame()); len(got) != 0 {
		t.Fatalf("reset answered with a reset")
	}
}

func TestTCPBadChecksumDropped(t *testing.T) {
	n := newReadyNet(t)
	seg := tcpSeg{sport: 40000, dport: 81, seq: 500, flags: tcpFlagSYN}.bytes(peerIP, testIP)
	seg[16] ^= 0xff
	if got := n.exchange(ipFrame(peerMAC, peerIP, testIP, tcpProtocolNumber, seg)); len(got) != 0 {
		t.Fatalf("corrupt segment answered")
	}
	if s := n.ns.Stat(StatTCPBadChecksum); s != 1 {
		t.Fatalf("bad checksum = %d, want 1", s)
	}
}

func TestTCPListenerHoldsOneRequest(t *testing.T) {
	n := newReadyNet(t)
	l := listenTCP(t, n, 80)

	r, _ := n.ns.Select([]SocketID{l}, nil)
	if len(r) != 0 {
		t.Fatalf("idle listener readable")
	}
	n.exchange(tcpSeg{sport: 40000, dport: 80, seq: 1, flags: tcpFlagSYN}.frame())
	n.exchange(tcpSeg{sport: 40001, dport: 80, seq: 1, flags: tcpFlagSYN}.frame())
	if s := n.ns.Stat(StatTCPRejectedBusy); s != 1 {
		t.Fatalf("rejected = %d, want 1", s)
	}
	r, _ = n.ns.Select([]SocketID{l}, nil)
	if len(r) != 1 {
		t.Fatalf("listener with a pending request not readable")
	}

	id, err := n.ns.Accept(l)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	n.step(0)
	_, synAck := parseTCPFrame(t, expectOne(t, n.take()))
	if synAck.dstPort != 40000 {
		t.Fatalf("accepted the wrong request: port %d", synAck.dstPort)
	}
	// No MSS option from the peer means the default.
	if mss := n.ns.sockets[id.index].mss; mss != tcpDefaultMSS {
		t.Fatalf("mss = %d, want %d", mss, tcpDefaultMSS)
	}

	// The SYN+ACK is retransmitted until the handshake completes.
	n.run(2 * time.Second)
	frames := n.take()
	if len(frames) == 0 {
		t.Fatalf("syn-ack not retransmitted")
	}
	_, re := parseTCPFrame(t, frames[0])
	if re.flags != tcpFlagSYN|tcpFlagACK || re.seq != synAck.seq {
		t.Fatalf("retransmission flags %#x seq %d", re.flags, re.seq)
	}
}

func TestTCPActiveOpen(t *testing.T) {
	n := newReadyNet(t)
	id, err := n.ns.Socket(SockStream)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if err := n.ns.Connect(id, netip.AddrPortFrom(peerIP.netip(), 80)); !errors.Is(err, ErrInProgress) {
		t.Fatalf("connect: %v", err)
	}
	if st, _ := n.ns.SocketState(id); st != SocketSynTx {
		t.Fatalf("state = %s, want syn-tx", st)
	}
	if _, err := n.ns.Send(id, []byte("x")); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("send while connecting: %v", err)
	}
	n.step(0)
	_, op, _, _, tpa := parseARPFrame(t, expectOne(t, n.take()))
	if op != arpOpRequest || tpa != peerIP {
		t.Fatalf("expected an arp request for the peer")
	}

	n.deliver(arpFrame(testMAC, arpOpReply, peerMAC, peerIP, testMAC, testIP))
	n.step(tcpTickInterval)
	local, _ := n.ns.GetSockName(id)
	p := &tcpPeer{t: t, n: n, sport: 80, dport: local.Port(), seq: 9000}
	syn := p.expectSegment(n.take())
	if syn.flags != tcpFlagSYN {
		t.Fatalf("syn flags %#x", syn.flags)
	}
	if mss, ok := parseTCPMSS(syn.options); !ok || mss != 1460 {
		t.Fatalf("syn mss = %d, %v", mss, ok)
	}
	if local.Port() < ephemeralFirst || local.Addr() != testIP.netip() {
		t.Fatalf("local = %s", local)
	}

	p.ack = syn.seq + 1
	synAck := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq, ack: p.ack, flags: tcpFlagSYN | tcpFlagACK, mss: 1000}
	p.seq++
	ack := p.expectSegment(n.exchange(synAck.frame()))
	if ack.flags != tcpFlagACK || ack.ack != p.seq || ack.seq != p.ack {
		t.Fatalf("handshake ack flags %#x seq %d ack %d", ack.flags, ack.seq, ack.ack)
	}
	if st, _ := n.ns.SocketState(id); st != SocketConnected {
		t.Fatalf("state = %s, want connected", st)
	}
	if mss := n.ns.sockets[id.index].mss; mss != 1000 {
		t.Fatalf("mss = %d, want the peer's 1000", mss)
	}

	big := make([]byte, 3000)
	sent, err := n.ns.Send(id, big)
	if err != nil || sent != 1000 {
		t.Fatalf("send = %d, %v; want one segment of 1000", sent, err)
	}
}

func TestTCPActiveOpenRejected(t *testing.T) {
	n := newReadyNet(t)
	n.exchange(arpFrame(testMAC, arpOpReply, peerMAC, peerIP, testMAC, testIP))
	id, _ := n.ns.Socket(SockStream)
	_ = n.ns.Connect(id, netip.AddrPortFrom(peerIP.netip(), 80))
	n.step(0)
	local, _ := n.ns.GetSockName(id)
	p := &tcpPeer{t: t, n: n, sport: 80, dport: local.Port(), seq: 9000}
	syn := p.expectSegment(n.take())

	// A reset for a different sequence number is ignored.
	bogus := tcpSeg{sport: 80, dport: local.Port(), ack: syn.seq + 7, flags: tcpFlagRST | tcpFlagACK}
	n.exchange(bogus.frame())
	if st, _ := n.ns.SocketState(id); st != SocketSynSent {
		t.Fatalf("state = %s, want syn-sent", st)
	}

	refused := tcpSeg{sport: 80, dport: local.Port(), ack: syn.seq + 1, flags: tcpFlagRST | tcpFlagACK}
	n.exchange(refused.frame())
	if st, _ := n.ns.SocketState(id); st != SocketClosed {
		t.Fatalf("state = %s, want closed", st)
	}
	if err := n.ns.LastError(id); !errors.Is(err, ErrConnReset) {
		t.Fatalf("last error = %v", err)
	}
}

func TestTCPConnectTimesOutResolving(t *testing.T) {
	n := newReadyNet(t)
	id, _ := n.ns.Socket(SockStream)
	if err := n.ns.Connect(id, netip.AddrPortFrom(peerIP.netip(), 80)); !errors.Is(err, ErrInProgress) {
		t.Fatalf("connect: %v", err)
	}
	n.run(6 * time.Second)
	if st, _ := n.ns.SocketState(id); st != SocketClosed {
		t.Fatalf("state = %s, want closed", st)
	}
	if _, err := n.ns.Recv(id, nil); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("recv = %v, want ErrTimedOut", err)
	}
}

func TestTCPConnectNeedsAddress(t *testing.T) {
	n := newTestNet(t, testConfig())
	id, _ := n.ns.Socket(SockStream)
	if err := n.ns.Connect(id, netip.AddrPortFrom(peerIP.netip(), 80)); !errors.Is(err, ErrNotReady) {
		t.Fatalf("connect before ready: %v", err)
	}
}

func TestTCPTimeWaitReclaimedBySyn(t *testing.T) {
	n := newReadyNet(t)
	id, p := establish(t, n)
	_ = n.ns.CloseSocket(id)
	n.step(0)
	n.take()
	p.ack++
	p.send(tcpFlagACK, nil)
	p.send(tcpFlagFIN|tcpFlagACK, nil)
	if n.ns.sockets[id.index].state != SocketTimeWait {
		t.Fatalf("state = %s, want time-wait", n.ns.sockets[id.index].state)
	}

	// The same four-tuple reconnects: the lingering socket goes away and
	// the listener holds the new request.
	syn := tcpSeg{sport: p.sport, dport: p.dport, seq: p.seq + 1000, flags: tcpFlagSYN}
	if got := n.exchange(syn.frame()); len(got) != 0 {
		t.Fatalf("new connection request answered before accept: %d frames", len(got))
	}
	if n.ns.sockets[id.index].state != SocketFree {
		t.Fatalf("time-wait socket not reclaimed")
	}
	if !n.ns.sockets[0].pending.valid {
		t.Fatalf("listener did not take the request")
	}
}

func TestTCPRTTEstimator(t *testing.T) {
	r := newTCPRTTEstimator()
	if r.rto != tcpInitialRTO {
		t.Fatalf("initial rto = %d", r.rto)
	}
	r.update(4)
	if r.srtt != 32 || r.rttVar != 8 || r.rto != 12 {
		t.Fatalf("first sample: srtt %d rttvar %d rto %d", r.srtt, r.rttVar, r.rto)
	}
	r.update(4)
	if r.rto < tcpMinRTO || r.rto > 12 {
		t.Fatalf("steady rto = %d", r.rto)
	}
	for range 20 {
		r.backoff()
	}
	if r.rto != tcpMaxRTO {
		t.Fatalf("backoff rto = %d, want %d", r.rto, tcpMaxRTO)
	}
	r.update(0)
	r.update(0)
	r.update(0)
	if r.rto < tcpMinRTO {
		t.Fatalf("rto %d below the minimum", r.rto)
	}
}
