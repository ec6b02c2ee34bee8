package netstack

import (
	"errors"
	"net/netip"
	"testing"
	"time"
)

func TestSocketBind(t *testing.T) {
	n := newReadyNet(t)
	a, _ := n.ns.Socket(SockStream)
	b, _ := n.ns.Socket(SockStream)
	d, _ := n.ns.Socket(SockDgram)

	if err := n.ns.Bind(a, netip.MustParseAddrPort("192.168.1.10:80")); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := n.ns.Bind(a, netip.MustParseAddrPort("192.168.1.10:81")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("rebind: %v", err)
	}
	if err := n.ns.Bind(b, netip.MustParseAddrPort("0.0.0.0:80")); !errors.Is(err, ErrAddrInUse) {
		t.Fatalf("port conflict: %v", err)
	}
	if err := n.ns.Bind(b, netip.MustParseAddrPort("192.168.1.99:80")); !errors.Is(err, ErrInvalid) {
		t.Fatalf("non-local address: %v", err)
	}
	// Stream and datagram ports are separate namespaces.
	if err := n.ns.Bind(d, netip.MustParseAddrPort("0.0.0.0:80")); err != nil {
		t.Fatalf("datagram bind: %v", err)
	}

	if err := n.ns.Bind(b, netip.AddrPort{}); err != nil {
		t.Fatalf("ephemeral bind: %v", err)
	}
	local, _ := n.ns.GetSockName(b)
	if local.Port() < ephemeralFirst {
		t.Fatalf("ephemeral port %d", local.Port())
	}
	if _, err := n.ns.GetPeerName(b); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("peer of an unconnected socket: %v", err)
	}
}

func TestSocketListenAndAcceptErrors(t *testing.T) {
	n := newReadyNet(t)
	s, _ := n.ns.Socket(SockStream)
	if err := n.ns.Listen(s); !errors.Is(err, ErrInvalid) {
		t.Fatalf("listen before bind: %v", err)
	}
	if _, err := n.ns.Accept(s); !errors.Is(err, ErrInvalid) {
		t.Fatalf("accept before listen: %v", err)
	}
	d, _ := n.ns.Socket(SockDgram)
	if err := n.ns.Listen(d); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("listen on a datagram socket: %v", err)
	}
	if _, err := n.ns.Accept(d); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("accept on a datagram socket: %v", err)
	}
	if _, err := n.ns.Socket(SocketType(9)); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown socket type: %v", err)
	}

	l := listenTCP(t, n, 8080)
	if _, err := n.ns.Recv(l, make([]byte, 1)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("recv on a listener: %v", err)
	}
	if err := n.ns.Connect(l, netip.MustParseAddrPort("192.168.1.20:80")); !errors.Is(err, ErrIsConnected) {
		t.Fatalf("connect on a listener: %v", err)
	}
	if err := n.ns.Connect(s, netip.AddrPort{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("connect to nothing: %v", err)
	}
}

func TestSocketStaleHandles(t *testing.T) {
	n := newReadyNet(t)
	id, _ := n.ns.Socket(SockDgram)
	if err := n.ns.CloseSocket(id); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := n.ns.CloseSocket(id); !errors.Is(err, ErrBadSocket) {
		t.Fatalf("double close: %v", err)
	}

	next, _ := n.ns.Socket(SockDgram)
	if next.index != id.index || next.gen == id.gen {
		t.Fatalf("slot reuse: old %s new %s", id, next)
	}
	if _, err := n.ns.SocketState(id); !errors.Is(err, ErrBadSocket) {
		t.Fatalf("stale handle resolved: %v", err)
	}
	if err := n.ns.Bind(SocketID{}, netip.AddrPort{}); !errors.Is(err, ErrBadSocket) {
		t.Fatalf("zero handle: %v", err)
	}
	if err := n.ns.SetSockOpt(SocketID{index: 999, gen: 1}, OptNoDelay, true); !errors.Is(err, ErrBadSocket) {
		t.Fatalf("out of range handle: %v", err)
	}

	r, w := n.ns.Select([]SocketID{id, next}, []SocketID{id, next})
	if len(r) != 0 || len(w) != 1 || w[0] != next {
		t.Fatalf("select r=%v w=%v", r, w)
	}
}

func TestSocketTableFull(t *testing.T) {
	n := newReadyNet(t)
	var ids []SocketID
	for range DefaultSockets {
		id, err := n.ns.Socket(SockStream)
		if err != nil {
			t.Fatalf("socket: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := n.ns.Socket(SockStream); !errors.Is(err, ErrTableFull) {
		t.Fatalf("expected ErrTableFull, got %v", err)
	}
	_ = n.ns.CloseSocket(ids[3])
	if _, err := n.ns.Socket(SockStream); err != nil {
		t.Fatalf("socket after close: %v", err)
	}
}

func TestSocketReclaimsLingering(t *testing.T) {
	cfg := testConfig()
	cfg.Sockets = 2
	n := newTestNet(t, cfg)
	n.run(5 * time.Second)
	n.take()

	id, p := establish(t, n)
	_ = n.ns.CloseSocket(id)
	n.step(0)
	n.take()
	p.ack++
	p.send(tcpFlagACK, nil)
	if n.ns.sockets[id.index].state != SocketFinWait2 {
		t.Fatalf("state = %s, want fin-wait-2", n.ns.sockets[id.index].state)
	}

	// The table holds the listener and the lingering socket; a new socket
	// takes the lingering one's slot.
	fresh, err := n.ns.Socket(SockStream)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	if fresh.index != id.index {
		t.Fatalf("reclaimed slot %d, want %d", fresh.index, id.index)
	}
}

func TestSocketOptionsAndIoctl(t *testing.T) {
	n := newReadyNet(t)
	id, _ := n.ns.Socket(SockStream)
	for _, o := range []SockOpt{OptAckOnData, OptRejectWhileBusy, OptCoalesce, OptReuseAddr, OptKeepAlive, OptNoDelay, OptBroadcast, OptLinger} {
		if err := n.ns.SetSockOpt(id, o, true); err != nil {
			t.Fatalf("option %d: %v", o, err)
		}
	}
	if err := n.ns.SetSockOpt(id, SockOpt(100), true); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown option: %v", err)
	}
	if err := n.ns.IoctlSocket(id, IoctlFIONBIO, nil); err != nil {
		t.Fatalf("FIONBIO: %v", err)
	}
	if err := n.ns.IoctlSocket(id, IoctlFIONREAD, nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("FIONREAD without arg: %v", err)
	}
	if err := n.ns.IoctlSocket(id, IoctlCmd(42), nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("unknown ioctl: %v", err)
	}
	if err := n.ns.LastError(id); err != nil {
		t.Fatalf("fresh socket has an error: %v", err)
	}
}

func TestSocketStateStrings(t *testing.T) {
	if SocketTimeWait.String() != "time-wait" || SocketState(99).String() != "SocketState(99)" {
		t.Fatalf("state strings %q %q", SocketTimeWait, SocketState(99))
	}
	if SockDgram.String() != "dgram" || SockStream.String() != "stream" {
		t.Fatalf("type strings")
	}
	if got := (SocketID{index: 3, gen: 7}).String(); got != "sock3.7" {
		t.Fatalf("id string %q", got)
	}
}
