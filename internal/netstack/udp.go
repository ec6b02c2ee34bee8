package netstack

import (
	"fmt"
	"net"
	"net/netip"
)

////////////////////////////////////////////////////////////////////////////////
// UDP.
////////////////////////////////////////////////////////////////////////////////

// UDPInfo describes one datagram. For received datagrams every field is
// filled in and Payload, like RemoteMAC, is only valid for the duration of
// the callback. For SendUDP, LocalIP may be left invalid to use the
// interface address and RemoteMAC may be nil to resolve it with ARP.
type UDPInfo struct {
	LocalIP    netip.Addr
	LocalPort  uint16
	RemoteIP   netip.Addr
	RemotePort uint16
	RemoteMAC  net.HardwareAddr
	Payload    []byte
}

// DatagramWriter sends datagrams from inside a DatagramListener callback.
type DatagramWriter interface {
	SendUDP(info *UDPInfo) error
}

// DatagramListener receives datagrams for one local port. HandleDatagram
// runs synchronously from Periodic; it must not call methods on the Stack
// and should reply through w instead.
type DatagramListener interface {
	HandleDatagram(w DatagramWriter, info *UDPInfo)
}

// DatagramListenerFunc adapts a function to DatagramListener.
type DatagramListenerFunc func(w DatagramWriter, info *UDPInfo)

func (f DatagramListenerFunc) HandleDatagram(w DatagramWriter, info *UDPInfo) { f(w, info) }

// datagramHandler is the internal form used by the DHCP client.
type datagramHandler func(h ipv4Header, u udpHeader, srcMAC macAddr)

type udpListener struct {
	port     uint16
	listener DatagramListener
	internal datagramHandler
}

func (l *udpListener) free() bool { return l.listener == nil && l.internal == nil }

// lockedWriter is handed to listeners; the stack lock is already held.
type lockedWriter struct{ ns *Stack }

func (w lockedWriter) SendUDP(info *UDPInfo) error { return w.ns.sendUDP(info) }

// ListenUDP registers l for datagrams arriving on port.
func (ns *Stack) ListenUDP(port uint16, l DatagramListener) error {
	if port == 0 || l == nil {
		return ErrInvalid
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.listenUDP(port, l)
}

func (ns *Stack) listenUDP(port uint16, l any) error {
	if ns.udpPortInUse(port) {
		return fmt.Errorf("udp port %d: %w", port, ErrAddrInUse)
	}
	for i := range ns.udp {
		u := &ns.udp[i]
		if !u.free() {
			continue
		}
		u.port = port
		switch l := l.(type) {
		case DatagramListener:
			u.listener = l
		case datagramHandler:
			u.internal = l
		}
		return nil
	}
	return fmt.Errorf("udp listener table: %w", ErrTableFull)
}

// CloseUDP removes the listener registered on port.
func (ns *Stack) CloseUDP(port uint16) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for i := range ns.udp {
		u := &ns.udp[i]
		if !u.free() && u.port == port && u.internal == nil {
			*u = udpListener{}
			return nil
		}
	}
	return fmt.Errorf("udp port %d: %w", port, ErrInvalid)
}

func (ns *Stack) udpPortInUse(port uint16) bool {
	for i := range ns.udp {
		if !ns.udp[i].free() && ns.udp[i].port == port {
			return true
		}
	}
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ == SockDgram && sk.state != SocketFree && sk.localPort == port {
			return true
		}
	}
	return false
}

// SendUDP transmits one datagram. Datagrams larger than the MTU are
// fragmented. ErrHostUnresolved means an ARP request went out and the call
// should be retried after a later Periodic.
func (ns *Stack) SendUDP(info *UDPInfo) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.sendUDP(info)
}

func (ns *Stack) sendUDP(info *UDPInfo) error {
	if info == nil || !info.RemoteIP.Is4() || info.RemotePort == 0 {
		return ErrInvalid
	}
	dst := ipFromNetip(info.RemoteIP)
	src := ipFromNetip(info.LocalIP)
	if !ns.ownsIP(src) {
		src = ns.sourceFor(dst)
	}

	// Without an address only broadcasts (DHCP) may leave.
	if ns.state != StateReady && !(dst == ipBroadcast && src == 0) {
		return ErrNotReady
	}

	var dstMAC macAddr
	switch {
	case len(info.RemoteMAC) == 6 && macFrom(info.RemoteMAC) != macZero:
		dstMAC = macFrom(info.RemoteMAC)
	default:
		mac, err := ns.resolve(dst)
		if err != nil {
			return err
		}
		dstMAC = mac
	}

	return ns.transmitUDP(dstMAC, src, dst, info.LocalPort, info.RemotePort, info.Payload)
}

// transmitUDP builds the header and checksum and hands the datagram to the
// IP layer.
func (ns *Stack) transmitUDP(dstMAC macAddr, src, dst ipAddr, srcPort, dstPort uint16, payload []byte) error {
	var hdr [udpHeaderLen]byte
	length := udpHeaderLen + len(payload)
	if length > 0xffff {
		return ErrMessageSize
	}
	putUDPHeader(hdr[:], srcPort, dstPort, length)
	sum := sum16(hdr[:], pseudoHeaderChecksum(src, dst, udpProtocolNumber, length))
	c := ^fold(sum16(payload, sum))
	if c == 0 {
		c = 0xffff
	}
	hdr[6] = byte(c >> 8)
	hdr[7] = byte(c)

	if err := ns.sendDatagram(dstMAC, src, dst, udpProtocolNumber, hdr[:], payload); err != nil {
		return err
	}
	ns.stats.inc(StatUDPTx)
	return nil
}

func (ns *Stack) handleUDP(eth ethernetHeader, h ipv4Header) error {
	u, err := parseUDPHeader(h.payload)
	if err != nil {
		ns.stats.inc(StatIPBadLength)
		return err
	}
	if u.checksum != 0 && transportChecksum(h.src, h.dst, udpProtocolNumber, h.payload[:u.length]) != 0 {
		ns.stats.inc(StatUDPBadChecksum)
		return fmt.Errorf("udp checksum mismatch from %s:%d", h.src, u.srcPort)
	}
	ns.stats.inc(StatUDPRx)

	for i := range ns.udp {
		l := &ns.udp[i]
		if l.free() || l.port != u.dstPort {
			continue
		}
		if l.internal != nil {
			l.internal(h, u, eth.src)
			return nil
		}
		ns.macScratch = eth.src
		info := &ns.udpScratch
		*info = UDPInfo{
			LocalIP:    h.dst.netip(),
			LocalPort:  u.dstPort,
			RemoteIP:   h.src.netip(),
			RemotePort: u.srcPort,
			RemoteMAC:  ns.macScratch[:],
			Payload:    u.payload,
		}
		l.listener.HandleDatagram(lockedWriter{ns}, info)
		*info = UDPInfo{}
		return nil
	}

	if ns.deliverDatagramSocket(h, u, eth.src) {
		return nil
	}
	ns.stats.inc(StatUDPNoListener)
	return nil
}
