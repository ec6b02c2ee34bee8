package netstack

import (
	"fmt"
	"io"
	"net/netip"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

////////////////////////////////////////////////////////////////////////////////
// Socket table.
////////////////////////////////////////////////////////////////////////////////

// SocketType selects stream (TCP) or datagram (UDP) semantics.
type SocketType uint8

const (
	SockStream SocketType = iota + 1
	SockDgram
)

func (t SocketType) String() string {
	switch t {
	case SockStream:
		return "stream"
	case SockDgram:
		return "dgram"
	}
	return fmt.Sprintf("SocketType(%d)", uint8(t))
}

// SocketState is the lifecycle state of one socket.
type SocketState uint8

const (
	SocketFree SocketState = iota
	SocketClosed
	SocketBound
	SocketListen
	// SocketSynTx waits for the next hop to resolve before sending a SYN.
	SocketSynTx
	SocketSynSent
	// SocketSynAckTx got the peer's SYN+ACK but could not send the final ACK.
	SocketSynAckTx
	SocketSynRcvd
	SocketConnected
	SocketFinWait1
	SocketFinWait2
	SocketClosing
	SocketTimeWait
	SocketLastAck
)

var socketStateNames = [...]string{
	SocketFree:      "free",
	SocketClosed:    "closed",
	SocketBound:     "bound",
	SocketListen:    "listen",
	SocketSynTx:     "syn-tx",
	SocketSynSent:   "syn-sent",
	SocketSynAckTx:  "syn-ack-tx",
	SocketSynRcvd:   "syn-rcvd",
	SocketConnected: "connected",
	SocketFinWait1:  "fin-wait-1",
	SocketFinWait2:  "fin-wait-2",
	SocketClosing:   "closing",
	SocketTimeWait:  "time-wait",
	SocketLastAck:   "last-ack",
}

func (s SocketState) String() string {
	if int(s) < len(socketStateNames) {
		return socketStateNames[s]
	}
	return fmt.Sprintf("SocketState(%d)", uint8(s))
}

// SocketID is a generation-checked socket handle. The zero value is never a
// valid handle, and a handle goes stale once its socket is freed.
type SocketID struct {
	index uint16
	gen   uint16
}

func (id SocketID) String() string { return fmt.Sprintf("sock%d.%d", id.index, id.gen) }

// SockOpt names a socket option for SetSockOpt.
type SockOpt int

const (
	// OptAckOnData acknowledges every received segment immediately instead
	// of on the next 100ms tick.
	OptAckOnData SockOpt = iota + 1
	// OptRejectWhileBusy answers data that arrives while the receive slot is
	// still full with a zero-window ACK.
	OptRejectWhileBusy
	// OptCoalesce lets consecutive Sends fill one segment, which is then
	// transmitted when full or on the next tick.
	OptCoalesce
	// Accepted for compatibility; they have no effect.
	OptReuseAddr
	OptKeepAlive
	OptNoDelay
	OptBroadcast
	OptLinger
)

// IoctlCmd names a request for IoctlSocket.
type IoctlCmd int

const (
	// IoctlFIONREAD stores the number of readable bytes in arg.
	IoctlFIONREAD IoctlCmd = iota + 1
	// IoctlFIONBIO is accepted; sockets are always non-blocking.
	IoctlFIONBIO
)

// pendingSYN is a connection request waiting for Accept.
type pendingSYN struct {
	valid  bool
	local  ipAddr
	ip     ipAddr
	port   uint16
	mac    macAddr
	seq    seqnum.Value
	mss    uint16
	window uint16
}

type socket struct {
	gen        uint16
	typ        SocketType
	state      SocketState
	userClosed bool // the owner gave up the handle
	closeReq   bool // a FIN is owed to the peer
	finSent    bool
	peerClosed bool
	ackPending bool
	needSynAck bool

	optAckOnData  bool
	optRejectBusy bool
	optCoalesce   bool

	localIP    ipAddr
	localPort  uint16
	remoteIP   ipAddr
	remotePort uint16
	remoteMAC  macAddr

	sndUna   seqnum.Value
	sndNxt   seqnum.Value
	rcvNxt   seqnum.Value
	inflight seqnum.Size
	peerWnd  uint16
	mss      uint16

	// tx is the single retained segment: unsent coalesced data, or the
	// segment waiting for its ACK.
	tx     bufHandle
	txLen  int
	txSent bool
	txPush bool

	rtt           tcpRTTEstimator
	timer         int // ticks until retransmission
	retries       int
	sentAt        uint32
	retransmitted bool
	synTicks      int

	linger int // seconds left in TimeWait or FinWait2
	idle   uint32

	rxBuf      []byte
	rxLen      int
	rxOff      int
	rxFrom     ipAddr
	rxFromPort uint16

	pending pendingSYN
	lastErr error
}

func (sk *socket) rxReady() int { return sk.rxLen - sk.rxOff }

func (ns *Stack) localMSS() int { return ns.mtu - ipv4HeaderLen - tcpHeaderLen }

// lookup resolves a handle. Stale handles and sockets the owner already
// closed report ErrBadSocket.
func (ns *Stack) lookup(id SocketID) (*socket, error) {
	if id.gen == 0 || int(id.index) >= len(ns.sockets) {
		return nil, ErrBadSocket
	}
	sk := &ns.sockets[id.index]
	if sk.gen != id.gen || sk.state == SocketFree || sk.userClosed {
		return nil, ErrBadSocket
	}
	return sk, nil
}

// allocSocket takes a free socket or, failing that, reclaims the lingering
// socket that has been idle longest.
func (ns *Stack) allocSocket(typ SocketType) (int, bool) {
	victim := -1
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.state == SocketFree {
			victim = i
			break
		}
		lingering := sk.userClosed && (sk.state == SocketTimeWait || sk.state == SocketFinWait2)
		if lingering && (victim < 0 || sk.idle < ns.sockets[victim].idle) {
			victim = i
		}
	}
	if victim < 0 {
		return -1, false
	}
	sk := &ns.sockets[victim]
	if sk.state != SocketFree {
		ns.log.Debug("netstack: reclaiming lingering socket", "state", sk.state, "port", sk.localPort)
		ns.freeSocket(sk)
	}
	*sk = socket{
		gen:   sk.gen,
		rxBuf: sk.rxBuf,
		typ:   typ,
		state: SocketClosed,
		rtt:   newTCPRTTEstimator(),
		idle:  ns.clock.seconds,
	}
	return victim, true
}

// freeSocket returns a socket to the free list and invalidates its handles.
func (ns *Stack) freeSocket(sk *socket) {
	if sk.tx.valid() {
		ns.pool.release(sk.tx)
	}
	gen := sk.gen + 1
	if gen == 0 {
		gen = 1
	}
	*sk = socket{gen: gen, rxBuf: sk.rxBuf}
}

func (ns *Stack) portInUse(typ SocketType, port uint16) bool {
	if typ == SockDgram {
		return ns.udpPortInUse(port)
	}
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ == SockStream && sk.state != SocketFree && !sk.userClosed && sk.localPort == port {
			return true
		}
	}
	return false
}

func (ns *Stack) ephemeralPort(typ SocketType) uint16 {
	for range 65536 - ephemeralFirst {
		p := ns.nextPort
		ns.nextPort++
		if ns.nextPort < ephemeralFirst {
			ns.nextPort = ephemeralFirst
		}
		if !ns.portInUse(typ, p) {
			return p
		}
	}
	return 0
}

////////////////////////////////////////////////////////////////////////////////
// Socket API.
////////////////////////////////////////////////////////////////////////////////

// Socket allocates a socket of the given type.
func (ns *Stack) Socket(typ SocketType) (SocketID, error) {
	if typ != SockStream && typ != SockDgram {
		return SocketID{}, ErrInvalid
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	i, ok := ns.allocSocket(typ)
	if !ok {
		return SocketID{}, fmt.Errorf("socket table: %w", ErrTableFull)
	}
	return SocketID{index: uint16(i), gen: ns.sockets[i].gen}, nil
}

// Bind assigns a local address. An invalid or unspecified address binds to
// every local address; port 0 picks an ephemeral port.
func (ns *Stack) Bind(id SocketID, addr netip.AddrPort) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	if sk.state != SocketClosed || sk.localPort != 0 {
		return fmt.Errorf("bind %s: %w", id, ErrInvalid)
	}
	ip := ipFromNetip(addr.Addr())
	if ip != 0 && !ns.ownsIP(ip) {
		return fmt.Errorf("bind %s: address %s is not local: %w", id, addr.Addr(), ErrInvalid)
	}
	port := addr.Port()
	if port == 0 {
		if port = ns.ephemeralPort(sk.typ); port == 0 {
			return fmt.Errorf("bind %s: %w", id, ErrAddrInUse)
		}
	} else if ns.portInUse(sk.typ, port) {
		return fmt.Errorf("bind %s port %d: %w", id, port, ErrAddrInUse)
	}
	sk.localIP = ip
	sk.localPort = port
	sk.state = SocketBound
	return nil
}

// Listen marks a bound stream socket as accepting connections. One
// connection request is held at a time; further SYNs are dropped until
// Accept takes it, and the peers retransmit.
func (ns *Stack) Listen(id SocketID) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	if sk.typ != SockStream {
		return ErrNotSupported
	}
	if sk.state != SocketBound {
		return fmt.Errorf("listen %s in state %s: %w", id, sk.state, ErrInvalid)
	}
	sk.state = SocketListen
	return nil
}

// Accept takes the pending connection request of a listening socket and
// answers it with a SYN+ACK. The returned socket is in SocketSynRcvd and
// becomes connected when the peer acknowledges.
func (ns *Stack) Accept(id SocketID) (SocketID, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	l, err := ns.lookup(id)
	if err != nil {
		return SocketID{}, err
	}
	if l.typ != SockStream {
		return SocketID{}, ErrNotSupported
	}
	if l.state != SocketListen {
		return SocketID{}, fmt.Errorf("accept %s in state %s: %w", id, l.state, ErrInvalid)
	}
	if !l.pending.valid {
		return SocketID{}, ErrWouldBlock
	}
	i, ok := ns.allocSocket(SockStream)
	if !ok {
		return SocketID{}, ErrWouldBlock
	}
	p := l.pending
	l.pending = pendingSYN{}

	sk := &ns.sockets[i]
	sk.state = SocketSynRcvd
	sk.localIP = p.local
	sk.localPort = l.localPort
	sk.remoteIP = p.ip
	sk.remotePort = p.port
	sk.remoteMAC = p.mac
	sk.rcvNxt = p.seq.Add(1)
	sk.mss = uint16(min(int(p.mss), ns.localMSS()))
	sk.peerWnd = p.window
	sk.optAckOnData = l.optAckOnData
	sk.optRejectBusy = l.optRejectBusy
	sk.optCoalesce = l.optCoalesce
	iss := ns.newISS()
	sk.sndUna, sk.sndNxt = iss, iss

	ns.stats.inc(StatTCPAccepted)
	if !ns.tcpSendSynAck(sk) {
		sk.needSynAck = true
	}
	ns.log.Debug("netstack: tcp accept", "local", sk.localPort, "remote", p.ip, "port", p.port)
	return SocketID{index: uint16(i), gen: sk.gen}, nil
}

// Connect starts an active open and returns ErrInProgress; the socket
// reaches SocketConnected after later Periodic calls, or SocketClosed with
// LastError set. For datagram sockets it sets the default destination.
func (ns *Stack) Connect(id SocketID, addr netip.AddrPort) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	dst := ipFromNetip(addr.Addr())
	if dst == 0 || addr.Port() == 0 {
		return fmt.Errorf("connect %s to %s: %w", id, addr, ErrInvalid)
	}
	if sk.state != SocketClosed && sk.state != SocketBound {
		return fmt.Errorf("connect %s in state %s: %w", id, sk.state, ErrIsConnected)
	}
	if ns.state != StateReady {
		return ErrNotReady
	}
	if sk.localPort == 0 {
		if sk.localPort = ns.ephemeralPort(sk.typ); sk.localPort == 0 {
			return ErrAddrInUse
		}
	}
	if sk.localIP == 0 {
		sk.localIP = ns.sourceFor(dst)
	}
	sk.remoteIP = dst
	sk.remotePort = addr.Port()

	if sk.typ == SockDgram {
		sk.state = SocketBound
		return nil
	}

	iss := ns.newISS()
	sk.sndUna, sk.sndNxt = iss, iss
	sk.mss = uint16(ns.localMSS())
	sk.state = SocketSynTx
	sk.synTicks = 0
	ns.tcpSendSyn(sk)
	return ErrInProgress
}

// Send queues data on a connected stream socket and returns how much was
// taken. Only one segment is in flight at a time, so a second Send before
// the first is acknowledged reports ErrWouldBlock unless OptCoalesce is set
// and the pending segment has room.
func (ns *Stack) Send(id SocketID, p []byte) (int, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return 0, err
	}
	if sk.typ == SockDgram {
		if sk.remoteIP == 0 {
			return 0, ErrNotConnected
		}
		return ns.sendTo(sk, p, sk.remoteIP, sk.remotePort)
	}
	return ns.tcpSend(sk, p)
}

// SendTo sends one datagram to addr. On stream sockets addr is ignored.
func (ns *Stack) SendTo(id SocketID, p []byte, addr netip.AddrPort) (int, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return 0, err
	}
	if sk.typ == SockStream {
		return ns.tcpSend(sk, p)
	}
	return ns.sendTo(sk, p, ipFromNetip(addr.Addr()), addr.Port())
}

func (ns *Stack) sendTo(sk *socket, p []byte, dst ipAddr, port uint16) (int, error) {
	if dst == 0 || port == 0 {
		return 0, ErrInvalid
	}
	if sk.localPort == 0 {
		if sk.localPort = ns.ephemeralPort(SockDgram); sk.localPort == 0 {
			return 0, ErrAddrInUse
		}
		sk.state = SocketBound
	}
	info := UDPInfo{
		LocalPort:  sk.localPort,
		RemoteIP:   dst.netip(),
		RemotePort: port,
		Payload:    p,
	}
	if sk.localIP != 0 {
		info.LocalIP = sk.localIP.netip()
	}
	if err := ns.sendUDP(&info); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Recv copies received data. A stream socket whose peer has closed and
// whose data has been read returns io.EOF.
func (ns *Stack) Recv(id SocketID, p []byte) (int, error) {
	n, _, err := ns.RecvFrom(id, p)
	return n, err
}

// RecvFrom is Recv that also reports the sender. For datagram sockets the
// whole datagram is consumed even when p is shorter.
func (ns *Stack) RecvFrom(id SocketID, p []byte) (int, netip.AddrPort, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	if sk.typ == SockDgram {
		if sk.rxReady() == 0 {
			return 0, netip.AddrPort{}, ErrWouldBlock
		}
		n := copy(p, sk.rxBuf[sk.rxOff:sk.rxLen])
		sk.rxLen, sk.rxOff = 0, 0
		return n, netip.AddrPortFrom(sk.rxFrom.netip(), sk.rxFromPort), nil
	}

	from := netip.AddrPortFrom(sk.remoteIP.netip(), sk.remotePort)
	if sk.rxReady() > 0 {
		n := copy(p, sk.rxBuf[sk.rxOff:sk.rxLen])
		sk.rxOff += n
		if sk.rxOff == sk.rxLen {
			sk.rxLen, sk.rxOff = 0, 0
			// The window reopens.
			switch sk.state {
			case SocketConnected, SocketFinWait1, SocketFinWait2:
				ns.tcpSendAck(sk)
			}
		}
		return n, from, nil
	}
	if sk.peerClosed {
		return 0, from, io.EOF
	}
	switch sk.state {
	case SocketClosed:
		if sk.lastErr != nil {
			return 0, from, sk.lastErr
		}
		return 0, from, ErrNotConnected
	case SocketListen, SocketBound:
		return 0, from, ErrNotConnected
	}
	return 0, from, ErrWouldBlock
}

// CloseSocket releases the handle. A connected stream socket sends its FIN
// (after any data still in flight) and lingers until the close handshake
// finishes; the handle is invalid immediately.
func (ns *Stack) CloseSocket(id SocketID) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	sk.userClosed = true

	if sk.typ == SockDgram {
		ns.freeSocket(sk)
		return nil
	}

	switch sk.state {
	case SocketClosed, SocketBound, SocketListen, SocketSynTx:
		ns.freeSocket(sk)
	case SocketSynSent, SocketSynAckTx:
		ns.tcpSendControl(sk, sk.sndNxt, tcpFlagRST|tcpFlagACK)
		ns.freeSocket(sk)
	case SocketSynRcvd, SocketConnected:
		sk.closeReq = true
		switch {
		case sk.tx.valid() && !sk.txSent:
			ns.tcpTransmit(sk, tcpFlagACK|tcpFlagPSH)
		case !sk.tx.valid() && sk.state == SocketConnected:
			ns.tcpSendFin(sk)
		}
	}
	return nil
}

// IoctlSocket implements the FIONREAD and FIONBIO requests.
func (ns *Stack) IoctlSocket(id SocketID, cmd IoctlCmd, arg *uint32) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	switch cmd {
	case IoctlFIONREAD:
		if arg == nil {
			return ErrInvalid
		}
		*arg = uint32(sk.rxReady())
		return nil
	case IoctlFIONBIO:
		return nil
	}
	return fmt.Errorf("ioctl %d: %w", cmd, ErrInvalid)
}

// SetSockOpt switches a boolean socket option.
func (ns *Stack) SetSockOpt(id SocketID, opt SockOpt, on bool) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	switch opt {
	case OptAckOnData:
		sk.optAckOnData = on
	case OptRejectWhileBusy:
		sk.optRejectBusy = on
	case OptCoalesce:
		sk.optCoalesce = on
	case OptReuseAddr, OptKeepAlive, OptNoDelay, OptBroadcast, OptLinger:
	default:
		return fmt.Errorf("socket option %d: %w", opt, ErrInvalid)
	}
	return nil
}

// GetSockName returns the local address and port.
func (ns *Stack) GetSockName(id SocketID) (netip.AddrPort, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return netip.AddrPort{}, err
	}
	return netip.AddrPortFrom(sk.localIP.netip(), sk.localPort), nil
}

// GetPeerName returns the remote address and port of a connected socket.
func (ns *Stack) GetPeerName(id SocketID) (netip.AddrPort, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if sk.remoteIP == 0 {
		return netip.AddrPort{}, ErrNotConnected
	}
	return netip.AddrPortFrom(sk.remoteIP.netip(), sk.remotePort), nil
}

// LastError returns and clears the error that closed the socket, if any.
func (ns *Stack) LastError(id SocketID) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return err
	}
	err, sk.lastErr = sk.lastErr, nil
	return err
}

// SocketState reports the protocol state of a socket.
func (ns *Stack) SocketState(id SocketID) (SocketState, error) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	sk, err := ns.lookup(id)
	if err != nil {
		return SocketFree, err
	}
	return sk.state, nil
}

// Select filters read and write in place down to the sockets that are ready
// and returns the shortened slices. A socket is readable when Recv or Accept
// would not report ErrWouldBlock, and writable when Send would take data.
// Stale handles are dropped.
func (ns *Stack) Select(read, write []SocketID) (readable, writable []SocketID) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	readable = read[:0]
	for _, id := range read {
		sk, err := ns.lookup(id)
		if err == nil && ns.readable(sk) {
			readable = append(readable, id)
		}
	}
	writable = write[:0]
	for _, id := range write {
		sk, err := ns.lookup(id)
		if err == nil && ns.writable(sk) {
			writable = append(writable, id)
		}
	}
	return readable, writable
}

func (ns *Stack) readable(sk *socket) bool {
	switch {
	case sk.rxReady() > 0, sk.peerClosed, sk.lastErr != nil:
		return true
	case sk.state == SocketListen:
		return sk.pending.valid
	}
	return false
}

func (ns *Stack) writable(sk *socket) bool {
	if ns.state != StateReady {
		return false
	}
	if sk.typ == SockDgram {
		return true
	}
	if sk.state != SocketConnected || sk.closeReq || sk.sendLimit() == 0 {
		return false
	}
	if !sk.tx.valid() {
		return true
	}
	return sk.optCoalesce && !sk.txSent && sk.txLen < sk.sendLimit()
}

// deliverDatagramSocket hands a datagram to a bound datagram socket. It
// reports false when no socket wants it.
func (ns *Stack) deliverDatagramSocket(h ipv4Header, u udpHeader, _ macAddr) bool {
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ != SockDgram || sk.state != SocketBound || sk.localPort != u.dstPort {
			continue
		}
		if sk.localIP != 0 && sk.localIP != h.dst && !ns.isBroadcastIP(h.dst) {
			continue
		}
		if sk.remoteIP != 0 && (sk.remoteIP != h.src || sk.remotePort != u.srcPort) {
			continue
		}
		if sk.rxReady() > 0 || len(u.payload) > len(sk.rxBuf) {
			ns.stats.inc(StatUDPSocketBusy)
			return true
		}
		sk.rxLen = copy(sk.rxBuf, u.payload)
		sk.rxOff = 0
		sk.rxFrom = h.src
		sk.rxFromPort = u.srcPort
		return true
	}
	return false
}
