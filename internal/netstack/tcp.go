// Package netstack TCP support: segment processing, the single-segment
// retransmission queue, RTT estimation and the connection timers.

package netstack

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// Timing is counted in fast ticks (tcpTickInterval).
const (
	tcpMinRTO        = 2
	tcpMaxRTO        = 600
	tcpInitialRTO    = 10
	tcpMaxRetries    = 6
	tcpConnectTicks  = 50 // budget for resolving the next hop and sending the SYN
	tcpDefaultMSS    = 536
	tcpMSSOptionSize = 4
)

////////////////////////////////////////////////////////////////////////////////
// RTT Estimation (RFC 6298)
////////////////////////////////////////////////////////////////////////////////

// tcpRTTEstimator keeps the smoothed RTT scaled by 8 and the variance scaled
// by 4, both in ticks.
type tcpRTTEstimator struct {
	srtt       int
	rttVar     int
	rto        int
	hasInitial bool
}

func newTCPRTTEstimator() tcpRTTEstimator {
	return tcpRTTEstimator{rto: tcpInitialRTO}
}

// update processes an RTT sample. Samples from retransmitted segments must
// not be fed in (Karn).
func (r *tcpRTTEstimator) update(ticks int) {
	if !r.hasInitial {
		r.srtt = ticks << 3
		r.rttVar = ticks << 1
		r.hasInitial = true
	} else {
		delta := ticks - r.srtt>>3
		r.srtt += delta
		if delta < 0 {
			delta = -delta
		}
		r.rttVar += delta - r.rttVar>>2
	}
	r.rto = min(max(r.srtt>>3+r.rttVar, tcpMinRTO), tcpMaxRTO)
}

func (r *tcpRTTEstimator) backoff() {
	r.rto = min(r.rto*2, tcpMaxRTO)
}

////////////////////////////////////////////////////////////////////////////////
// Output.
////////////////////////////////////////////////////////////////////////////////

func (ns *Stack) newISS() seqnum.Value { return seqnum.Value(ns.rng.Uint32()) }

// window is the receive window we advertise: closed while the receive slot
// holds unread data, otherwise at most one segment.
func (ns *Stack) window(sk *socket) uint16 {
	if sk.rxReady() > 0 {
		return 0
	}
	return uint16(min(len(sk.rxBuf), ns.localMSS(), 0xffff))
}

// sendLimit is the largest payload the peer will take in one segment.
func (sk *socket) sendLimit() int { return min(int(sk.mss), int(sk.peerWnd)) }

func (ns *Stack) tcpPayloadOffset() int { return ns.l2Len + ipv4HeaderLen + tcpHeaderLen }

// tcpWriteHeaders fills in every header of a segment for sk and returns the
// offset of the TCP header.
func (ns *Stack) tcpWriteHeaders(frame []byte, sk *socket, seq seqnum.Value, flags uint8, optLen, payloadLen int) int {
	off := ns.writeIPv4Frame(frame, sk.remoteMAC, sk.localIP, sk.remoteIP, tcpProtocolNumber,
		tcpHeaderLen+optLen+payloadLen, ns.nextIPID(), ipv4FlagDontFragment)
	var ack uint32
	if flags&tcpFlagACK != 0 {
		ack = uint32(sk.rcvNxt)
	}
	putTCPHeader(frame[off:], sk.localPort, sk.remotePort, uint32(seq), ack, flags, ns.window(sk), optLen)
	return off
}

func putTCPChecksum(seg []byte, src, dst ipAddr) {
	binary.BigEndian.PutUint16(seg[16:18], 0)
	binary.BigEndian.PutUint16(seg[16:18], tcpChecksum(src, dst, seg))
}

// tcpSendControl sends a bare ACK or RST that is not retransmitted.
func (ns *Stack) tcpSendControl(sk *socket, seq seqnum.Value, flags uint8) bool {
	h, frame, ok := ns.allocFrame(false)
	if !ok {
		return false
	}
	off := ns.tcpWriteHeaders(frame, sk, seq, flags, 0, 0)
	putTCPChecksum(frame[off:off+tcpHeaderLen], sk.localIP, sk.remoteIP)
	ns.commit(h, off+tcpHeaderLen)
	ns.stats.inc(StatTCPTx)
	if flags&tcpFlagRST != 0 {
		ns.stats.inc(StatTCPResetsTx)
	}
	return true
}

// tcpSendAck acknowledges now, or on the next tick when no buffer is free.
func (ns *Stack) tcpSendAck(sk *socket) {
	sk.ackPending = !ns.tcpSendControl(sk, sk.sndNxt, tcpFlagACK)
}

// tcpTransmit sends the retained segment in sk.tx for the first time. Its
// payload, if any, is already in place. A FIN owed to the peer rides along
// on anything but a SYN.
func (ns *Stack) tcpTransmit(sk *socket, flags uint8) {
	frame := ns.pool.frame(sk.tx)
	if frame == nil {
		sk.tx = bufHandle{}
		return
	}
	optLen := 0
	if flags&tcpFlagSYN != 0 {
		optLen = tcpMSSOptionSize
	} else if sk.closeReq {
		flags |= tcpFlagFIN
	}
	if sk.txLen > 0 && !sk.txPush {
		flags &^= tcpFlagPSH
	}

	off := ns.tcpWriteHeaders(frame, sk, sk.sndNxt, flags, optLen, sk.txLen)
	if optLen > 0 {
		putTCPMSSOption(frame[off+tcpHeaderLen:], uint16(ns.localMSS()))
	}
	segLen := tcpHeaderLen + optLen + sk.txLen
	putTCPChecksum(frame[off:off+segLen], sk.localIP, sk.remoteIP)
	ns.commit(sk.tx, off+segLen)

	span := seqnum.Size(sk.txLen)
	if flags&tcpFlagSYN != 0 {
		span++
	}
	if flags&tcpFlagFIN != 0 {
		span++
		sk.finSent = true
		sk.closeReq = false
		if sk.peerClosed {
			sk.state = SocketLastAck
		} else {
			sk.state = SocketFinWait1
		}
	}
	sk.sndUna = sk.sndNxt
	sk.sndNxt = sk.sndNxt.Add(span)
	sk.inflight = span
	sk.txSent = true
	sk.timer = sk.rtt.rto
	sk.retries = 0
	sk.retransmitted = false
	sk.sentAt = ns.clock.ticks
	if flags&tcpFlagACK != 0 {
		sk.ackPending = false
	}
	ns.stats.inc(StatTCPTx)
}

// tcpRetransmit queues the retained segment again with a fresh
// acknowledgement number and window.
func (ns *Stack) tcpRetransmit(sk *socket) bool {
	if !ns.pool.rearm(sk.tx) {
		return false
	}
	frame := ns.pool.bytes(sk.tx)
	off := ns.l2Len + ipv4HeaderLen
	seg := frame[off:]
	if seg[13]&tcpFlagACK != 0 {
		binary.BigEndian.PutUint32(seg[8:12], uint32(sk.rcvNxt))
	}
	binary.BigEndian.PutUint16(seg[14:16], ns.window(sk))
	putTCPChecksum(seg, sk.localIP, sk.remoteIP)
	ns.pool.enqueue(sk.tx)

	sk.retransmitted = true
	ns.stats.inc(StatTCPRetransmits)
	ns.stats.inc(StatTCPTx)
	return true
}

func (ns *Stack) tcpSendSyn(sk *socket) bool {
	mac, err := ns.resolve(sk.remoteIP)
	if err != nil {
		return false
	}
	h, ok := ns.pool.allocate(true)
	if !ok {
		ns.stats.inc(StatTxNoBuffer)
		return false
	}
	sk.remoteMAC = mac
	sk.tx, sk.txLen, sk.txSent = h, 0, false
	ns.tcpTransmit(sk, tcpFlagSYN)
	sk.state = SocketSynSent
	return true
}

func (ns *Stack) tcpSendSynAck(sk *socket) bool {
	h, ok := ns.pool.allocate(true)
	if !ok {
		ns.stats.inc(StatTxNoBuffer)
		return false
	}
	sk.tx, sk.txLen, sk.txSent = h, 0, false
	sk.needSynAck = false
	ns.tcpTransmit(sk, tcpFlagSYN|tcpFlagACK)
	return true
}

// tcpSendFin sends a bare FIN. If no buffer is free the FIN stays owed and
// the fast tick tries again.
func (ns *Stack) tcpSendFin(sk *socket) {
	sk.closeReq = true
	h, ok := ns.pool.allocate(true)
	if !ok {
		ns.stats.inc(StatTxNoBuffer)
		return
	}
	sk.tx, sk.txLen, sk.txSent = h, 0, false
	ns.tcpTransmit(sk, tcpFlagACK)
}

// tcpSend copies as much of p as fits in one segment.
func (ns *Stack) tcpSend(sk *socket, p []byte) (int, error) {
	switch sk.state {
	case SocketConnected:
	case SocketSynTx, SocketSynSent, SocketSynAckTx, SocketSynRcvd:
		return 0, ErrWouldBlock
	case SocketClosed:
		if sk.lastErr != nil {
			return 0, sk.lastErr
		}
		return 0, ErrNotConnected
	default:
		return 0, ErrNotConnected
	}
	if sk.closeReq {
		return 0, ErrNotConnected
	}
	if len(p) == 0 {
		return 0, nil
	}
	limit := sk.sendLimit()
	off := ns.tcpPayloadOffset()

	if sk.tx.valid() {
		if !sk.optCoalesce || sk.txSent || sk.txLen >= limit {
			return 0, ErrWouldBlock
		}
		frame := ns.pool.frame(sk.tx)
		n := copy(frame[off+sk.txLen:off+limit], p)
		sk.txLen += n
		sk.txPush = n == len(p)
		if sk.txLen == limit {
			ns.tcpTransmit(sk, tcpFlagACK|tcpFlagPSH)
		}
		return n, nil
	}

	if limit == 0 {
		return 0, ErrWouldBlock
	}
	h, frame, ok := ns.allocFrame(true)
	if !ok {
		return 0, ErrWouldBlock
	}
	n := copy(frame[off:off+limit], p)
	sk.tx, sk.txLen, sk.txSent = h, n, false
	sk.txPush = n == len(p)
	if !sk.optCoalesce || n == limit {
		ns.tcpTransmit(sk, tcpFlagACK|tcpFlagPSH)
	}
	return n, nil
}

// tcpReplyReset answers a segment that matches no socket (RFC 793 "reset
// generation"). A reset is never answered.
func (ns *Stack) tcpReplyReset(eth ethernetHeader, h ipv4Header, t tcpHeader) {
	if t.has(tcpFlagRST) || !ns.ownsIP(h.dst) {
		return
	}
	var seq, ack uint32
	flags := uint8(tcpFlagRST)
	if t.has(tcpFlagACK) {
		seq = t.ack
	} else {
		ack = t.seq + uint32(len(t.payload))
		if t.has(tcpFlagSYN) {
			ack++
		}
		if t.has(tcpFlagFIN) {
			ack++
		}
		flags |= tcpFlagACK
	}
	buf, frame, ok := ns.allocFrame(false)
	if !ok {
		return
	}
	off := ns.writeIPv4Frame(frame, eth.src, h.dst, h.src, tcpProtocolNumber, tcpHeaderLen, ns.nextIPID(), ipv4FlagDontFragment)
	seg := frame[off : off+tcpHeaderLen]
	putTCPHeader(seg, t.dstPort, t.srcPort, seq, ack, flags, 0, 0)
	putTCPChecksum(seg, h.dst, h.src)
	ns.commit(buf, off+tcpHeaderLen)
	ns.stats.inc(StatTCPTx)
	ns.stats.inc(StatTCPResetsTx)
}

////////////////////////////////////////////////////////////////////////////////
// Input.
////////////////////////////////////////////////////////////////////////////////

func (ns *Stack) tcpDemux(h ipv4Header, t tcpHeader) *socket {
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ != SockStream || sk.localPort != t.dstPort {
			continue
		}
		switch sk.state {
		case SocketFree, SocketClosed, SocketBound, SocketListen, SocketSynTx:
			continue
		}
		if sk.remoteIP == h.src && sk.remotePort == t.srcPort && sk.localIP == h.dst {
			return sk
		}
	}
	return nil
}

func (ns *Stack) tcpListener(h ipv4Header, t tcpHeader) *socket {
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ == SockStream && sk.state == SocketListen && sk.localPort == t.dstPort &&
			(sk.localIP == 0 || sk.localIP == h.dst) {
			return sk
		}
	}
	return nil
}

func (ns *Stack) handleTCP(eth ethernetHeader, h ipv4Header) error {
	t, err := parseTCPHeader(h.payload)
	if err != nil {
		ns.stats.inc(StatIPBadLength)
		return err
	}
	if tcpChecksum(h.src, h.dst, h.payload) != 0 {
		ns.stats.inc(StatTCPBadChecksum)
		return nil
	}
	ns.stats.inc(StatTCPRx)
	if ns.isBroadcastIP(h.dst) || ns.state != StateReady {
		return nil
	}

	sk := ns.tcpDemux(h, t)
	if sk != nil && sk.state == SocketTimeWait && t.has(tcpFlagSYN) && !t.has(tcpFlagACK) {
		// A new incarnation of the connection.
		ns.tcpClosed(sk)
		sk = nil
	}
	switch {
	case sk != nil:
		ns.tcpSegment(sk, eth, h, t)
	case ns.tcpListener(h, t) != nil:
		ns.tcpListenInput(ns.tcpListener(h, t), eth, h, t)
	default:
		ns.tcpReplyReset(eth, h, t)
	}
	return nil
}

// tcpListenInput records a connection request for Accept. One request is
// held per listener; a SYN from another peer is dropped and retransmitted
// by that peer later.
func (ns *Stack) tcpListenInput(l *socket, eth ethernetHeader, h ipv4Header, t tcpHeader) {
	switch {
	case t.has(tcpFlagRST):
		return
	case t.has(tcpFlagACK):
		ns.tcpReplyReset(eth, h, t)
		return
	case !t.has(tcpFlagSYN):
		return
	}
	p := &l.pending
	if p.valid && (p.ip != h.src || p.port != t.srcPort) {
		ns.stats.inc(StatTCPRejectedBusy)
		return
	}
	mss, ok := parseTCPMSS(t.options)
	if !ok {
		mss = tcpDefaultMSS
	}
	*p = pendingSYN{
		valid:  true,
		local:  h.dst,
		ip:     h.src,
		port:   t.srcPort,
		mac:    eth.src,
		seq:    seqnum.Value(t.seq),
		mss:    mss,
		window: t.window,
	}
}

// tcpSegment processes one segment for an existing connection: reset, SYN,
// acknowledgement, sequence check, data and FIN, in that order.
func (ns *Stack) tcpSegment(sk *socket, eth ethernetHeader, h ipv4Header, t tcpHeader) {
	seq := seqnum.Value(t.seq)
	ack := seqnum.Value(t.ack)
	sk.idle = ns.clock.seconds

	if t.has(tcpFlagRST) {
		if sk.state == SocketSynSent && (!t.has(tcpFlagACK) || ack != sk.sndNxt) {
			return
		}
		ns.stats.inc(StatTCPResetsRx)
		ns.log.Debug("netstack: tcp connection reset", "port", sk.localPort, "remote", sk.remoteIP)
		ns.tcpAbort(sk, ErrConnReset, false)
		return
	}

	if sk.state == SocketTimeWait {
		if t.has(tcpFlagFIN) {
			sk.linger = ns.cfg.TimeWaitSeconds
			ns.tcpSendAck(sk)
		}
		return
	}

	if t.has(tcpFlagSYN) {
		switch sk.state {
		case SocketSynSent:
			if !t.has(tcpFlagACK) {
				return
			}
			if ack != sk.sndNxt {
				ns.tcpSendControl(sk, ack, tcpFlagRST)
				return
			}
			ns.tcpAcked(sk)
			sk.rcvNxt = seq.Add(1)
			sk.peerWnd = t.window
			if mss, ok := parseTCPMSS(t.options); ok {
				sk.mss = uint16(min(int(mss), ns.localMSS()))
			} else {
				sk.mss = uint16(min(tcpDefaultMSS, ns.localMSS()))
			}
			sk.remoteMAC = eth.src
			if ns.tcpSendControl(sk, sk.sndNxt, tcpFlagACK) {
				ns.tcpEstablished(sk)
			} else {
				sk.state = SocketSynAckTx
			}
		case SocketSynRcvd:
			// Our SYN+ACK was lost.
			if seq.Add(1) == sk.rcvNxt && sk.txSent {
				ns.tcpRetransmit(sk)
			}
		default:
			ns.tcpSendControl(sk, sk.sndNxt, tcpFlagRST)
			ns.tcpAbort(sk, ErrConnReset, false)
		}
		return
	}

	if !t.has(tcpFlagACK) {
		return
	}
	switch sk.state {
	case SocketSynSent, SocketSynAckTx:
		return
	}

	if ack.InRange(sk.sndUna, sk.sndNxt.Add(1)) {
		sk.peerWnd = t.window
		if sk.inflight > 0 && sk.txSent && ack == sk.sndNxt {
			ns.tcpAcked(sk)
		}
	} else if sk.state == SocketSynRcvd {
		ns.tcpSendControl(sk, ack, tcpFlagRST)
		return
	}
	if sk.state == SocketClosed || sk.state == SocketFree || sk.state == SocketSynRcvd {
		return
	}

	fin := t.has(tcpFlagFIN)
	n := len(t.payload)
	if (n > 0 || fin) && seq != sk.rcvNxt {
		ns.stats.inc(StatTCPOutOfOrder)
		ns.tcpSendAck(sk)
		return
	}

	if n > 0 {
		switch sk.state {
		case SocketConnected, SocketFinWait1, SocketFinWait2:
		default:
			return
		}
		if sk.rxReady() > 0 || sk.peerClosed || n > len(sk.rxBuf) {
			ns.stats.inc(StatTCPRejectedBusy)
			if sk.optRejectBusy {
				ns.tcpSendAck(sk)
			}
			return
		}
		sk.rxLen = copy(sk.rxBuf, t.payload)
		sk.rxOff = 0
		sk.rcvNxt = sk.rcvNxt.Add(seqnum.Size(n))
		if !fin {
			if sk.optAckOnData {
				ns.tcpSendAck(sk)
			} else {
				sk.ackPending = true
			}
		}
	}

	if !fin {
		return
	}
	sk.rcvNxt = sk.rcvNxt.Add(1)
	sk.peerClosed = true
	switch sk.state {
	case SocketConnected:
		if sk.tx.valid() {
			// The FIN follows once our data is acknowledged.
			sk.closeReq = true
			ns.tcpSendAck(sk)
		} else {
			ns.tcpSendFin(sk)
			if sk.closeReq {
				sk.ackPending = true
			}
		}
	case SocketFinWait1:
		sk.state = SocketClosing
		ns.tcpSendAck(sk)
	case SocketFinWait2:
		sk.state = SocketTimeWait
		sk.linger = ns.cfg.TimeWaitSeconds
		ns.tcpSendAck(sk)
	default:
		ns.tcpSendAck(sk)
	}
}

// tcpAcked retires the retained segment once everything in it is
// acknowledged and moves the connection along.
func (ns *Stack) tcpAcked(sk *socket) {
	if !sk.retransmitted {
		sk.rtt.update(int(ns.clock.ticks - sk.sentAt))
	}
	if sk.tx.valid() {
		ns.pool.release(sk.tx)
	}
	sk.tx, sk.txLen, sk.txSent = bufHandle{}, 0, false
	sk.sndUna = sk.sndNxt
	sk.inflight = 0
	sk.retries = 0
	sk.timer = 0

	switch sk.state {
	case SocketSynRcvd:
		ns.tcpEstablished(sk)
	case SocketFinWait1:
		sk.state = SocketFinWait2
		sk.linger = ns.cfg.FinWait2Seconds
	case SocketClosing:
		sk.state = SocketTimeWait
		sk.linger = ns.cfg.TimeWaitSeconds
	case SocketLastAck:
		ns.tcpClosed(sk)
	}
}

func (ns *Stack) tcpEstablished(sk *socket) {
	sk.state = SocketConnected
	ns.stats.inc(StatTCPConnected)
	ns.log.Debug("netstack: tcp connected", "local", sk.localPort, "remote", sk.remoteIP, "port", sk.remotePort, "mss", sk.mss)
	if sk.closeReq && !sk.tx.valid() {
		ns.tcpSendFin(sk)
	}
}

// tcpClosed ends a connection normally. Sockets the owner already closed go
// straight back to the free list.
func (ns *Stack) tcpClosed(sk *socket) {
	if sk.userClosed {
		ns.freeSocket(sk)
		return
	}
	if sk.tx.valid() {
		ns.pool.release(sk.tx)
	}
	sk.tx, sk.txLen, sk.txSent = bufHandle{}, 0, false
	sk.state = SocketClosed
	sk.closeReq = false
	sk.ackPending = false
}

// tcpAbort tears a connection down and records err for the owner.
func (ns *Stack) tcpAbort(sk *socket, err error, sendReset bool) {
	if sendReset {
		ns.tcpSendControl(sk, sk.sndNxt, tcpFlagRST|tcpFlagACK)
	}
	ns.stats.inc(StatTCPAborts)
	if !sk.userClosed {
		sk.lastErr = err
	}
	ns.tcpClosed(sk)
}

////////////////////////////////////////////////////////////////////////////////
// Timers.
////////////////////////////////////////////////////////////////////////////////

// tcpFastTick runs every tcpTickInterval.
func (ns *Stack) tcpFastTick() {
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ != SockStream || sk.state == SocketFree {
			continue
		}
		ns.tcpTimers(sk)
	}
}

func (ns *Stack) tcpTimers(sk *socket) {
	switch sk.state {
	case SocketSynTx:
		sk.synTicks++
		if sk.synTicks > tcpConnectTicks {
			ns.log.Debug("netstack: tcp connect gave up resolving", "remote", sk.remoteIP)
			ns.tcpAbort(sk, ErrTimedOut, false)
			return
		}
		ns.tcpSendSyn(sk)
		return
	case SocketSynAckTx:
		if ns.tcpSendControl(sk, sk.sndNxt, tcpFlagACK) {
			ns.tcpEstablished(sk)
		}
		return
	}

	if sk.needSynAck {
		ns.tcpSendSynAck(sk)
		return
	}

	if sk.tx.valid() && !sk.txSent {
		ns.tcpTransmit(sk, tcpFlagACK|tcpFlagPSH)
	} else if sk.tx.valid() && ns.pool.state(sk.tx) == bufTxDone {
		sk.timer--
		if sk.timer <= 0 {
			sk.retries++
			if sk.retries > tcpMaxRetries {
				ns.log.Debug("netstack: tcp retransmission limit reached",
					"port", sk.localPort, "remote", sk.remoteIP, "state", sk.state)
				ns.tcpAbort(sk, ErrTimedOut, !sk.userClosed)
				return
			}
			sk.rtt.backoff()
			sk.timer = sk.rtt.rto
			ns.tcpRetransmit(sk)
		}
	}

	if sk.closeReq && !sk.tx.valid() && sk.state == SocketConnected {
		ns.tcpSendFin(sk)
	}
	if sk.ackPending {
		ns.tcpSendAck(sk)
	}
}

// tcpSecondTick ages lingering connections.
func (ns *Stack) tcpSecondTick() {
	for i := range ns.sockets {
		sk := &ns.sockets[i]
		if sk.typ != SockStream {
			continue
		}
		switch sk.state {
		case SocketTimeWait, SocketFinWait2:
			sk.linger--
			if sk.linger <= 0 {
				ns.tcpClosed(sk)
			}
		}
	}
}
