package netstack

import (
	"errors"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// IPv4 handling.
////////////////////////////////////////////////////////////////////////////////

func (ns *Stack) handleIPv4(eth ethernetHeader, payload []byte) error {
	ns.stats.inc(StatIPRx)

	h, err := parseIPv4Header(payload)
	if err != nil {
		if errors.Is(err, errBadVersion) {
			ns.stats.inc(StatIPBadVersion)
		} else {
			ns.stats.inc(StatIPBadLength)
		}
		return err
	}
	if checksum(h.raw) != 0 {
		ns.stats.inc(StatIPBadChecksum)
		return fmt.Errorf("ipv4 header checksum mismatch from %s", h.src)
	}
	if ns.state == StateAddrInUse {
		return nil
	}
	if !ns.acceptsIP(h.dst) {
		ns.stats.inc(StatIPNotForUs)
		return nil
	}
	if h.src != 0 && !ns.isBroadcastIP(h.src) {
		ns.arpLearn(h.src, eth.src)
	}

	if h.isFragment() {
		ns.stats.inc(StatIPFragmentsRx)
		full, ok := ns.reasm.insert(h, &ns.stats)
		if !ok {
			return nil
		}
		ns.stats.inc(StatIPReassembled)
		h, err = parseIPv4Header(full)
		if err != nil {
			return fmt.Errorf("reassembled datagram: %w", err)
		}
	}
	return ns.dispatchIPv4(eth, h)
}

func (ns *Stack) dispatchIPv4(eth ethernetHeader, h ipv4Header) error {
	switch h.protocol {
	case icmpProtocol:
		return ns.handleICMP(eth, h)
	case udpProtocolNumber:
		return ns.handleUDP(eth, h)
	case tcpProtocolNumber:
		return ns.handleTCP(eth, h)
	default:
		ns.stats.inc(StatIPUnknownProtocol)
		return nil
	}
}

// maxIPPayload is the largest IP payload that fits one frame.
func (ns *Stack) maxIPPayload() int { return ns.mtu - ipv4HeaderLen }

// sendDatagram transmits hdr followed by payload as one IP datagram,
// fragmenting it when it does not fit the MTU. Either every fragment is
// queued or none is.
func (ns *Stack) sendDatagram(
	dstMAC macAddr,
	src, dst ipAddr,
	protocol protocolNumber,
	hdr, payload []byte,
) error {
	total := len(hdr) + len(payload)
	if total > 0xffff-ipv4HeaderLen {
		return ErrMessageSize
	}
	id := ns.nextIPID()

	if total <= ns.maxIPPayload() {
		h, frame, ok := ns.allocFrame(false)
		if !ok {
			return ErrNoBuffers
		}
		off := ns.writeIPv4Frame(frame, dstMAC, src, dst, protocol, total, id, 0)
		copyConcat(frame[off:off+total], hdr, payload, 0)
		ns.commit(h, off+total)
		return nil
	}

	fragSize := ns.maxIPPayload() &^ 7
	count := (total + fragSize - 1) / fragSize
	if count > len(ns.pool.bufs) {
		return ErrMessageSize
	}
	var handles [maxFragments]bufHandle
	if count > maxFragments {
		return ErrMessageSize
	}
	for i := range count {
		h, ok := ns.pool.allocate(false)
		if !ok {
			for _, prev := range handles[:i] {
				ns.pool.release(prev)
			}
			ns.stats.inc(StatTxNoBuffer)
			return ErrNoBuffers
		}
		handles[i] = h
	}

	for i := range count {
		start := i * fragSize
		n := min(fragSize, total-start)
		fragField := uint16(start / 8)
		if i < count-1 {
			fragField |= ipv4FlagMoreFragments
		}
		frame := ns.pool.frame(handles[i])
		off := ns.writeIPv4Frame(frame, dstMAC, src, dst, protocol, n, id, fragField)
		copyConcat(frame[off:off+n], hdr, payload, start)
		ns.commit(handles[i], off+n)
		ns.stats.inc(StatIPFragmentsTx)
	}
	return nil
}

// maxFragments bounds one outgoing datagram (64KiB at the minimum MTU).
const maxFragments = 128

// copyConcat fills dst from the concatenation a||b starting at offset off.
func copyConcat(dst, a, b []byte, off int) {
	n := 0
	if off < len(a) {
		n = copy(dst, a[off:])
		off = 0
	} else {
		off -= len(a)
	}
	copy(dst[n:], b[off:])
}
