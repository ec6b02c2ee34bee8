package netstack

import (
	"encoding/binary"
	"fmt"
)

const (
	icmpTypeEchoReply   = 0
	icmpTypeEchoRequest = 8
)

// handleICMP answers echo requests addressed to one of our addresses. The
// request is copied into a fresh buffer with the type rewritten and the
// checksum patched incrementally.
func (ns *Stack) handleICMP(eth ethernetHeader, h ipv4Header) error {
	payload := h.payload
	if len(payload) < icmpHeaderLen {
		return fmt.Errorf("icmp packet too short: %d", len(payload))
	}
	if payload[0] != icmpTypeEchoRequest {
		return nil
	}
	ns.stats.inc(StatICMPEchoRx)
	if checksum(payload) != 0 {
		ns.stats.inc(StatICMPBadChecksum)
		return fmt.Errorf("icmp checksum mismatch from %s", h.src)
	}
	if !ns.ownsIP(h.dst) || ns.state != StateReady {
		return nil
	}
	if len(payload) > ns.maxIPPayload() {
		return fmt.Errorf("icmp echo of %d bytes does not fit one frame", len(payload))
	}

	buf, frame, ok := ns.allocFrame(false)
	if !ok {
		return nil
	}
	off := ns.writeIPv4Frame(frame, eth.src, h.dst, h.src, icmpProtocol, len(payload), ns.nextIPID(), 0)
	reply := frame[off : off+len(payload)]
	copy(reply, payload)

	old := binary.BigEndian.Uint16(reply[0:2])
	reply[0] = icmpTypeEchoReply
	updated := binary.BigEndian.Uint16(reply[0:2])
	sum := binary.BigEndian.Uint16(reply[2:4])
	binary.BigEndian.PutUint16(reply[2:4], checksumAdjust(sum, old, updated))

	ns.commit(buf, off+len(payload))
	ns.stats.inc(StatICMPEchoTx)
	return nil
}
