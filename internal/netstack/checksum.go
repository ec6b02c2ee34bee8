package netstack

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// Internet checksum (RFC 1071) helpers.
////////////////////////////////////////////////////////////////////////////////

// sum16 accumulates data as big-endian 16-bit words onto initial. An odd
// trailing byte is padded with zero.
func sum16(data []byte, initial uint32) uint32 {
	sum := initial
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return uint16(sum)
}

func checksum(data []byte) uint16 {
	return checksumWithInitial(data, 0)
}

func checksumWithInitial(data []byte, initial uint32) uint16 {
	return ^fold(sum16(data, initial))
}

func pseudoHeaderChecksum(src, dst ipAddr, protocol protocolNumber, length int) uint32 {
	var sum uint32
	sum += uint32(src >> 16)
	sum += uint32(src & 0xffff)
	sum += uint32(dst >> 16)
	sum += uint32(dst & 0xffff)
	sum += uint32(protocol)
	sum += uint32(length)
	return sum
}

// transportChecksum covers the pseudo header and the full segment.
func transportChecksum(src, dst ipAddr, protocol protocolNumber, segment []byte) uint16 {
	return checksumWithInitial(segment, pseudoHeaderChecksum(src, dst, protocol, len(segment)))
}

func tcpChecksum(src, dst ipAddr, segment []byte) uint16 {
	return transportChecksum(src, dst, tcpProtocolNumber, segment)
}

// udpChecksum never returns zero; a computed zero is sent as 0xffff.
func udpChecksum(src, dst ipAddr, segment []byte) uint16 {
	c := transportChecksum(src, dst, udpProtocolNumber, segment)
	if c == 0 {
		return 0xffff
	}
	return c
}

// checksumAdjust updates a checksum after one 16-bit word of the covered data
// changed from old to new (RFC 1624, eqn. 3).
func checksumAdjust(check, old, new uint16) uint16 {
	sum := uint32(^check) + uint32(^old) + uint32(new)
	return ^fold(sum)
}
