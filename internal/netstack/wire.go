package netstack

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
)

////////////////////////////////////////////////////////////////////////////////
// Protocol numbers and header sizes.
////////////////////////////////////////////////////////////////////////////////

type etherType uint16

// EtherTypes we care about.
const (
	etherTypeIPv4 etherType = 0x0800
	etherTypeARP  etherType = 0x0806
	etherTypeVLAN etherType = 0x8100
)

func (e etherType) String() string {
	switch e {
	case etherTypeIPv4:
		return "ipv4"
	case etherTypeARP:
		return "arp"
	case etherTypeVLAN:
		return "vlan"
	}
	return fmt.Sprintf("unknown ether type 0x%04x", uint16(e))
}

type protocolNumber uint8

// Basic protocol numbers for IPv4's Protocol field.
const (
	icmpProtocol      protocolNumber = 1
	tcpProtocolNumber protocolNumber = 6
	udpProtocolNumber protocolNumber = 17
)

func (p protocolNumber) String() string {
	switch p {
	case tcpProtocolNumber:
		return "tcp"
	case udpProtocolNumber:
		return "udp"
	case icmpProtocol:
		return "icmp"
	}
	return fmt.Sprintf("unknown protocol 0x%02x", uint8(p))
}

// Header sizes (bytes).
const (
	ethernetHeaderLen = 14
	vlanTagLen        = 4
	ipv4HeaderLen     = 20
	ipv4MaxHeaderLen  = 60
	udpHeaderLen      = 8
	tcpHeaderLen      = 20
	icmpHeaderLen     = 8
	arpPacketLen      = 28
)

// IPv4 flags/fragment-offset field.
const (
	ipv4FlagDontFragment  = 0x4000
	ipv4FlagMoreFragments = 0x2000
	ipv4FragmentOffset    = 0x1fff
)

////////////////////////////////////////////////////////////////////////////////
// Addresses.
////////////////////////////////////////////////////////////////////////////////

type macAddr [6]byte

var (
	macBroadcast = macAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	macZero      macAddr
)

func macFrom(b []byte) macAddr {
	var m macAddr
	copy(m[:], b)
	return m
}

func (m macAddr) isBroadcast() bool { return m == macBroadcast }

// isMulticast reports the group bit; broadcast is a multicast address too.
func (m macAddr) isMulticast() bool { return m[0]&0x01 != 0 }

func (m macAddr) String() string { return net.HardwareAddr(m[:]).String() }

// ipAddr is an IPv4 address held as a number so that subnet math and
// "highest offered address" comparisons stay trivial. It is converted to
// network byte order only at the wire boundary.
type ipAddr uint32

const ipBroadcast ipAddr = 0xffffffff

func ipFrom(b []byte) ipAddr {
	return ipAddr(binary.BigEndian.Uint32(b[:4]))
}

func ipFromNetip(a netip.Addr) ipAddr {
	if !a.Is4() {
		return 0
	}
	b := a.As4()
	return ipAddr(binary.BigEndian.Uint32(b[:]))
}

func (a ipAddr) put(b []byte) {
	binary.BigEndian.PutUint32(b[:4], uint32(a))
}

func (a ipAddr) netip() netip.Addr {
	var b [4]byte
	a.put(b[:])
	return netip.AddrFrom4(b)
}

func (a ipAddr) String() string { return a.netip().String() }

func maskFromBits(bits int) ipAddr {
	if bits <= 0 {
		return 0
	}
	if bits >= 32 {
		return ipBroadcast
	}
	return ipAddr(^uint32(0) << (32 - bits))
}

func sameSubnet(a, b, mask ipAddr) bool {
	return mask != 0 && a&mask == b&mask
}

////////////////////////////////////////////////////////////////////////////////
// Ethernet.
////////////////////////////////////////////////////////////////////////////////

type ethernetHeader struct {
	dst       macAddr
	src       macAddr
	etherType etherType
	tagged    bool
	tci       uint16
}

// parseEthernetHeader decodes the MAC header, stripping a single 802.1Q tag
// when present.
func parseEthernetHeader(frame []byte) (ethernetHeader, []byte, error) {
	if len(frame) < ethernetHeaderLen {
		return ethernetHeader{}, nil, fmt.Errorf("ethernet frame too short: %d", len(frame))
	}
	h := ethernetHeader{
		dst:       macFrom(frame[0:6]),
		src:       macFrom(frame[6:12]),
		etherType: etherType(binary.BigEndian.Uint16(frame[12:14])),
	}
	payload := frame[ethernetHeaderLen:]
	if h.etherType == etherTypeVLAN {
		if len(payload) < vlanTagLen {
			return ethernetHeader{}, nil, fmt.Errorf("vlan tag truncated: %d", len(payload))
		}
		h.tagged = true
		h.tci = binary.BigEndian.Uint16(payload[0:2])
		h.etherType = etherType(binary.BigEndian.Uint16(payload[2:4]))
		payload = payload[vlanTagLen:]
	}
	return h, payload, nil
}

// buildEthernetHeaderInto writes the MAC header (and a VLAN tag when vlanID is
// non-zero) and returns the number of bytes written.
func buildEthernetHeaderInto(buf []byte, dst, src macAddr, et etherType, vlanID uint16) int {
	copy(buf[0:6], dst[:])
	copy(buf[6:12], src[:])
	if vlanID == 0 {
		binary.BigEndian.PutUint16(buf[12:14], uint16(et))
		return ethernetHeaderLen
	}
	binary.BigEndian.PutUint16(buf[12:14], uint16(etherTypeVLAN))
	binary.BigEndian.PutUint16(buf[14:16], vlanID&0x0fff)
	binary.BigEndian.PutUint16(buf[16:18], uint16(et))
	return ethernetHeaderLen + vlanTagLen
}

////////////////////////////////////////////////////////////////////////////////
// IPv4.
////////////////////////////////////////////////////////////////////////////////

// ipv4Header captures the fixed header, options and the payload trimmed to the
// header's total length.
type ipv4Header struct {
	version  uint8
	ihl      uint8
	tos      uint8
	length   uint16
	id       uint16
	flags    uint16 // flags and fragment offset
	ttl      uint8
	protocol protocolNumber
	checksum uint16
	src      ipAddr
	dst      ipAddr
	raw      []byte // the header bytes including options
	payload  []byte
}

func (h ipv4Header) headerLen() int { return int(h.ihl) * 4 }

func (h ipv4Header) moreFragments() bool { return h.flags&ipv4FlagMoreFragments != 0 }

// fragmentOffset is in 8-byte units.
func (h ipv4Header) fragmentOffset() uint16 { return h.flags & ipv4FragmentOffset }

func (h ipv4Header) isFragment() bool { return h.moreFragments() || h.fragmentOffset() != 0 }

// parseIPv4Header decodes the header. Ethernet padding beyond the total
// length is dropped from the payload.
func parseIPv4Header(data []byte) (ipv4Header, error) {
	if len(data) < ipv4HeaderLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header too short: %d", len(data))
	}
	verIHL := data[0]
	version := verIHL >> 4
	ihl := verIHL & 0x0f
	if version != 4 {
		return ipv4Header{}, fmt.Errorf("unsupported ipv4 version: %d: %w", version, errBadVersion)
	}
	headerLen := int(ihl) * 4
	if headerLen < ipv4HeaderLen || len(data) < headerLen {
		return ipv4Header{}, fmt.Errorf("ipv4 header length mismatch: %d", headerLen)
	}
	total := int(binary.BigEndian.Uint16(data[2:4]))
	if total < headerLen || total > len(data) {
		return ipv4Header{}, fmt.Errorf("ipv4 total length %d out of range (have %d)", total, len(data))
	}

	return ipv4Header{
		version:  version,
		ihl:      ihl,
		tos:      data[1],
		length:   uint16(total),
		id:       binary.BigEndian.Uint16(data[4:6]),
		flags:    binary.BigEndian.Uint16(data[6:8]),
		ttl:      data[8],
		protocol: protocolNumber(data[9]),
		checksum: binary.BigEndian.Uint16(data[10:12]),
		src:      ipFrom(data[12:16]),
		dst:      ipFrom(data[16:20]),
		raw:      data[:headerLen],
		payload:  data[headerLen:total],
	}, nil
}

// buildIPv4HeaderInto writes a 20 byte header and its checksum.
func buildIPv4HeaderInto(
	packet []byte,
	src, dst ipAddr,
	protocol protocolNumber,
	payloadLen int,
	id uint16,
	fragField uint16,
) {
	if len(packet) < ipv4HeaderLen {
		panic("buildIPv4HeaderInto: buffer too small")
	}
	totalLen := ipv4HeaderLen + payloadLen

	packet[0] = byte((4 << 4) | (ipv4HeaderLen / 4)) // Version/IHL
	packet[1] = 0                                    // TOS
	binary.BigEndian.PutUint16(packet[2:4], uint16(totalLen))
	binary.BigEndian.PutUint16(packet[4:6], id)
	binary.BigEndian.PutUint16(packet[6:8], fragField)
	packet[8] = 64 // TTL
	packet[9] = byte(protocol)
	binary.BigEndian.PutUint16(packet[10:12], 0)
	src.put(packet[12:16])
	dst.put(packet[16:20])

	binary.BigEndian.PutUint16(packet[10:12], checksum(packet[:ipv4HeaderLen]))
}

////////////////////////////////////////////////////////////////////////////////
// UDP.
////////////////////////////////////////////////////////////////////////////////

type udpHeader struct {
	srcPort  uint16
	dstPort  uint16
	length   uint16
	checksum uint16
	payload  []byte
}

func parseUDPHeader(data []byte) (udpHeader, error) {
	if len(data) < udpHeaderLen {
		return udpHeader{}, fmt.Errorf("udp packet too short: %d", len(data))
	}
	length := binary.BigEndian.Uint16(data[4:6])
	if length < udpHeaderLen {
		return udpHeader{}, fmt.Errorf("udp length shorter than header: %d", length)
	}
	if int(length) > len(data) {
		return udpHeader{}, fmt.Errorf("udp length exceeds payload: %d > %d", length, len(data))
	}
	return udpHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		length:   length,
		checksum: binary.BigEndian.Uint16(data[6:8]),
		payload:  data[udpHeaderLen:length],
	}, nil
}

func putUDPHeader(b []byte, srcPort, dstPort uint16, length int) {
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(length))
	binary.BigEndian.PutUint16(b[6:8], 0)
}

////////////////////////////////////////////////////////////////////////////////
// TCP.
////////////////////////////////////////////////////////////////////////////////

const (
	tcpFlagFIN = 0x01
	tcpFlagSYN = 0x02
	tcpFlagRST = 0x04
	tcpFlagPSH = 0x08
	tcpFlagACK = 0x10
)

type tcpHeader struct {
	srcPort  uint16
	dstPort  uint16
	seq      uint32
	ack      uint32
	dataOff  uint8
	flags    uint8
	window   uint16
	checksum uint16
	urgent   uint16
	options  []byte
	payload  []byte
}

func (h tcpHeader) has(flag uint8) bool { return h.flags&flag != 0 }

func parseTCPHeader(data []byte) (tcpHeader, error) {
	if len(data) < tcpHeaderLen {
		return tcpHeader{}, fmt.Errorf("tcp header too short: %d", len(data))
	}

	hdrLen := int(data[12]>>4) * 4
	if hdrLen < tcpHeaderLen || len(data) < hdrLen {
		return tcpHeader{}, fmt.Errorf("tcp header length mismatch: %d", hdrLen)
	}

	h := tcpHeader{
		srcPort:  binary.BigEndian.Uint16(data[0:2]),
		dstPort:  binary.BigEndian.Uint16(data[2:4]),
		seq:      binary.BigEndian.Uint32(data[4:8]),
		ack:      binary.BigEndian.Uint32(data[8:12]),
		dataOff:  data[12],
		flags:    data[13],
		window:   binary.BigEndian.Uint16(data[14:16]),
		checksum: binary.BigEndian.Uint16(data[16:18]),
		urgent:   binary.BigEndian.Uint16(data[18:20]),
		payload:  data[hdrLen:],
	}
	if hdrLen > tcpHeaderLen {
		h.options = data[tcpHeaderLen:hdrLen]
	}
	return h, nil
}

// putTCPHeader writes the fixed header with a zero checksum. optLen must be a
// multiple of four; the options themselves are written by the caller.
func putTCPHeader(b []byte, srcPort, dstPort uint16, seq, ack uint32, flags uint8, window uint16, optLen int) {
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint32(b[4:8], seq)
	binary.BigEndian.PutUint32(b[8:12], ack)
	b[12] = uint8((tcpHeaderLen+optLen)/4) << 4
	b[13] = flags
	binary.BigEndian.PutUint16(b[14:16], window)
	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[18:20], 0)
}

// TCP option kinds (RFC 793).
const (
	tcpOptEnd = 0
	tcpOptNOP = 1
	tcpOptMSS = 2
)

// parseTCPMSS returns the MSS option, if present.
func parseTCPMSS(options []byte) (uint16, bool) {
	i := 0
	for i < len(options) {
		switch options[i] {
		case tcpOptEnd:
			return 0, false
		case tcpOptNOP:
			i++
			continue
		case tcpOptMSS:
			if i+4 <= len(options) && options[i+1] == 4 {
				return binary.BigEndian.Uint16(options[i+2 : i+4]), true
			}
			return 0, false
		default:
			// Skip unknown option using its length field.
			if i+1 >= len(options) {
				return 0, false
			}
			length := int(options[i+1])
			if length < 2 {
				return 0, false
			}
			i += length
		}
	}
	return 0, false
}

func putTCPMSSOption(b []byte, mss uint16) {
	b[0] = tcpOptMSS
	b[1] = 4
	binary.BigEndian.PutUint16(b[2:4], mss)
}
