package netstack

import (
	"encoding/binary"
	"fmt"
)

////////////////////////////////////////////////////////////////////////////////
// ARP.
////////////////////////////////////////////////////////////////////////////////

const (
	arpHardwareEthernet = 1
	arpOpRequest        = 1
	arpOpReply          = 2

	// arpRequestHoldoff is the minimum number of 100ms ticks between two
	// requests for the same address.
	arpRequestHoldoff = 10
)

type arpEntry struct {
	ip      ipAddr
	mac     macAddr
	updated uint32 // stack seconds
}

// arpTable is a fixed-size cache. An entry with ip 0 is free.
type arpTable struct {
	entries []arpEntry
}

func newARPTable(n int) arpTable {
	return arpTable{entries: make([]arpEntry, n)}
}

func (t *arpTable) reset() {
	clear(t.entries)
}

func (t *arpTable) find(ip ipAddr) *arpEntry {
	if ip == 0 {
		return nil
	}
	for i := range t.entries {
		if t.entries[i].ip == ip {
			return &t.entries[i]
		}
	}
	return nil
}

func (t *arpTable) lookup(ip ipAddr) (macAddr, bool) {
	if e := t.find(ip); e != nil {
		return e.mac, true
	}
	return macZero, false
}

// update records ip at mac, creating an entry when needed. A full table
// gives up its least recently updated entry.
func (t *arpTable) update(ip ipAddr, mac macAddr, now uint32) {
	if e := t.find(ip); e != nil {
		e.mac = mac
		e.updated = now
		return
	}
	victim := 0
	for i := range t.entries {
		if t.entries[i].ip == 0 {
			victim = i
			break
		}
		if t.entries[i].updated < t.entries[victim].updated {
			victim = i
		}
	}
	t.entries[victim] = arpEntry{ip: ip, mac: mac, updated: now}
}

// refresh updates an existing entry only. Gratuitous announcements use it so
// that they never displace entries we actually need.
func (t *arpTable) refresh(ip ipAddr, mac macAddr, now uint32) bool {
	if e := t.find(ip); e != nil {
		e.mac = mac
		e.updated = now
		return true
	}
	return false
}

// evict frees entries older than maxAge seconds.
func (t *arpTable) evict(now uint32, maxAge uint32) int {
	n := 0
	for i := range t.entries {
		e := &t.entries[i]
		if e.ip != 0 && now-e.updated > maxAge {
			*e = arpEntry{}
			n++
		}
	}
	return n
}

// arpInitState tracks RFC 5227 probing of the candidate address.
type arpInitState struct {
	probes int
}

// arpPending remembers the last address we asked for.
type arpPending struct {
	ip   ipAddr
	tick uint32
}

// arpLearn records a mapping for an address on one of our subnets.
func (ns *Stack) arpLearn(ip ipAddr, mac macAddr) {
	if !ns.primary.contains(ip) && !ns.secondary.contains(ip) {
		return
	}
	if mac.isMulticast() {
		return
	}
	ns.arp.update(ip, mac, ns.clock.seconds)
}

// arpResolve returns the cached address or sends a request for it.
func (ns *Stack) arpResolve(ip ipAddr) (macAddr, bool) {
	if mac, ok := ns.arp.lookup(ip); ok {
		return mac, true
	}
	p := &ns.arpPending
	if p.ip == ip && ns.clock.ticks-p.tick < arpRequestHoldoff {
		return macZero, false
	}
	if ns.sendARP(arpOpRequest, macBroadcast, ns.sourceFor(ip), macZero, ip) {
		p.ip = ip
		p.tick = ns.clock.ticks
	}
	return macZero, false
}

func (ns *Stack) handleARP(payload []byte) error {
	if len(payload) < arpPacketLen {
		ns.stats.inc(StatRxMalformed)
		return fmt.Errorf("arp packet too short: %d", len(payload))
	}

	htype := binary.BigEndian.Uint16(payload[0:2])
	ptype := binary.BigEndian.Uint16(payload[2:4])
	if htype != arpHardwareEthernet || etherType(ptype) != etherTypeIPv4 ||
		payload[4] != 6 || payload[5] != 4 {
		ns.stats.inc(StatRxMalformed)
		return fmt.Errorf("unsupported arp hardware/protocol %d/%#04x", htype, ptype)
	}

	op := binary.BigEndian.Uint16(payload[6:8])
	sha := macFrom(payload[8:14])
	spa := ipFrom(payload[14:18])
	tpa := ipFrom(payload[24:28])
	ns.stats.inc(StatARPRx)

	if sha == ns.mac {
		return nil
	}

	switch ns.state {
	case StateAddrInUse:
		return nil
	case StateAddrInit:
		tentative := ns.primary.ip
		// Someone already uses the address, or is probing for it too.
		if spa == tentative || (spa == 0 && tpa == tentative && op == arpOpRequest) {
			ns.addressConflict(sha)
			return nil
		}
	case StateReady:
		if spa != 0 && spa == ns.primary.ip {
			ns.stats.inc(StatARPConflicts)
			ns.log.Warn("netstack: address claimed by another host", "addr", spa, "mac", sha)
		}
	}

	now := ns.clock.seconds
	if spa != 0 {
		switch {
		case spa == tpa:
			ns.arp.refresh(spa, sha, now)
		case op == arpOpReply:
			ns.arpLearn(spa, sha)
		default:
			ns.arp.refresh(spa, sha, now)
		}
	}

	if op == arpOpRequest && spa != 0 && spa != tpa && ns.state == StateReady && ns.ownsIP(tpa) {
		ns.arpLearn(spa, sha)
		if ns.sendARP(arpOpReply, sha, tpa, sha, spa) {
			ns.stats.inc(StatARPRepliesTx)
		}
	}
	return nil
}

// sendARP queues one ARP packet. It reports false when no buffer was free.
func (ns *Stack) sendARP(op uint16, dst macAddr, senderIP ipAddr, targetMAC macAddr, targetIP ipAddr) bool {
	h, frame, ok := ns.allocFrame(false)
	if !ok {
		return false
	}
	n := buildEthernetHeaderInto(frame, dst, ns.mac, etherTypeARP, ns.cfg.VLANID)
	p := frame[n : n+arpPacketLen]
	binary.BigEndian.PutUint16(p[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(p[2:4], uint16(etherTypeIPv4))
	p[4] = 6
	p[5] = 4
	binary.BigEndian.PutUint16(p[6:8], op)
	copy(p[8:14], ns.mac[:])
	senderIP.put(p[14:18])
	copy(p[18:24], targetMAC[:])
	targetIP.put(p[24:28])

	size := n + arpPacketLen
	// Pad to the Ethernet minimum.
	for size < 60 {
		frame[size] = 0
		size++
	}
	ns.commit(h, size)
	if op == arpOpRequest {
		ns.stats.inc(StatARPRequestsTx)
	}
	return true
}

func (ns *Stack) addressConflict(mac macAddr) {
	ns.stats.inc(StatARPConflicts)
	ns.log.Error("netstack: address conflict", "addr", ns.primary.ip, "mac", mac)
	ns.setState(StateAddrInUse)
}

// arpInitTick sends one probe per second, then an announcement, after which
// the address is ours.
func (ns *Stack) arpInitTick() {
	ip := ns.primary.ip
	if ns.arpInit.probes < ns.cfg.ARPProbes {
		if ns.sendARP(arpOpRequest, macBroadcast, 0, macZero, ip) {
			ns.arpInit.probes++
			ns.log.Debug("netstack: arp probe", "addr", ip, "n", ns.arpInit.probes)
		}
		return
	}
	if !ns.sendARP(arpOpRequest, macBroadcast, ip, macZero, ip) {
		return
	}
	if ns.secondary.ip != 0 {
		ns.sendARP(arpOpRequest, macBroadcast, ns.secondary.ip, macZero, ns.secondary.ip)
	}
	ns.setState(StateReady)
}

// arpRefreshTick ages out stale entries and keeps the gateway entry warm.
func (ns *Stack) arpRefreshTick() {
	ns.arpRefresh++
	if ns.arpRefresh < ns.cfg.ARPRefreshSeconds {
		return
	}
	ns.arpRefresh = 0

	now := ns.clock.seconds
	if n := ns.arp.evict(now, uint32(ns.cfg.ARPMaxAgeSeconds)); n > 0 {
		ns.stats.add(StatARPEvictions, uint64(n))
	}
	if ns.gateway == 0 {
		return
	}
	e := ns.arp.find(ns.gateway)
	if e == nil {
		return
	}
	if now-e.updated >= uint32(ns.cfg.ARPGatewayRefreshSec) {
		ns.sendARP(arpOpRequest, e.mac, ns.sourceFor(ns.gateway), macZero, ns.gateway)
	}
}
