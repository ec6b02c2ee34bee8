package netstack

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"
)

////////////////////////////////////////////////////////////////////////////////
// DHCP client (RFC 2131).
////////////////////////////////////////////////////////////////////////////////

const (
	dhcpServerPort = 67
	dhcpClientPort = 68

	dhcpMagic     = 0x63825363
	dhcpFixedLen  = 236
	dhcpOptionOff = dhcpFixedLen + 4
	dhcpMinLen    = 300
	dhcpMaxLen    = 576 - ipv4HeaderLen - udpHeaderLen

	bootRequest = 1
	bootReply   = 2

	dhcpFlagBroadcast = 0x8000
)

// Message types (option 53).
const (
	dhcpDiscover = 1
	dhcpOffer    = 2
	dhcpRequest  = 3
	dhcpAck      = 5
	dhcpNak      = 6
)

// Option codes.
const (
	dhcpOptPad         = 0
	dhcpOptSubnetMask  = 1
	dhcpOptRouter      = 3
	dhcpOptDNS         = 6
	dhcpOptHostName    = 12
	dhcpOptDomainName  = 15
	dhcpOptRequestedIP = 50
	dhcpOptLeaseTime   = 51
	dhcpOptMessageType = 53
	dhcpOptServerID    = 54
	dhcpOptParams      = 55
	dhcpOptRenewalT1   = 58
	dhcpOptRebindT2    = 59
	dhcpOptClientID    = 61
	dhcpOptEnd         = 255
)

// Client timing, in seconds.
const (
	dhcpMaxInterval      = 64
	dhcpRequestInterval  = 4
	dhcpRequestRetries   = 4
	dhcpMinRenewInterval = 4
	dhcpDefaultLease     = 3600
	// dhcpOfferWindow is how long offers are collected after the first one
	// before the best (numerically highest address) is requested.
	dhcpOfferWindow = 2
)

// DHCPState is the client state (RFC 2131, figure 5).
type DHCPState uint8

const (
	DHCPInit DHCPState = iota
	DHCPDiscovering
	DHCPRequesting
	DHCPBound
	DHCPRenewing
	DHCPRebinding
)

func (s DHCPState) String() string {
	switch s {
	case DHCPInit:
		return "init"
	case DHCPDiscovering:
		return "discover"
	case DHCPRequesting:
		return "request"
	case DHCPBound:
		return "bound"
	case DHCPRenewing:
		return "renewing"
	case DHCPRebinding:
		return "rebinding"
	}
	return fmt.Sprintf("DHCPState(%d)", uint8(s))
}

type dhcpLease struct {
	ip, mask, router, server, dns ipAddr
	domain                        string
	lease, t1, t2                 uint32
}

// Lease describes the address currently leased from a DHCP server.
type Lease struct {
	Addr     netip.Prefix
	Router   netip.Addr
	Server   netip.Addr
	DNS      netip.Addr
	Domain   string
	Duration time.Duration
	T1       time.Duration
	T2       time.Duration
}

type dhcpClient struct {
	mac      macAddr
	hostName string

	state    DHCPState
	xid      uint32
	timer    int
	interval int
	tries    int

	haveOffer   bool
	offerWindow int
	offer       dhcpLease

	lease dhcpLease
	bound uint32 // stack second of the last ACK

	msg [dhcpMaxLen]byte
}

func newDHCPClient(mac macAddr, hostName string) *dhcpClient {
	return &dhcpClient{mac: mac, hostName: hostName}
}

func (c *dhcpClient) reset() {
	c.state = DHCPInit
	c.haveOffer = false
	c.offerWindow = 0
	c.lease = dhcpLease{}
}

// dhcpInitialInterval spreads the first retransmission of a batch of
// identical boards over a few seconds.
func dhcpInitialInterval(mac macAddr) int {
	return 2 + int(mac[5]^mac[4])%3
}

func (ns *Stack) dhcpTick() {
	c := ns.dhcp
	switch c.state {
	case DHCPInit:
		c.xid = ns.rng.Uint32()
		c.interval = dhcpInitialInterval(ns.mac)
		c.timer = 0
		c.haveOffer = false
		c.state = DHCPDiscovering
		ns.dhcpDiscoverTick()
	case DHCPDiscovering:
		ns.dhcpDiscoverTick()
	case DHCPRequesting:
		ns.dhcpRequestTick()
	case DHCPBound, DHCPRenewing, DHCPRebinding:
		ns.dhcpLeaseTick()
	}
}

func (ns *Stack) dhcpDiscoverTick() {
	c := ns.dhcp
	if c.haveOffer {
		c.offerWindow--
		if c.offerWindow > 0 {
			return
		}
		ns.log.Info("netstack: dhcp selecting offer", "addr", c.offer.ip, "server", c.offer.server)
		c.state = DHCPRequesting
		c.tries = 0
		c.timer = 0
		ns.dhcpRequestTick()
		return
	}
	if c.timer > 0 {
		c.timer--
		return
	}
	if !ns.sendDHCP(dhcpDiscover) {
		return
	}
	ns.stats.inc(StatDHCPDiscovers)
	c.timer = c.interval - 1 + ns.jitter.IntN(2)
	c.interval = min(c.interval*2, dhcpMaxInterval)
}

func (ns *Stack) dhcpRequestTick() {
	c := ns.dhcp
	if c.timer > 0 {
		c.timer--
		return
	}
	if c.tries >= dhcpRequestRetries {
		ns.log.Warn("netstack: dhcp request unanswered", "addr", c.offer.ip)
		c.state = DHCPInit
		return
	}
	if ns.sendDHCP(dhcpRequest) {
		ns.stats.inc(StatDHCPRequests)
		c.tries++
		c.timer = dhcpRequestInterval - 1
	}
}

func (ns *Stack) dhcpLeaseTick() {
	c := ns.dhcp
	age := ns.clock.seconds - c.bound
	switch {
	case age >= c.lease.lease:
		ns.dhcpExpire()
		return
	case age >= c.lease.t2 && c.state != DHCPRebinding:
		ns.log.Info("netstack: dhcp rebinding", "addr", c.lease.ip)
		c.state = DHCPRebinding
		c.timer = 0
	case age >= c.lease.t1 && c.state == DHCPBound:
		ns.log.Info("netstack: dhcp renewing", "addr", c.lease.ip)
		c.state = DHCPRenewing
		c.timer = 0
	}
	if c.state == DHCPBound {
		return
	}
	if c.timer > 0 {
		c.timer--
		return
	}
	if !ns.sendDHCP(dhcpRequest) {
		return
	}
	ns.stats.inc(StatDHCPRequests)
	deadline := c.lease.t2
	if c.state == DHCPRebinding {
		deadline = c.lease.lease
	}
	c.timer = max(int(deadline-age)/2, dhcpMinRenewInterval) - 1
}

func (ns *Stack) dhcpExpire() {
	ns.stats.inc(StatDHCPLeaseExpired)
	ns.log.Warn("netstack: dhcp lease expired", "addr", ns.dhcp.lease.ip)
	ns.dhcpUnbind()
}

// dhcpUnbind drops the leased address and starts over.
func (ns *Stack) dhcpUnbind() {
	c := ns.dhcp
	c.reset()
	ns.setAddress(ifAddr{})
	if ns.cfg.Gateway == "" {
		ns.gateway = 0
	}
	if ns.state != StateAddrInUse {
		ns.setState(StateDHCP)
	}
}

func (ns *Stack) dhcpBind(yiaddr ipAddr, opts dhcpOptions, from ipAddr) {
	c := ns.dhcp
	l := opts.lease(yiaddr)
	if l.server == 0 {
		l.server = from
	}
	c.lease = l
	c.bound = ns.clock.seconds
	c.state = DHCPBound
	ns.stats.inc(StatDHCPAcks)

	if l.router != 0 {
		ns.gateway = l.router
	}
	addr := ifAddr{ip: l.ip, mask: l.mask}
	ns.log.Info("netstack: dhcp bound",
		"addr", l.ip, "router", l.router, "server", l.server, "lease", l.lease)
	if ns.primary.ip == l.ip && ns.state == StateReady {
		ns.setAddress(addr)
		return
	}
	ns.setAddress(addr)
	ns.arpInit = arpInitState{}
	ns.setState(StateAddrInit)
}

// handleDHCP is registered as the internal listener on port 68.
func (ns *Stack) handleDHCP(h ipv4Header, u udpHeader, _ macAddr) {
	c := ns.dhcp
	p := u.payload
	if ns.state == StateAddrInUse {
		return
	}
	if len(p) < dhcpOptionOff || p[0] != bootReply {
		return
	}
	if binary.BigEndian.Uint32(p[4:8]) != c.xid || macFrom(p[28:34]) != c.mac {
		return
	}
	if binary.BigEndian.Uint32(p[dhcpFixedLen:dhcpOptionOff]) != dhcpMagic {
		return
	}
	yiaddr := ipFrom(p[16:20])
	opts := parseDHCPOptions(p[dhcpOptionOff:])

	switch opts.msgType {
	case dhcpOffer:
		if c.state != DHCPDiscovering || yiaddr == 0 {
			return
		}
		ns.stats.inc(StatDHCPOffers)
		ns.log.Debug("netstack: dhcp offer", "addr", yiaddr, "server", opts.server)
		if !c.haveOffer || yiaddr > c.offer.ip {
			c.offer = opts.lease(yiaddr)
			if c.offer.server == 0 {
				c.offer.server = h.src
			}
		}
		if !c.haveOffer {
			c.haveOffer = true
			c.offerWindow = dhcpOfferWindow
		}
	case dhcpAck:
		switch c.state {
		case DHCPRequesting:
			if yiaddr == 0 || (opts.server != 0 && opts.server != c.offer.server) {
				return
			}
		case DHCPRenewing, DHCPRebinding:
			if yiaddr == 0 {
				return
			}
		default:
			return
		}
		ns.dhcpBind(yiaddr, opts, h.src)
	case dhcpNak:
		switch c.state {
		case DHCPRequesting, DHCPRenewing, DHCPRebinding:
		default:
			return
		}
		ns.stats.inc(StatDHCPNaks)
		ns.log.Warn("netstack: dhcp nak", "server", h.src)
		ns.dhcpUnbind()
	}
}

type dhcpOptions struct {
	msgType                       uint8
	mask, router, server, dns     ipAddr
	domain                        string
	leaseTime, t1, t2             uint32
	hasLease, hasT1, hasT2, hasSM bool
}

func parseDHCPOptions(b []byte) dhcpOptions {
	var o dhcpOptions
	for i := 0; i < len(b); {
		code := b[i]
		if code == dhcpOptPad {
			i++
			continue
		}
		if code == dhcpOptEnd || i+1 >= len(b) {
			break
		}
		n := int(b[i+1])
		if i+2+n > len(b) {
			break
		}
		v := b[i+2 : i+2+n]
		switch code {
		case dhcpOptMessageType:
			if n >= 1 {
				o.msgType = v[0]
			}
		case dhcpOptSubnetMask:
			if n >= 4 {
				o.mask, o.hasSM = ipFrom(v), true
			}
		case dhcpOptRouter:
			if n >= 4 {
				o.router = ipFrom(v)
			}
		case dhcpOptDNS:
			if n >= 4 {
				o.dns = ipFrom(v)
			}
		case dhcpOptServerID:
			if n >= 4 {
				o.server = ipFrom(v)
			}
		case dhcpOptDomainName:
			o.domain = parseDomainOption(v)
		case dhcpOptLeaseTime:
			if n >= 4 {
				o.leaseTime, o.hasLease = binary.BigEndian.Uint32(v), true
			}
		case dhcpOptRenewalT1:
			if n >= 4 {
				o.t1, o.hasT1 = binary.BigEndian.Uint32(v), true
			}
		case dhcpOptRebindT2:
			if n >= 4 {
				o.t2, o.hasT2 = binary.BigEndian.Uint32(v), true
			}
		}
		i += 2 + n
	}
	return o
}

// lease applies defaults for missing options: a /24 mask, T1 = L/2 and
// T2 = 3L/4.
func (o dhcpOptions) lease(ip ipAddr) dhcpLease {
	l := dhcpLease{
		ip:     ip,
		mask:   o.mask,
		router: o.router,
		server: o.server,
		dns:    o.dns,
		domain: o.domain,
		lease:  dhcpDefaultLease,
	}
	if !o.hasSM || o.mask == 0 {
		l.mask = maskFromBits(24)
	}
	if o.hasLease && o.leaseTime > 0 {
		l.lease = o.leaseTime
	}
	l.t1 = l.lease / 2
	l.t2 = l.lease / 4 * 3
	if o.hasT1 && o.t1 < l.lease {
		l.t1 = o.t1
	}
	if o.hasT2 && o.t2 < l.lease && o.t2 > l.t1 {
		l.t2 = o.t2
	}
	if l.t2 <= l.t1 {
		l.t2 = l.t1 + (l.lease-l.t1)/2
	}
	return l
}

// sendDHCP builds and queues one client message. It reports false when the
// message could not be queued; the caller retries on the next tick.
func (ns *Stack) sendDHCP(msgType uint8) bool {
	c := ns.dhcp
	b := c.msg[:]
	clear(b)

	var ciaddr ipAddr
	if c.state == DHCPRenewing || c.state == DHCPRebinding {
		ciaddr = c.lease.ip
	}

	b[0] = bootRequest
	b[1] = arpHardwareEthernet
	b[2] = 6
	binary.BigEndian.PutUint32(b[4:8], c.xid)
	if ciaddr == 0 {
		binary.BigEndian.PutUint16(b[10:12], dhcpFlagBroadcast)
	}
	ciaddr.put(b[12:16])
	copy(b[28:34], c.mac[:])
	binary.BigEndian.PutUint32(b[dhcpFixedLen:dhcpOptionOff], dhcpMagic)

	i := dhcpOptionOff
	put := func(code uint8, v ...byte) {
		b[i] = code
		b[i+1] = byte(len(v))
		copy(b[i+2:], v)
		i += 2 + len(v)
	}
	ip4 := func(a ipAddr) []byte {
		var v [4]byte
		a.put(v[:])
		return v[:]
	}

	put(dhcpOptMessageType, msgType)
	var cid [7]byte
	cid[0] = arpHardwareEthernet
	copy(cid[1:], c.mac[:])
	put(dhcpOptClientID, cid[:]...)
	if msgType == dhcpRequest && c.state == DHCPRequesting {
		put(dhcpOptRequestedIP, ip4(c.offer.ip)...)
		put(dhcpOptServerID, ip4(c.offer.server)...)
	}
	if c.hostName != "" {
		put(dhcpOptHostName, []byte(c.hostName)...)
	}
	put(dhcpOptParams,
		dhcpOptSubnetMask, dhcpOptRouter, dhcpOptDNS, dhcpOptDomainName,
		dhcpOptLeaseTime, dhcpOptRenewalT1, dhcpOptRebindT2)
	b[i] = dhcpOptEnd
	i++
	size := max(i, dhcpMinLen)

	dst := ipBroadcast
	dstMAC := macBroadcast
	if c.state == DHCPRenewing {
		dst = c.lease.server
		mac, err := ns.resolve(dst)
		if err != nil {
			return false
		}
		dstMAC = mac
	}
	if err := ns.transmitUDP(dstMAC, ciaddr, dst, dhcpClientPort, dhcpServerPort, b[:size]); err != nil {
		ns.log.Debug("netstack: dhcp send", "type", msgType, "err", err)
		return false
	}
	return true
}

// DHCPState returns the client state. It is DHCPInit when DHCP is disabled.
func (ns *Stack) DHCPState() DHCPState {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.dhcp == nil {
		return DHCPInit
	}
	return ns.dhcp.state
}

// Lease returns the current DHCP lease, if bound.
func (ns *Stack) Lease() (Lease, bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.dhcp == nil || ns.dhcp.lease.ip == 0 {
		return Lease{}, false
	}
	l := ns.dhcp.lease
	out := Lease{
		Addr:     ifAddr{ip: l.ip, mask: l.mask}.prefix(),
		Server:   l.server.netip(),
		Domain:   l.domain,
		Duration: time.Duration(l.lease) * time.Second,
		T1:       time.Duration(l.t1) * time.Second,
		T2:       time.Duration(l.t2) * time.Second,
	}
	if l.router != 0 {
		out.Router = l.router.netip()
	}
	if l.dns != 0 {
		out.DNS = l.dns.netip()
	}
	return out, true
}
