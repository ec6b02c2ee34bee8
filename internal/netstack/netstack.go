// Package netstack implements a small, poll-driven IPv4 stack for a single
// Ethernet interface.
//
// The goals are:
//   - ARP with RFC 5227 probing, IPv4 with fragmentation and reassembly,
//     ICMP echo, UDP, a DHCP client and a compact TCP.
//   - No heap allocation on the packet path: frames live in a fixed transmit
//     pool, reassembly buffers and per-socket receive slots are sized at New.
//   - A driver only supplies FrameSender and calls DeliverFrame; everything
//     else, including every timer, runs from Periodic.
//
// Notes and limitations:
//   - No IPv6, no routing between interfaces, no multicast groups.
//   - TCP keeps one segment in flight per socket and one receive slot; there
//     is no congestion control, window scaling or SACK.
//   - Socket and datagram calls never block. They report ErrWouldBlock and
//     friends; see IsTemporary.
package netstack

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Kalycito-open-automation/openSAFETY-DEMO-sub000/internal/pcap"
)

////////////////////////////////////////////////////////////////////////////////
// Driver interface.
////////////////////////////////////////////////////////////////////////////////

// FrameSender transmits one Ethernet frame. It returns the number of bytes
// taken, or 0 when the driver cannot accept a frame right now; the stack then
// keeps the frame queued and retries on the next Periodic call. The frame
// must not be retained after SendFrame returns.
type FrameSender interface {
	SendFrame(frame []byte) int
}

// FrameSenderFunc adapts a function to FrameSender.
type FrameSenderFunc func(frame []byte) int

func (f FrameSenderFunc) SendFrame(frame []byte) int { return f(frame) }

////////////////////////////////////////////////////////////////////////////////
// Stack: central struct tying together interface, addressing and transport.
////////////////////////////////////////////////////////////////////////////////

// State is the interface addressing state.
type State uint8

const (
	// StateDHCP waits for a DHCP lease.
	StateDHCP State = iota
	// StateAddrInit probes the candidate address with ARP.
	StateAddrInit
	// StateReady has a usable address.
	StateReady
	// StateAddrInUse found another host on our address. It is terminal until
	// Restart.
	StateAddrInUse
)

func (s State) String() string {
	switch s {
	case StateDHCP:
		return "dhcp"
	case StateAddrInit:
		return "addr-init"
	case StateReady:
		return "ready"
	case StateAddrInUse:
		return "addr-in-use"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

const (
	tcpTickInterval = 100 * time.Millisecond
	ephemeralFirst  = 49152
)

type clock struct {
	now     time.Duration // last accepted Periodic input
	fastAcc time.Duration
	slowAcc time.Duration
	ticks   uint32 // fast ticks since New
	seconds uint32
}

// Stack is one interface instance. Periodic and every API method serialize on
// an internal lock; DeliverFrame only touches the receive queue and may be
// called from any goroutine, including from inside SendFrame.
type Stack struct {
	log    *slog.Logger
	cfg    Config
	mac    macAddr
	sender FrameSender
	l2Len  int
	mtu    int

	mu sync.Mutex

	state     State
	static    ifAddr
	primary   ifAddr
	secondary ifAddr
	gateway   ipAddr

	// Copies of the addresses for filtering in DeliverFrame.
	filterIP   atomic.Uint32
	filterMask atomic.Uint32
	filterIP2  atomic.Uint32
	filterMsk2 atomic.Uint32

	arp        arpTable
	arpInit    arpInitState
	arpRefresh int
	arpPending arpPending

	pool  *txPool
	rx    *rxQueue
	reasm *reassembler

	udp     []udpListener
	sockets []socket
	dhcp    *dhcpClient

	clock    clock
	ipID     uint16
	nextPort uint16
	rng      *rand.Rand
	jitter   *rand.Rand

	stats counters

	// Optional packet capture.
	captureMu sync.RWMutex
	capture   *pcap.Writer

	// Debug HTTP server.
	debugMu       sync.Mutex
	debugSrv      *http.Server
	debugListener net.Listener
	debugWG       sync.WaitGroup
	debugAddr     string

	udpScratch UDPInfo
	macScratch macAddr

	closeOnce sync.Once
}

// New builds a stack from cfg. Zero-valued tunables take their defaults.
func New(cfg Config, sender FrameSender, l *slog.Logger) (*Stack, error) {
	if sender == nil {
		return nil, fmt.Errorf("netstack: frame sender is required: %w", ErrInvalid)
	}
	if l == nil {
		l = slog.Default()
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("netstack: %w", err)
	}
	mac, _ := cfg.hardwareAddr()

	ns := &Stack{
		log:    l,
		cfg:    cfg,
		mac:    mac,
		sender: sender,
		mtu:    cfg.MTU,
		l2Len:  ethernetHeaderLen,
	}
	if cfg.VLANID != 0 {
		ns.l2Len += vlanTagLen
	}
	if !cfg.DHCP {
		ns.static, _ = parseAddress(cfg.Address)
	}
	if cfg.Gateway != "" {
		ns.gateway = ipFromNetip(netip.MustParseAddr(cfg.Gateway))
	}

	// Backoff jitter depends on the MAC alone; identifiers and sequence
	// numbers also mix in the boot time.
	seed := binary.BigEndian.Uint64(append([]byte{0, 0}, mac[:]...))
	ns.jitter = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	ns.rng = rand.New(rand.NewPCG(seed, uint64(time.Now().UnixNano())))
	ns.nextPort = uint16(ephemeralFirst + ns.rng.IntN(65536-ephemeralFirst))
	ns.ipID = uint16(ns.rng.Uint32())

	ns.arp = newARPTable(cfg.ARPTableSize)
	ns.pool = newTxPool(cfg.TxBuffers, ns.l2Len+ns.mtu)
	ns.rx = newRxQueue(cfg.RxQueueLen)
	ns.reasm = newReassembler(cfg.ReassemblyBuffers, cfg.ReassemblySize, cfg.ReassemblyTimeoutSeconds)
	ns.udp = make([]udpListener, cfg.UDPListeners)
	ns.sockets = make([]socket, cfg.Sockets)
	slot := max(ns.mtu, cfg.ReassemblySize)
	rxArena := make([]byte, cfg.Sockets*slot)
	for i := range ns.sockets {
		ns.sockets[i].gen = 1
		ns.sockets[i].rxBuf = rxArena[i*slot : (i+1)*slot : (i+1)*slot]
	}

	if cfg.DHCP {
		ns.dhcp = newDHCPClient(mac, cfg.HostName)
		if err := ns.listenUDP(dhcpClientPort, datagramHandler(ns.handleDHCP)); err != nil {
			return nil, fmt.Errorf("netstack: register dhcp client: %w", err)
		}
	}
	if cfg.EnableSecondary {
		ns.secondary, _ = parseAddress(cfg.Secondary)
	}

	ns.startAddressing()
	ns.log.Info("netstack: interface up",
		"mac", ns.mac, "dhcp", cfg.DHCP, "mtu", ns.mtu, "vlan", cfg.VLANID)
	return ns, nil
}

////////////////////////////////////////////////////////////////////////////////
// Lifecycle and addressing.
////////////////////////////////////////////////////////////////////////////////

// startAddressing (re)enters the first addressing state. Callers hold mu.
func (ns *Stack) startAddressing() {
	ns.arp.reset()
	ns.arpInit = arpInitState{}
	if ns.dhcp != nil {
		ns.dhcp.reset()
		ns.setAddress(ifAddr{})
		ns.setState(StateDHCP)
		return
	}
	ns.setAddress(ns.static)
	ns.setState(StateAddrInit)
}

func (ns *Stack) setState(s State) {
	if ns.state == s {
		return
	}
	ns.log.Info("netstack: state change", "from", ns.state, "to", s, "addr", ns.primary.ip)
	ns.state = s
}

func (ns *Stack) setAddress(a ifAddr) {
	ns.primary = a
	ns.filterIP.Store(uint32(a.ip))
	ns.filterMask.Store(uint32(a.mask))
	ns.filterIP2.Store(uint32(ns.secondary.ip))
	ns.filterMsk2.Store(uint32(ns.secondary.mask))
}

// Restart clears the address state and starts acquisition again. It is the
// only way out of StateAddrInUse.
func (ns *Stack) Restart() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.log.Info("netstack: restart", "state", ns.state)
	ns.startAddressing()
}

// State returns the addressing state.
func (ns *Stack) State() State {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.state
}

// Addr returns the primary address and prefix. It is invalid while no
// address is configured.
func (ns *Stack) Addr() netip.Prefix {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.primary.prefix()
}

// SecondaryAddr returns the secondary address, if enabled.
func (ns *Stack) SecondaryAddr() netip.Prefix {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.secondary.prefix()
}

// Gateway returns the default router, if any.
func (ns *Stack) Gateway() netip.Addr {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if ns.gateway == 0 {
		return netip.Addr{}
	}
	return ns.gateway.netip()
}

// MAC returns the station address.
func (ns *Stack) MAC() net.HardwareAddr {
	return net.HardwareAddr(append([]byte(nil), ns.mac[:]...))
}

// Close stops the debug server. It is idempotent.
func (ns *Stack) Close() error {
	ns.closeOnce.Do(func() {
		ns.stopDebugHTTP()
	})
	return nil
}

func (ns *Stack) ownsIP(ip ipAddr) bool {
	return ip != 0 && (ip == ns.primary.ip || ip == ns.secondary.ip)
}

// sourceFor picks the local address on the subnet of dst.
func (ns *Stack) sourceFor(dst ipAddr) ipAddr {
	if ns.secondary.contains(dst) && !ns.primary.contains(dst) {
		return ns.secondary.ip
	}
	return ns.primary.ip
}

// acceptsIP implements the receive address filter. Before an address is
// configured every destination is accepted so that DHCP replies get through.
func (ns *Stack) acceptsIP(dst ipAddr) bool {
	if dst == ipBroadcast {
		return true
	}
	ip := ipAddr(ns.filterIP.Load())
	if ip == 0 {
		return true
	}
	mask := ipAddr(ns.filterMask.Load())
	if dst == ip || dst == ip|^mask {
		return true
	}
	ip2 := ipAddr(ns.filterIP2.Load())
	if ip2 != 0 {
		mask2 := ipAddr(ns.filterMsk2.Load())
		if dst == ip2 || dst == ip2|^mask2 {
			return true
		}
	}
	return false
}

func (ns *Stack) isBroadcastIP(dst ipAddr) bool {
	if dst == ipBroadcast {
		return true
	}
	if ns.primary.ip != 0 && dst == ns.primary.broadcast() {
		return true
	}
	return ns.secondary.ip != 0 && dst == ns.secondary.broadcast()
}

func (ns *Stack) nextHop(dst ipAddr) (ipAddr, bool) {
	if ns.primary.contains(dst) || ns.secondary.contains(dst) {
		return dst, true
	}
	if ns.gateway != 0 {
		return ns.gateway, true
	}
	return 0, false
}

// resolve maps dst to a link address, sending an ARP request if needed.
func (ns *Stack) resolve(dst ipAddr) (macAddr, error) {
	if ns.isBroadcastIP(dst) {
		return macBroadcast, nil
	}
	hop, ok := ns.nextHop(dst)
	if !ok {
		return macZero, fmt.Errorf("no route to %s: %w", dst, ErrInvalid)
	}
	if mac, ok := ns.arpResolve(hop); ok {
		return mac, nil
	}
	return macZero, ErrHostUnresolved
}

func (ns *Stack) nextIPID() uint16 {
	ns.ipID++
	return ns.ipID
}

////////////////////////////////////////////////////////////////////////////////
// Packet capture.
////////////////////////////////////////////////////////////////////////////////

// OpenPacketCapture enables streaming packet capture of every frame received
// or transmitted to the given writer.
func (ns *Stack) OpenPacketCapture(out io.Writer) error {
	ns.captureMu.Lock()
	defer ns.captureMu.Unlock()

	writer := pcap.NewWriter(out)
	if err := writer.WriteFileHeader(uint32(ns.l2Len+ns.mtu), pcap.LinkTypeEthernet); err != nil {
		return fmt.Errorf("write pcap header: %w", err)
	}
	ns.capture = writer
	return nil
}

func (ns *Stack) writePacketCapture(data []byte) {
	ns.captureMu.RLock()
	writer := ns.capture
	ns.captureMu.RUnlock()

	if writer == nil {
		return
	}

	if err := writer.WriteFrame(time.Now(), data); err != nil {
		ns.log.Warn("pcap: write frame failed", "err", err)
	}
}

////////////////////////////////////////////////////////////////////////////////
// Receive path.
////////////////////////////////////////////////////////////////////////////////

// DeliverFrame hands a received frame to the stack. Frames that fail the
// address filter are released immediately. ErrRxQueueFull means the frame
// was not taken and still belongs to the caller. Accepted frames are released
// exactly once, from Periodic, after processing.
func (ns *Stack) DeliverFrame(frame []byte, rel FrameReleaser) error {
	ns.stats.inc(StatRxFrames)
	if len(frame) < ethernetHeaderLen {
		ns.stats.inc(StatRxMalformed)
		releaseFrame(rel, frame)
		return nil
	}
	if !ns.filterFrame(frame) {
		ns.stats.inc(StatRxFiltered)
		releaseFrame(rel, frame)
		return nil
	}
	if !ns.rx.push(frame, rel) {
		ns.stats.inc(StatRxQueueFull)
		return ErrRxQueueFull
	}
	return nil
}

// filterFrame checks the destination MAC and, for IPv4, the destination
// address.
func (ns *Stack) filterFrame(frame []byte) bool {
	dst := macFrom(frame[0:6])
	if dst != ns.mac && !dst.isBroadcast() {
		return false
	}
	off := ethernetHeaderLen
	et := etherType(binary.BigEndian.Uint16(frame[12:14]))
	if et == etherTypeVLAN && len(frame) >= ethernetHeaderLen+vlanTagLen {
		et = etherType(binary.BigEndian.Uint16(frame[16:18]))
		off += vlanTagLen
	}
	if et != etherTypeIPv4 || len(frame) < off+ipv4HeaderLen {
		return true
	}
	return ns.acceptsIP(ipFrom(frame[off+16 : off+20]))
}

func (ns *Stack) drainRx() {
	for range ns.rx.capacity() {
		slot, ok := ns.rx.pop()
		if !ok {
			return
		}
		ns.writePacketCapture(slot.frame)
		if err := ns.handleEthernetFrame(slot.frame); err != nil {
			ns.log.Debug("netstack: drop frame", "err", err)
		}
		releaseFrame(slot.rel, slot.frame)
		// Replies generated while handling this frame may have used the last
		// free buffer; give the driver a chance before the next one.
		if ns.pool.queued() > 0 {
			ns.flushTx()
		}
	}
}

func (ns *Stack) handleEthernetFrame(frame []byte) error {
	eth, payload, err := parseEthernetHeader(frame)
	if err != nil {
		ns.stats.inc(StatRxMalformed)
		return err
	}
	if eth.tagged && ns.cfg.VLANID != 0 && eth.tci&0x0fff != ns.cfg.VLANID {
		ns.stats.inc(StatRxFiltered)
		return nil
	}

	switch eth.etherType {
	case etherTypeARP:
		return ns.handleARP(payload)
	case etherTypeIPv4:
		return ns.handleIPv4(eth, payload)
	default:
		ns.stats.inc(StatRxFiltered)
		return nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// Transmit path.
////////////////////////////////////////////////////////////////////////////////

// allocFrame claims a transmit buffer and returns its frame area.
func (ns *Stack) allocFrame(ack bool) (bufHandle, []byte, bool) {
	h, ok := ns.pool.allocate(ack)
	if !ok {
		ns.stats.inc(StatTxNoBuffer)
		return bufHandle{}, nil, false
	}
	return h, ns.pool.frame(h), true
}

// writeIPv4Frame fills in the link and IPv4 headers and returns the offset of
// the IP payload.
func (ns *Stack) writeIPv4Frame(
	frame []byte,
	dstMAC macAddr,
	src, dst ipAddr,
	protocol protocolNumber,
	payloadLen int,
	id, fragField uint16,
) int {
	n := buildEthernetHeaderInto(frame, dstMAC, ns.mac, etherTypeIPv4, ns.cfg.VLANID)
	buildIPv4HeaderInto(frame[n:], src, dst, protocol, payloadLen, id, fragField)
	return n + ipv4HeaderLen
}

// commit sets the frame length and queues the buffer for the driver.
func (ns *Stack) commit(h bufHandle, size int) {
	ns.pool.setSize(h, size)
	ns.pool.enqueue(h)
}

func (ns *Stack) flushTx() {
	ns.pool.flush(func(frame []byte) int {
		n := ns.sender.SendFrame(frame)
		if n == 0 {
			ns.stats.inc(StatTxDriverBusy)
			return 0
		}
		ns.stats.inc(StatTxFrames)
		ns.writePacketCapture(frame)
		return n
	})
}

////////////////////////////////////////////////////////////////////////////////
// Periodic processing.
////////////////////////////////////////////////////////////////////////////////

// Periodic advances the stack to now, the time since an arbitrary fixed
// origin (typically process or board uptime). It drains received frames,
// runs the 100ms and 1s timers that became due, and flushes queued frames to
// the driver, in that order. A now smaller than the previous call counts as
// zero elapsed time and becomes the new reference.
func (ns *Stack) Periodic(now time.Duration) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	elapsed := ns.advanceClock(now)

	ns.drainRx()

	ns.clock.fastAcc += elapsed
	for ns.clock.fastAcc >= tcpTickInterval {
		ns.clock.fastAcc -= tcpTickInterval
		ns.clock.ticks++
		ns.tcpFastTick()
	}

	ns.clock.slowAcc += elapsed
	for ns.clock.slowAcc >= time.Second {
		ns.clock.slowAcc -= time.Second
		ns.clock.seconds++
		ns.secondTick()
	}

	ns.flushTx()
}

func (ns *Stack) advanceClock(now time.Duration) time.Duration {
	if now < ns.clock.now {
		ns.stats.inc(StatClockRegressions)
		ns.log.Warn("netstack: clock went backwards", "prev", ns.clock.now, "now", now)
		ns.clock.now = now
		return 0
	}
	elapsed := now - ns.clock.now
	ns.clock.now = now
	return elapsed
}

func (ns *Stack) secondTick() {
	switch ns.state {
	case StateAddrInit:
		ns.arpInitTick()
	case StateReady:
		ns.arpRefreshTick()
	}
	// A conflict stops the client too; only Restart leaves addr-in-use.
	if ns.dhcp != nil && ns.state != StateAddrInUse {
		ns.dhcpTick()
	}
	ns.reasm.tick(&ns.stats)
	ns.tcpSecondTick()
}
