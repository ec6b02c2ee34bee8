package netstack

import "encoding/binary"

////////////////////////////////////////////////////////////////////////////////
// IPv4 reassembly.
////////////////////////////////////////////////////////////////////////////////

type reasmState uint8

const (
	reasmFree reasmState = iota
	reasmActive
	// Done and expired buffers keep their identity so that late fragments of
	// the same datagram are dropped instead of starting a new one.
	reasmDone
	reasmExpired
)

// reasmBuffer collects the fragments of one datagram. Each bit of holes
// stands for one 8-byte block that has not arrived yet.
type reasmBuffer struct {
	state    reasmState
	id       uint16
	src, dst ipAddr
	timer    int
	total    int // payload length, -1 until the last fragment arrives
	hdrLen   int
	holes    []uint64
	data     []byte // ipv4MaxHeaderLen bytes of header room, then payload
	released uint32 // sequence number of the last transition out of active
}

type reassembler struct {
	bufs    []reasmBuffer
	size    int
	timeout int
	seq     uint32
}

func newReassembler(count, size, timeout int) *reassembler {
	r := &reassembler{
		bufs:    make([]reasmBuffer, count),
		size:    size,
		timeout: timeout,
	}
	blocks := size / 8
	for i := range r.bufs {
		r.bufs[i].holes = make([]uint64, (blocks+63)/64)
		r.bufs[i].data = make([]byte, ipv4MaxHeaderLen+size)
	}
	return r
}

func (r *reassembler) find(h ipv4Header) *reasmBuffer {
	for i := range r.bufs {
		b := &r.bufs[i]
		if b.state != reasmFree && b.id == h.id && b.src == h.src && b.dst == h.dst {
			return b
		}
	}
	return nil
}

// claim prefers a free buffer, then the oldest finished or expired one.
func (r *reassembler) claim() *reasmBuffer {
	var victim *reasmBuffer
	for i := range r.bufs {
		b := &r.bufs[i]
		switch b.state {
		case reasmFree:
			return b
		case reasmDone, reasmExpired:
			if victim == nil || b.released < victim.released {
				victim = b
			}
		}
	}
	return victim
}

func (b *reasmBuffer) start(h ipv4Header, timeout int) {
	b.state = reasmActive
	b.id = h.id
	b.src = h.src
	b.dst = h.dst
	b.timer = timeout
	b.total = -1
	b.hdrLen = 0
	for i := range b.holes {
		b.holes[i] = ^uint64(0)
	}
}

func (b *reasmBuffer) fill(first, last int) {
	for i := first; i < last; i++ {
		b.holes[i/64] &^= 1 << (i % 64)
	}
}

func (b *reasmBuffer) complete() bool {
	if b.total < 0 || b.hdrLen == 0 {
		return false
	}
	blocks := (b.total + 7) / 8
	for i := range blocks {
		if b.holes[i/64]&(1<<(i%64)) != 0 {
			return false
		}
	}
	return true
}

// insert adds one fragment. When it completes a datagram, the rebuilt
// datagram (header and payload) is returned; it stays valid until the next
// call to insert.
func (r *reassembler) insert(h ipv4Header, stats *counters) ([]byte, bool) {
	b := r.find(h)
	if b != nil && b.state != reasmActive {
		stats.inc(StatIPReassemblyDrops)
		return nil, false
	}
	if b == nil {
		if b = r.claim(); b == nil {
			stats.inc(StatIPReassemblyDrops)
			return nil, false
		}
		b.start(h, r.timeout)
	}

	off := int(h.fragmentOffset()) * 8
	n := len(h.payload)
	end := off + n
	switch {
	case h.moreFragments() && n%8 != 0:
		stats.inc(StatIPReassemblyDrops)
		return nil, false
	case end > r.size:
		stats.inc(StatIPReassemblyDrops)
		return nil, false
	case !h.moreFragments() && b.total >= 0 && b.total != end:
		stats.inc(StatIPReassemblyDrops)
		return nil, false
	case h.moreFragments() && b.total >= 0 && end > b.total:
		stats.inc(StatIPReassemblyDrops)
		return nil, false
	}

	copy(b.data[ipv4MaxHeaderLen+off:], h.payload)
	b.fill(off/8, (end+7)/8)
	if !h.moreFragments() {
		b.total = end
	}
	if off == 0 {
		b.hdrLen = len(h.raw)
		copy(b.data[ipv4MaxHeaderLen-b.hdrLen:ipv4MaxHeaderLen], h.raw)
	}
	if !b.complete() {
		return nil, false
	}

	r.seq++
	b.state = reasmDone
	b.released = r.seq

	pkt := b.data[ipv4MaxHeaderLen-b.hdrLen : ipv4MaxHeaderLen+b.total]
	binary.BigEndian.PutUint16(pkt[2:4], uint16(b.hdrLen+b.total))
	binary.BigEndian.PutUint16(pkt[6:8], 0)
	binary.BigEndian.PutUint16(pkt[10:12], 0)
	binary.BigEndian.PutUint16(pkt[10:12], checksum(pkt[:b.hdrLen]))
	return pkt, true
}

// tick runs once per second and expires incomplete datagrams.
func (r *reassembler) tick(stats *counters) {
	for i := range r.bufs {
		b := &r.bufs[i]
		if b.state != reasmActive {
			continue
		}
		b.timer--
		if b.timer <= 0 {
			r.seq++
			b.state = reasmExpired
			b.released = r.seq
			stats.inc(StatIPReassemblyTimeouts)
		}
	}
}

func (r *reassembler) active() int {
	n := 0
	for i := range r.bufs {
		if r.bufs[i].state == reasmActive {
			n++
		}
	}
	return n
}
