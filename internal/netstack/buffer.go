package netstack

import (
	"fmt"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////
// Transmit buffer pool.
////////////////////////////////////////////////////////////////////////////////

// bufState is the lifecycle of a transmit buffer.
//
//	Idle --allocate--> TX ----enqueue--> TxQueued ----sent--> Idle
//	Idle --allocate--> TxAck --enqueue--> TxAckQueued --sent--> TxDone
//	TxDone --rearm--> TxAck (retransmission)
//	TX, TxAck, TxDone --release--> Idle
type bufState uint8

const (
	bufIdle bufState = iota
	bufTx
	bufTxQueued
	bufTxAck
	bufTxAckQueued
	bufTxDone
)

func (s bufState) String() string {
	switch s {
	case bufIdle:
		return "idle"
	case bufTx:
		return "tx"
	case bufTxQueued:
		return "tx-queued"
	case bufTxAck:
		return "tx-ack"
	case bufTxAckQueued:
		return "tx-ack-queued"
	case bufTxDone:
		return "tx-done"
	}
	return fmt.Sprintf("bufState(%d)", uint8(s))
}

// bufHandle names a buffer at one generation. A handle whose generation no
// longer matches is stale and every operation on it is a no-op.
type bufHandle struct {
	index uint16
	gen   uint16
}

func (h bufHandle) valid() bool { return h.gen != 0 }

type txBuffer struct {
	state         bufState
	gen           uint16
	size          int
	freeAfterSend bool
	frame         []byte
}

// txPool owns a fixed arena of frame buffers plus the FIFO of buffers waiting
// for the driver. All state transitions happen under mu, which is never held
// while the driver copies a frame.
type txPool struct {
	mu     sync.Mutex
	bufs   []txBuffer
	queue  []bufHandle
	head   int
	count  int
	misuse uint64
}

func newTxPool(count, frameSize int) *txPool {
	arena := make([]byte, count*frameSize)
	p := &txPool{
		bufs:  make([]txBuffer, count),
		queue: make([]bufHandle, count),
	}
	for i := range p.bufs {
		p.bufs[i].gen = 1
		p.bufs[i].frame = arena[i*frameSize : (i+1)*frameSize : (i+1)*frameSize]
	}
	return p
}

// lookup returns the buffer for h or nil if the handle is stale.
func (p *txPool) lookup(h bufHandle) *txBuffer {
	if !h.valid() || int(h.index) >= len(p.bufs) {
		return nil
	}
	b := &p.bufs[h.index]
	if b.gen != h.gen || b.state == bufIdle {
		return nil
	}
	return b
}

// toIdle is the only way back to Idle. It bumps the generation so every
// outstanding handle goes stale.
func (b *txBuffer) toIdle() {
	b.state = bufIdle
	b.size = 0
	b.freeAfterSend = false
	b.gen++
	if b.gen == 0 {
		b.gen = 1
	}
}

// allocate claims the first idle buffer. ack selects the retained
// (acknowledgement-tracked) lifecycle.
func (p *txPool) allocate(ack bool) (bufHandle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.bufs {
		b := &p.bufs[i]
		if b.state != bufIdle {
			continue
		}
		if ack {
			b.state = bufTxAck
		} else {
			b.state = bufTx
		}
		b.size = 0
		return bufHandle{index: uint16(i), gen: b.gen}, true
	}
	return bufHandle{}, false
}

// frame returns the full-capacity frame area. Only the owner of a buffer in
// TX, TxAck or TxDone may write to it.
func (p *txPool) frame(h bufHandle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.lookup(h); b != nil {
		return b.frame
	}
	return nil
}

func (p *txPool) setSize(h bufHandle, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.lookup(h); b != nil {
		b.size = n
	}
}

// bytes returns the filled part of the frame.
func (p *txPool) bytes(h bufHandle) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.lookup(h); b != nil {
		return b.frame[:b.size]
	}
	return nil
}

func (p *txPool) state(h bufHandle) bufState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b := p.lookup(h); b != nil {
		return b.state
	}
	return bufIdle
}

// enqueue hands the buffer to the driver queue. Buffers in any state other
// than TX or TxAck are left alone. An empty frame is refused: the driver
// reports 0 for it, which would stall the queue head.
func (p *txPool) enqueue(h bufHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.lookup(h)
	if b == nil {
		p.misuse++
		return false
	}
	if b.state != bufTx && b.state != bufTxAck {
		return false
	}
	if b.size == 0 {
		p.misuse++
		return false
	}
	if b.state == bufTx {
		b.state = bufTxQueued
	} else {
		b.state = bufTxAckQueued
	}
	p.queue[(p.head+p.count)%len(p.queue)] = h
	p.count++
	return true
}

// rearm makes a sent, retained buffer sendable again.
func (p *txPool) rearm(h bufHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.lookup(h)
	if b == nil || b.state != bufTxDone {
		return false
	}
	b.state = bufTxAck
	return true
}

// release returns a buffer to Idle. A retained buffer still waiting for the
// driver is marked and goes Idle once sent. Releasing a stale handle is
// counted and otherwise ignored.
func (p *txPool) release(h bufHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := p.lookup(h)
	if b == nil {
		if h.valid() {
			p.misuse++
		}
		return false
	}
	switch b.state {
	case bufTx, bufTxAck, bufTxDone:
		b.toIdle()
		return true
	case bufTxAckQueued:
		if b.freeAfterSend {
			p.misuse++
			return false
		}
		b.freeAfterSend = true
		return true
	}
	// TxQueued belongs to the driver queue.
	p.misuse++
	return false
}

// flush offers queued frames to send in FIFO order until the queue is empty
// or send reports that the driver cannot take a frame (returns 0).
func (p *txPool) flush(send func(frame []byte) int) int {
	sent := 0
	for {
		p.mu.Lock()
		if p.count == 0 {
			p.mu.Unlock()
			return sent
		}
		h := p.queue[p.head]
		b := &p.bufs[h.index]
		frame := b.frame[:b.size]
		p.mu.Unlock()

		if send(frame) == 0 {
			return sent
		}

		p.mu.Lock()
		p.queue[p.head] = bufHandle{}
		p.head = (p.head + 1) % len(p.queue)
		p.count--
		switch {
		case b.state == bufTxQueued:
			b.toIdle()
		case b.state == bufTxAckQueued && b.freeAfterSend:
			b.toIdle()
		case b.state == bufTxAckQueued:
			b.state = bufTxDone
		}
		p.mu.Unlock()
		sent++
	}
}

func (p *txPool) queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// inUse counts buffers that are not Idle.
func (p *txPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for i := range p.bufs {
		if p.bufs[i].state != bufIdle {
			n++
		}
	}
	return n
}

func (p *txPool) misuseCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.misuse
}
