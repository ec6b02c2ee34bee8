package netstack

import "sync"

// FrameReleaser returns a received frame to the driver that delivered it.
type FrameReleaser interface {
	ReleaseFrame(frame []byte)
}

// FrameReleaserFunc adapts a function to FrameReleaser.
type FrameReleaserFunc func(frame []byte)

func (f FrameReleaserFunc) ReleaseFrame(frame []byte) { f(frame) }

type rxSlot struct {
	frame []byte
	rel   FrameReleaser
}

// rxQueue hands frames from the delivering context to Periodic. A slot with
// a nil frame is empty. The lock only guards slot bookkeeping.
type rxQueue struct {
	mu    sync.Mutex
	slots []rxSlot
	rd    int
	wr    int
}

func newRxQueue(n int) *rxQueue {
	return &rxQueue{slots: make([]rxSlot, n)}
}

func (q *rxQueue) push(frame []byte, rel FrameReleaser) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.slots[q.wr].frame != nil {
		return false
	}
	q.slots[q.wr] = rxSlot{frame: frame, rel: rel}
	q.wr = (q.wr + 1) % len(q.slots)
	return true
}

func (q *rxQueue) pop() (rxSlot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	slot := q.slots[q.rd]
	if slot.frame == nil {
		return rxSlot{}, false
	}
	q.slots[q.rd] = rxSlot{}
	q.rd = (q.rd + 1) % len(q.slots)
	return slot, true
}

func (q *rxQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, s := range q.slots {
		if s.frame != nil {
			n++
		}
	}
	return n
}

func (q *rxQueue) capacity() int { return len(q.slots) }

func releaseFrame(rel FrameReleaser, frame []byte) {
	if rel != nil {
		rel.ReleaseFrame(frame)
	}
}
