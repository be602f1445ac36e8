package ipmi

import (
	"context"
	"fmt"
	"sync"
)

// TagPoolSize is the number of sessionless message tags. RMCP+ allots a
// 6-bit message tag; the top values are left unissued as headroom for
// BMCs that reserve tags for unsolicited traffic.
const TagPoolSize = 60

// TagPool allocates the 6-bit message tags used to correlate sessionless
// traffic (discovery and handshake payloads) before a session exists.
//
// Acquire hands out the smallest unreserved tag at or after the last
// issued one, wrapping at TagPoolSize. The rotation keeps recently used
// tags out of circulation as long as possible, minimising collisions
// with BMCs that echo tags back slowly. At most one owner holds a tag
// at any time; ownership transfers pool -> request -> pool.
type TagPool struct {
	mu       sync.Mutex
	reserved [TagPoolSize]bool
	next     uint8

	// waiters is a FIFO of wakeup channels, one per blocked Acquire.
	// Release closes the head, granting that waiter the next scan.
	waiters []chan struct{}
}

// NewTagPool creates a pool with all tags free.
func NewTagPool() *TagPool {
	return &TagPool{}
}

// Acquire reserves and returns a tag. It blocks while every tag is
// reserved and returns ErrCancelled (wrapping ctx.Err) if the context
// is cancelled while waiting.
func (p *TagPool) Acquire(ctx context.Context) (uint8, error) {
	for {
		p.mu.Lock()
		if tag, ok := p.tryReserve(); ok {
			p.mu.Unlock()
			return tag, nil
		}

		wake := make(chan struct{})
		p.waiters = append(p.waiters, wake)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.dropWaiter(wake)
			return 0, fmt.Errorf("acquire tag: %w: %w", ErrCancelled, ctx.Err())
		case <-wake:
		}
	}
}

// tryReserve scans from the rotation point for a free tag. Caller holds mu.
func (p *TagPool) tryReserve() (uint8, bool) {
	for i := range uint8(TagPoolSize) {
		tag := (p.next + i) % TagPoolSize
		if !p.reserved[tag] {
			p.reserved[tag] = true
			p.next = (tag + 1) % TagPoolSize
			return tag, true
		}
	}
	return 0, false
}

// dropWaiter removes a cancelled waiter from the queue. If the waiter
// was already woken, its wakeup is passed on so a Release is never lost.
func (p *TagPool) dropWaiter(wake chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, w := range p.waiters {
		if w == wake {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}

	// Not found: Release already woke this waiter. Forward the wakeup.
	p.wakeOneLocked()
}

// Release marks the tag free and wakes the oldest waiter, if any.
// Releasing a tag that is not reserved is a no-op.
func (p *TagPool) Release(tag uint8) {
	if tag >= TagPoolSize {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.reserved[tag] {
		return
	}
	p.reserved[tag] = false
	p.wakeOneLocked()
}

// wakeOneLocked pops and signals the oldest waiter. Caller holds mu.
func (p *TagPool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	wake := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(wake)
}

// Reserved returns the number of currently reserved tags.
func (p *TagPool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, r := range p.reserved {
		if r {
			n++
		}
	}
	return n
}
