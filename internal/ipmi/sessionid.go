package ipmi

import (
	"math"
	"sync"
)

const (
	// sessionIDStart is the first console session ID issued. Low values
	// are left to the BMC side and to the null session ID.
	sessionIDStart uint32 = 100

	// sessionIDWrap is the exclusive upper bound for issued session IDs.
	// Wrapping at a quarter of the 31-bit space leaves headroom for the
	// managed-system counterpart and avoids reserved session IDs.
	sessionIDWrap uint32 = math.MaxInt32 / 4
)

// SessionIDGenerator issues console session IDs for RMCP+ sessions.
//
// IDs increase monotonically from sessionIDStart and wrap at
// sessionIDWrap. IDs still in use at wrap time are skipped, so an
// issued ID never collides with a live session. The generator is an
// explicit collaborator injected into the Manager rather than process
// state, so tests can create fresh instances.
type SessionIDGenerator struct {
	mu    sync.Mutex
	next  uint32
	inUse map[uint32]struct{}
}

// NewSessionIDGenerator creates a generator starting at sessionIDStart.
func NewSessionIDGenerator() *SessionIDGenerator {
	return &SessionIDGenerator{
		next:  sessionIDStart,
		inUse: make(map[uint32]struct{}),
	}
}

// Next issues the next free session ID and marks it in use.
func (g *SessionIDGenerator) Next() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		id := g.next
		g.next++
		if g.next >= sessionIDWrap {
			g.next = sessionIDStart
		}
		if _, taken := g.inUse[id]; taken {
			continue
		}
		g.inUse[id] = struct{}{}
		return id
	}
}

// Release returns an ID to the free set once its session is destroyed.
// Releasing an ID that was never issued is a no-op.
func (g *SessionIDGenerator) Release(id uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.inUse, id)
}
