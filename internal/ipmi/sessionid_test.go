package ipmi_test

import (
	"sync"
	"testing"

	"github.com/dantte-lp/goipmi/internal/ipmi"
)

// TestSessionIDGeneratorStartsAt100 pins the first issued ID.
func TestSessionIDGeneratorStartsAt100(t *testing.T) {
	t.Parallel()

	g := ipmi.NewSessionIDGenerator()
	if id := g.Next(); id != 100 {
		t.Fatalf("first ID = %d, want 100", id)
	}
	if id := g.Next(); id != 101 {
		t.Fatalf("second ID = %d, want 101", id)
	}
}

// TestSessionIDGeneratorUniqueUnderConcurrency verifies uniqueness of
// issued IDs across parallel callers.
func TestSessionIDGeneratorUniqueUnderConcurrency(t *testing.T) {
	t.Parallel()

	const (
		workers   = 8
		perWorker = 500
	)

	g := ipmi.NewSessionIDGenerator()

	var mu sync.Mutex
	seen := make(map[uint32]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids := make([]uint32, 0, perWorker)
			for range perWorker {
				ids = append(ids, g.Next())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range ids {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate session ID %d", id)
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Fatalf("issued %d unique IDs, want %d", len(seen), workers*perWorker)
	}
}

// TestSessionIDGeneratorReleaseAllowsReuse releases an issued ID and a
// never-issued one, then verifies the next ID is not one still held.
// Reissue of a released ID happens only after the counter wraps, which
// this test does not reach.
func TestSessionIDGeneratorReleaseAllowsReuse(t *testing.T) {
	t.Parallel()

	g := ipmi.NewSessionIDGenerator()
	first := g.Next()
	second := g.Next()

	g.Release(first)
	// Releasing an unknown ID is a no-op.
	g.Release(424242)

	if third := g.Next(); third == second {
		t.Fatalf("reissued in-use ID %d", second)
	}
}
