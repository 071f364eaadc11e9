package syncguard

import (
	"context"
	"hash/fnv"
	"sync"
)

// localStripes serializes in-process acquisition attempts on the same
// storage key before they reach the backend. It is a pure optimization:
// the backend's atomic ownership check is the only correctness
// mechanism, and a process that never opts into local coordination is
// exactly as correct, just noisier under heavy in-process contention on
// a single key (every goroutine pays a backend round trip for the
// Locked result instead of queuing locally first).
//
// Adapted from a fixed-width FNV-striped mutex table: same key always
// hashes to the same stripe, so at most one goroutine per stripe can be
// mid-attempt, while unrelated keys usually land on different stripes
// and never block each other.
type localStripes struct {
	stripes []sync.Mutex
	count   uint32
}

// newLocalStripes creates a stripe table. stripeCount <= 0 selects a
// default of 32, which is plenty for typical per-process key cardinality
// without the memory cost of a stripe per distinct key ever seen.
func newLocalStripes(stripeCount int) *localStripes {
	if stripeCount <= 0 {
		stripeCount = 32
	}
	return &localStripes{
		stripes: make([]sync.Mutex, stripeCount),
		count:   uint32(stripeCount),
	}
}

// withStripe runs fn while holding the stripe for key and releases it
// when fn returns. If ctx is done while still waiting for the stripe, it
// returns ctx.Err() without running fn; ctx is not consulted once fn has
// started. Because
// multiple unrelated keys can share a stripe, this only ever adds
// spurious serialization, never spurious concurrency; it is safe for any
// key cardinality.
func (s *localStripes) withStripe(ctx context.Context, key string, fn func() error) error {
	idx := s.index(key)
	mu := &s.stripes[idx]

	acquired := make(chan struct{})
	go func() {
		mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		defer mu.Unlock()
		return fn()
	case <-ctx.Done():
		// The goroutine above may still be blocked on mu.Lock(). Once it
		// eventually acquires the stripe, release it immediately since
		// this call no longer needs it — otherwise the stripe would stay
		// held forever.
		go func() {
			<-acquired
			mu.Unlock()
		}()
		return ctx.Err()
	}
}

func (s *localStripes) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % s.count
}
