package epoch

import (
	"errors"
	"sync"
)

// ErrStaleEpoch is returned for results of a superseded cycle. Callers drop
// them silently.
var ErrStaleEpoch = errors.New("stale epoch")

// Gate orders the application of asynchronously completed refresh cycles:
// last writer wins by epoch, not by arrival.
type Gate struct {
	mu      sync.Mutex
	issued  uint64
	applied uint64
	any     bool
}

// Next issues the epoch for a new cycle.
func (g *Gate) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.issued++
	return g.issued
}

// Apply runs fn if epoch is not older than the latest applied epoch and then
// records it as applied. fn runs under the gate lock.
func (g *Gate) Apply(epoch uint64, fn func()) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.any && epoch < g.applied {
		return ErrStaleEpoch
	}
	if fn != nil {
		fn()
	}
	g.applied = epoch
	g.any = true
	return nil
}

// Current reports whether epoch is still the newest one issued.
func (g *Gate) Current(epoch uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return epoch == g.issued
}

func (g *Gate) Applied() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applied
}
