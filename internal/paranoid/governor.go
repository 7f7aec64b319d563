// Package paranoid implements the byte-exact digest mode: a look-alike of
// the hash digest that stores the actual buffers read, backed by a shadow
// hash for O(1) keying, a memory governor bounding how much of a run's
// buffers can be resident at once, and in-flight "twin candidate" matching
// that lets two files be proven equal (or unequal) before either finishes
// reading (spec.md §4.5).
package paranoid

import (
	"sync"

	"go.uber.org/zap"
)

// minActiveGroupsThreshold lets a paranoid group start even when its
// computed requirement exceeds free memory, as long as few other paranoid
// groups are currently active — otherwise a single large candidate set
// could stall forever waiting for memory no other group will release
// (spec.md §4.5).
const minActiveGroupsThreshold = 1

// maxWindowBytes caps a single paranoid increment regardless of remaining
// file size (spec.md §4.4: "Paranoid mode caps a single increment at 16 MB
// regardless").
const maxWindowBytes = 16 << 20

// Governor bounds concurrent paranoid groups and their buffer allocations
// behind one global mutex (spec.md §5: "Paranoid governor: one global mutex
// protecting (global_free_bytes, active_groups)").
type Governor struct {
	mu           sync.Mutex
	freeBytes    int64
	activeGroups int
	logger       *zap.Logger
}

// NewGovernor creates a governor with totalMem bytes of paranoid buffer
// budget.
func NewGovernor(totalMem int64) *Governor {
	return &Governor{freeBytes: totalMem, logger: zap.NewNop()}
}

// SetLogger replaces the governor's logger (defaults to a no-op). Memory
// stalls and the forward-progress escape hatch are reported through it.
func (g *Governor) SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	g.mu.Lock()
	g.logger = l
	g.mu.Unlock()
}

// Required computes the bytes a paranoid group needs to admit
// potentialFileCount files given remaining bytes left to hash (spec.md
// §4.5): (potentialFileCount/2 + 1) × min(remaining, 16MB).
func Required(potentialFileCount int, remaining int64) int64 {
	window := remaining
	if window > maxWindowBytes {
		window = maxWindowBytes
	}
	if window < 0 {
		window = 0
	}
	return (int64(potentialFileCount)/2 + 1) * window
}

// Admit tries to reserve required bytes for a new paranoid group, crediting
// inheritedFromParent bytes already carried over from the group's parent.
// Returns the amount actually reserved and whether admission succeeded.
// A false return is not an error (spec.md §7: MemoryExhaustion raises no
// error; the group simply stays Dormant) — callers should report the stall
// via telemetry and retry later.
func (g *Governor) Admit(required, inheritedFromParent int64) (granted int64, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	need := required - inheritedFromParent
	if need < 0 {
		need = 0
	}

	if need <= g.freeBytes {
		g.freeBytes -= need
		g.activeGroups++
		return required, true
	}

	if g.activeGroups < minActiveGroupsThreshold {
		// Forward-progress escape hatch: admit anyway rather than stall
		// the whole run when nothing else is competing for memory.
		g.logger.Debug("paranoid: admitting over budget via forward-progress escape hatch",
			zap.Int64("required", required), zap.Int64("free_bytes", g.freeBytes))
		g.freeBytes = 0
		g.activeGroups++
		return required, true
	}

	g.logger.Debug("paranoid: admission stalled, group stays dormant",
		zap.Int64("required", required), zap.Int64("free_bytes", g.freeBytes),
		zap.Int("active_groups", g.activeGroups))
	return 0, false
}

// Release returns allocated bytes to the pool when a paranoid group
// finalizes and its buffers are freed.
func (g *Governor) Release(allocated int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.freeBytes += allocated
	if g.activeGroups > 0 {
		g.activeGroups--
	}
}

// FreeBytes reports the governor's current free budget (diagnostic use).
func (g *Governor) FreeBytes() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.freeBytes
}
