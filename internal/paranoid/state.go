package paranoid

import (
	"fmt"
	"sync"

	"github.com/ivoronin/dupefind/internal/digest"
)

// CollisionError reports that two files whose shadow hashes matched turned
// out to differ byte-for-byte once fully compared — a shadow hash collision.
// This is the one error condition paranoid mode exists to catch (spec.md
// §4.5: "a shadow-hash collision between non-identical files is reported as
// a hard error, never silently resolved").
type CollisionError struct {
	Offset int64
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("paranoid: shadow hash collision detected at offset %d", e.Offset)
}

// State is the paranoid byte-exact pseudo-digest: instead of folding input
// into a small fixed-size accumulator, it retains every buffer it has seen
// (spec.md §4.1: "a pseudo-hash whose state retains every byte seen at this
// level"), kept alongside a conventional shadow hash so that Key() stays
// O(1) and cheap shadow-hash mismatches short-circuit the expensive
// byte-for-byte path.
//
// State satisfies the same Update/Clone/Steal/Equal/Key shape as the other
// digest variants so the shred engine can treat it uniformly, but Equal
// only gives meaningful answers between two States created from the same
// Governor-admitted group; comparing against a foreign State's shadow hash
// alone would defeat the point of paranoid mode.
type State struct {
	mu sync.Mutex

	shadow   digest.Digest
	buffers  [][]byte
	released bool

	twin       *State
	twinOffset int // index into twin.buffers already compared
	rejects    map[*State]bool
	incoming   []*State

	collision error
}

// NewState creates a fresh paranoid state. shadow backs the cheap O(1) key
// comparison; callers typically pass a blake2b or xxhash digest.
func NewState(shadow digest.Digest) *State {
	return &State{shadow: shadow, rejects: make(map[*State]bool)}
}

// Update appends buf to the byte store and folds it into the shadow hash.
// It also advances any in-progress twin comparison and drains newly queued
// candidates, ejecting the twin (or rejecting a candidate) on the first
// byte mismatch found.
func (s *State) Update(buf []byte) {
	cp := make([]byte, len(buf))
	copy(cp, buf)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.shadow.Update(cp)
	s.buffers = append(s.buffers, cp)

	s.compareTwinLocked()
	s.drainIncomingLocked()
}

// Clone returns an independent State with its own shadow hash and its own
// buffer chain; the chain refers to the same byte buffers as the original,
// which are never modified after Update copies them in. Used when a shred group's template digest is copied into a newly-sifted
// child (spec.md §4.1).
func (s *State) Clone() digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()

	bufs := make([][]byte, len(s.buffers))
	copy(bufs, s.buffers)

	return &State{
		shadow:  s.shadow.Clone(),
		buffers: bufs,
		rejects: make(map[*State]bool),
	}
}

// Steal finalizes the state: it returns the shadow hash's stolen bytes and
// releases the buffer chain, since a finalized group no longer needs
// byte-exact comparisons (Equal on a released state defers to the shadow
// hash alone, same as spec.md's "if buffers were already released, defer to
// the shadow hash").
func (s *State) Steal() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers = nil
	s.released = true
	return s.shadow.Steal()
}

// Equal reports whether two paranoid states currently represent equal byte
// content. If either side has been released (its buffers freed after
// finalization), this falls back to comparing shadow hashes; otherwise it
// performs an exact buffer-chain comparison, which AddTwinCandidate /
// Update may have already completed incrementally.
func (s *State) Equal(other digest.Digest) bool {
	o, ok := other.(*State)
	if !ok {
		return false
	}
	if s == o {
		return true
	}

	s.mu.Lock()
	released, rejectedO, shadow := s.released, s.rejects[o], s.shadow
	s.mu.Unlock()

	o.mu.Lock()
	oReleased, rejectedS, oShadow := o.released, o.rejects[s], o.shadow
	o.mu.Unlock()

	if released || oReleased {
		return shadow.Equal(oShadow)
	}
	if rejectedO || rejectedS {
		return false
	}
	return buffersEqual(s.snapshotBuffers(), o.snapshotBuffers())
}

// Key returns the shadow hash's O(1) key, used for the initial equivalence
// bucketing before exact comparison narrows candidates further.
func (s *State) Key() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shadow.Key()
}

// Collision returns the first shadow-hash collision detected while
// comparing against a twin or incoming candidate, if any.
func (s *State) Collision() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collision
}

// SetTwinCandidate designates other as the sibling this state streams
// comparisons against as buffers arrive from both sides (spec.md §4.5: the
// "twin candidate" pre-match). Only one twin is tracked at a time; further
// candidates should be queued with AddIncomingCandidate.
func (s *State) SetTwinCandidate(other *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.twin = other
	s.twinOffset = 0
	s.compareTwinLocked()
}

// AddIncomingCandidate queues another state to be fully validated against
// this one the next time Update is called (spec.md §4.5: "drain
// incoming-candidate queue with full memcmp validation").
func (s *State) AddIncomingCandidate(other *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incoming = append(s.incoming, other)
}

// compareTwinLocked compares newly available buffers against the twin
// candidate, byte range by byte range, ejecting the twin on first mismatch.
// s.mu must be held; it does not itself lock s.twin, so callers must ensure
// no concurrent mutation of the twin's buffer slice (twins only grow, and a
// torn read of a growing slice header is not possible in Go once published
// under the twin's own mutex — so this reads through a snapshot instead).
func (s *State) compareTwinLocked() {
	if s.twin == nil {
		return
	}
	twinBufs := s.twin.snapshotBuffers()

	for s.twinOffset < len(s.buffers) && s.twinOffset < len(twinBufs) {
		a, b := s.buffers[s.twinOffset], twinBufs[s.twinOffset]
		if !bytesEqual(a, b) {
			s.rejects[s.twin] = true
			s.twin.mu.Lock()
			s.twin.rejects[s] = true
			s.twin.mu.Unlock()
			s.twin = nil
			return
		}
		s.twinOffset++
	}
}

func (s *State) snapshotBuffers() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.buffers))
	copy(out, s.buffers)
	return out
}

// drainIncomingLocked fully compares this state's accumulated buffers
// against each queued incoming candidate's buffers-so-far, recording a hard
// collision if the shadow hashes already agreed but the bytes don't
// (spec.md §4.5).
func (s *State) drainIncomingLocked() {
	if len(s.incoming) == 0 {
		return
	}
	remaining := s.incoming[:0]
	for _, cand := range s.incoming {
		candBufs := cand.snapshotBuffers()
		n := len(s.buffers)
		if len(candBufs) < n {
			n = len(candBufs)
		}
		mismatch := false
		for i := 0; i < n; i++ {
			if !bytesEqual(s.buffers[i], candBufs[i]) {
				mismatch = true
				break
			}
		}
		if mismatch {
			s.rejects[cand] = true
			cand.mu.Lock()
			cand.rejects[s] = true
			cand.mu.Unlock()
			if s.shadow.Equal(cand.shadow) && s.collision == nil {
				s.collision = &CollisionError{}
			}
			continue
		}
		if n < len(candBufs) || n < len(s.buffers) {
			// Still converging; keep it queued for the next Update.
			remaining = append(remaining, cand)
		}
	}
	s.incoming = remaining
}

func buffersEqual(a, b [][]byte) bool {
	var flatA, flatB []byte
	for _, c := range a {
		flatA = append(flatA, c...)
	}
	for _, c := range b {
		flatB = append(flatB, c...)
	}
	return bytesEqual(flatA, flatB)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
