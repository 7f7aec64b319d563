package digest

import "encoding/hex"

// externalDigest's "state" is the raw bytes of a precomputed checksum
// supplied by the caller (e.g. read from an extended attribute by
// internal/xattrcache). The first Update call is interpreted as a hex
// string and decoded; subsequent Update calls are no-ops, matching
// spec.md §4.1's description of the External variant.
type externalDigest struct {
	result []byte
	seen   bool
}

func newExternalDigest() *externalDigest {
	return &externalDigest{}
}

func (e *externalDigest) Update(p []byte) {
	if e.seen {
		return
	}
	e.seen = true
	decoded, err := hex.DecodeString(string(p))
	if err != nil {
		// Malformed external checksum: treat as empty so the file falls
		// back to normal hashing rather than silently matching everything
		// under a zero-value digest.
		e.result = nil
		return
	}
	e.result = decoded
}

func (e *externalDigest) Clone() Digest {
	cp := &externalDigest{seen: e.seen}
	if e.result != nil {
		cp.result = append([]byte(nil), e.result...)
	}
	return cp
}

func (e *externalDigest) Steal() []byte { return e.result }

func (e *externalDigest) Equal(other Digest) bool {
	o, ok := other.(*externalDigest)
	if !ok {
		return false
	}
	return bytesEqual(e.Steal(), o.Steal())
}

func (e *externalDigest) Key() uint64 { return keyFromBytes(e.Steal()) }
