// Package digest provides a uniform contract over the hash variants the
// shred engine sifts files with, plus the paranoid byte-exact pseudo-hash.
//
// Every variant implements Digest: new(seed), update, clone, steal and
// equal/key for use as a map key in a shred group's children. The concrete
// hash function backing a variant (BLAKE2b, xxHash, a caller-supplied
// extended-attribute checksum, or none at all in cumulative/paranoid mode)
// is an implementation detail the shred engine never sees.
package digest

import (
	"encoding/hex"
	"fmt"
)

// Digest is the uniform capability every variant implements. It is not
// safe for concurrent use: callers serialize updates to a single Digest
// through the hasher's per-digest worker (see internal/hasher).
type Digest interface {
	// Update folds bytes into the digest. For order-dependent variants,
	// the order in which Update is called determines the result; for the
	// Cumulative variant, Update calls commute as long as every chunk but
	// the last one passed is a whole number of 8-byte lanes.
	Update(p []byte)

	// Clone returns an independent copy that can keep evolving separately
	// (used when a group's template digest is copied into a newly-sifted
	// child).
	Clone() Digest

	// Steal finalizes and returns the digest's raw result bytes. Calling
	// Update after Steal is undefined; callers treat a stolen Digest as
	// terminal.
	Steal() []byte

	// Equal reports whether two digests of the same variant currently hold
	// equal state (used to decide whether two files belong in the same
	// shred group).
	Equal(other Digest) bool

	// Key returns an O(1) hashable key for use as a group's children map
	// key. It must agree with Equal: Equal(a,b) implies Key(a)==Key(b).
	Key() uint64
}

// Type names a digest variant, matching the --checksum-type configuration
// value.
type Type string

const (
	TypeBLAKE2b    Type = "blake2b"
	TypeXXHash     Type = "xxhash"
	TypeCumulative Type = "cumulative"
	TypeExternal   Type = "external"
	TypeParanoid   Type = "paranoid"
)

// UnknownDigestError is returned when an unrecognized digest type name is
// requested. It is a fatal, config-parse-time error (spec.md §7).
type UnknownDigestError struct {
	Type string
}

func (e *UnknownDigestError) Error() string {
	return fmt.Sprintf("unknown digest type %q", e.Type)
}

// New constructs a fresh Digest of the given variant. seed is used only by
// variants that accept one (currently none of the built-in variants key on
// it, but it is threaded through for forward compatibility with keyed
// hashes).
func New(t Type, seed uint64) (Digest, error) {
	switch t {
	case TypeBLAKE2b:
		return newBlake2b(), nil
	case TypeXXHash:
		return newXxhashDigest(), nil
	case TypeCumulative:
		return newCumulativeDigest(), nil
	case TypeExternal:
		return newExternalDigest(), nil
	case TypeParanoid:
		return nil, fmt.Errorf("digest: paranoid variant must be constructed via internal/paranoid.NewState, not digest.New")
	default:
		return nil, &UnknownDigestError{Type: string(t)}
	}
}

// bytesEqual compares two raw digest results.
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

// keyFromBytes derives a fast map key from a finalized digest's bytes by
// folding them through xxHash — every variant's Key() bottoms out here so
// that group children lookups are O(1) regardless of which hash produced
// the underlying bytes (spec.md §4.1: "hash(state) → u32 (for keying)").
func keyFromBytes(b []byte) uint64 {
	return xxhashSum64(b)
}

// encodeHex is a small helper used by the BLAKE2b variant's debugging
// String() implementation and by the tests.
func encodeHex(b []byte) string { return hex.EncodeToString(b) }
