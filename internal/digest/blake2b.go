package digest

import (
	"fmt"

	"github.com/gtank/blake2/blake2b"
)

// blake2bDigest is the cryptographic/strong variant, backed by
// github.com/gtank/blake2. Update is order-dependent.
type blake2bDigest struct {
	d      *blake2b.Digest
	result []byte // set once Steal is called
}

func newBlake2b() *blake2bDigest {
	d, err := blake2b.NewDigest(nil, nil, nil, blake2b.MaxOutput)
	if err != nil {
		// MaxOutput is always a valid output size for NewDigest; a failure
		// here means the library's own constants are inconsistent.
		panic(fmt.Sprintf("digest: blake2b.NewDigest: %v", err))
	}
	return &blake2bDigest{d: d}
}

func (b *blake2bDigest) Update(p []byte) {
	_, _ = b.d.Write(p) // hash.Hash.Write never returns an error
}

func (b *blake2bDigest) Clone() Digest {
	cp := *b.d
	return &blake2bDigest{d: &cp}
}

func (b *blake2bDigest) Steal() []byte {
	if b.result == nil {
		b.result = b.d.Sum(nil)
	}
	return b.result
}

func (b *blake2bDigest) Equal(other Digest) bool {
	o, ok := other.(*blake2bDigest)
	if !ok {
		return false
	}
	return bytesEqual(b.Steal(), o.Steal())
}

func (b *blake2bDigest) Key() uint64 { return keyFromBytes(b.Steal()) }

func (b *blake2bDigest) String() string { return encodeHex(b.Steal()) }
