// Package bloom is the narrow per-L1-block membership sketch spec.md §6
// names as an external collaborator ("the bloom-filter primitive"). It is
// a thin wrapper over a bitset so callers never need to know the backing
// representation.
package bloom

import (
	"hash/fnv"

	"github.com/bits-and-blooms/bitset"
)

// Filter is a fixed-size bitset membership sketch built from 32-bit key
// hashes, sized in bits-per-key by bloom_filter_bitnum (spec.md §4.2).
type Filter struct {
	bits  *bitset.BitSet
	nbits uint

	// k is the number of hash probes, derived from bits-per-key the way
	// standard bloom filter sizing recommends (k ~= bitsPerKey * ln2).
	k uint
}

// Hash32 computes the 32-bit key hash recorded during segment writing and
// tested during lookup. FNV-1a keeps this collaborator self-contained
// without pulling in a dedicated hashing dependency.
func Hash32(key []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return h.Sum32()
}

// New builds an empty filter sized for n keys at bitsPerKey bits each.
func New(n int, bitsPerKey int) *Filter {
	if bitsPerKey <= 0 {
		bitsPerKey = 10
	}
	nbits := uint(n * bitsPerKey)
	if nbits < 64 {
		nbits = 64
	}
	k := uint(float64(bitsPerKey) * 0.69) // ln(2)
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}
	return &Filter{bits: bitset.New(nbits), nbits: nbits, k: k}
}

// AddHash records a 32-bit key hash produced by Hash32.
func (f *Filter) AddHash(h32 uint32) {
	h := uint64(h32)
	delta := (h >> 17) | (h << 15)
	for i := uint(0); i < f.k; i++ {
		f.bits.Set(uint(h) % f.nbits)
		h += uint64(delta)
	}
}

// MayContain reports whether h32 could be a member. False means
// definitely absent (no false negatives); true may be a false positive.
func (f *Filter) MayContain(h32 uint32) bool {
	h := uint64(h32)
	delta := (h >> 17) | (h << 15)
	for i := uint(0); i < f.k; i++ {
		if !f.bits.Test(uint(h) % f.nbits) {
			return false
		}
		h += uint64(delta)
	}
	return true
}

// Bytes serializes the filter's bitset for on-disk storage.
func (f *Filter) Bytes() ([]byte, error) {
	return f.bits.MarshalBinary()
}

// Load reconstructs a Filter from bytes previously produced by Bytes, with
// the same k used at construction time (k must be supplied by the caller
// since it is recorded alongside, not inside, the bitset encoding).
func Load(data []byte, k uint) (*Filter, error) {
	bs := &bitset.BitSet{}
	if err := bs.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return &Filter{bits: bs, nbits: bs.Len(), k: k}, nil
}

// K returns the number of hash probes this filter uses, so it can be
// persisted alongside the filter bytes and handed back to Load.
func (f *Filter) K() uint { return f.k }
