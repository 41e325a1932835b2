package coldata

import "github.com/bits-and-blooms/bitset"

// Nulls is a packed bitmap tracking which elements of a Vec are null. It is
// backed by bits-and-blooms/bitset rather than a []bool, the same way the
// join operator's partitions use a packed bitset for their per-build-row
// "matched" bookkeeping (see colexecjoin.Partition) -- both are
// dense boolean vectors over row or key IDs that are touched one bit at a
// time and occasionally cleared wholesale.
type Nulls struct {
	bits     *bitset.BitSet
	hasNulls bool
}

// NewNulls allocates a Nulls bitmap sized for n elements, all non-null.
func NewNulls(n int) *Nulls {
	if n < 0 {
		n = 0
	}
	return &Nulls{bits: bitset.New(uint(n))}
}

// NullAt reports whether the element at i is null.
func (n *Nulls) NullAt(i int) bool {
	if !n.hasNulls {
		return false
	}
	return n.bits.Test(uint(i))
}

// SetNull marks the element at i as null.
func (n *Nulls) SetNull(i int) {
	n.hasNulls = true
	n.bits.Set(uint(i))
}

// UnsetNull marks the element at i as non-null.
func (n *Nulls) UnsetNull(i int) {
	if n.hasNulls {
		n.bits.Clear(uint(i))
	}
}

// UnsetNulls clears every null marker, e.g. when a batch is reset for reuse.
func (n *Nulls) UnsetNulls() {
	if n.hasNulls {
		n.bits.ClearAll()
		n.hasNulls = false
	}
}

// MaybeHasNulls reports whether any element has ever been marked null. It is
// an upper bound, not an exact count: clearing individual bits does not
// reset it, mirroring the teacher's own MaybeHasNulls fast-path semantics.
func (n *Nulls) MaybeHasNulls() bool {
	return n.hasNulls
}
