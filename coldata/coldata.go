// Package coldata implements the minimal columnar batch model the hash join
// operator is built against: typed vectors, a null bitmap per vector, and a
// batch that groups vectors with a shared length and optional selection
// vector. It is deliberately narrow -- only the types and operations the
// join operator and its collaborators need -- rather than a general-purpose
// vectorized execution engine.
package coldata

// batchSize is the number of rows a single in-memory batch holds. Real
// vectorized engines tune this per workload; a fixed constant is sufficient
// for the join operator, which never depends on the exact value beyond
// "some reasonably small power of two".
const batchSize = 1024

// BatchSize returns the number of rows a freshly allocated Batch can hold.
func BatchSize() int {
	return batchSize
}

// T identifies the physical representation of a Vec's elements.
type T int

const (
	// Int64 vectors back integer keys, row counts, and the hidden hash-value
	// column appended to build-side spilled batches (spec S6).
	Int64 T = iota
	// Float64 vectors back floating point payload columns.
	Float64
	// Bytes vectors back variable-length string/byte payload columns.
	Bytes
	// Bool vectors back boolean payload columns.
	Bool
)

func (t T) String() string {
	switch t {
	case Int64:
		return "int64"
	case Float64:
		return "float64"
	case Bytes:
		return "bytes"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// Vec is a single typed column of up to BatchSize() elements, plus a null
// bitmap. Only one of the typed slices below is populated, selected by Type.
type Vec struct {
	t        T
	int64s   []int64
	float64s []float64
	bytess   [][]byte
	bools    []bool
	nulls    *Nulls
}

// NewVec allocates a Vec of the given type and capacity.
func NewVec(t T, capacity int) *Vec {
	v := &Vec{t: t, nulls: NewNulls(capacity)}
	switch t {
	case Int64:
		v.int64s = make([]int64, capacity)
	case Float64:
		v.float64s = make([]float64, capacity)
	case Bytes:
		v.bytess = make([][]byte, capacity)
	case Bool:
		v.bools = make([]bool, capacity)
	}
	return v
}

// Type returns the Vec's element type.
func (v *Vec) Type() T { return v.t }

// Int64 returns the backing slice for an Int64 Vec.
func (v *Vec) Int64() []int64 { return v.int64s }

// Float64 returns the backing slice for a Float64 Vec.
func (v *Vec) Float64() []float64 { return v.float64s }

// Bytes returns the backing slice for a Bytes Vec.
func (v *Vec) Bytes() [][]byte { return v.bytess }

// Bool returns the backing slice for a Bool Vec.
func (v *Vec) Bool() []bool { return v.bools }

// Nulls returns the Vec's null bitmap.
func (v *Vec) Nulls() *Nulls { return v.nulls }

// Capacity returns the number of elements the Vec's backing slice can hold.
func (v *Vec) Capacity() int {
	switch v.t {
	case Int64:
		return len(v.int64s)
	case Float64:
		return len(v.float64s)
	case Bytes:
		return len(v.bytess)
	case Bool:
		return len(v.bools)
	default:
		return 0
	}
}

// CopyAt copies the value (and null-ness) of srcIdx in src into destIdx of v.
// Both Vecs must share the same Type.
func (v *Vec) CopyAt(destIdx int, src *Vec, srcIdx int) {
	if src.nulls.NullAt(srcIdx) {
		v.nulls.SetNull(destIdx)
		return
	}
	v.nulls.UnsetNull(destIdx)
	switch v.t {
	case Int64:
		v.int64s[destIdx] = src.int64s[srcIdx]
	case Float64:
		v.float64s[destIdx] = src.float64s[srcIdx]
	case Bytes:
		v.bytess[destIdx] = src.bytess[srcIdx]
	case Bool:
		v.bools[destIdx] = src.bools[srcIdx]
	}
}

// SetNullAt marks destIdx of v as null, regardless of type.
func (v *Vec) SetNullAt(destIdx int) {
	v.nulls.SetNull(destIdx)
}

// Batch is a columnar set of rows sharing a length and optional selection
// vector. Batches are not safe for concurrent use and, per the vectorized
// convention the teacher follows, are not safe to retain past the next call
// that produces a new batch from the same source -- callers that need to
// keep data around must copy it out.
type Batch struct {
	cols   []*Vec
	length int
	sel    []int
}

// NewBatch allocates a Batch with one Vec per entry in typs, each with the
// given capacity.
func NewBatch(typs []T, capacity int) *Batch {
	cols := make([]*Vec, len(typs))
	for i, t := range typs {
		cols[i] = NewVec(t, capacity)
	}
	return &Batch{cols: cols}
}

// Width returns the number of columns in the batch.
func (b *Batch) Width() int { return len(b.cols) }

// ColVec returns the i'th column.
func (b *Batch) ColVec(i int) *Vec { return b.cols[i] }

// ColVecs returns every column.
func (b *Batch) ColVecs() []*Vec { return b.cols }

// Length returns the number of valid rows in the batch.
func (b *Batch) Length() int { return b.length }

// SetLength sets the number of valid rows in the batch.
func (b *Batch) SetLength(n int) { b.length = n }

// Selection returns the batch's selection vector, or nil if every row up to
// Length() is selected in order.
func (b *Batch) Selection() []int { return b.sel }

// SetSelection sets the batch's selection vector.
func (b *Batch) SetSelection(sel []int) { b.sel = sel }

// ResetForReuse truncates the batch to zero rows and clears its selection
// vector so it can be refilled without reallocating its Vecs.
func (b *Batch) ResetForReuse() {
	b.length = 0
	b.sel = nil
	for _, v := range b.cols {
		v.nulls.UnsetNulls()
	}
}

// ZeroBatch is the canonical empty batch returned to signal end-of-stream.
var ZeroBatch = &Batch{}

// AppendRow appends the row at srcIdx of src into destIdx of b, column by
// column. src and b must have the same column types in the same order.
func (b *Batch) AppendRow(destIdx int, src *Batch, srcIdx int) {
	for i, v := range b.cols {
		v.CopyAt(destIdx, src.cols[i], srcIdx)
	}
}
