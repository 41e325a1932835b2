// Package colmem ties coldata's batch allocation to mon's byte accounting,
// the role the teacher's own colmem.Allocator plays at its call sites --
// pkg/sql/colexec/spilling_queue.go's unlimitedAllocator field,
// pkg/sql/colexec/utils.go's EstimateBatchSizeBytes -- though the teacher's
// colmem package itself isn't vendored in this pack, only its usage.
package colmem

import (
	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/mon"
)

// EstimateRowSizeBytes is a coarse, type-driven estimate of one row's memory
// footprint, used by the MemoryEstimate strategy (spec §4.2) to size
// partitions before any real row has been observed.
func EstimateRowSizeBytes(typs []coldata.T) int64 {
	var n int64
	for _, t := range typs {
		switch t {
		case coldata.Int64, coldata.Float64:
			n += 8
		case coldata.Bool:
			n++
		case coldata.Bytes:
			// Bytes columns have no fixed width; 32 bytes is the teacher's
			// own rule of thumb for an average variable-length value used
			// for sizing before any data has been observed.
			n += 32
		}
	}
	return n
}

// EstimateBatchSizeBytes estimates the footprint of a full batch of the
// given schema and row count.
func EstimateBatchSizeBytes(typs []coldata.T, numRows int) int64 {
	return EstimateRowSizeBytes(typs) * int64(numRows)
}

// Allocator allocates coldata.Batches while accounting every byte against a
// shared mon.BoundAccount, so OOM surfaces as mon.OutOfMemoryError at the
// allocation site regardless of which Partition triggered it (spec §5).
type Allocator struct {
	acc *mon.BoundAccount
}

// NewAllocator creates an Allocator backed by the given account. A nil
// account makes the Allocator unlimited.
func NewAllocator(acc *mon.BoundAccount) *Allocator {
	return &Allocator{acc: acc}
}

// NewBatch allocates and accounts for a new batch of the given schema and
// capacity.
func (a *Allocator) NewBatch(typs []coldata.T, capacity int) (*coldata.Batch, error) {
	if err := a.grow(EstimateBatchSizeBytes(typs, capacity)); err != nil {
		return nil, err
	}
	return coldata.NewBatch(typs, capacity), nil
}

// RetainBatch accounts for memory already materialized in batch (e.g. after
// deserializing it from a spill file), without allocating anything new.
func (a *Allocator) RetainBatch(batch *coldata.Batch, typs []coldata.T) error {
	return a.grow(EstimateBatchSizeBytes(typs, batch.Length()))
}

// ReleaseBatch releases the memory previously accounted for batch, e.g.
// right before spilling it to disk.
func (a *Allocator) ReleaseBatch(batch *coldata.Batch, typs []coldata.T) {
	a.shrink(EstimateBatchSizeBytes(typs, batch.Length()))
}

// Used returns the number of bytes currently accounted by this allocator.
func (a *Allocator) Used() int64 {
	if a.acc == nil {
		return 0
	}
	return a.acc.Used()
}

func (a *Allocator) grow(n int64) error {
	if a.acc == nil {
		return nil
	}
	return a.acc.Grow(n)
}

func (a *Allocator) shrink(n int64) {
	if a.acc == nil {
		return
	}
	a.acc.Shrink(n)
}

// Close releases every byte this allocator's account is holding.
func (a *Allocator) Close() {
	if a.acc != nil {
		a.acc.Close()
	}
}
