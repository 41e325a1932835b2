package colexecjoin

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"
	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colcontainer"
	"github.com/vectorsql/hashjoin/colmem"
)

// Partition is the per-bucket build-side accumulator the spec calls C2
// ("HashPartition"): a row buffer that is either fully resident in memory
// with a hash table built over it, or spilled to disk as a queue of
// length-prefixed batches once the post-build memory calculator decides it
// cannot fit. Grounded on the teacher's pkg/sql/colexec/spilling_queue.go
// (the promote-to-disk decision and the write-everything-then-read-everything
// access pattern) and hashtable.go (the bucket-chain table built once the
// build side has fully drained).
//
// Every row a Partition stores, in memory or on disk, carries one hidden
// trailing Int64 column holding its innerHash (spec §6): the storage-side
// bits left over after the routing bits were stripped off to pick this
// partition in the first place. Re-hashing a spilled partition's rows during
// a later cycle only ever needs to re-mix those bits, never the original key
// columns.
type Partition struct {
	idx int
	// cycle is the spill-cycle number this partition's spill files are
	// named under, set by AttachSpillSet.
	cycle int

	buildTypes []coldata.T
	probeTypes []coldata.T
	// innerSchema/outerSchema are buildTypes/probeTypes with one trailing
	// Int64 hash column appended.
	innerSchema []coldata.T
	outerSchema []coldata.T

	alloc           *colmem.Allocator
	recordsPerBatch int

	spillSet   *colcontainer.SpillSet
	innerQueue colcontainer.Queue
	outerQueue colcontainer.Queue

	innerStaging *coldata.Batch
	innerLen     int
	outerStaging *coldata.Batch
	outerLen     int

	// buffered holds every full in-memory inner batch, only meaningful while
	// !spilled.
	buffered     []*coldata.Batch
	numInnerRows int

	spilled bool

	ht *partitionHashTable
	// locators maps a 0-based build row index to its physical location,
	// populated by BuildHashTable. Only valid while !spilled.
	locators []rowLocator
	// matched tracks, by 0-based build row index, whether a build row has
	// been joined to at least one probe row -- the bookkeeping RIGHT_OUTER
	// and FULL_OUTER need to emit build rows that were never matched (spec
	// §4.4, "Finalization").
	matched *bitset.BitSet
}

// NewPartition allocates an empty Partition. The caller supplies buildTypes
// and probeTypes even if this join never emits probe columns (LEFT_SEMI,
// INTERSECT_DISTINCT, EXCEPT_DISTINCT): a spilled partition may still need to
// write probe rows to its outer queue to be re-probed in a later cycle.
func NewPartition(idx int, buildTypes, probeTypes []coldata.T, recordsPerBatch int, alloc *colmem.Allocator) *Partition {
	return &Partition{
		idx:             idx,
		buildTypes:      buildTypes,
		probeTypes:      probeTypes,
		innerSchema:     append(append([]coldata.T{}, buildTypes...), coldata.Int64),
		outerSchema:     append(append([]coldata.T{}, probeTypes...), coldata.Int64),
		alloc:           alloc,
		recordsPerBatch: recordsPerBatch,
	}
}

// Index returns the partition's ordinal within its current cycle's fan-out.
func (p *Partition) Index() int { return p.idx }

// Spilled reports whether the partition has been demoted to disk.
func (p *Partition) Spilled() bool { return p.spilled }

// NumInnerRows returns the total number of build rows appended so far, in
// memory or spilled.
func (p *Partition) NumInnerRows() int { return p.numInnerRows }

// innerName/outerName are the spill-file names a SpillSet tracks this
// partition's queues under.
func (p *Partition) innerName(cycle int) string {
	return fmt.Sprintf("cycle%d-part%d-inner", cycle, p.idx)
}
func (p *Partition) outerName(cycle int) string {
	return fmt.Sprintf("cycle%d-part%d-outer", cycle, p.idx)
}

// AttachSpillSet gives the partition the SpillSet it will lazily create its
// spill files under, and the cycle number to name them with.
func (p *Partition) AttachSpillSet(spillSet *colcontainer.SpillSet, cycle int) {
	p.spillSet = spillSet
	p.cycle = cycle
}

// SpillFileNames returns the names this partition's inner and outer spill
// files were (or would be) created under, for a caller that needs to delete
// them without ever having read them back (e.g. CycleController skipping a
// spilled partition that can have no matches, spec §4.5 step 2).
func (p *Partition) SpillFileNames() (inner, outer string) {
	return p.innerName(p.cycle), p.outerName(p.cycle)
}

// AppendInnerRow appends one build row, routing to memory or, if the
// partition has already spilled, straight to the on-disk inner queue. If
// appending in memory would exceed the allocator's budget, the partition
// spills itself on the spot and retries on disk -- the "the partition may
// spill itself at any point during append" case from spec §4.2.
func (p *Partition) AppendInnerRow(ctx context.Context, src *coldata.Batch, srcRow int, innerHash uint64) error {
	if err := p.ensureInnerStaging(); err != nil {
		if !p.spilled {
			if serr := p.Spill(ctx); serr != nil {
				return serr
			}
			if err := p.ensureInnerStaging(); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	p.copyInnerRow(src, srcRow, innerHash)
	p.innerLen++
	p.innerStaging.SetLength(p.innerLen)
	p.numInnerRows++
	if p.innerLen == p.recordsPerBatch {
		return p.flushInner(ctx)
	}
	return nil
}

// AppendBatch appends every row of src, in order, through AppendInnerRow;
// the caller has already computed each row's innerHash, in hashes. It does
// not hand src over as a whole batch: each row is still copied into the
// staging batch.
func (p *Partition) AppendBatch(ctx context.Context, src *coldata.Batch, hashes []uint64) error {
	for r := 0; r < src.Length(); r++ {
		if err := p.AppendInnerRow(ctx, src, r, hashes[r]); err != nil {
			return err
		}
	}
	return nil
}

// AppendOuterRow appends one probe row to the partition's outer queue,
// called only once the partition is known to be spilled and the probe side
// needs to be replayed against a later cycle (spec §4.3/§4.4).
func (p *Partition) AppendOuterRow(ctx context.Context, src *coldata.Batch, srcRow int, probeHash uint64) error {
	if p.outerStaging == nil {
		staging, err := p.alloc.NewBatch(p.outerSchema, p.recordsPerBatch)
		if err != nil {
			return err
		}
		p.outerStaging = staging
	}
	for i := range p.probeTypes {
		p.outerStaging.ColVec(i).CopyAt(p.outerLen, src.ColVec(i), srcRow)
	}
	p.outerStaging.ColVec(len(p.probeTypes)).Int64()[p.outerLen] = int64(probeHash)
	p.outerLen++
	p.outerStaging.SetLength(p.outerLen)
	if p.outerLen == p.recordsPerBatch {
		return p.flushOuter(ctx)
	}
	return nil
}

// CompleteInnerBatch flushes whatever partial inner batch is staged,
// whether to memory or to disk. Called once at the end of drain for every
// partition (spec §4.3 step 6).
func (p *Partition) CompleteInnerBatch(ctx context.Context) error {
	if p.innerLen == 0 {
		return nil
	}
	return p.flushInner(ctx)
}

// CompleteOuterBatch flushes whatever partial outer batch is staged.
func (p *Partition) CompleteOuterBatch(ctx context.Context) error {
	if p.outerLen == 0 {
		return nil
	}
	return p.flushOuter(ctx)
}

func (p *Partition) ensureInnerStaging() error {
	if p.innerStaging != nil {
		return nil
	}
	staging, err := p.alloc.NewBatch(p.innerSchema, p.recordsPerBatch)
	if err != nil {
		return err
	}
	p.innerStaging = staging
	p.innerLen = 0
	return nil
}

func (p *Partition) copyInnerRow(src *coldata.Batch, srcRow int, innerHash uint64) {
	for i := range p.buildTypes {
		p.innerStaging.ColVec(i).CopyAt(p.innerLen, src.ColVec(i), srcRow)
	}
	p.innerStaging.ColVec(len(p.buildTypes)).Int64()[p.innerLen] = int64(innerHash)
}

func (p *Partition) flushInner(ctx context.Context) error {
	batch := p.innerStaging
	p.innerStaging = nil
	p.innerLen = 0
	if p.spilled {
		if err := p.ensureInnerQueue(ctx); err != nil {
			return err
		}
		p.alloc.ReleaseBatch(batch, p.innerSchema)
		return p.innerQueue.Enqueue(batch)
	}
	p.buffered = append(p.buffered, batch)
	return nil
}

func (p *Partition) flushOuter(ctx context.Context) error {
	batch := p.outerStaging
	p.outerStaging = nil
	p.outerLen = 0
	if err := p.ensureOuterQueue(ctx); err != nil {
		return err
	}
	p.alloc.ReleaseBatch(batch, p.outerSchema)
	return p.outerQueue.Enqueue(batch)
}

func (p *Partition) ensureInnerQueue(ctx context.Context) error {
	if p.innerQueue != nil {
		return nil
	}
	q, err := p.spillSet.CreateQueue(ctx, p.innerName(p.cycle), p.innerSchema)
	if err != nil {
		return NewIOError("creating inner spill queue", err)
	}
	p.innerQueue = q
	return nil
}

func (p *Partition) ensureOuterQueue(ctx context.Context) error {
	if p.outerQueue != nil {
		return nil
	}
	q, err := p.spillSet.CreateQueue(ctx, p.outerName(p.cycle), p.outerSchema)
	if err != nil {
		return NewIOError("creating outer spill queue", err)
	}
	p.outerQueue = q
	return nil
}

// Spill demotes the partition to disk: every buffered in-memory batch is
// written to the inner queue and released from the allocator, and every
// subsequent append goes straight to disk. It is idempotent.
func (p *Partition) Spill(ctx context.Context) error {
	if p.spilled {
		return nil
	}
	p.spilled = true
	if err := p.ensureInnerQueue(ctx); err != nil {
		return err
	}
	for _, b := range p.buffered {
		if err := p.innerQueue.Enqueue(b); err != nil {
			return NewIOError("spilling buffered batch", err)
		}
		p.alloc.ReleaseBatch(b, p.innerSchema)
	}
	p.buffered = nil
	return nil
}

// InnerBatchCount reports how many batches have been written to the inner
// spill queue (0 if the partition never spilled or never flushed anything to
// disk).
func (p *Partition) InnerBatchCount() int {
	if p.innerQueue == nil {
		return 0
	}
	return p.innerQueue.NumBatchesEnqueued()
}

// OuterBatchCount reports how many batches have been written to the outer
// spill queue.
func (p *Partition) OuterBatchCount() int {
	if p.outerQueue == nil {
		return 0
	}
	return p.outerQueue.NumBatchesEnqueued()
}

// InnerQueue exposes the partition's inner spill queue for a later cycle to
// read back, or nil if the partition never spilled.
func (p *Partition) InnerQueue() colcontainer.Queue { return p.innerQueue }

// OuterQueue exposes the partition's outer spill queue, or nil if no probe
// row was ever routed to this (spilled) partition.
func (p *Partition) OuterQueue() colcontainer.Queue { return p.outerQueue }

// BuildHashTable constructs the in-memory bucket-chain table over every
// buffered row. It must only be called on a partition that never spilled
// (spec §4.3 step 8, "for every still-resident partition"). doublingFactor
// is the HashTableDoublingFactor the bucket array grows by under load; the
// returned stats feed Metrics.NumResizing/ResizingTimeMS.
func (p *Partition) BuildHashTable(doublingFactor float64) (hashTableResizeStats, error) {
	if p.spilled {
		return hashTableResizeStats{}, errors.AssertionFailedf("cannot build a hash table over a spilled partition")
	}
	p.locators = make([]rowLocator, 0, p.numInnerRows)
	for bi, b := range p.buffered {
		for r := 0; r < b.Length(); r++ {
			p.locators = append(p.locators, rowLocator{batchIdx: bi, row: r})
		}
	}
	var stats hashTableResizeStats
	p.ht, stats = buildPartitionHashTable(len(p.locators), doublingFactor, func(i int) uint64 {
		loc := p.locators[i]
		return uint64(p.buffered[loc.batchIdx].ColVec(len(p.buildTypes)).Int64()[loc.row])
	})
	p.matched = bitset.New(uint(len(p.locators)))
	return stats, nil
}

// HasHashTable reports whether BuildHashTable has been called successfully.
func (p *Partition) HasHashTable() bool { return p.ht != nil }

// ProbeMatch is one build row that matched a probe row, identified by the
// batch and row it physically lives in so the caller can project its columns
// without copying the row out first.
type ProbeMatch struct {
	Batch *coldata.Batch
	Row   int
}

// Probe walks the hash table's chain for probeHash, appending every build
// row for which equals reports true to out, and marking each as matched.
// equals is invoked with the physical (batch, row) location, not a keyID, so
// the caller's KeysEqualFunc never has to know about partitions at all.
func (p *Partition) Probe(probeHash uint64, equals func(buildBatch *coldata.Batch, buildRow int) bool, out []ProbeMatch) []ProbeMatch {
	if p.ht == nil {
		return out
	}
	for keyID := p.ht.chainHead(probeHash); keyID != 0; keyID = p.ht.chainNext(keyID) {
		idx := int(keyID - 1)
		loc := p.locators[idx]
		batch := p.buffered[loc.batchIdx]
		if !equals(batch, loc.row) {
			continue
		}
		p.matched.Set(uint(idx))
		out = append(out, ProbeMatch{Batch: batch, Row: loc.row})
	}
	return out
}

// NumBuildLocators returns the number of build rows BuildHashTable indexed,
// used by the driver's resumable final-pass walk over unmatched build rows.
func (p *Partition) NumBuildLocators() int { return len(p.locators) }

// BuildRowAt returns the physical location and matched state of the idx'th
// build row BuildHashTable indexed.
func (p *Partition) BuildRowAt(idx int) (batch *coldata.Batch, row int, matched bool) {
	loc := p.locators[idx]
	return p.buffered[loc.batchIdx], loc.row, p.matched.Test(uint(idx))
}

// Release frees every in-memory structure the partition holds -- its
// buffered batches, hash table and match bitmap -- without touching its
// spill files, per spec §4.5 ("free all in-memory partition structures
// (without deleting spill files)") ahead of processing the next spill cycle.
func (p *Partition) Release() {
	for _, b := range p.buffered {
		p.alloc.ReleaseBatch(b, p.innerSchema)
	}
	p.buffered = nil
	p.locators = nil
	p.ht = nil
	p.matched = nil
}

// Close releases in-memory state and closes (but does not delete) any open
// spill file handles.
func (p *Partition) Close() error {
	p.Release()
	var err error
	if p.innerQueue != nil {
		if cerr := p.innerQueue.Close(); cerr != nil {
			err = cerr
		}
	}
	if p.outerQueue != nil {
		if cerr := p.outerQueue.Close(); cerr != nil {
			err = cerr
		}
	}
	return err
}

// DebugStats renders a one-line summary of the partition's state, used to
// build the OutOfMemoryError debug dump (SPEC_FULL.md §12).
func (p *Partition) DebugStats() string {
	return fmt.Sprintf(
		"partition %d: spilled=%v rows=%d inMemBatches=%d innerSpillBatches=%d outerSpillBatches=%d",
		p.idx, p.spilled, p.numInnerRows, len(p.buffered), p.InnerBatchCount(), p.OuterBatchCount(),
	)
}
