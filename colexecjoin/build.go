package colexecjoin

import (
	"context"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colmem"
)

// runBuildPhase implements spec §4.3 (component C5) for the driver's current
// cycle: it drains d.buildInput, hash-partitions every row across
// d.partitions, drives the post-build spill decision, and (on the first
// cycle only) feeds the runtime filter builders.
func (d *OperatorDriver) runBuildPhase(ctx context.Context) error {
	d.releasePreviousCyclePartitions()
	if d.buildSideEmpty {
		return d.drainInput(ctx, d.buildInput)
	}
	firstCycle := d.cycle == 0
	if firstCycle {
		if err := d.tunePartitions(ctx); err != nil {
			return err
		}
		d.runtimeFilterBuilders = d.newRuntimeFilterBuilders()
	}
	d.partitions = make([]*Partition, d.numPartitions)
	for i := range d.partitions {
		p := NewPartition(i, d.buildTypes, d.probeTypes, d.cfg.RecordsPerBatch, d.alloc)
		p.AttachSpillSet(d.spillSet, d.cycle)
		d.partitions[i] = p
	}

	dataWidth := len(d.buildTypes)
	for {
		batch, err := d.buildInput.Next(ctx)
		if err != nil {
			return err
		}
		n := batch.Length()
		if n == 0 {
			break
		}
		if firstCycle && batch.Width() != dataWidth {
			return NewSchemaChangedError()
		}
		d.metrics.addBuildBatch(n, colmem.EstimateBatchSizeBytes(d.buildTypes, n))

		if d.numPartitions == 1 {
			// Skip routing: compute every row's hash up front and hand the
			// batch to partition 0 in one AppendBatch call, which still
			// copies each row into the partition's staging batch.
			hashes := make([]uint64, n)
			for r := 0; r < n; r++ {
				hashes[r] = d.buildRowHash(firstCycle, batch, dataWidth, r)
			}
			if err := d.partitions[0].AppendBatch(ctx, batch, hashes); err != nil {
				return err
			}
			if firstCycle {
				for r := 0; r < n; r++ {
					d.feedRuntimeFilters(hashes[r])
				}
			}
			continue
		}

		for r := 0; r < n; r++ {
			h := d.buildRowHash(firstCycle, batch, dataWidth, r)
			part, innerHash := routeAndStore(h, d.mask, d.bits)
			if err := d.partitions[part].AppendInnerRow(ctx, batch, r, innerHash); err != nil {
				return err
			}
			if firstCycle {
				d.feedRuntimeFilters(h)
			}
		}
	}

	for _, p := range d.partitions {
		if err := p.CompleteInnerBatch(ctx); err != nil {
			return err
		}
	}

	if firstCycle {
		d.emitRuntimeFilters()
	}

	if err := d.postBuildSpillDecisions(ctx); err != nil {
		return err
	}
	for _, p := range d.partitions {
		if p.Spilled() {
			if err := d.spillQueue.Push(p, d.cycle); err != nil {
				return err
			}
			d.metrics.recordSpilledPartition(colmem.EstimateBatchSizeBytes(d.buildTypes, p.NumInnerRows()))
			logSpill(d.log, d.cycle, p.Index(), p.NumInnerRows())
		}
	}
	return nil
}

// releasePreviousCyclePartitions frees every resident (non-spilled) partition
// left over from the cycle that just finished probing, shrinking the shared
// allocator account by their buffered batches' bytes before the next cycle
// allocates its own set (spec §4.4's "free all in-memory partition
// structures" step). Partitions that spilled are left untouched: they are
// now owned by the SpillQueue (via their SpilledPartitionRef), never closed
// here: advanceCycle closes one it skips, cleanup closes any still queued,
// and the spill files of the ones already replayed are closed by the
// SpillSet's own Close during cleanup.
func (d *OperatorDriver) releasePreviousCyclePartitions() {
	for _, p := range d.partitions {
		if p.Spilled() {
			continue
		}
		if err := p.Close(); err != nil {
			d.warn(err)
		}
	}
	d.partitions = nil
}

// buildRowHash computes the routing hash for row r of batch. On the first
// cycle it calls the externally supplied hash function over the original
// key columns; on later cycles it instead reads the innerHash carried
// forward in the batch's trailing hidden column (spec §4.3 step 5), since
// re-running the same hash function over the same keys would route the row
// right back to the same partition and make no recursion progress.
func (d *OperatorDriver) buildRowHash(firstCycle bool, batch *coldata.Batch, dataWidth, r int) uint64 {
	if firstCycle {
		return d.buildHash(batch, r)
	}
	return hashColumn(batch, dataWidth, r)
}

func (d *OperatorDriver) postBuildSpillDecisions(ctx context.Context) error {
	spillIdx := d.memCalc.PostBuildCalculations(d.partitions)
	spill := make(map[int]bool, len(spillIdx))
	for _, idx := range spillIdx {
		spill[idx] = true
	}
	for _, p := range d.partitions {
		if p.Spilled() {
			continue
		}
		if spill[p.Index()] {
			if err := p.Spill(ctx); err != nil {
				return err
			}
			continue
		}
		resize, err := p.BuildHashTable(d.cfg.HashTableDoublingFactor)
		if err != nil {
			return NewOutOfMemoryError(err, d.debugDump())
		}
		d.metrics.recordHashTableBuilt(int(p.ht.bucketSize), len(p.locators), resize)
	}
	return nil
}

func (d *OperatorDriver) drainInput(ctx context.Context, in Input) error {
	if c, ok := in.(Cancelable); ok {
		c.Cancel(ctx)
	}
	for {
		batch, err := in.Next(ctx)
		if err != nil {
			return err
		}
		if batch.Length() == 0 {
			return nil
		}
	}
}

// feedRuntimeFilters inserts hash (the row's full routing hash, standing in
// for hash64(row, buildFieldId) per spec §4.6 -- the field-hash computation
// itself is the embedding pipeline's job, not this operator's) into every
// active runtime filter builder.
func (d *OperatorDriver) feedRuntimeFilters(hash uint64) {
	for _, b := range d.runtimeFilterBuilders {
		b.AddKeyHash(hash)
	}
}

func (d *OperatorDriver) newRuntimeFilterBuilders() []*RuntimeFilterBuilder {
	if len(d.filterDefs) == 0 {
		return nil
	}
	builders := make([]*RuntimeFilterBuilder, len(d.filterDefs))
	for i, def := range d.filterDefs {
		builders[i] = NewRuntimeFilterBuilder(def)
	}
	return builders
}

// emitRuntimeFilters finalizes and sends every builder's filter downstream
// exactly once, per spec §4.6 ("never produced on subsequent cycles") --
// this is only ever called when firstCycle is true.
func (d *OperatorDriver) emitRuntimeFilters() {
	if d.runtimeFilterEmitted || len(d.runtimeFilterBuilders) == 0 {
		d.runtimeFilterEmitted = true
		return
	}
	filters := make([]*RuntimeFilter, 0, len(d.runtimeFilterBuilders))
	for _, b := range d.runtimeFilterBuilders {
		if rf, ok := b.Emit(); ok {
			filters = append(filters, rf)
			logRuntimeFilterEmitted(d.log, rf.Name, b.def.EstimatedRows)
		}
	}
	d.runtimeFilterEmitted = true
	if d.onRuntimeFilters != nil && len(filters) > 0 {
		d.onRuntimeFilters(filters)
	}
}
