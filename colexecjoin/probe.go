package colexecjoin

import (
	"context"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colmem"
)

// produceOutput implements spec §4.4 (component C6) for the driver's
// current cycle: it streams probe rows (or, once the probe side is
// exhausted, walks unmatched build rows for RIGHT/FULL outer joins) into
// d.outBatch until either the batch is full or the cycle has nothing left
// to produce.
func (d *OperatorDriver) produceOutput(ctx context.Context) (*coldata.Batch, int, error) {
	if d.outBatch == nil {
		batch, err := d.alloc.NewBatch(d.outputSchema, d.cfg.OutputBatchSize)
		if err != nil {
			return nil, 0, err
		}
		d.outBatch = batch
	}
	d.outBatch.ResetForReuse()
	d.outLen = 0
	target := d.cfg.OutputBatchSize

	for d.outLen < target {
		if d.cycleExhausted {
			break
		}
		if d.finalPass {
			done, err := d.stepFinalPass(target)
			if err != nil {
				return nil, 0, err
			}
			if done {
				d.finalPass = false
				d.cycleExhausted = true
			}
			continue
		}
		if len(d.matchScratch) > 0 && d.joinType.EmitsBuildColumns() {
			// Project the current probe row's remaining build matches first.
			m := d.matchScratch[0]
			d.matchScratch = d.matchScratch[1:]
			d.emitRow(m.Batch, m.Row, false, d.probeBatch, d.probeRow-1, false)
			continue
		}
		if d.probeBatch == nil || d.probeRow >= d.probeBatch.Length() {
			batch, err := d.probeInput.Next(ctx)
			if err != nil {
				return nil, 0, err
			}
			if batch.Length() == 0 {
				for _, p := range d.partitions {
					if err := p.CompleteOuterBatch(ctx); err != nil {
						return nil, 0, err
					}
				}
				if d.joinType.IsRightOrFull() && !d.buildSideEmpty {
					d.finalPass = true
					d.finalPassPartIdx = 0
					d.finalPassRowIdx = 0
					continue
				}
				d.cycleExhausted = true
				break
			}
			d.metrics.addProbeBatch(batch.Length(), colmem.EstimateBatchSizeBytes(d.probeTypes, batch.Length()))
			d.probeBatch = batch
			d.probeRow = 0
			continue
		}
		row := d.probeRow
		d.probeRow++
		if d.buildSideEmpty {
			d.emitBuildEmptyRow(d.probeBatch, row)
			continue
		}
		if err := d.probeOneRow(ctx, d.probeBatch, row); err != nil {
			return nil, 0, err
		}
	}
	return d.outBatch, d.outLen, nil
}

// probeOneRow routes one probe row to its partition: against an in-memory
// partition it probes the hash table, leaving any matches in d.matchScratch
// for produceOutput to project one output row at a time; against a
// spilled partition it appends the row (with its innerHash) to that
// partition's outer file to be re-probed in a later cycle (spec §4.4).
func (d *OperatorDriver) probeOneRow(ctx context.Context, batch *coldata.Batch, row int) error {
	h := d.probeRowHash(d.cycle == 0, batch, len(d.probeTypes), row)
	part, innerHash := routeAndStore(h, d.mask, d.bits)
	p := d.partitions[part]
	if p.Spilled() {
		return p.AppendOuterRow(ctx, batch, row, innerHash)
	}
	d.matchScratch = p.Probe(innerHash, func(b *coldata.Batch, r int) bool {
		return d.equals(batch, row, b, r)
	}, d.matchScratch[:0])

	switch d.joinType {
	case InnerJoin, LeftOuterJoin, RightOuterJoin, FullOuterJoin:
		if len(d.matchScratch) == 0 && d.joinType.IsLeftOrFull() {
			d.emitRow(nil, 0, true, batch, row, false)
		}
		// RightOuter with no match for this probe row emits nothing here;
		// unmatched build rows are reported once by the final pass instead,
		// so a build row with many non-matching probe candidates is never
		// double counted.
	case LeftSemiJoin, IntersectDistinctJoin:
		if len(d.matchScratch) > 0 {
			d.emitProbeOnlyRow(batch, row)
		}
	case ExceptDistinctJoin:
		if len(d.matchScratch) == 0 {
			d.emitProbeOnlyRow(batch, row)
		}
	}
	return nil
}

// stepFinalPass walks unmatched build rows across partitions in index
// order, resuming across calls via d.finalPassPartIdx/d.finalPassRowIdx, to
// satisfy RIGHT_OUTER/FULL_OUTER's requirement that every build row is
// represented at least once in the output (spec §4.4's "final-state pass").
func (d *OperatorDriver) stepFinalPass(target int) (done bool, err error) {
	for d.finalPassPartIdx < len(d.partitions) && d.outLen < target {
		p := d.partitions[d.finalPassPartIdx]
		if !p.HasHashTable() {
			d.finalPassPartIdx++
			d.finalPassRowIdx = 0
			continue
		}
		n := p.NumBuildLocators()
		for d.finalPassRowIdx < n && d.outLen < target {
			batch, row, matched := p.BuildRowAt(d.finalPassRowIdx)
			d.finalPassRowIdx++
			if matched {
				continue
			}
			d.emitRow(batch, row, false, nil, 0, true)
		}
		if d.finalPassRowIdx >= n {
			d.finalPassPartIdx++
			d.finalPassRowIdx = 0
		}
	}
	return d.finalPassPartIdx >= len(d.partitions), nil
}

// probeRowHash mirrors buildRowHash: the first cycle computes H via the
// externally supplied probe hash function, later cycles read the innerHash
// carried forward in the replayed outer spill batch's trailing column.
func (d *OperatorDriver) probeRowHash(firstCycle bool, batch *coldata.Batch, dataWidth, r int) uint64 {
	if firstCycle {
		return d.probeHash(batch, r)
	}
	return hashColumn(batch, dataWidth, r)
}

// emitRow appends one output row built from a build-side half (or nulls)
// and a probe-side half (or nulls). Only used by join variants that project
// build columns (spec §3's "projected build columns ... and projected
// probe columns").
func (d *OperatorDriver) emitRow(buildBatch *coldata.Batch, buildRow int, buildNull bool, probeBatch *coldata.Batch, probeRow int, probeNull bool) {
	bw := len(d.buildTypes)
	for i := 0; i < bw; i++ {
		if buildNull {
			d.outBatch.ColVec(i).SetNullAt(d.outLen)
		} else {
			d.outBatch.ColVec(i).CopyAt(d.outLen, buildBatch.ColVec(i), buildRow)
		}
	}
	for i := 0; i < len(d.probeTypes); i++ {
		if probeNull {
			d.outBatch.ColVec(bw + i).SetNullAt(d.outLen)
		} else {
			d.outBatch.ColVec(bw + i).CopyAt(d.outLen, probeBatch.ColVec(i), probeRow)
		}
	}
	d.outLen++
	d.outBatch.SetLength(d.outLen)
}

// emitProbeOnlyRow appends one output row carrying only probe columns, used
// by LEFT_SEMI, INTERSECT_DISTINCT and EXCEPT_DISTINCT, none of which
// project build columns (JoinType.EmitsBuildColumns).
func (d *OperatorDriver) emitProbeOnlyRow(probeBatch *coldata.Batch, probeRow int) {
	for i := 0; i < len(d.probeTypes); i++ {
		d.outBatch.ColVec(i).CopyAt(d.outLen, probeBatch.ColVec(i), probeRow)
	}
	d.outLen++
	d.outBatch.SetLength(d.outLen)
}

// emitBuildEmptyRow handles a probe row arriving while the build side is
// entirely empty (spec §4.1 / boundary scenario S2): INNER and the
// match-requiring set variants produce nothing; the outer variants and
// EXCEPT_DISTINCT pass every probe row straight through.
func (d *OperatorDriver) emitBuildEmptyRow(probeBatch *coldata.Batch, probeRow int) {
	switch d.joinType {
	case InnerJoin, LeftSemiJoin, IntersectDistinctJoin:
		return
	case ExceptDistinctJoin:
		d.emitProbeOnlyRow(probeBatch, probeRow)
	default: // LeftOuterJoin, RightOuterJoin, FullOuterJoin
		d.emitRow(nil, 0, true, probeBatch, probeRow, false)
	}
}
