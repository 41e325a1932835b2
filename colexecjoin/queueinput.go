package colexecjoin

import (
	"context"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colcontainer"
	"github.com/vectorsql/hashjoin/colmem"
)

// queueInput adapts a colcontainer.Queue written during an earlier cycle
// into an Input, so CycleController can rebind BuildPhase/ProbePhase onto a
// spilled partition's files exactly the way they're bound onto the original
// streaming inputs for cycle 0 (spec §4.5 step 3/4, "Rebind buildBatch to a
// SpilledBatchReader").
type queueInput struct {
	queue   colcontainer.Queue
	scratch *coldata.Batch
	alloc   *colmem.Allocator
	typs    []coldata.T
	done    bool
}

// newQueueInput wraps queue, whose batches are encoded with typs (an
// inner/outer schema, i.e. the caller's data columns plus a trailing Int64
// hash column).
func newQueueInput(queue colcontainer.Queue, typs []coldata.T, recordsPerBatch int, alloc *colmem.Allocator) (*queueInput, error) {
	scratch, err := alloc.NewBatch(typs, recordsPerBatch)
	if err != nil {
		return nil, err
	}
	return &queueInput{queue: queue, scratch: scratch, alloc: alloc, typs: typs}, nil
}

// Next implements Input.
func (q *queueInput) Next(ctx context.Context) (*coldata.Batch, error) {
	if q.done {
		return coldata.ZeroBatch, nil
	}
	ok, err := q.queue.Dequeue(q.scratch)
	if err != nil {
		return nil, NewIOError("reading spilled batch", err)
	}
	if !ok {
		q.done = true
		return coldata.ZeroBatch, nil
	}
	return q.scratch, nil
}

// Close releases the scratch batch's accounted memory. It does not close or
// delete the underlying queue -- that remains the owning Partition's
// responsibility.
func (q *queueInput) Close() {
	q.alloc.ReleaseBatch(q.scratch, q.typs)
}

// hashColumn returns the trailing hidden Int64 hash value stored alongside
// row in a batch encoded with an inner/outer schema (spec §6: "a trailing
// 32-bit hash-value column"; this implementation carries the full 64 bits
// since truncating routing hashes to 32 bits would raise the collision rate
// for no benefit here).
func hashColumn(batch *coldata.Batch, dataWidth, row int) uint64 {
	return uint64(batch.ColVec(dataWidth).Int64()[row])
}
