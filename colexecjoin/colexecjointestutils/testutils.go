// Package colexecjointestutils provides in-memory batch builders, a
// reference (non-partitioned, non-spilling) nested-loop join, and default
// single-int64-key hash/equals functions for exercising colexecjoin in
// tests. None of this is part of the operator itself -- per its own design,
// key hashing and key equality are external collaborators the embedding
// pipeline supplies (spec §1) -- but every join needs *some* concrete
// collaborator to drive end-to-end tests against, the same role
// newOpTestInput/tuples play in the teacher's own colexec test files.
package colexecjointestutils

import (
	"context"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colexecjoin"
)

// Tuple is one row's worth of column values, each either int64, float64,
// []byte, bool, or nil (for an explicit NULL) -- the same loosely-typed
// tuple literal the teacher's own buffer_test.go builds batches from.
type Tuple []interface{}

// Tuples is a convenience literal for a slice of rows.
type Tuples []Tuple

// BuildBatch materializes tuples into a single coldata.Batch of the given
// schema. Panics (through a failed type assertion, not colexecerror) if the
// tuples don't match typs -- this is test-only scaffolding, not operator code.
func BuildBatch(typs []coldata.T, tuples Tuples) *coldata.Batch {
	b := coldata.NewBatch(typs, len(tuples))
	for r, tuple := range tuples {
		for c, t := range typs {
			v := b.ColVec(c)
			val := tuple[c]
			if val == nil {
				v.SetNullAt(r)
				continue
			}
			switch t {
			case coldata.Int64:
				v.Int64()[r] = int64(val.(int))
			case coldata.Float64:
				v.Float64()[r] = val.(float64)
			case coldata.Bytes:
				v.Bytes()[r] = []byte(val.(string))
			case coldata.Bool:
				v.Bool()[r] = val.(bool)
			}
		}
	}
	b.SetLength(len(tuples))
	return b
}

// SliceInput is a colexecjoin.Input backed by a fixed slice of already-built
// batches, returning them one at a time and then a zero-length batch
// forever after, mirroring the teacher's opTestInput.
type SliceInput struct {
	batches []*coldata.Batch
	idx     int
}

// NewSliceInput wraps batches (which may be empty) as an Input.
func NewSliceInput(batches ...*coldata.Batch) *SliceInput {
	return &SliceInput{batches: batches}
}

// NewSingleBatchInput is a convenience wrapper for the common one-batch
// case, including the zero-row batch used to exercise an empty side.
func NewSingleBatchInput(typs []coldata.T, tuples Tuples) *SliceInput {
	return NewSliceInput(BuildBatch(typs, tuples))
}

// Next implements colexecjoin.Input.
func (s *SliceInput) Next(ctx context.Context) (*coldata.Batch, error) {
	if s.idx >= len(s.batches) {
		return coldata.ZeroBatch, nil
	}
	b := s.batches[s.idx]
	s.idx++
	return b, nil
}

// Int64KeyHash hashes the int64 value of column 0 -- a default BuildHashFunc/
// ProbeHashFunc for tests and for callers that only need a single-int64-key
// join, per spec §1's note that key hashing is an external collaborator this
// operator never implements itself.
func Int64KeyHash(batch *coldata.Batch, rowIdx int) uint64 {
	v := batch.ColVec(0)
	if v.Nulls().NullAt(rowIdx) {
		// NULL never equals anything, including another NULL, under the
		// default equality below; routing it to a fixed bucket is harmless
		// since it will never match once there.
		return 0
	}
	return hash64(uint64(v.Int64()[rowIdx]))
}

// hash64 is a small fixed-output avalanche mix (splitmix64's finalizer),
// adequate for routing test keys across partitions without clustering.
func hash64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}

// Int64KeysEqual compares column 0 of the probe and build rows as int64
// keys, treating NULL as never equal to anything (standard SQL join
// semantics, not this operator's concern to enforce).
func Int64KeysEqual(probeBatch *coldata.Batch, probeRow int, buildBatch *coldata.Batch, buildRow int) bool {
	pv, bv := probeBatch.ColVec(0), buildBatch.ColVec(0)
	if pv.Nulls().NullAt(probeRow) || bv.Nulls().NullAt(buildRow) {
		return false
	}
	return pv.Int64()[probeRow] == bv.Int64()[buildRow]
}

// ReferenceRow is one row of a reference join's output, identified by the
// physical (batch, row) location it was projected from on each side, with
// a nil side standing in for a null-padded half.
type ReferenceRow struct {
	BuildBatch *coldata.Batch
	BuildRow   int
	BuildNull  bool
	ProbeBatch *coldata.Batch
	ProbeRow   int
	ProbeNull  bool
}

// ReferenceJoin computes the join result via an unindexed nested loop over
// every build/probe batch pair, for comparison against the operator's own
// (partitioned, possibly spilling) output in property tests -- the same
// "dumb but obviously correct" role a reference implementation plays
// whenever a spec names a multiset-equality invariant (here, spec
// invariant 4).
func ReferenceJoin(
	joinType colexecjoin.JoinType,
	buildBatches, probeBatches []*coldata.Batch,
	equals func(probeBatch *coldata.Batch, probeRow int, buildBatch *coldata.Batch, buildRow int) bool,
) []ReferenceRow {
	type buildLoc struct {
		batch *coldata.Batch
		row   int
	}
	var builds []buildLoc
	for _, b := range buildBatches {
		for r := 0; r < b.Length(); r++ {
			builds = append(builds, buildLoc{b, r})
		}
	}
	matched := make([]bool, len(builds))

	var out []ReferenceRow
	for _, pb := range probeBatches {
		for pr := 0; pr < pb.Length(); pr++ {
			anyMatch := false
			for bi, bl := range builds {
				if !equals(pb, pr, bl.batch, bl.row) {
					continue
				}
				anyMatch = true
				matched[bi] = true
				switch joinType {
				case colexecjoin.InnerJoin, colexecjoin.LeftOuterJoin, colexecjoin.RightOuterJoin, colexecjoin.FullOuterJoin:
					out = append(out, ReferenceRow{BuildBatch: bl.batch, BuildRow: bl.row, ProbeBatch: pb, ProbeRow: pr})
				}
			}
			switch joinType {
			case colexecjoin.LeftOuterJoin, colexecjoin.FullOuterJoin:
				if !anyMatch {
					out = append(out, ReferenceRow{BuildNull: true, ProbeBatch: pb, ProbeRow: pr})
				}
			case colexecjoin.LeftSemiJoin, colexecjoin.IntersectDistinctJoin:
				if anyMatch {
					out = append(out, ReferenceRow{ProbeBatch: pb, ProbeRow: pr})
				}
			case colexecjoin.ExceptDistinctJoin:
				if !anyMatch {
					out = append(out, ReferenceRow{ProbeBatch: pb, ProbeRow: pr})
				}
			}
		}
	}
	if joinType == colexecjoin.RightOuterJoin || joinType == colexecjoin.FullOuterJoin {
		for bi, bl := range builds {
			if !matched[bi] {
				out = append(out, ReferenceRow{BuildBatch: bl.batch, BuildRow: bl.row, ProbeNull: true})
			}
		}
	}
	return out
}
