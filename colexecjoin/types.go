// Package colexecjoin implements the core of a partitioned, spill-capable
// hash join operator: the partitioned build phase, the post-build memory
// calculator, the probe phase, recursive spill-cycle processing, and
// runtime-filter production described in spec.md. It is grounded on the
// teacher's pkg/sql/colexec (spilling_queue.go, hashtable.go,
// hashjoiner_tmpl.go, crossjoiner.go) and pkg/sql/mon.
package colexecjoin

import (
	"context"

	"github.com/vectorsql/hashjoin/coldata"
)

// Outcome is returned by OperatorDriver.Next, matching spec §6's pull
// interface exactly.
type Outcome int

const (
	// OutcomeOK indicates a non-empty output batch is ready.
	OutcomeOK Outcome = iota
	// OutcomeOKNewSchema indicates a non-empty output batch is ready and its
	// schema differs from the previously reported one (the operator only
	// produces this once, right after BUILD_SCHEMA, since its own output
	// schema never changes mid-stream).
	OutcomeOKNewSchema
	// OutcomeNone indicates the operator is exhausted: no more output will
	// ever be produced.
	OutcomeNone
	// OutcomeNotYet indicates the caller should call Next again; reserved
	// for asynchronous collaborators that this single-threaded operator
	// never actually returns, kept for interface parity with spec §6.
	OutcomeNotYet
	// OutcomeError indicates next() failed; the accompanying error describes
	// why.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "OK"
	case OutcomeOKNewSchema:
		return "OK_NEW_SCHEMA"
	case OutcomeNone:
		return "NONE"
	case OutcomeNotYet:
		return "NOT_YET"
	case OutcomeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// JoinType enumerates the join variants the operator supports, per spec
// §4.1.
type JoinType int

const (
	InnerJoin JoinType = iota
	LeftOuterJoin
	RightOuterJoin
	FullOuterJoin
	LeftSemiJoin
	IntersectDistinctJoin
	ExceptDistinctJoin
)

func (jt JoinType) String() string {
	switch jt {
	case InnerJoin:
		return "INNER"
	case LeftOuterJoin:
		return "LEFT_OUTER"
	case RightOuterJoin:
		return "RIGHT_OUTER"
	case FullOuterJoin:
		return "FULL_OUTER"
	case LeftSemiJoin:
		return "LEFT_SEMI"
	case IntersectDistinctJoin:
		return "INTERSECT_DISTINCT"
	case ExceptDistinctJoin:
		return "EXCEPT_DISTINCT"
	default:
		return "UNKNOWN"
	}
}

// IsLeftOrFull reports whether unmatched probe (left) rows must be emitted
// with build columns null-padded -- spec §4.1's joinIsLeftOrFull.
func (jt JoinType) IsLeftOrFull() bool {
	return jt == LeftOuterJoin || jt == FullOuterJoin
}

// IsRightOrFull reports whether unmatched build (right) rows must be
// emitted with probe columns null-padded -- spec §4.1's joinIsRightOrFull.
func (jt JoinType) IsRightOrFull() bool {
	return jt == RightOuterJoin || jt == FullOuterJoin
}

// EmitsBuildColumns reports whether output rows carry build-side payload
// columns. Semi-join and the set-operation variants only ever project the
// probe side.
func (jt JoinType) EmitsBuildColumns() bool {
	switch jt {
	case LeftSemiJoin, IntersectDistinctJoin, ExceptDistinctJoin:
		return false
	default:
		return true
	}
}

// Input is the pull contract the operator drives its build and probe
// sources through. A zero-length batch signals end of stream. Columnar
// vector storage, expression materialization and key-hash computation
// belong to the embedding pipeline and are out of scope here (spec §1); the
// operator only ever calls Next.
type Input interface {
	Next(ctx context.Context) (*coldata.Batch, error)
}

// Cancelable is an optional Input capability: collaborators that can be told
// to unwind early when the operator is cancelled implement it. Checked via
// type assertion, the same optional-interface pattern the teacher uses for
// MetadataSource/Closer in invariants_checker.go.
type Cancelable interface {
	Cancel(ctx context.Context)
}

// BuildHashFunc computes the full routing hash of the build row at rowIdx in
// batch. Key-hash computation is an external collaborator per spec §1; the
// operator only requires that the same function, applied to matching build
// and probe key columns, produces equal hashes for equal keys.
type BuildHashFunc func(batch *coldata.Batch, rowIdx int) uint64

// ProbeHashFunc computes the full routing hash of the probe row at rowIdx.
type ProbeHashFunc func(batch *coldata.Batch, rowIdx int) uint64

// KeysEqualFunc reports whether the build row at buildRow in buildBatch
// equals the probe row at probeRow in probeBatch, under the join's equality
// semantics (including how NULLs are treated). Expression evaluation is out
// of scope per spec §1; this is the hook the embedding pipeline supplies.
type KeysEqualFunc func(probeBatch *coldata.Batch, probeRow int, buildBatch *coldata.Batch, buildRow int) bool

// partitionBits returns bits such that 1<<bits == p. p must be a power of
// two.
func partitionBits(p int) int {
	bits := 0
	for (1 << bits) < p {
		bits++
	}
	return bits
}

// routeAndStore splits a full hash H into the partition-routing bits and the
// in-partition storage bits, per spec §3 ("Partition mask / bits"): the two
// are disjoint so a partition's own hash table never re-mixes the bits that
// were already consumed to route the row to that partition.
func routeAndStore(h uint64, mask uint64, bits int) (part int, innerHash uint64) {
	return int(h & mask), h >> uint(bits)
}
