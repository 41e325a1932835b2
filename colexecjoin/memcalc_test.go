package colexecjoin

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/vectorsql/hashjoin/coldata"
)

func buildResidentPartition(t *testing.T, idx int, numRows int) *Partition {
	t.Helper()
	alloc := newTestAlloc(0)
	p := NewPartition(idx, []coldata.T{coldata.Int64}, []coldata.T{coldata.Int64}, 1024, alloc)
	if numRows == 0 {
		return p
	}
	vals := make([]int64, numRows)
	for i := range vals {
		vals[i] = int64(i)
	}
	src := buildInt64Batch(numRows, vals)
	for r := 0; r < numRows; r++ {
		require.NoError(t, p.AppendInnerRow(context.Background(), src, r, uint64(vals[r])))
	}
	require.NoError(t, p.CompleteInnerBatch(context.Background()))
	return p
}

func TestBatchCountCalculatorSpillsOverLimit(t *testing.T) {
	small := buildResidentPartition(t, 0, 10)
	large := buildResidentPartition(t, 1, 10000)

	c := &BatchCountCalculator{MaxBatchesInMemory: 1}
	spill := c.PostBuildCalculations([]*Partition{small, large})
	require.Contains(t, spill, 1)
	require.NotContains(t, spill, 0)
}

func TestMemoryEstimateCalculatorSpillsLargestFirst(t *testing.T) {
	p0 := buildResidentPartition(t, 0, 10)
	p1 := buildResidentPartition(t, 1, 1000)
	p2 := buildResidentPartition(t, 2, 100)

	c := &MemoryEstimateCalculator{
		BuildTypes:              []coldata.T{coldata.Int64},
		SafetyFactor:            1.0,
		FragmentationFactor:     1.0,
		HashTableDoublingFactor: 1.0,
		CalcType:                HashTableCalcTypeLeanAverage,
		AvailableBytes:          c0Bytes(&MemoryEstimateCalculator{BuildTypes: []coldata.T{coldata.Int64}, SafetyFactor: 1.0, FragmentationFactor: 1.0, CalcType: HashTableCalcTypeLeanAverage}, p0, p2),
	}
	spill := c.PostBuildCalculations([]*Partition{p0, p1, p2})
	require.Contains(t, spill, 1)
}

// c0Bytes sums estimateBytes over parts under c's settings; called with p0
// and p2 and the same factors as the calculator under test, it gives a
// budget that fits p0 and p2's combined estimate but not p1's.
func c0Bytes(c *MemoryEstimateCalculator, parts ...*Partition) int64 {
	var total int64
	for _, p := range parts {
		total += c.estimateBytes(p)
	}
	return total
}

func TestMemoryEstimateCalculatorNoSpillWhenUnderBudget(t *testing.T) {
	p0 := buildResidentPartition(t, 0, 10)
	c := &MemoryEstimateCalculator{
		BuildTypes:     []coldata.T{coldata.Int64},
		SafetyFactor:   1.0,
		FragmentationFactor: 1.0,
		CalcType:       HashTableCalcTypeLeanAverage,
		AvailableBytes: 1 << 30,
	}
	spill := c.PostBuildCalculations([]*Partition{p0})
	require.Empty(t, spill)
}

func TestBuildSidePartitioningRoundsUpWhenMemoryUnlimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumPartitions = 5
	cfg.MaxMemory = 0
	p, limit, disable, err := BuildSidePartitioning(cfg, []coldata.T{coldata.Int64})
	require.NoError(t, err)
	require.Equal(t, 8, p)
	require.False(t, disable)
	require.Equal(t, int64(0), limit)
}

func TestBuildSidePartitioningFallsBackWhenReservedMemoryOverflowsLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumPartitions = 1
	cfg.MaxMemory = 1
	cfg.FallbackEnabled = true
	cfg.SystemMaxMemory = 1 << 20
	// RecordsPerBatch(1024) * 8-byte rows * SafetyFactor * FragmentationFactor
	// reserves far more than the 1-byte MaxMemory budget, so this must fall
	// back rather than "fit" the way a hardcoded zero row estimate once did.
	p, limit, disable, err := BuildSidePartitioning(cfg, []coldata.T{coldata.Int64})
	require.NoError(t, err)
	require.True(t, disable)
	require.Equal(t, 1, p)
	require.Equal(t, cfg.SystemMaxMemory, limit)
}

func TestBuildSidePartitioningFailsWhenFallbackDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumPartitions = 1
	cfg.MaxMemory = 1
	cfg.FallbackEnabled = false
	_, _, _, err := BuildSidePartitioning(cfg, []coldata.T{coldata.Int64})
	require.Error(t, err)
	var re *ResourceError
	require.True(t, errors.As(err, &re))
}
