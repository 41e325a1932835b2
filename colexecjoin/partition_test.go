package colexecjoin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colcontainer"
	"github.com/vectorsql/hashjoin/colmem"
	"github.com/vectorsql/hashjoin/mon"
)

func newTestAlloc(limit int64) *colmem.Allocator {
	m := mon.NewBytesMonitor(limit)
	return colmem.NewAllocator(m.MakeBoundAccount())
}

func buildInt64Batch(n int, vals []int64) *coldata.Batch {
	b := coldata.NewBatch([]coldata.T{coldata.Int64}, n)
	for i, v := range vals {
		b.ColVec(0).Int64()[i] = v
	}
	b.SetLength(n)
	return b
}

func TestPartitionAppendInnerRowAndProbe(t *testing.T) {
	ctx := context.Background()
	alloc := newTestAlloc(0)
	p := NewPartition(0, []coldata.T{coldata.Int64}, []coldata.T{coldata.Int64}, 1024, alloc)

	src := buildInt64Batch(3, []int64{10, 20, 20})
	for r := 0; r < 3; r++ {
		require.NoError(t, p.AppendInnerRow(ctx, src, r, uint64(src.ColVec(0).Int64()[r])))
	}
	require.NoError(t, p.CompleteInnerBatch(ctx))
	require.Equal(t, 3, p.NumInnerRows())
	require.False(t, p.Spilled())

	_, err := p.BuildHashTable(2.0)
	require.NoError(t, err)
	require.True(t, p.HasHashTable())

	matches := p.Probe(20, func(b *coldata.Batch, r int) bool {
		return b.ColVec(0).Int64()[r] == 20
	}, nil)
	require.Len(t, matches, 2)

	none := p.Probe(99, func(b *coldata.Batch, r int) bool { return true }, nil)
	require.Len(t, none, 0)
}

func TestPartitionSpillThenAppendGoesToDisk(t *testing.T) {
	ctx := context.Background()
	alloc := newTestAlloc(0)
	p := NewPartition(0, []coldata.T{coldata.Int64}, []coldata.T{coldata.Int64}, 4, alloc)
	spillSet, err := colcontainer.NewSpillSet(t.TempDir(), colcontainer.DefaultDiskQueueCfg(), nil)
	require.NoError(t, err)
	defer spillSet.Close()
	p.AttachSpillSet(spillSet, 0)

	require.NoError(t, p.Spill(ctx))
	require.True(t, p.Spilled())

	src := buildInt64Batch(2, []int64{1, 2})
	require.NoError(t, p.AppendInnerRow(ctx, src, 0, 1))
	require.NoError(t, p.AppendInnerRow(ctx, src, 1, 2))
	require.NoError(t, p.CompleteInnerBatch(ctx))
	require.Equal(t, 2, p.NumInnerRows())
	require.Equal(t, 1, p.InnerBatchCount())
	require.NoError(t, p.Close())
}

func TestPartitionSelfSpillsOnOOM(t *testing.T) {
	ctx := context.Background()
	// recordsPerBatch=1 means every row is its own staging batch (16 bytes:
	// two int64 columns of capacity 1). A limit of exactly 16 lets the first
	// row's staging batch through but not a second one while the first is
	// still buffered in memory, forcing AppendInnerRow's self-spill-then-
	// retry path on the second row.
	alloc := newTestAlloc(16)
	p := NewPartition(0, []coldata.T{coldata.Int64}, []coldata.T{coldata.Int64}, 1, alloc)
	spillSet, err := colcontainer.NewSpillSet(t.TempDir(), colcontainer.DefaultDiskQueueCfg(), nil)
	require.NoError(t, err)
	defer spillSet.Close()
	p.AttachSpillSet(spillSet, 0)

	src := buildInt64Batch(2, []int64{7, 8})
	require.NoError(t, p.AppendInnerRow(ctx, src, 0, 7))
	require.False(t, p.Spilled())
	require.NoError(t, p.AppendInnerRow(ctx, src, 1, 8))
	require.True(t, p.Spilled())
	require.NoError(t, p.CompleteInnerBatch(ctx))
	require.Equal(t, 2, p.NumInnerRows())
	require.NoError(t, p.Close())
}

func TestPartitionRightOuterFinalPassWalksUnmatched(t *testing.T) {
	ctx := context.Background()
	alloc := newTestAlloc(0)
	p := NewPartition(0, []coldata.T{coldata.Int64}, []coldata.T{coldata.Int64}, 1024, alloc)
	src := buildInt64Batch(2, []int64{1, 2})
	require.NoError(t, p.AppendInnerRow(ctx, src, 0, 1))
	require.NoError(t, p.AppendInnerRow(ctx, src, 1, 2))
	require.NoError(t, p.CompleteInnerBatch(ctx))
	_, err := p.BuildHashTable(2.0)
	require.NoError(t, err)

	p.Probe(1, func(b *coldata.Batch, r int) bool { return b.ColVec(0).Int64()[r] == 1 }, nil)

	var unmatchedRows []int
	for i := 0; i < p.NumBuildLocators(); i++ {
		batch, row, matched := p.BuildRowAt(i)
		if !matched {
			unmatchedRows = append(unmatchedRows, int(batch.ColVec(0).Int64()[row]))
		}
	}
	require.Equal(t, []int{2}, unmatchedRows)
}
