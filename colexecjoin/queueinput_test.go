package colexecjoin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colcontainer"
)

func TestQueueInputRoundTripsEnqueuedBatchesThenReturnsZeroBatch(t *testing.T) {
	ctx := context.Background()
	spillSet, err := colcontainer.NewSpillSet(t.TempDir(), colcontainer.DefaultDiskQueueCfg(), nil)
	require.NoError(t, err)
	defer spillSet.Close()

	// innerSchema = build columns (1 int64) plus the trailing hash column,
	// matching the layout queueInput/hashColumn expect.
	schema := []coldata.T{coldata.Int64, coldata.Int64}
	queue, err := spillSet.CreateQueue(ctx, "q0", schema)
	require.NoError(t, err)

	b := coldata.NewBatch(schema, 2)
	b.ColVec(0).Int64()[0] = 10
	b.ColVec(1).Int64()[0] = 1000
	b.ColVec(0).Int64()[1] = 20
	b.ColVec(1).Int64()[1] = 2000
	b.SetLength(2)
	require.NoError(t, queue.Enqueue(b))
	require.Equal(t, 1, queue.NumBatchesEnqueued())

	alloc := newTestAlloc(0)
	qi, err := newQueueInput(queue, schema, 1024, alloc)
	require.NoError(t, err)
	defer qi.Close()

	got, err := qi.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, got.Length())
	require.Equal(t, int64(10), got.ColVec(0).Int64()[0])
	require.Equal(t, uint64(1000), hashColumn(got, 1, 0))
	require.Equal(t, int64(20), got.ColVec(0).Int64()[1])
	require.Equal(t, uint64(2000), hashColumn(got, 1, 1))

	got, err = qi.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, got.Length())

	require.NoError(t, queue.Close())
}

func TestQueueInputEmptyQueueReturnsZeroBatchImmediately(t *testing.T) {
	ctx := context.Background()
	spillSet, err := colcontainer.NewSpillSet(t.TempDir(), colcontainer.DefaultDiskQueueCfg(), nil)
	require.NoError(t, err)
	defer spillSet.Close()

	schema := []coldata.T{coldata.Int64, coldata.Int64}
	queue, err := spillSet.CreateQueue(ctx, "empty", schema)
	require.NoError(t, err)

	alloc := newTestAlloc(0)
	qi, err := newQueueInput(queue, schema, 1024, alloc)
	require.NoError(t, err)
	defer qi.Close()

	got, err := qi.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, got.Length())
	require.NoError(t, queue.Close())
}
