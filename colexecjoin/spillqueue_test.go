package colexecjoin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpillQueuePushPopIsFIFO(t *testing.T) {
	q := NewSpillQueue(8)
	p0 := NewPartition(0, nil, nil, 1024, nil)
	p1 := NewPartition(1, nil, nil, 1024, nil)

	require.NoError(t, q.Push(p0, 0))
	require.NoError(t, q.Push(p1, 0))
	require.Equal(t, 2, q.Len())

	first, ok := q.Pop()
	require.True(t, ok)
	require.Same(t, p0, first.Partition)
	require.Equal(t, 1, first.Cycle)

	second, ok := q.Pop()
	require.True(t, ok)
	require.Same(t, p1, second.Partition)
	require.Equal(t, 1, second.Cycle)

	require.Equal(t, 0, q.Len())
	_, ok = q.Pop()
	require.False(t, ok)
}

func TestSpillQueuePushBeyondMaxCyclesFails(t *testing.T) {
	q := NewSpillQueue(2)
	p := NewPartition(0, nil, nil, 1024, nil)

	require.NoError(t, q.Push(p, 0)) // -> cycle 1
	require.NoError(t, q.Push(p, 1)) // -> cycle 2, at the limit
	err := q.Push(p, 2)              // -> cycle 3, over the limit
	require.Error(t, err)
	var pe *PartitionExhaustionError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, 3, pe.Cycle)
	require.Equal(t, 2, pe.Limit)
}

func TestSpillQueueUnboundedWhenMaxCyclesZero(t *testing.T) {
	q := NewSpillQueue(0)
	p := NewPartition(0, nil, nil, 1024, nil)
	for cycle := 0; cycle < 100; cycle++ {
		require.NoError(t, q.Push(p, cycle))
	}
	require.Equal(t, 100, q.Len())
}
