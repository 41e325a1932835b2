package colexecjoin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRuntimeFilterBuilderDefaultsFillInZeroValues(t *testing.T) {
	b := NewRuntimeFilterBuilder(BloomFilterDef{Name: "probe_col_a"})
	require.NotNil(t, b.filter)

	b.AddKeyHash(12345)
	rf, ok := b.Emit()
	require.True(t, ok)
	require.Equal(t, "probe_col_a", rf.Name)
	require.True(t, rf.MayContain(12345))
}

func TestRuntimeFilterBuilderRoundTripsAddedKeys(t *testing.T) {
	b := NewRuntimeFilterBuilder(BloomFilterDef{Name: "f", EstimatedRows: 1000, FalsePositiveRate: 0.001})
	hashes := []uint64{1, 2, 3, 42, 1 << 40}
	for _, h := range hashes {
		b.AddKeyHash(h)
	}
	rf, ok := b.Emit()
	require.True(t, ok)
	for _, h := range hashes {
		require.True(t, rf.MayContain(h))
	}
}

func TestRuntimeFilterBuilderFailSoftSuppressesEmit(t *testing.T) {
	b := NewRuntimeFilterBuilder(BloomFilterDef{Name: "f"})
	b.AddKeyHash(1)
	b.Fail(errors.New("column no longer present in build schema"))
	b.AddKeyHash(2)

	rf, ok := b.Emit()
	require.False(t, ok)
	require.Nil(t, rf)
}

func TestRuntimeFilterBuilderFailKeepsFirstError(t *testing.T) {
	b := NewRuntimeFilterBuilder(BloomFilterDef{Name: "f"})
	first := errors.New("first")
	b.Fail(first)
	b.Fail(errors.New("second"))
	require.Equal(t, first, b.resolveErr)
}
