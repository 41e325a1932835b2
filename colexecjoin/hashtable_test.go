package colexecjoin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildPartitionHashTableChainsSameBucketKeys(t *testing.T) {
	hashes := []uint64{0, 4, 1, 4, 8}
	ht, _ := buildPartitionHashTable(len(hashes), 2.0, func(i int) uint64 { return hashes[i] })
	require.Equal(t, uint64(8), ht.bucketSize)

	var collected []int
	for keyID := ht.chainHead(4); keyID != 0; keyID = ht.chainNext(keyID) {
		collected = append(collected, int(keyID-1))
	}
	require.ElementsMatch(t, []int{1, 3}, collected)
}

func TestBuildPartitionHashTableEmptyBucketReturnsZero(t *testing.T) {
	hashes := []uint64{0, 0, 0}
	ht, _ := buildPartitionHashTable(len(hashes), 2.0, func(i int) uint64 { return hashes[i] })
	require.Equal(t, uint64(0), ht.chainHead(1))
}

func TestBuildPartitionHashTableZeroRows(t *testing.T) {
	ht, stats := buildPartitionHashTable(0, 2.0, func(i int) uint64 { return 0 })
	require.Equal(t, uint64(hashTableInitialBuckets), ht.bucketSize)
	require.Equal(t, uint64(0), ht.chainHead(0))
	require.Zero(t, stats.numResizing)
}

func TestBuildPartitionHashTableGrowsBucketArrayUnderLoad(t *testing.T) {
	hashes := make([]uint64, 20)
	for i := range hashes {
		hashes[i] = uint64(i)
	}
	ht, stats := buildPartitionHashTable(len(hashes), 2.0, func(i int) uint64 { return hashes[i] })
	require.Greater(t, stats.numResizing, int64(0))
	require.GreaterOrEqual(t, ht.bucketSize, uint64(roundUpPow2(len(hashes))))
}
