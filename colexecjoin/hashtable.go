package colexecjoin

import "time"

// partitionHashTable is the bucket-chained hash table a Partition builds
// over its own buffered rows once the build side has fully drained into it,
// adapted from the teacher's pkg/sql/colexec/hashtable.go: a dense `first`
// array addressed by bucket, and a `next` array that chains together every
// key sharing a bucket. keyID is 1-based; 0 means "end of chain", mirroring
// the teacher exactly.
//
// Unlike the teacher, which additionally tracks `same`/`head` to lazily
// memoize identical-key chains for a fast distinct-probe path, this table
// always walks the full bucket chain and defers equality checking to the
// caller-supplied KeysEqualFunc (key comparison is explicitly out of scope
// per spec §1, "expression materialization"). That trade simplifies the
// table at the cost of not special-casing distinct build keys, which the
// spec's non-goals already say this operator does not need
// ("deduplication of join keys").
type partitionHashTable struct {
	bucketSize uint64
	first      []uint64
	next       []uint64
}

// rowLocator pins down one build row's physical location: which in-memory
// batch (by index into Partition.buffered) and which row within it.
type rowLocator struct {
	batchIdx int
	row      int
}

// hashTableResizeStats records how many times buildPartitionHashTable's
// bucket array grew incrementally while inserting, and how much wall time
// that growth took in total -- the Go analog of the original engine's
// NUM_RESIZING/RESIZING_TIME_MS hash table stats.
type hashTableResizeStats struct {
	numResizing  int64
	resizingTime time.Duration
}

// hashTableInitialBuckets is the bucket count a fresh partitionHashTable
// starts at before any load-factor-triggered growth.
const hashTableInitialBuckets = 4

// hashTableLoadFactor is the entries-per-bucket ratio that triggers a grow.
const hashTableLoadFactor = 1.0

// buildPartitionHashTable constructs a partitionHashTable over numRows rows
// whose innerHash values are produced in row order by hashAt(i), growing the
// bucket array by doublingFactor (spec §4.2's HashTableDoublingFactor)
// whenever the load factor is exceeded, rather than sizing the table once
// from the final row count up front.
func buildPartitionHashTable(numRows int, doublingFactor float64, hashAt func(i int) uint64) (*partitionHashTable, hashTableResizeStats) {
	if doublingFactor < 1.1 {
		doublingFactor = 2.0
	}
	bucketSize := uint64(hashTableInitialBuckets)
	ht := &partitionHashTable{
		bucketSize: bucketSize,
		first:      make([]uint64, bucketSize),
		next:       make([]uint64, numRows+1),
	}
	var stats hashTableResizeStats
	hashes := make([]uint64, numRows)
	for i := 0; i < numRows; i++ {
		hashes[i] = hashAt(i)
	}
	for i := 0; i < numRows; i++ {
		if float64(i)/float64(ht.bucketSize) >= hashTableLoadFactor {
			start := time.Now()
			ht.grow(doublingFactor, hashes[:i])
			stats.resizingTime += time.Since(start)
			stats.numResizing++
		}
		keyID := uint64(i + 1)
		bucket := hashes[i] & (ht.bucketSize - 1)
		ht.next[keyID] = ht.first[bucket]
		ht.first[bucket] = keyID
	}
	return ht, stats
}

// grow reallocates first at doublingFactor times the current bucket count
// (rounded up to a power of two) and rechains every already-inserted key --
// identified by its 1-based position in inserted -- under the new mask.
// next's slice identity doesn't change, only the values for already-inserted
// keyIDs are rebuilt.
func (ht *partitionHashTable) grow(doublingFactor float64, inserted []uint64) {
	newSize := roundUpPow2(int(float64(ht.bucketSize) * doublingFactor))
	if newSize <= int(ht.bucketSize) {
		newSize = int(ht.bucketSize) * 2
	}
	ht.bucketSize = uint64(newSize)
	ht.first = make([]uint64, ht.bucketSize)
	mask := ht.bucketSize - 1
	for i, hash := range inserted {
		keyID := uint64(i + 1)
		bucket := hash & mask
		ht.next[keyID] = ht.first[bucket]
		ht.first[bucket] = keyID
	}
}

// chainHead returns the first keyID in the bucket that probeHash maps to,
// or 0 if the bucket is empty.
func (ht *partitionHashTable) chainHead(probeHash uint64) uint64 {
	return ht.first[probeHash&(ht.bucketSize-1)]
}

// chainNext advances the chain walk started by chainHead.
func (ht *partitionHashTable) chainNext(keyID uint64) uint64 {
	return ht.next[keyID]
}
