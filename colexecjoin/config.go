package colexecjoin

// HashTableCalcType selects how MemoryEstimateCalculator estimates hash
// table footprint under the MemoryEstimate strategy (spec §6,
// HASHTABLE_CALC_TYPE). Under either type the buffered row data is sized
// from the build column types (colmem.EstimateRowSizeBytes); observed row
// sizes are not sampled.
type HashTableCalcType int

const (
	// HashTableCalcTypeDynamic sizes the hash table at 16 bytes per row
	// scaled by HashTableDoublingFactor.
	HashTableCalcTypeDynamic HashTableCalcType = iota
	// HashTableCalcTypeLeanAverage sizes the hash table at 16 bytes per row
	// with no doubling headroom.
	HashTableCalcTypeLeanAverage
)

// Config mirrors spec §6's "Configuration surface" field for field. Values
// are supplied by the embedding pipeline at construction; loading them from
// a plan or CLI flags is explicitly out of scope (spec §1).
type Config struct {
	// NumPartitions is the initial P, rounded up to a power of two.
	NumPartitions int
	// MaxMemory is the allocator byte limit; 0 means inherit the system
	// maximum.
	MaxMemory int64
	// RecordsPerBatch is the internal per-partition batch row count.
	RecordsPerBatch int
	// MaxBatchesInMemory selects the BatchCount memory strategy when
	// nonzero.
	MaxBatchesInMemory int
	// SafetyFactor, FragmentationFactor and HashTableDoublingFactor feed the
	// MemoryEstimate strategy.
	SafetyFactor            float64
	FragmentationFactor     float64
	HashTableDoublingFactor float64
	HashTableCalcType       HashTableCalcType
	// FallbackEnabled allows the operator to disable spilling (P=1, raised
	// allocator limit) rather than fail with ResourceError when the tuned
	// partition count would not fit.
	FallbackEnabled bool
	// OutputBatchSize is the row capacity of every output batch. The
	// operator does not read OutputBatchSizeAvailMemFactor.
	OutputBatchSize               int
	OutputBatchSizeAvailMemFactor float64
	// SystemMaxMemory is the ceiling the allocator limit is raised to when
	// fallback disables spilling.
	SystemMaxMemory int64
	// MaxSpillCycles bounds recursion: once a partition's spill chain would
	// produce a cycle number beyond this limit, the operator aborts with
	// PartitionExhaustionError (spec §4.5).
	MaxSpillCycles int
	// SpillDirectory is the base directory new SpillSets are created under;
	// empty means the OS default temp directory.
	SpillDirectory string
	// MaxOpenSpillFiles bounds how many spill files may be open at once
	// (acquired via a semaphore for the file's entire lifetime); 0 means
	// unbounded. Guards against a wide fan-out of small partitions
	// exhausting the process's file descriptor limit.
	MaxOpenSpillFiles int
}

// DefaultConfig returns teacher-style conservative defaults: a modest
// initial partition count, fallback enabled, and a spill-cycle limit deep
// enough to tolerate real skew but shallow enough to fail fast on
// pathological inputs (spec S6).
func DefaultConfig() Config {
	return Config{
		NumPartitions:                 16,
		MaxMemory:                     0,
		RecordsPerBatch:               1024,
		MaxBatchesInMemory:            0,
		SafetyFactor:                  1.2,
		FragmentationFactor:           1.1,
		HashTableDoublingFactor:       2.0,
		HashTableCalcType:             HashTableCalcTypeDynamic,
		FallbackEnabled:               true,
		OutputBatchSize:               1024,
		OutputBatchSizeAvailMemFactor: 0.25,
		SystemMaxMemory:               1 << 34, // 16GiB
		MaxSpillCycles:                8,
		MaxOpenSpillFiles:             256,
	}
}

// roundUpPow2 rounds n up to the next power of two, minimum 1.
func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
