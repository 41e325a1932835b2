package colexecjoin

import (
	"sort"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colmem"
)

// MemoryCalculator decides, once the build side has fully drained for a
// cycle, how many partitions should stay resident in memory and how many
// must spill -- spec §4.2's "post-build memory calculator". The two
// strategies below -- a simple batch-count cap, and a byte-budget estimate
// that accounts for hash-table overhead -- are grounded on
// pkg/sql/colexec/spilling_queue.go's own memoryLimit-triggered promote-to-
// disk check, generalized from one queue to a set of resident partitions.
type MemoryCalculator interface {
	// PostBuildCalculations inspects every partition's observed size and
	// returns the indexes of partitions that must spill to stay within
	// budget. Partitions not named remain (or have already been kept)
	// resident.
	PostBuildCalculations(partitions []*Partition) (spillIdx []int)
}

// BatchCountCalculator spills any partition whose in-memory batch count
// exceeds MaxBatchesInMemory, ignoring actual byte size. It is the simpler
// of the two strategies, selected when Config.MaxBatchesInMemory is nonzero.
type BatchCountCalculator struct {
	MaxBatchesInMemory int
}

// PostBuildCalculations implements MemoryCalculator.
func (c *BatchCountCalculator) PostBuildCalculations(partitions []*Partition) []int {
	var spill []int
	for _, p := range partitions {
		if p.Spilled() {
			continue
		}
		if len(p.buffered) > c.MaxBatchesInMemory {
			spill = append(spill, p.Index())
		}
	}
	return spill
}

// MemoryEstimateCalculator estimates each resident partition's total memory
// footprint -- its buffered rows plus the hash table it would need to build
// over them, inflated by FragmentationFactor and SafetyFactor -- and spills
// partitions, largest first, until the remaining resident set fits within
// AvailableBytes. This is spec §4.2's "MemoryEstimate" strategy.
type MemoryEstimateCalculator struct {
	BuildTypes              []coldata.T
	SafetyFactor            float64
	FragmentationFactor     float64
	HashTableDoublingFactor float64
	CalcType                HashTableCalcType
	// AvailableBytes is the byte budget for resident partitions: the driver
	// sets it to cfg.MaxMemory (or to the raised limit when fallback
	// disables spilling); memory already accounted elsewhere is not
	// subtracted.
	AvailableBytes int64
}

type partitionSize struct {
	idx   int
	bytes int64
}

// PostBuildCalculations implements MemoryCalculator.
func (c *MemoryEstimateCalculator) PostBuildCalculations(partitions []*Partition) []int {
	var resident []partitionSize
	var total int64
	for _, p := range partitions {
		if p.Spilled() {
			continue
		}
		b := c.estimateBytes(p)
		resident = append(resident, partitionSize{idx: p.Index(), bytes: b})
		total += b
	}
	if c.AvailableBytes <= 0 || total <= c.AvailableBytes {
		return nil
	}
	// Spill largest-first: in the common skewed case this minimizes the
	// number of partitions that must make a second trip through a later
	// spill cycle, since one or two partitions usually hold most of the
	// rows.
	sort.Slice(resident, func(i, j int) bool { return resident[i].bytes > resident[j].bytes })
	var spill []int
	for _, s := range resident {
		if total <= c.AvailableBytes {
			break
		}
		spill = append(spill, s.idx)
		total -= s.bytes
	}
	return spill
}

func (c *MemoryEstimateCalculator) estimateBytes(p *Partition) int64 {
	rowBytes := colmem.EstimateRowSizeBytes(c.BuildTypes)
	dataBytes := rowBytes * int64(p.NumInnerRows())
	var htBytes int64
	switch c.CalcType {
	case HashTableCalcTypeLeanAverage:
		htBytes = int64(float64(p.NumInnerRows()) * 16.0)
	default: // HashTableCalcTypeDynamic
		htBytes = int64(float64(p.NumInnerRows()) * 16.0 * c.HashTableDoublingFactor)
	}
	total := dataBytes + htBytes
	return int64(float64(total) * c.SafetyFactor * c.FragmentationFactor)
}

// BuildSidePartitioning picks the initial partition count for a fresh build
// phase, per spec §4.2's partition-tuning rule: P starts at cfg.NumPartitions
// (rounded to a power of two) and stays there -- this rule does not search
// over candidate partition counts. getMaxReservedMemory is the memory that
// would be reserved just to hold P resident partitions' staging buffers
// (RecordsPerBatch rows of buildTypes each), inflated by FragmentationFactor
// and SafetyFactor; it is computable before a single build row has arrived,
// which is why the rule needs no row-count estimate. If it overflows
// cfg.MaxMemory, fallback is the only escape: spilling is disabled outright
// (P=1, allocator limit raised to SystemMaxMemory) rather than trying a
// smaller P, since P was already the caller's configured value. Without
// fallback, tuning fails with a ResourceError.
func BuildSidePartitioning(cfg Config, buildTypes []coldata.T) (numPartitions int, raisedLimit int64, disableSpilling bool, err error) {
	p := roundUpPow2(cfg.NumPartitions)
	if p < 1 {
		p = 1
	}
	if cfg.MaxMemory <= 0 {
		return p, cfg.MaxMemory, false, nil
	}
	rowBytes := colmem.EstimateRowSizeBytes(buildTypes)
	reserved := int64(p) * int64(cfg.RecordsPerBatch) * rowBytes
	reserved = int64(float64(reserved) * cfg.SafetyFactor * cfg.FragmentationFactor)
	if reserved <= cfg.MaxMemory {
		return p, cfg.MaxMemory, false, nil
	}
	if cfg.FallbackEnabled {
		return 1, cfg.SystemMaxMemory, true, nil
	}
	return p, cfg.MaxMemory, false, NewResourceError(reserved, cfg.MaxMemory)
}
