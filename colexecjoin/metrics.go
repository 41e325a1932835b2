package colexecjoin

// Metrics mirrors spec §6's reported-metrics list one field at a time, plus
// per-side batch, row and byte counters; the spill figures are cumulative
// across cycles. The driver owns one Metrics value for its
// entire lifetime and mutates it in place; nothing here is safe for
// concurrent access, matching the operator's single-threaded execution model
// (spec §5).
type Metrics struct {
	NumBuckets     int64
	NumEntries     int64
	NumResizing    int64
	ResizingTimeMS int64

	NumPartitions     int64
	SpilledPartitions int64
	SpillMB           float64
	SpillCycle        int64

	BuildRowsIn   int64
	BuildBatchesIn int64
	BuildBytesIn  int64

	ProbeRowsIn    int64
	ProbeBatchesIn int64
	ProbeBytesIn   int64

	RowsOut    int64
	BatchesOut int64
	BytesOut   int64
}

// addBuildBatch records one consumed build-side batch.
func (m *Metrics) addBuildBatch(rows int, bytes int64) {
	m.BuildBatchesIn++
	m.BuildRowsIn += int64(rows)
	m.BuildBytesIn += bytes
}

// addProbeBatch records one consumed probe-side batch.
func (m *Metrics) addProbeBatch(rows int, bytes int64) {
	m.ProbeBatchesIn++
	m.ProbeRowsIn += int64(rows)
	m.ProbeBytesIn += bytes
}

// addOutputBatch records one produced output batch.
func (m *Metrics) addOutputBatch(rows int, bytes int64) {
	m.BatchesOut++
	m.RowsOut += int64(rows)
	m.BytesOut += bytes
}

// recordSpilledPartition updates the spill-related metrics once a partition
// is demoted to disk.
func (m *Metrics) recordSpilledPartition(spillBytes int64) {
	m.SpilledPartitions++
	m.SpillMB += float64(spillBytes) / (1 << 20)
}

// recordHashTableBuilt updates the hash-table-sizing metrics once a
// resident partition finishes building its bucket-chain table.
func (m *Metrics) recordHashTableBuilt(numBuckets, numEntries int, resize hashTableResizeStats) {
	m.NumBuckets += int64(numBuckets)
	m.NumEntries += int64(numEntries)
	m.NumResizing += resize.numResizing
	m.ResizingTimeMS += resize.resizingTime.Milliseconds()
}
