package colexecjoin

import "go.uber.org/zap"

// DefaultLogger returns a no-op zap.Logger, used when a caller constructs an
// OperatorDriver without supplying one of its own. Matches the pack's own
// convention (TiDB's executor packages, MatrixOne's colexec) of threading a
// *zap.Logger through query-execution code rather than a package-level
// global.
func DefaultLogger() *zap.Logger {
	return zap.NewNop()
}

// logSpill records a partition's promotion to disk.
func logSpill(log *zap.Logger, cycle, partition int, rows int) {
	log.Info("hash join partition spilled",
		zap.Int("cycle", cycle),
		zap.Int("partition", partition),
		zap.Int("rows", rows),
	)
}

// logCycleAdvance records the driver moving on to a spilled partition's
// recursive cycle.
func logCycleAdvance(log *zap.Logger, cycle, partition int) {
	log.Info("hash join advancing to spill cycle",
		zap.Int("cycle", cycle),
		zap.Int("partition", partition),
	)
}

// logRuntimeFilterEmitted records a runtime filter being handed to the
// configured sink.
func logRuntimeFilterEmitted(log *zap.Logger, name string, estimatedRows uint) {
	log.Debug("hash join emitted runtime filter",
		zap.String("filter", name),
		zap.Uint("estimatedRows", estimatedRows),
	)
}
