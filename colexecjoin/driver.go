package colexecjoin

import (
	"context"

	"go.uber.org/zap"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colcontainer"
	"github.com/vectorsql/hashjoin/colexecerror"
	"github.com/vectorsql/hashjoin/colmem"
	"github.com/vectorsql/hashjoin/mon"
)

type driverState int

const (
	stateInit driverState = iota
	stateBuildSchema
	stateFirst
	stateNotFirst
	stateDone
)

// OperatorDriver is the top-level state machine (spec §4.1, component C8)
// exposing the pull interface described in spec §6 to the enclosing
// pipeline: `next()`, `cancel()`, `close()`, `getRecordCount()`. It owns the
// memory allocator, the SpillSet, the SpillQueue and the partition array
// for whichever cycle is currently running, and drives BuildPhase and
// ProbePhase to completion once per cycle before looping (non-recursively,
// per spec §9's "convert to a loop" design note) to the next spilled pair.
//
// Grounded on the teacher's pkg/sql/colexec hash joiner operators, which
// follow the same init/build-schema/running/done progression, but replacing
// the teacher's panic-based error signaling with explicit returns (see
// colexecerror and DESIGN.md's Open Question decision 1) and its recursive
// re-entry with an explicit loop (spec §9).
type OperatorDriver struct {
	cfg      Config
	joinType JoinType

	buildTypes, probeTypes []coldata.T
	outputSchema           []coldata.T

	buildHash BuildHashFunc
	probeHash ProbeHashFunc
	equals    KeysEqualFunc

	filterDefs       []BloomFilterDef
	onRuntimeFilters func([]*RuntimeFilter)
	warn             func(error)
	log              *zap.Logger

	state     driverState
	wasKilled bool

	mon        *mon.BytesMonitor
	acc        *mon.BoundAccount
	alloc      *colmem.Allocator
	spillSet   *colcontainer.SpillSet
	spillQueue *SpillQueue
	memCalc    MemoryCalculator

	// origBuildInput/origProbeInput are the pipeline-supplied cycle-0
	// inputs; buildInput/probeInput are rebound to queueInputs for cycle>0.
	origBuildInput, origProbeInput Input
	buildInput, probeInput         Input
	// queueInputs tracked across the driver's lifetime so Close can release
	// their accounted scratch batches even if the driver is torn down
	// mid-cycle.
	openQueueInputs []*queueInput

	buildSideEmpty bool
	probeSideEmpty bool

	cycle         int
	mask          uint64
	bits          int
	numPartitions int
	partitions    []*Partition

	runtimeFilterBuilders []*RuntimeFilterBuilder
	runtimeFilterEmitted  bool

	probeBatch *coldata.Batch
	probeRow   int

	finalPass        bool
	finalPassPartIdx int
	finalPassRowIdx  int
	cycleExhausted   bool

	matchScratch []ProbeMatch

	outBatch *coldata.Batch
	outLen   int

	metrics     Metrics
	recordCount int

	closed bool
}

// NewOperatorDriver constructs a driver for one join invocation. buildHash
// and probeHash must agree on the routing hash for equal keys; equals
// implements the join's key-equality (including NULL handling), all three
// being external collaborators per spec §1.
func NewOperatorDriver(
	cfg Config,
	joinType JoinType,
	buildInput, probeInput Input,
	buildTypes, probeTypes []coldata.T,
	buildHash BuildHashFunc,
	probeHash ProbeHashFunc,
	equals KeysEqualFunc,
	filterDefs []BloomFilterDef,
	onRuntimeFilters func([]*RuntimeFilter),
	warn func(error),
	log *zap.Logger,
) (*OperatorDriver, error) {
	if log == nil {
		log = DefaultLogger()
	}
	spillSet, err := colcontainer.NewSpillSetWithFDLimit(cfg.SpillDirectory, colcontainer.DefaultDiskQueueCfg(), cfg.MaxOpenSpillFiles, warn)
	if err != nil {
		return nil, err
	}
	m := mon.NewBytesMonitor(cfg.MaxMemory)
	acc := m.MakeBoundAccount()

	var outputSchema []coldata.T
	if joinType.EmitsBuildColumns() {
		outputSchema = append(append([]coldata.T{}, buildTypes...), probeTypes...)
	} else {
		outputSchema = append([]coldata.T{}, probeTypes...)
	}

	d := &OperatorDriver{
		cfg:              cfg,
		joinType:         joinType,
		buildTypes:       buildTypes,
		probeTypes:       probeTypes,
		outputSchema:     outputSchema,
		buildHash:        buildHash,
		probeHash:        probeHash,
		equals:           equals,
		filterDefs:       filterDefs,
		onRuntimeFilters: onRuntimeFilters,
		warn:             warn,
		log:              log,
		mon:              m,
		acc:              acc,
		alloc:            colmem.NewAllocator(acc),
		spillSet:         spillSet,
		spillQueue:       NewSpillQueue(cfg.MaxSpillCycles),
		memCalc:          newMemoryCalculator(cfg, buildTypes),
		origBuildInput:   buildInput,
		origProbeInput:   probeInput,
	}
	return d, nil
}

func newMemoryCalculator(cfg Config, buildTypes []coldata.T) MemoryCalculator {
	if cfg.MaxBatchesInMemory > 0 {
		return &BatchCountCalculator{MaxBatchesInMemory: cfg.MaxBatchesInMemory}
	}
	return &MemoryEstimateCalculator{
		BuildTypes:              buildTypes,
		SafetyFactor:            cfg.SafetyFactor,
		FragmentationFactor:     cfg.FragmentationFactor,
		HashTableDoublingFactor: cfg.HashTableDoublingFactor,
		CalcType:                cfg.HashTableCalcType,
		AvailableBytes:          cfg.MaxMemory,
	}
}

// Next implements the pull interface's next(). It recovers InternalError
// panics at this one boundary (colexecerror.CatchVectorizedRuntimeError);
// any other error is returned explicitly.
func (d *OperatorDriver) Next(ctx context.Context) (outcome Outcome, err error) {
	defer colexecerror.CatchVectorizedRuntimeError(&err)
	for {
		if d.wasKilled {
			return d.drainOnCancel(ctx)
		}
		switch d.state {
		case stateInit:
			if err := d.sniffSchemas(ctx); err != nil {
				return OutcomeError, err
			}
			d.state = stateBuildSchema

		case stateBuildSchema:
			if d.probeSideEmpty && !d.joinType.IsRightOrFull() {
				// Spec §4.1: "If the probe side starts empty and the join
				// is neither right nor full outer, the operator
				// short-circuits to DONE." No partitions are ever
				// allocated and no spill files are ever created.
				if err := d.cleanup(); err != nil {
					return OutcomeError, err
				}
				d.state = stateDone
				return OutcomeNone, nil
			}
			if err := d.startCycle(ctx, d.origBuildInput, d.origProbeInput); err != nil {
				return OutcomeError, err
			}
			d.state = stateFirst

		case stateFirst, stateNotFirst:
			_, n, err := d.produceOutput(ctx)
			if err != nil {
				return OutcomeError, err
			}
			if n > 0 {
				d.recordCount += n
				d.metrics.addOutputBatch(n, colmem.EstimateBatchSizeBytes(d.outputSchema, n))
				wasFirst := d.state == stateFirst
				d.state = stateNotFirst
				if wasFirst {
					return OutcomeOKNewSchema, nil
				}
				return OutcomeOK, nil
			}
			if d.spillQueue.Len() > 0 {
				if err := d.advanceCycle(ctx); err != nil {
					return OutcomeError, err
				}
				continue
			}
			if err := d.cleanup(); err != nil {
				return OutcomeError, err
			}
			d.state = stateDone
			return OutcomeNone, nil

		case stateDone:
			return OutcomeNone, nil

		default:
			colexecerror.InternalError(NewIOError("state machine", nil))
		}
	}
}

// sniffSchemas discovers whether each side starts empty, per spec §4.1
// ("INIT -> BUILD_SCHEMA: sniff the first non-empty batch on each side").
// The sniffed batch is retained so BuildPhase/ProbePhase don't lose it.
func (d *OperatorDriver) sniffSchemas(ctx context.Context) error {
	buildBatch, err := d.origBuildInput.Next(ctx)
	if err != nil {
		return err
	}
	if buildBatch.Length() == 0 {
		d.buildSideEmpty = true
	} else {
		d.origBuildInput = &prefetchedInput{first: buildBatch, rest: d.origBuildInput}
	}
	probeBatch, err := d.origProbeInput.Next(ctx)
	if err != nil {
		return err
	}
	if probeBatch.Length() == 0 {
		d.probeSideEmpty = true
	} else {
		d.origProbeInput = &prefetchedInput{first: probeBatch, rest: d.origProbeInput}
	}
	return nil
}

// prefetchedInput replays one already-read batch before falling through to
// the wrapped Input, so sniffing the first batch for schema discovery
// doesn't drop it.
type prefetchedInput struct {
	first *coldata.Batch
	rest  Input
}

func (p *prefetchedInput) Next(ctx context.Context) (*coldata.Batch, error) {
	if p.first != nil {
		b := p.first
		p.first = nil
		return b, nil
	}
	return p.rest.Next(ctx)
}

func (p *prefetchedInput) Cancel(ctx context.Context) {
	if c, ok := p.rest.(Cancelable); ok {
		c.Cancel(ctx)
	}
}

// tunePartitions applies spec §4.2's partition-tuning rule on the very
// first cycle: P stays at cfg.NumPartitions (rounded to a power of two); if
// the memory that would be reserved for P resident partitions overflows
// cfg.MaxMemory, fall back to P=1 with the allocator limit raised to
// SystemMaxMemory, or fail with ResourceError.
func (d *OperatorDriver) tunePartitions(ctx context.Context) error {
	p, raisedLimit, disableSpilling, err := BuildSidePartitioning(d.cfg, d.buildTypes)
	if err != nil {
		return err
	}
	d.numPartitions = p
	d.metrics.NumPartitions = int64(p)
	d.mask = uint64(p - 1)
	d.bits = partitionBits(p)
	if disableSpilling {
		d.mon.SetLimit(raisedLimit)
		if mc, ok := d.memCalc.(*MemoryEstimateCalculator); ok {
			mc.AvailableBytes = raisedLimit
		}
	}
	return nil
}

// startCycle begins a fresh cycle (0 for the original inputs, >0 for a
// replayed spilled pair): it resets per-cycle state, runs BuildPhase, and
// primes ProbePhase's streaming state.
func (d *OperatorDriver) startCycle(ctx context.Context, build, probe Input) error {
	d.buildInput = build
	d.probeInput = probe
	d.probeBatch = nil
	d.probeRow = 0
	d.cycleExhausted = false
	d.finalPass = false
	d.finalPassPartIdx = 0
	d.finalPassRowIdx = 0

	if err := d.runBuildPhase(ctx); err != nil {
		return err
	}
	// If the build side is empty, no partitions were ever allocated, so the
	// normal final pass (which walks partitions' hash tables) has nothing to
	// walk; emitBuildEmptyRow drives the degenerate null-build passthrough
	// from produceOutput's ordinary probe loop instead (spec §4.1's open
	// question, confirmed by S2). If instead this cycle's own probe input is
	// empty, produceOutput's normal probe-exhaustion check already starts
	// the final pass on its first call -- no special-casing needed here, and
	// importantly d.probeSideEmpty (sniffed once, for cycle 0 only) must
	// never gate this, since a later cycle's replayed probe queue can be
	// non-empty even when the original probe stream was.
	return nil
}

// advanceCycle implements CycleController (spec §4.5): pop the next
// SpilledPartitionRef, skip it outright if it can contain no possible
// matches, otherwise rebind build/probe inputs onto its spill files and
// start it as a fresh cycle.
func (d *OperatorDriver) advanceCycle(ctx context.Context) error {
	for {
		ref, ok := d.spillQueue.Pop()
		if !ok {
			return nil
		}
		if ref.OuterBatchCount() == 0 && !d.joinType.IsRightOrFull() {
			innerName, outerName := ref.Partition.SpillFileNames()
			if err := ref.Partition.Close(); err != nil {
				d.warn(err)
			}
			if err := d.spillSet.DeleteQueue(innerName); err != nil {
				d.warn(err)
			}
			if err := d.spillSet.DeleteQueue(outerName); err != nil {
				d.warn(err)
			}
			continue
		}
		d.cycle = ref.Cycle
		d.metrics.SpillCycle = int64(d.cycle)
		logCycleAdvance(d.log, d.cycle, ref.Partition.Index())

		build, err := newQueueInput(ref.Partition.InnerQueue(), ref.Partition.innerSchema, d.cfg.RecordsPerBatch, d.alloc)
		if err != nil {
			return err
		}
		d.openQueueInputs = append(d.openQueueInputs, build)

		var probe Input = &emptyInput{}
		if ref.Partition.OuterQueue() != nil {
			pq, err := newQueueInput(ref.Partition.OuterQueue(), ref.Partition.outerSchema, d.cfg.RecordsPerBatch, d.alloc)
			if err != nil {
				return err
			}
			d.openQueueInputs = append(d.openQueueInputs, pq)
			probe = pq
		}
		return d.startCycle(ctx, build, probe)
	}
}

// emptyInput is an Input that is immediately exhausted, used as the probe
// side of a spilled partition whose outer file was never written (spec
// §4.5 step 4, "reuse the original probe input placeholder").
type emptyInput struct{}

func (*emptyInput) Next(ctx context.Context) (*coldata.Batch, error) { return coldata.ZeroBatch, nil }

// Cancel implements the driver's pull interface cancel(): the next Next
// call will drain remaining input and clean up.
func (d *OperatorDriver) Cancel(ctx context.Context) {
	d.wasKilled = true
}

func (d *OperatorDriver) drainOnCancel(ctx context.Context) (Outcome, error) {
	if d.state == stateDone {
		return OutcomeNone, nil
	}
	if c, ok := d.origBuildInput.(Cancelable); ok {
		c.Cancel(ctx)
	}
	if c, ok := d.origProbeInput.(Cancelable); ok {
		c.Cancel(ctx)
	}
	if d.buildInput != nil {
		_ = d.drainInput(ctx, d.buildInput)
	}
	if d.probeInput != nil {
		_ = d.drainInput(ctx, d.probeInput)
	}
	if err := d.cleanup(); err != nil {
		return OutcomeError, err
	}
	d.state = stateDone
	return OutcomeNone, nil
}

// cleanup releases every partition still held, every open queueInput, and
// closes the SpillSet (deleting its directory and anything left in it). It
// runs on every terminal path -- DONE, cancel, or error -- and is
// idempotent (spec §7).
func (d *OperatorDriver) cleanup() error {
	for _, p := range d.partitions {
		if err := p.Close(); err != nil {
			d.warn(err)
		}
	}
	d.partitions = nil
	for _, q := range d.openQueueInputs {
		q.Close()
	}
	d.openQueueInputs = nil
	for {
		ref, ok := d.spillQueue.Pop()
		if !ok {
			break
		}
		if err := ref.Partition.Close(); err != nil {
			d.warn(err)
		}
	}
	return d.spillSet.Close()
}

// Close releases the driver's resources. It is idempotent.
func (d *OperatorDriver) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	err := d.cleanup()
	d.acc.Close()
	return err
}

// GetRecordCount returns the total number of output rows produced so far.
func (d *OperatorDriver) GetRecordCount() int { return d.recordCount }

// Metrics returns a snapshot of the driver's running metrics.
func (d *OperatorDriver) Metrics() Metrics { return d.metrics }

// OutputBatch returns the batch Next most recently filled. Valid only after
// Next has returned OutcomeOK or OutcomeOKNewSchema; the pull interface
// reports readiness through the Outcome alone, the same split the teacher
// uses between Operator.Next's return value and a separate accessor for the
// batch itself.
func (d *OperatorDriver) OutputBatch() *coldata.Batch { return d.outBatch }

// debugDump renders every partition's DebugStats, used to build the
// OutOfMemoryError debug snapshot (spec §7).
func (d *OperatorDriver) debugDump() string {
	s := ""
	for _, p := range d.partitions {
		if s != "" {
			s += "\n"
		}
		s += p.DebugStats()
	}
	return s
}
