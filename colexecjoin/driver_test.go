package colexecjoin_test

import (
	"context"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vectorsql/hashjoin/coldata"
	"github.com/vectorsql/hashjoin/colexecjoin"
	"github.com/vectorsql/hashjoin/colexecjoin/colexecjointestutils"
)

func testDriverConfig(t *testing.T, numPartitions int) colexecjoin.Config {
	cfg := colexecjoin.DefaultConfig()
	cfg.NumPartitions = numPartitions
	cfg.RecordsPerBatch = 4
	cfg.OutputBatchSize = 4
	cfg.SpillDirectory = t.TempDir()
	return cfg
}

// outRow is one output row with each side recorded as (value, isNull).
// isNull covers both a null-padded side and a NULL key value, so both sides
// can be null at once (an unmatched NULL-key build row in a RIGHT_OUTER join).
type outRow struct {
	buildVal  int64
	buildNull bool
	probeVal  int64
	probeNull bool
}

func collectOutput(t *testing.T, d *colexecjoin.OperatorDriver) []outRow {
	t.Helper()
	ctx := context.Background()
	var rows []outRow
	for {
		outcome, err := d.Next(ctx)
		require.NoError(t, err)
		switch outcome {
		case colexecjoin.OutcomeOK, colexecjoin.OutcomeOKNewSchema:
			b := d.OutputBatch()
			for r := 0; r < b.Length(); r++ {
				var row outRow
				bv := b.ColVec(0)
				if bv.Nulls().NullAt(r) {
					row.buildNull = true
				} else {
					row.buildVal = bv.Int64()[r]
				}
				pv := b.ColVec(1)
				if pv.Nulls().NullAt(r) {
					row.probeNull = true
				} else {
					row.probeVal = pv.Int64()[r]
				}
				rows = append(rows, row)
			}
		case colexecjoin.OutcomeNone:
			return rows
		default:
			t.Fatalf("unexpected outcome %v", outcome)
		}
	}
}

func sortRows(rows []outRow) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.buildNull != b.buildNull {
			return !a.buildNull
		}
		if a.buildVal != b.buildVal {
			return a.buildVal < b.buildVal
		}
		if a.probeNull != b.probeNull {
			return !a.probeNull
		}
		return a.probeVal < b.probeVal
	})
}

func newTestDriver(t *testing.T, cfg colexecjoin.Config, joinType colexecjoin.JoinType, build, probe colexecjoin.Input) *colexecjoin.OperatorDriver {
	t.Helper()
	d, err := colexecjoin.NewOperatorDriver(
		cfg, joinType, build, probe,
		[]coldata.T{coldata.Int64}, []coldata.T{coldata.Int64},
		colexecjointestutils.Int64KeyHash, colexecjointestutils.Int64KeyHash, colexecjointestutils.Int64KeysEqual,
		nil, nil,
		func(err error) { t.Logf("driver warning: %v", err) },
		nil,
	)
	require.NoError(t, err)
	return d
}

func TestOperatorDriverInnerJoinMatchesOnKey(t *testing.T) {
	cfg := testDriverConfig(t, 1)
	build := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{1}, {2}, {2}, {3}})
	probe := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{2}, {3}, {3}, {4}})
	d := newTestDriver(t, cfg, colexecjoin.InnerJoin, build, probe)
	defer d.Close()

	got := collectOutput(t, d)
	sortRows(got)
	want := []outRow{
		{buildVal: 2, probeVal: 2},
		{buildVal: 2, probeVal: 2},
		{buildVal: 3, probeVal: 3},
		{buildVal: 3, probeVal: 3},
	}
	sortRows(want)
	require.Equal(t, want, got)
	require.Equal(t, 4, d.GetRecordCount())
}

func TestOperatorDriverLeftOuterJoinEmitsUnmatchedProbeRows(t *testing.T) {
	cfg := testDriverConfig(t, 1)
	build := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{1}, {2}})
	probe := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{2}, {5}})
	d := newTestDriver(t, cfg, colexecjoin.LeftOuterJoin, build, probe)
	defer d.Close()

	got := collectOutput(t, d)
	sortRows(got)
	want := []outRow{
		{buildVal: 2, probeVal: 2},
		{buildNull: true, probeVal: 5},
	}
	sortRows(want)
	require.Equal(t, want, got)
}

func TestOperatorDriverRightOuterFinalPassEmitsUnmatchedBuildRows(t *testing.T) {
	cfg := testDriverConfig(t, 1)
	build := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{1}, {2}})
	probe := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{2}})
	d := newTestDriver(t, cfg, colexecjoin.RightOuterJoin, build, probe)
	defer d.Close()

	got := collectOutput(t, d)
	sortRows(got)
	want := []outRow{
		{buildVal: 2, probeVal: 2},
		{buildVal: 1, probeNull: true},
	}
	sortRows(want)
	require.Equal(t, want, got)
}

func TestOperatorDriverLeftSemiJoinEmitsProbeOnlyRows(t *testing.T) {
	cfg := testDriverConfig(t, 1)
	build := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{1}, {2}, {2}})
	probe := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{2}, {9}})
	d, err := colexecjoin.NewOperatorDriver(
		cfg, colexecjoin.LeftSemiJoin, build, probe,
		[]coldata.T{coldata.Int64}, []coldata.T{coldata.Int64},
		colexecjointestutils.Int64KeyHash, colexecjointestutils.Int64KeyHash, colexecjointestutils.Int64KeysEqual,
		nil, nil, func(err error) { t.Logf("driver warning: %v", err) }, nil,
	)
	require.NoError(t, err)
	defer d.Close()

	ctx := context.Background()
	var probeVals []int64
	for {
		outcome, err := d.Next(ctx)
		require.NoError(t, err)
		if outcome == colexecjoin.OutcomeNone {
			break
		}
		b := d.OutputBatch()
		require.Equal(t, 1, b.Width())
		for r := 0; r < b.Length(); r++ {
			probeVals = append(probeVals, b.ColVec(0).Int64()[r])
		}
	}
	require.Equal(t, []int64{2}, probeVals)
}

func TestOperatorDriverEmptyProbeSideShortCircuitsInnerJoin(t *testing.T) {
	cfg := testDriverConfig(t, 1)
	build := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{1}, {2}})
	probe := colexecjointestutils.NewSliceInput(coldata.ZeroBatch)
	d := newTestDriver(t, cfg, colexecjoin.InnerJoin, build, probe)
	defer d.Close()

	ctx := context.Background()
	outcome, err := d.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, colexecjoin.OutcomeNone, outcome)
	require.Equal(t, 0, d.GetRecordCount())
}

func TestOperatorDriverEmptyBuildSidePassesProbeThroughForLeftOuter(t *testing.T) {
	cfg := testDriverConfig(t, 1)
	build := colexecjointestutils.NewSliceInput(coldata.ZeroBatch)
	probe := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, colexecjointestutils.Tuples{{7}, {8}})
	d := newTestDriver(t, cfg, colexecjoin.LeftOuterJoin, build, probe)
	defer d.Close()

	got := collectOutput(t, d)
	sortRows(got)
	want := []outRow{
		{buildNull: true, probeVal: 7},
		{buildNull: true, probeVal: 8},
	}
	sortRows(want)
	require.Equal(t, want, got)
}

func TestOperatorDriverSpillsAcrossMultipleBuildBatches(t *testing.T) {
	cfg := testDriverConfig(t, 4)
	cfg.MaxBatchesInMemory = 0
	cfg.MaxMemory = 4096
	cfg.FallbackEnabled = true

	var buildTuples colexecjointestutils.Tuples
	for i := 0; i < 200; i++ {
		buildTuples = append(buildTuples, colexecjointestutils.Tuple{i % 50})
	}
	var probeTuples colexecjointestutils.Tuples
	for i := 0; i < 50; i++ {
		probeTuples = append(probeTuples, colexecjointestutils.Tuple{i})
	}
	build := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, buildTuples)
	probe := colexecjointestutils.NewSingleBatchInput([]coldata.T{coldata.Int64}, probeTuples)
	d := newTestDriver(t, cfg, colexecjoin.InnerJoin, build, probe)
	defer d.Close()

	got := collectOutput(t, d)
	// Every build row (200 of them) matches exactly one probe row (its key
	// mod 50, which is present exactly once on the probe side), regardless of
	// how many partitions spilled and recursed.
	require.Len(t, got, 200)
	for _, row := range got {
		require.Equal(t, row.buildVal%50, row.probeVal)
	}
}
