package legacyimport

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/legacyimport/internal/domain/importrun"
	"github.com/ehr/legacyimport/internal/platform/tabular"
)

func numberedCSV(t *testing.T, rows int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("Record Number,First Name\n")
	for i := 1; i <= rows; i++ {
		fmt.Fprintf(&b, "%d,Name%d\n", 1000+i, i)
	}
	return writeFile(t, "patients.csv", b.String())
}

func testScheduler(cfg SchedulerConfig, probe ResourceProbe) (*Scheduler, *int, *int) {
	s := NewScheduler(cfg, probe, zerolog.Nop())
	sleeps, reclaims := 0, 0
	s.sleep = func(time.Duration) { sleeps++ }
	s.reclaim = func() { reclaims++ }
	return s, &sleeps, &reclaims
}

func newRun() *importrun.Run {
	run := importrun.New(testTenant, "patients.csv", 1, "csv")
	run.Start()
	return run
}

func TestScheduler_BatchesWithPause(t *testing.T) {
	s, sleeps, reclaims := testScheduler(SchedulerConfig{BatchSize: 3, BatchPause: time.Second, ReclaimMemory: true}, fixedProbe{})
	run := newRun()
	var seen []int

	res, err := s.RunFile(context.Background(), run, numberedCSV(t, 10), "patients.csv", func(_ context.Context, r tabular.Row) Outcome {
		seen = append(seen, r.Number)
		return OutcomeCreated
	})
	require.NoError(t, err)
	assert.Equal(t, FileCompleted, res.State)
	assert.Equal(t, 10, res.TotalRows)
	assert.Equal(t, 10, res.Processed)
	assert.Equal(t, 10, res.Succeeded)
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, seen)
	assert.Equal(t, 3, *sleeps)
	assert.Equal(t, 3, *reclaims)
	assert.Empty(t, run.Warnings)
}

func TestScheduler_RowCapWarnsOnceBeforeRows(t *testing.T) {
	s, _, _ := testScheduler(SchedulerConfig{BatchSize: 2, MaxRowsPerFile: 5}, fixedProbe{})
	run := newRun()
	calls := 0

	res, err := s.RunFile(context.Background(), run, numberedCSV(t, 12), "big.csv", func(context.Context, tabular.Row) Outcome {
		if calls == 0 {
			require.Equal(t, 1, countCategory(run.Warnings, importrun.CategoryLargeDataset), "warning must precede the first row")
		}
		calls++
		return OutcomeCreated
	})
	require.NoError(t, err)
	assert.Equal(t, 5, calls)
	assert.Equal(t, 5, res.Processed)
	assert.True(t, res.Truncated)
	assert.Equal(t, FileCompleted, res.State)
	require.Equal(t, 1, countCategory(run.Warnings, importrun.CategoryLargeDataset))
	assert.Contains(t, run.Warnings[0].Message, "12 rows")
	assert.Contains(t, run.Warnings[0].Message, "first 5")
}

func TestScheduler_MemoryCeilingAbortsFile(t *testing.T) {
	s, sleeps, _ := testScheduler(SchedulerConfig{BatchSize: 2, MemoryCeiling: 1 << 30}, fixedProbe{bytes: 2 << 30})
	run := newRun()

	res, err := s.RunFile(context.Background(), run, numberedCSV(t, 10), "patients.csv", func(context.Context, tabular.Row) Outcome {
		return OutcomeDuplicate
	})
	require.NoError(t, err)
	assert.Equal(t, FileAborted, res.State)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Succeeded)
	assert.Zero(t, *sleeps)
	require.Len(t, run.Warnings, 1)
	w := run.Warnings[0]
	assert.Equal(t, importrun.CategoryMemoryLimit, w.Category)
	assert.Equal(t, 2, w.Row)
	assert.Contains(t, w.Message, "Split the export")
	assert.Contains(t, w.Message, "(0 imported)")
}

func TestScheduler_UnderCeilingContinues(t *testing.T) {
	s, _, _ := testScheduler(SchedulerConfig{BatchSize: 2, MemoryCeiling: 1 << 30}, fixedProbe{bytes: 1 << 20})
	res, err := s.RunFile(context.Background(), newRun(), numberedCSV(t, 5), "p.csv", func(context.Context, tabular.Row) Outcome {
		return OutcomeCreated
	})
	require.NoError(t, err)
	assert.Equal(t, FileCompleted, res.State)
	assert.Equal(t, 5, res.Processed)
}

func TestScheduler_MissingFile(t *testing.T) {
	s, _, _ := testScheduler(SchedulerConfig{}, nil)
	run := newRun()
	res, err := s.RunFile(context.Background(), run, filepath.Join(t.TempDir(), "gone.csv"), "gone.csv", func(context.Context, tabular.Row) Outcome {
		t.Fatal("handler must not run")
		return OutcomeFailed
	})
	require.NoError(t, err)
	assert.Equal(t, FileAborted, res.State)
	assert.Equal(t, []string{importrun.CategoryMissingFile}, categories(run.Warnings))
}

func TestScheduler_StopsWhenContextEnds(t *testing.T) {
	s, _, _ := testScheduler(SchedulerConfig{BatchSize: 100}, fixedProbe{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0

	res, err := s.RunFile(ctx, newRun(), numberedCSV(t, 10), "p.csv", func(context.Context, tabular.Row) Outcome {
		calls++
		if calls == 2 {
			cancel()
		}
		return OutcomeCreated
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, FileAborted, res.State)
	assert.Equal(t, 2, res.Processed)
}
