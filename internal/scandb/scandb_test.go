package scandb

import (
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ICE-QTM/SSMiSS/internal/waveform"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "scan.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAppliesMigrations(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	started := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	run := Run{
		ID:        uuid.NewString(),
		GroupName: "vx0-1-2_vy0-1-2_settle-0.01_area51",
		DataRate:  1000,
		Status:    StatusRunning,
		StartedAt: started,
	}
	require.NoError(t, s.CreateRun(run))

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.GroupName, got.GroupName)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)

	finished := started.Add(time.Minute)
	require.NoError(t, s.FinishRun(run.ID, StatusComplete, finished))

	got, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))

	runs, err := s.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)

	err = s.FinishRun("no-such-run", StatusAborted, finished)
	require.Error(t, err)
}

func TestGridRoundTrip(t *testing.T) {
	s := openTestStore(t)

	run := Run{
		ID:        uuid.NewString(),
		GroupName: "vx0-1-2_vy0-1-2_settle-0.01_grid",
		DataRate:  1000,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}
	require.NoError(t, s.CreateRun(run))

	require.NoError(t, s.InsertRowMeans(run.ID, 0, []float64{0, 1}, []float64{1.5, 2.5}))
	require.NoError(t, s.InsertRowMeans(run.ID, 1, []float64{0, 1}, []float64{3.5, 4.5}))

	targets, grid, err := s.Grid(run.ID)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1}, targets)
	want := [][]float64{{1.5, 2.5}, {3.5, 4.5}}
	if diff := cmp.Diff(want, grid); diff != "" {
		t.Errorf("grid mismatch (-want +got):\n%s", diff)
	}

	err = s.InsertRowMeans(run.ID, 2, []float64{0, 1}, []float64{1})
	require.Error(t, err, "mismatched voltages and means must be rejected")
}

func TestExportCSVReconstructsCommandVoltages(t *testing.T) {
	s := openTestStore(t)

	region := waveform.Region{
		LowerX: 0, UpperX: 1, XSteps: 2,
		LowerY: 0, UpperY: 1, YSteps: 2,
		Settle: 0.002, SampleRate: 1000,
	}
	plan, err := waveform.Plan(region)
	require.NoError(t, err)

	run := Run{
		ID:        uuid.NewString(),
		GroupName: waveform.GroupName(region, "csv"),
		DataRate:  region.SampleRate,
		Status:    StatusComplete,
		StartedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	require.NoError(t, s.CreateRun(run))

	// Two channels: ai0 counts sample indices, ai1 is constant.
	total := plan.TotalSamples()
	chunk := make([][]float64, 2)
	for i := 0; i < total; i++ {
		chunk[0] = append(chunk[0], float64(i))
		chunk[1] = append(chunk[1], 7)
	}
	require.NoError(t, s.InsertSamples(run.ID, 0, chunk))

	n, err := s.SampleCount(run.ID)
	require.NoError(t, err)
	assert.Equal(t, total, n)

	var out strings.Builder
	require.NoError(t, s.ExportCSV(&out, run.ID))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2+total)
	assert.Equal(t, "2026-03-14T09:26:53Z|sssgg", lines[0])
	assert.Equal(t, "xvolt,yvolt,ai0,ai1", lines[1])

	// Every data line carries the planned command voltages for its index.
	rowLen := plan.RowLength()
	for i, line := range lines[2:] {
		fields := strings.Split(line, ",")
		require.Len(t, fields, 4, "line %d", i)
		assert.Equal(t, formatFloat(plan.X[i%rowLen]), fields[0], "xvolt at sample %d", i)
		assert.Equal(t, formatFloat(plan.Y[i/rowLen]), fields[1], "yvolt at sample %d", i)
		assert.Equal(t, formatFloat(float64(i)), fields[2], "ai0 at sample %d", i)
		assert.Equal(t, "7", fields[3], "ai1 at sample %d", i)
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
