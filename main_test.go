package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ICE-QTM/SSMiSS/internal/daq"
	"github.com/ICE-QTM/SSMiSS/internal/scan"
	"github.com/ICE-QTM/SSMiSS/internal/scandb"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
)

const tinyProgram = `[{
	"lowervx": 0, "uppervx": 1, "xsteps": 2,
	"lowervy": 0, "uppervy": 1, "ysteps": 2,
	"settle": 0.002, "data_rate": 1000, "refresh": 0.005,
	"log": true, "make_heatmap": false,
	"filename": "", "groupname": "batch-test"
}]`

func TestRunProgramRecordsEveryEntry(t *testing.T) {
	dir := t.TempDir()
	programPath := filepath.Join(dir, "program.json")
	require.NoError(t, os.WriteFile(programPath, []byte(tinyProgram), 0o644))

	dev := daq.NewSimDevice(timeutil.RealClock{}, func(ch, i int) float64 { return float64(ch) })
	ctrl := scan.New(dev, timeutil.RealClock{})
	store, err := scandb.Open(filepath.Join(dir, "scan.db"))
	require.NoError(t, err)
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, runProgram(ctx, ctrl, store, programPath))

	runs, err := store.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, scandb.StatusComplete, runs[0].Status)
	assert.Contains(t, runs[0].GroupName, "batch-test")

	_, grid, err := store.Grid(runs[0].ID)
	require.NoError(t, err)
	assert.Len(t, grid, 2)
}

func TestRunProgramRejectsBadFile(t *testing.T) {
	dev := daq.NewSimDevice(timeutil.RealClock{}, nil)
	ctrl := scan.New(dev, timeutil.RealClock{})
	store, err := scandb.Open(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	defer store.Close()

	err = runProgram(context.Background(), ctrl, store, filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSimSignalChannels(t *testing.T) {
	// Channel 0 carries the synthesized gauge trace, other channels a
	// flat reference.
	assert.InDelta(t, 0.1, simSignal(1, 0), 1e-12)
	assert.InDelta(t, 0.2, simSignal(2, 1234), 1e-12)
	assert.NotEqual(t, simSignal(0, 0), simSignal(0, 10000))
}
