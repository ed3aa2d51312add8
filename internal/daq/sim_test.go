package daq

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
)

func TestSimInputProducesClockedSamples(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dev := NewSimDevice(clock, func(ch, i int) float64 { return float64(ch*1000 + i) })

	in, err := dev.NewInputTask([]string{"ai0", "ai1"})
	require.NoError(t, err)
	require.NoError(t, in.ConfigureContinuous(10, 1000))
	require.NoError(t, in.Start())

	clock.Advance(time.Second) // 10 samples at 10 Hz
	got, err := in.ReadAvailable()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0], 10)
	assert.Equal(t, 0.0, got[0][0])
	assert.Equal(t, 9.0, got[0][9])
	assert.Equal(t, 1000.0, got[1][0])

	// Subsequent reads continue from the consumed index.
	clock.Advance(500 * time.Millisecond)
	got, err = in.ReadAvailable()
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12, 13, 14}, got[0])
}

func TestSimInputReadBeforeStartFails(t *testing.T) {
	dev := NewSimDevice(timeutil.NewMockClock(time.Unix(0, 0)), nil)
	in, err := dev.NewInputTask([]string{"ai0"})
	require.NoError(t, err)
	require.NoError(t, in.ConfigureContinuous(10, 100))

	_, err = in.ReadAvailable()
	var devErr *DeviceError
	assert.ErrorAs(t, err, &devErr)
}

func TestSimInputOverflow(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dev := NewSimDevice(clock, nil)

	in, err := dev.NewInputTask([]string{"ai0"})
	require.NoError(t, err)
	require.NoError(t, in.ConfigureContinuous(100, 50))
	require.NoError(t, in.Start())

	clock.Advance(time.Second) // 100 samples against a 50-sample buffer
	_, err = in.ReadAvailable()
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, CodeInputOverflow, devErr.Code)
}

func TestSimTriggerCoupling(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dev := NewSimDevice(clock, nil)

	in, err := dev.NewInputTask([]string{"ai0"})
	require.NoError(t, err)
	require.NoError(t, in.ConfigureContinuous(100, 0))

	out, err := dev.NewOutputTask([]string{"ao0"}, -10, 10)
	require.NoError(t, err)
	require.NoError(t, out.ConfigureFinite(100, 10))
	require.NoError(t, out.ArmStartTrigger(in))
	require.NoError(t, out.WriteMany([][]float64{{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}}))

	// Output starts first and idles awaiting the trigger.
	require.NoError(t, out.Start())
	clock.Advance(time.Second)
	done, err := out.Done()
	require.NoError(t, err)
	assert.False(t, done, "armed output must not generate before the trigger")

	// Starting the input fires the edge; both clocks begin together.
	require.NoError(t, in.Start())
	clock.Advance(100 * time.Millisecond) // exactly 10 samples
	done, err = out.Done()
	require.NoError(t, err)
	assert.True(t, done)

	got, err := in.ReadAvailable()
	require.NoError(t, err)
	assert.Len(t, got[0], 10, "input samples must share the trigger time base")

	assert.Equal(t, []string{"output.start", "input.start", "trigger.fire"}, dev.Events())
}

func TestSimOutputUnderrunIsError(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	dev := NewSimDevice(clock, nil)

	out, err := dev.NewOutputTask([]string{"ao0"}, -10, 10)
	require.NoError(t, err)
	require.NoError(t, out.ConfigureFinite(100, 100))
	require.NoError(t, out.WriteMany([][]float64{{1, 2, 3, 4, 5}}))
	require.NoError(t, out.Start()) // no trigger armed: runs immediately

	clock.Advance(time.Second) // clock wants 100 samples, only 5 written
	_, err = out.Done()
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, CodeOutputUnderrun, devErr.Code)
}

func TestSimOutputRejectsOutOfRangeSamples(t *testing.T) {
	dev := NewSimDevice(timeutil.NewMockClock(time.Unix(0, 0)), nil)
	out, err := dev.NewOutputTask([]string{"ao0"}, 0, 7)
	require.NoError(t, err)
	require.NoError(t, out.ConfigureFinite(100, 10))

	assert.Error(t, out.WriteMany([][]float64{{8}}))
	assert.Error(t, out.WriteMany([][]float64{{-1}}))
	assert.NoError(t, out.WriteOne([]float64{3.5}))
}

func TestSimOutputWriteBeyondFiniteCount(t *testing.T) {
	dev := NewSimDevice(timeutil.NewMockClock(time.Unix(0, 0)), nil)
	out, err := dev.NewOutputTask([]string{"ao0"}, -10, 10)
	require.NoError(t, err)
	require.NoError(t, out.ConfigureFinite(100, 2))

	require.NoError(t, out.WriteMany([][]float64{{0, 1}}))
	assert.Error(t, out.WriteOne([]float64{2}))
}
