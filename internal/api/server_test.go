package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ICE-QTM/SSMiSS/internal/anc"
	"github.com/ICE-QTM/SSMiSS/internal/approach"
	"github.com/ICE-QTM/SSMiSS/internal/daq"
	"github.com/ICE-QTM/SSMiSS/internal/scan"
	"github.com/ICE-QTM/SSMiSS/internal/scandb"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
	"github.com/ICE-QTM/SSMiSS/internal/version"
)

// fakeStepper records step-controller commands for assertions.
type fakeStepper struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeStepper) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return nil
}

func (f *fakeStepper) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeStepper) SetMode(axis anc.Axis, mode anc.Mode) error {
	return f.record(fmt.Sprintf("setm %d %s", axis, mode))
}

func (f *fakeStepper) SetVoltage(axis anc.Axis, volt int) error {
	return f.record(fmt.Sprintf("setv %d %d", axis, volt))
}

func (f *fakeStepper) SetFrequency(axis anc.Axis, freq int) error {
	return f.record(fmt.Sprintf("setf %d %d", axis, freq))
}

func (f *fakeStepper) StepContinuous(axis anc.Axis, dir anc.Direction) error {
	return f.record(fmt.Sprintf("step%s %d c", dir, axis))
}

func (f *fakeStepper) StepFixed(axis anc.Axis, dir anc.Direction, count int) error {
	return f.record(fmt.Sprintf("step%s %d %d", dir, axis, count))
}

func (f *fakeStepper) StepWait(axis anc.Axis, dir anc.Direction, count int) error {
	return f.record(fmt.Sprintf("step%s %d %d", dir, axis, count))
}

func (f *fakeStepper) StopAxis(axis anc.Axis) error {
	return f.record(fmt.Sprintf("stop %d", axis))
}

type testRig struct {
	server  *Server
	ts      *httptest.Server
	dev     *daq.SimDevice
	stepper *fakeStepper
	store   *scandb.Store
}

func newTestRig(t *testing.T, signal func(ch, i int) float64) *testRig {
	t.Helper()

	dev := daq.NewSimDevice(timeutil.RealClock{}, signal)
	ctrl := scan.New(dev, timeutil.RealClock{})
	stepper := &fakeStepper{}
	machine := approach.NewMachine(stepper, timeutil.RealClock{})

	store, err := scandb.Open(filepath.Join(t.TempDir(), "scan.sqlite"))
	require.NoError(t, err)

	server := NewServer(dev, timeutil.RealClock{}, ctrl, machine, stepper, store)
	ts := httptest.NewServer(server.ServeMux())
	t.Cleanup(func() {
		ts.Close()
		server.Close()
		store.Close()
	})
	return &testRig{server: server, ts: ts, dev: dev, stepper: stepper, store: store}
}

func (rig *testRig) postJSON(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(rig.ts.URL+path, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestStatusEndpoint(t *testing.T) {
	rig := newTestRig(t, nil)

	resp, err := http.Get(rig.ts.URL + "/api/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status := decodeJSON[StatusResponse](t, resp)
	assert.Equal(t, "idle", status.Scan.State)
	assert.Equal(t, "idle", status.Approach.State)
	assert.True(t, status.Stepper)
	assert.True(t, status.Store)
	assert.Equal(t, version.Version, status.Version)

	resp, err = http.Post(rig.ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStepEndpoint(t *testing.T) {
	rig := newTestRig(t, nil)

	resp := rig.postJSON(t, "/api/step",
		`{"axis": 1, "direction": "up", "count": 5, "voltage": 20, "frequency": 100}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Equal(t, []string{
		"setm 1 stp",
		"setv 1 20",
		"setf 1 100",
		"stepu 1 5",
	}, rig.stepper.Calls())

	resp = rig.postJSON(t, "/api/step", `{"axis": 1, "direction": "sideways", "count": 5}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = rig.postJSON(t, "/api/step", `{"axis": 1, "direction": "up", "count": 0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = rig.postJSON(t, "/api/step", `{"axis": 9, "direction": "up", "count": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "axis out of range")
	resp.Body.Close()
}

func TestStepEndpointWithoutStepper(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.server.stepper = nil

	resp := rig.postJSON(t, "/api/step", `{"axis": 1, "direction": "up", "count": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

const smallScanRequest = `{
	"lowervx": 0, "uppervx": 1, "xsteps": 2,
	"lowervy": 0, "uppervy": 1, "ysteps": 2,
	"settle": 0.002, "data_rate": 1000, "refresh": 0.005,
	"log": true, "groupname": "api-test"
}`

func TestScanStartToCompletion(t *testing.T) {
	rig := newTestRig(t, func(ch, i int) float64 { return float64(ch) })

	resp := rig.postJSON(t, "/api/scan/start", smallScanRequest)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	started := decodeJSON[map[string]string](t, resp)
	runID := started["run_id"]
	require.NotEmpty(t, runID)
	assert.Contains(t, started["group_name"], "vx0-1-2_vy0-1-2_settle-0.002_api-test")

	require.Eventually(t, func() bool {
		run, err := rig.store.GetRun(runID)
		return err == nil && run.Status == scandb.StatusComplete
	}, 5*time.Second, 10*time.Millisecond)

	// Both rows were persisted with their averages.
	_, grid, err := rig.store.Grid(runID)
	require.NoError(t, err)
	assert.Len(t, grid, 2)

	// The listing, CSV export, and heatmaps all serve the finished run.
	resp, err = http.Get(rig.ts.URL + "/api/scans")
	require.NoError(t, err)
	runs := decodeJSON[[]map[string]any](t, resp)
	require.Len(t, runs, 1)

	resp, err = http.Get(rig.ts.URL + "/api/scans/export?id=" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	assert.True(t, strings.HasSuffix(scanner.Text(), "|sssgg"), "CSV header marker missing")
	require.True(t, scanner.Scan())
	assert.Equal(t, "xvolt,yvolt,ai0,ai1", scanner.Text())

	resp, err = http.Get(rig.ts.URL + "/api/scans/heatmap.png?id=" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	resp, err = http.Get(rig.ts.URL + "/api/scans/heatmap.html?id=" + runID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(rig.ts.URL + "/api/scans/heatmap.png?id=" + runID + "&units=um")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(rig.ts.URL + "/api/scans/heatmap.png?id=" + runID + "&units=mm")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScanStartRejectsInvalidRegion(t *testing.T) {
	rig := newTestRig(t, nil)

	resp := rig.postJSON(t, "/api/scan/start", `{"xsteps": 1, "ysteps": 2, "settle": 0.01, "data_rate": 100}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestScanAbortEndpoint(t *testing.T) {
	rig := newTestRig(t, nil)

	resp := rig.postJSON(t, "/api/scan/abort", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestApproachStartRunsToDone(t *testing.T) {
	// Strain falls 1.2e-8 per sample at 1 kHz feed: derivative -1.2e-5,
	// well below the -5e-7 threshold.
	rig := newTestRig(t, func(ch, i int) float64 { return -1.2e-8 * float64(i) })

	resp := rig.postJSON(t, "/api/approach/start", `{
		"axis": 3,
		"stages": [{"voltage": 12, "frequency": 200, "stepcount": 1000, "threshold": -5e-7}],
		"sample_rate": 200,
		"consecutive_required": 3,
		"stabilize_seconds": 0.001
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return rig.server.machine.State() == approach.StateDone
	}, 5*time.Second, 5*time.Millisecond)

	calls := rig.stepper.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "stop 3", calls[len(calls)-1])

	resp, err := http.Get(rig.ts.URL + "/api/approach/history")
	require.NoError(t, err)
	history := decodeJSON[map[string][]float64](t, resp)
	assert.NotEmpty(t, history["derivatives"])
}

func TestApproachStartWithoutStepper(t *testing.T) {
	rig := newTestRig(t, nil)
	rig.server.stepper = nil

	resp := rig.postJSON(t, "/api/approach/start", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	resp.Body.Close()
}

func TestTelemetryLifecycle(t *testing.T) {
	rig := newTestRig(t, func(ch, i int) float64 { return float64(i) })

	// Not started yet.
	resp, err := http.Get(rig.ts.URL + "/api/telemetry")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = rig.postJSON(t, "/api/telemetry/start", `{"rate": 100, "memory_seconds": 1}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	// Starting again while running conflicts.
	resp = rig.postJSON(t, "/api/telemetry/start", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	require.Eventually(t, func() bool {
		resp, err := http.Get(rig.ts.URL + "/api/telemetry")
		if err != nil {
			return false
		}
		body := decodeJSON[map[string]any](t, resp)
		values, _ := body["values"].([]any)
		return len(values) > 0
	}, 5*time.Second, 20*time.Millisecond)

	resp = rig.postJSON(t, "/api/telemetry/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The monitor goroutine releases the busy slot on stop.
	require.Eventually(t, func() bool {
		resp := rig.postJSON(t, "/api/telemetry/start", "")
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusAccepted
	}, 5*time.Second, 20*time.Millisecond)
}

// stallingDevice blocks input-task creation until released, so a start
// request can be held mid-setup.
type stallingDevice struct {
	daq.Device
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (d *stallingDevice) NewInputTask(channels []string) (daq.InputTask, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	<-d.gate
	return d.Device.NewInputTask(channels)
}

func (d *stallingDevice) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestTelemetryConcurrentStartsClaimOneSlot(t *testing.T) {
	rig := newTestRig(t, func(ch, i int) float64 { return 1 })
	dev := &stallingDevice{Device: rig.dev, gate: make(chan struct{})}
	rig.server.dev = dev

	// Two simultaneous starts: the slot is claimed before device setup, so
	// the loser conflicts even while the winner is still mid-setup.
	results := make(chan int, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Post(rig.ts.URL+"/api/telemetry/start",
				"application/json", strings.NewReader(`{"rate": 100, "memory_seconds": 1}`))
			if err != nil {
				results <- 0
				return
			}
			resp.Body.Close()
			results <- resp.StatusCode
		}()
	}

	// The loser returns first; the winner stays parked on the gate.
	assert.Equal(t, http.StatusConflict, <-results)
	close(dev.gate)
	assert.Equal(t, http.StatusAccepted, <-results)
	assert.Equal(t, 1, dev.Calls())

	resp := rig.postJSON(t, "/api/telemetry/stop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestEventsStream(t *testing.T) {
	rig := newTestRig(t, nil)

	resp, err := http.Get(rig.ts.URL + "/api/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": ping\n", line)

	rig.server.hub.Publish("scan", map[string]string{"state": "running"})

	// Skip blank separator lines until the data frame arrives.
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimSpace(line) != "" {
			break
		}
	}
	assert.True(t, strings.HasPrefix(line, "data: "), "got %q", line)
	assert.Contains(t, line, `"event":"scan"`)
	assert.Contains(t, line, `"running"`)
}

func TestEventHubDropsSlowSubscribers(t *testing.T) {
	hub := newEventHub()
	id, ch := hub.Subscribe()
	defer hub.Unsubscribe(id)

	// Fill the buffer past capacity; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			hub.Publish("tick", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	assert.NotEmpty(t, ch)
}
