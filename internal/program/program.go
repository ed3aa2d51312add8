// Package program loads pre-programmed scan lists for unattended runs.
//
// A program file is a JSON array of scan configurations. Every field is
// required; a malformed file rejects the whole program before any scan
// starts, never one entry mid-run.
package program

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ICE-QTM/SSMiSS/internal/waveform"
)

// ErrProgramFormat indicates a malformed program resource.
var ErrProgramFormat = errors.New("malformed program file")

// Entry is one scan configuration in a program. Field names follow the
// on-disk JSON schema.
type Entry struct {
	LowerVX     float64 `json:"lowervx"`
	UpperVX     float64 `json:"uppervx"`
	LowerVY     float64 `json:"lowervy"`
	UpperVY     float64 `json:"uppervy"`
	XSteps      int     `json:"xsteps"`
	YSteps      int     `json:"ysteps"`
	Settle      float64 `json:"settle"`
	DataRate    float64 `json:"data_rate"`
	Refresh     float64 `json:"refresh"`
	Log         bool    `json:"log"`
	MakeHeatmap bool    `json:"make_heatmap"`
	FileName    string  `json:"filename"`
	GroupName   string  `json:"groupname"`
}

// Region converts the entry's geometry to a scan region.
func (e Entry) Region() waveform.Region {
	return waveform.Region{
		LowerX: e.LowerVX, UpperX: e.UpperVX, XSteps: e.XSteps,
		LowerY: e.LowerVY, UpperY: e.UpperVY, YSteps: e.YSteps,
		Settle: e.Settle, SampleRate: e.DataRate,
	}
}

// requiredKeys lists every field a program entry must carry.
var requiredKeys = []string{
	"lowervx", "uppervx", "lowervy", "uppervy",
	"xsteps", "ysteps", "settle", "data_rate",
	"refresh", "log", "make_heatmap", "filename", "groupname",
}

// Parse reads and validates a whole program. Any defect — syntax, unknown
// or missing fields, invalid scan geometry — rejects the program as a
// whole.
func Parse(r io.Reader) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgramFormat, err)
	}

	// First pass: per-entry key check, so a missing field is an error
	// rather than a silent zero value.
	var raw []map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgramFormat, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: program holds no entries", ErrProgramFormat)
	}
	for i, m := range raw {
		for _, key := range requiredKeys {
			if _, ok := m[key]; !ok {
				return nil, fmt.Errorf("%w: entry %d is missing %q", ErrProgramFormat, i, key)
			}
		}
		if len(m) > len(requiredKeys) {
			for key := range m {
				if !isRequiredKey(key) {
					return nil, fmt.Errorf("%w: entry %d has unknown field %q", ErrProgramFormat, i, key)
				}
			}
		}
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgramFormat, err)
	}

	// Scan geometry is validated up front: a bad entry must surface before
	// any run in the program starts.
	for i, e := range entries {
		if err := e.Region().Validate(); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %v", ErrProgramFormat, i, err)
		}
		if e.Refresh <= 0 {
			return nil, fmt.Errorf("%w: entry %d: refresh %g must be positive", ErrProgramFormat, i, e.Refresh)
		}
	}
	return entries, nil
}

func isRequiredKey(key string) bool {
	for _, k := range requiredKeys {
		if k == key {
			return true
		}
	}
	return false
}

// Load parses the program file at path.
func Load(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProgramFormat, err)
	}
	defer f.Close()
	return Parse(f)
}
