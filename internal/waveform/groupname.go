package waveform

import (
	"fmt"
	"strconv"
	"strings"
)

// The group name written alongside logged scan data encodes the scan region
// so that the commanded voltages can be reconstructed from the log alone:
//
//	vx<lower>-<upper>-<steps>_vy<lower>-<upper>-<steps>_settle-<value>_<suffix>
//
// Scanner voltages are non-negative (the scanner is driven 0..7 V), so '-'
// is safe as a field separator.

// GroupName encodes the region and a free-form suffix.
func GroupName(r Region, suffix string) string {
	return fmt.Sprintf("vx%g-%g-%d_vy%g-%g-%d_settle-%g_%s",
		r.LowerX, r.UpperX, r.XSteps, r.LowerY, r.UpperY, r.YSteps, r.Settle, suffix)
}

// ParseGroupName recovers the region parameters embedded in a group name.
// The sample rate is not part of the name and is left zero; callers must
// supply it from the log metadata before planning.
func ParseGroupName(name string) (Region, error) {
	var r Region

	parts := strings.SplitN(name, "_", 4)
	if len(parts) < 3 {
		return r, fmt.Errorf("group name %q: want at least 3 fields separated by '_'", name)
	}

	var err error
	r.LowerX, r.UpperX, r.XSteps, err = parseAxis(parts[0], "vx")
	if err != nil {
		return r, fmt.Errorf("group name %q: %w", name, err)
	}
	r.LowerY, r.UpperY, r.YSteps, err = parseAxis(parts[1], "vy")
	if err != nil {
		return r, fmt.Errorf("group name %q: %w", name, err)
	}

	settleStr, ok := strings.CutPrefix(parts[2], "settle-")
	if !ok {
		return r, fmt.Errorf("group name %q: third field %q lacks settle- prefix", name, parts[2])
	}
	r.Settle, err = strconv.ParseFloat(settleStr, 64)
	if err != nil {
		return r, fmt.Errorf("group name %q: bad settle value: %w", name, err)
	}

	return r, nil
}

func parseAxis(field, prefix string) (lower, upper float64, steps int, err error) {
	body, ok := strings.CutPrefix(field, prefix)
	if !ok {
		return 0, 0, 0, fmt.Errorf("field %q lacks %s prefix", field, prefix)
	}
	sub := strings.Split(body, "-")
	if len(sub) != 3 {
		return 0, 0, 0, fmt.Errorf("field %q: want lower-upper-steps", field)
	}
	if lower, err = strconv.ParseFloat(sub[0], 64); err != nil {
		return 0, 0, 0, fmt.Errorf("field %q: bad lower bound: %w", field, err)
	}
	if upper, err = strconv.ParseFloat(sub[1], 64); err != nil {
		return 0, 0, 0, fmt.Errorf("field %q: bad upper bound: %w", field, err)
	}
	if steps, err = strconv.Atoi(sub[2]); err != nil {
		return 0, 0, 0, fmt.Errorf("field %q: bad step count: %w", field, err)
	}
	return lower, upper, steps, nil
}
