// Package units provides shared constants and conversions for scanner
// displacement units.
package units

// Unit constants. Scan targets are commanded and stored in volts; the
// piezo scanner translates volts into displacement.
const (
	Volts       = "v"
	Micrometres = "um"
	Nanometres  = "nm"
)

// ValidUnits contains all valid unit values.
var ValidUnits = []string{Volts, Micrometres, Nanometres}

// NominalScannerGain is the room-temperature scanner calibration in
// micrometres of travel per commanded volt. It is a nominal figure for
// axis labelling only; quantitative work needs a per-bench calibration.
const NominalScannerGain = 4.0

// IsValid checks if the given unit is in the list of valid units.
func IsValid(unit string) bool {
	for _, validUnit := range ValidUnits {
		if unit == validUnit {
			return true
		}
	}
	return false
}

// GetValidUnitsString returns a comma-separated string of valid units for
// error messages.
func GetValidUnitsString() string {
	return "v, um, nm"
}

// ConvertVoltage converts a commanded voltage to the target units using
// the given scanner gain in um/V. Stored scan data is always in volts.
func ConvertVoltage(volts, gain float64, targetUnits string) float64 {
	switch targetUnits {
	case Micrometres:
		return volts * gain
	case Nanometres:
		return volts * gain * 1000
	case Volts:
		return volts
	default:
		return volts // default to volts if unknown unit
	}
}

// ConvertVoltages converts a slice of commanded voltages, leaving the
// input untouched.
func ConvertVoltages(volts []float64, gain float64, targetUnits string) []float64 {
	out := make([]float64, len(volts))
	for i, v := range volts {
		out[i] = ConvertVoltage(v, gain, targetUnits)
	}
	return out
}

// Label returns the axis-label suffix for a unit, e.g. "(um)".
func Label(unit string) string {
	switch unit {
	case Micrometres:
		return "(um)"
	case Nanometres:
		return "(nm)"
	default:
		return "(V)"
	}
}
