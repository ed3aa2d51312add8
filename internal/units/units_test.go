package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		assert.True(t, IsValid(u), u)
	}
	assert.False(t, IsValid("mm"))
	assert.False(t, IsValid(""))
}

func TestConvertVoltage(t *testing.T) {
	assert.Equal(t, 2.5, ConvertVoltage(2.5, 4, Volts))
	assert.Equal(t, 10.0, ConvertVoltage(2.5, 4, Micrometres))
	assert.Equal(t, 10000.0, ConvertVoltage(2.5, 4, Nanometres))
	// Unknown units pass the voltage through unchanged.
	assert.Equal(t, 2.5, ConvertVoltage(2.5, 4, "furlongs"))
}

func TestConvertVoltagesLeavesInputUntouched(t *testing.T) {
	in := []float64{0, 1, 2}
	out := ConvertVoltages(in, 4, Micrometres)
	assert.Equal(t, []float64{0, 4, 8}, out)
	assert.Equal(t, []float64{0, 1, 2}, in)
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "(V)", Label(Volts))
	assert.Equal(t, "(um)", Label(Micrometres))
	assert.Equal(t, "(nm)", Label(Nanometres))
}
