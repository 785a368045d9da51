package units

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		speedMPS float64
		units    string
		expected float64
	}{
		{"10 m/s to mph", 10.0, MPH, 22.3694},
		{"10 m/s to kmph", 10.0, KMPH, 36.0},
		{"10 m/s to kph", 10.0, KPH, 36.0},
		{"10 m/s to mps", 10.0, MPS, 10.0},
		{"unknown units default to mps", 10.0, "unknown", 10.0},
		{"sprint 7.5 m/s to kmph", 7.5, KMPH, 27.0},
		{"walking speed 1.4 m/s to mph", 1.4, MPH, 3.1317},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, ConvertSpeed(tt.speedMPS, tt.units), 0.001)
		})
	}
}

func TestConvertDistance(t *testing.T) {
	assert.InDelta(t, 150.0, ConvertDistance(1.5, Centimetres), 1e-9)
	assert.InDelta(t, 3.2808, ConvertDistance(1, Feet), 1e-4)
	assert.Equal(t, 2.5, ConvertDistance(2.5, Metres))
	assert.Equal(t, 2.5, ConvertDistance(2.5, "furlong"))
}

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		assert.True(t, IsValid(u), u)
	}
	assert.False(t, IsValid(""))
	assert.False(t, IsValid("MPH"), "case sensitive")
	assert.True(t, IsValidDistance(Feet))
	assert.False(t, IsValidDistance(MPS))
	assert.Equal(t, "mps, mph, kmph, kph", GetValidUnitsString())
}

func TestParse(t *testing.T) {
	u, err := ParseSpeed("", MPS)
	require.NoError(t, err)
	assert.Equal(t, MPS, u)

	u, err = ParseSpeed(KMPH, MPS)
	require.NoError(t, err)
	assert.Equal(t, KMPH, u)

	_, err = ParseSpeed("knots", MPS)
	assert.ErrorContains(t, err, "knots")

	d, err := ParseDistance("", Metres)
	require.NoError(t, err)
	assert.Equal(t, Metres, d)
	_, err = ParseDistance("yd", Metres)
	assert.Error(t, err)
}

func TestConvertTime(t *testing.T) {
	utc := time.Date(2025, 9, 13, 12, 0, 0, 0, time.UTC)

	out, err := ConvertTime(utc, "")
	require.NoError(t, err)
	assert.True(t, out.Equal(utc))

	out, err = ConvertTime(utc, "Europe/Madrid")
	require.NoError(t, err)
	assert.True(t, out.Equal(utc), "same instant")
	assert.Equal(t, 14, out.Hour())

	_, err = ConvertTime(utc, "Invalid/Zone")
	assert.Error(t, err)
	assert.False(t, IsTimezoneValid("Invalid/Zone"))
	assert.True(t, IsTimezoneValid("UTC"))
}
