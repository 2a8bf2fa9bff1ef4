package wire

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name  string
		v     float64
		scale int
		want  uint16
	}{
		{name: "zero", v: 0, scale: Scale10, want: 0},
		{name: "heart rate", v: 72.5, scale: Scale10, want: 725},
		{name: "amplitude", v: 1.23, scale: Scale100, want: 123},
		{name: "rounds half up", v: 36.66, scale: Scale10, want: 367},
		{name: "negative saturates", v: -12.3, scale: Scale10, want: 0},
		{name: "overflow saturates", v: 7000, scale: Scale10, want: math.MaxUint16},
		{name: "nan", v: math.NaN(), scale: Scale10, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Encode(tt.v, tt.scale))
		})
	}
}

func TestFixedPoint_RoundTripWithinResolution(t *testing.T) {
	b := make([]byte, 2)
	for v := 0.0; v < 6000; v += 0.37 {
		PutFixed(b, v, Scale10)
		assert.InDelta(t, v, Fixed(b, Scale10), 0.1)
	}
	for v := 0.0; v < 600; v += 0.037 {
		PutFixed(b, v, Scale100)
		assert.InDelta(t, v, Fixed(b, Scale100), 0.01)
	}
}

func TestFixedPoint_BigEndian(t *testing.T) {
	b := make([]byte, 2)
	PutFixed(b, 500, Scale10) // 5000 = 0x1388
	assert.Equal(t, []byte{0x13, 0x88}, b)
}

func TestFluidReport(t *testing.T) {
	in := FluidReport{InletRate: 120.4, OutletRate: 98.7, Condition: Recovery, Pump: true}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, FluidReportLen)
	assert.Equal(t, []byte{0x04, 0xB4, 0x03, 0xDB, 0x01, 0x01}, b)

	var out FluidReport
	require.NoError(t, out.UnmarshalBinary(b))
	assert.InDelta(t, in.InletRate, out.InletRate, 0.1)
	assert.InDelta(t, in.OutletRate, out.OutletRate, 0.1)
	assert.Equal(t, Recovery, out.Condition)
	assert.True(t, out.Pump)
}

func TestCardiacReport(t *testing.T) {
	in := CardiacReport{HeartRate: 75, ECGAmplitude: 1.37, HRV: 42.3, QRSDuration: 85, Condition: LeadsOff}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, CardiacReportLen)

	var out CardiacReport
	require.NoError(t, out.UnmarshalBinary(b))
	assert.InDelta(t, 75.0, out.HeartRate, 0.1)
	assert.InDelta(t, 1.37, out.ECGAmplitude, 0.01)
	assert.InDelta(t, 42.3, out.HRV, 0.1)
	assert.InDelta(t, 85.0, out.QRSDuration, 0.1)
	assert.Equal(t, LeadsOff, out.Condition)
}

func TestOximeterReport(t *testing.T) {
	in := OximeterReport{SpO2: 97.2, PulseRate: 68, Temperature: 36.8, OxygenAvailable: true}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, OximeterReportLen)

	var out OximeterReport
	require.NoError(t, out.UnmarshalBinary(b))
	assert.InDelta(t, 97.2, out.SpO2, 0.1)
	assert.InDelta(t, 68.0, out.PulseRate, 0.1)
	assert.InDelta(t, 36.8, out.Temperature, 0.1)
	assert.True(t, out.OxygenAvailable)
}

func TestReports_WrongLength(t *testing.T) {
	var f FluidReport
	assert.ErrorIs(t, f.UnmarshalBinary(make([]byte, 5)), ErrIncomplete)
	var c CardiacReport
	assert.ErrorIs(t, c.UnmarshalBinary(make([]byte, 10)), ErrIncomplete)
	var o OximeterReport
	assert.ErrorIs(t, o.UnmarshalBinary(nil), ErrIncomplete)
}

func TestCondition_Labels(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "leads_off", LeadsOff.String())
	assert.Equal(t, "unknown(9)", Condition(9).String())

	b, err := json.Marshal(map[string]Condition{"cardiac": Serious})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cardiac":"serious"}`, string(b))

	var c Condition
	require.NoError(t, c.UnmarshalText([]byte("recovery")))
	assert.Equal(t, Recovery, c)
	assert.Error(t, c.UnmarshalText([]byte("bogus")))
}
