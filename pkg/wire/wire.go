// Package wire defines the shared-bus protocol spoken between the controller
// and the sensor peripherals: addresses, command bytes, the fixed-point number
// encoding and the per-module report layouts.
//
// The controller is the only initiator. A transaction is a write of one
// command byte (optionally followed by one payload byte), and for
// CmdReadSensors a subsequent fixed-length read of the module's report.
// All numeric report fields are big-endian uint16 values scaled by ten,
// except the ECG amplitude which is scaled by one hundred.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// Peripheral bus addresses.
const (
	FluidAddress    uint16 = 0x08
	CardiacAddress  uint16 = 0x09
	OximeterAddress uint16 = 0x0A
)

// Command bytes.
const (
	CmdReadSensors   byte = 0x01
	CmdPumpControl   byte = 0x02 // fluid module only
	CmdOxygenControl byte = 0x03 // oximeter module only
	CmdReadCondition byte = 0x04 // alias of CmdReadSensors, condition is part of every report
)

// Report lengths in bytes.
const (
	FluidReportLen    = 6
	CardiacReportLen  = 9
	OximeterReportLen = 7
)

// Fixed-point scale factors.
const (
	Scale10  = 10
	Scale100 = 100
)

// Errors returned by transports and report decoders.
var (
	ErrIncomplete = errors.New("wire: incomplete transaction")
	ErrNoDevice   = errors.New("wire: no device at address")
)

// Encode converts v to an unsigned fixed-point value with the given scale.
// The result is rounded to the nearest step and saturates at 0 and 65535.
func Encode(v float64, scale int) uint16 {
	if math.IsNaN(v) {
		return 0
	}
	x := math.Round(v * float64(scale))
	if x <= 0 {
		return 0
	}
	if x >= math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(x)
}

// Decode converts a fixed-point value back to units.
func Decode(u uint16, scale int) float64 {
	return float64(u) / float64(scale)
}

// PutFixed writes v as a big-endian fixed-point field into b[0:2].
func PutFixed(b []byte, v float64, scale int) {
	binary.BigEndian.PutUint16(b, Encode(v, scale))
}

// Fixed reads a big-endian fixed-point field from b[0:2].
func Fixed(b []byte, scale int) float64 {
	return Decode(binary.BigEndian.Uint16(b), scale)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
