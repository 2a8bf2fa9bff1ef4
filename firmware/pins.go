//go:build tinygo

package main

import "machine"

const (
	// Actuator pins, matching the host's line numbers 0..2.
	PIN_PUMP  = machine.D7
	PIN_VALVE = machine.D8
	PIN_ALARM = machine.D9

	// Shared sensor bus
	PIN_SDA     = machine.SDA_PIN
	PIN_SCL     = machine.SCL_PIN
	I2C_FREQ_HZ = 100 * machine.KHz

	// Serial configuration
	// Longest request: "T 0a 0201 9\n", longest reply: 9 report bytes as hex.
	// A full controller cycle is well under 200 bytes, so 115200 leaves
	// plenty of headroom.
	UART_BAUD_RATE = 115200

	// LINE_BUFFER is the longest request line accepted.
	LINE_BUFFER = 64
	// MAX_READ is the longest bus read the bridge performs.
	MAX_READ = 32
)
