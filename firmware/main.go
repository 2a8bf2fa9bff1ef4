//go:build tinygo

//go:generate tinygo flash -target=xiao

// Command firmware is the controller board's USB bridge. The host sends one
// request per line and gets one reply line back:
//
//	T <addr hex> <write hex or -> <read length>   ->  <read hex or -> | !<reason>
//	L <line> <0|1>                                  ->  - | !<reason>
//
// T runs a transaction on the shared sensor bus, L drives the pump, oxygen
// valve and alarm outputs wired to this board.
package main

import (
	"machine"
	"time"
)

var (
	uart = machine.UART0
	i2c  = machine.I2C0

	lines = [3]machine.Pin{PIN_PUMP, PIN_VALVE, PIN_ALARM}

	// Serial buffer for reading lines
	serialBuffer [LINE_BUFFER]byte
	serialPos    int
	overflow     bool

	writeBuffer [LINE_BUFFER / 2]byte
	readBuffer  [MAX_READ]byte
)

const hexDigits = "0123456789abcdef"

func main() {
	for _, pin := range lines {
		pin.Configure(machine.PinConfig{Mode: machine.PinOutput})
		pin.Low()
	}

	i2c.Configure(machine.I2CConfig{
		Frequency: I2C_FREQ_HZ,
		SDA:       PIN_SDA,
		SCL:       PIN_SCL,
	})

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	for {
		processSerial()
		time.Sleep(100 * time.Microsecond)
	}
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				if overflow {
					reply("!long")
				} else {
					handleRequest(serialBuffer[:serialPos])
				}
			}
			serialPos = 0
			overflow = false
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			overflow = true
		}
	}
}

func handleRequest(line []byte) {
	fields := split(line)
	switch {
	case len(fields) == 4 && string(fields[0]) == "T":
		handleTx(fields[1], fields[2], fields[3])
	case len(fields) == 3 && string(fields[0]) == "L":
		handleSetLine(fields[1], fields[2])
	default:
		reply("!cmd")
	}
}

func handleTx(addrField, writeField, lenField []byte) {
	addr, ok := parseHexByte(addrField)
	if !ok {
		reply("!addr")
		return
	}

	var w []byte
	if string(writeField) != "-" {
		n, ok := decodeHex(writeBuffer[:], writeField)
		if !ok {
			reply("!hex")
			return
		}
		w = writeBuffer[:n]
	}

	readLen, ok := parseDecimal(lenField)
	if !ok || readLen > MAX_READ {
		reply("!len")
		return
	}
	r := readBuffer[:readLen]

	// The bridge cannot tell a missing device from a NACKed transfer.
	if err := i2c.Tx(uint16(addr), w, r); err != nil {
		reply("!nodev")
		return
	}

	if readLen == 0 {
		reply("-")
		return
	}
	for _, b := range r {
		uart.WriteByte(hexDigits[b>>4])
		uart.WriteByte(hexDigits[b&0x0f])
	}
	uart.WriteByte('\n')
}

func handleSetLine(lineField, stateField []byte) {
	n, ok := parseDecimal(lineField)
	if !ok || n >= len(lines) {
		reply("!line")
		return
	}
	switch string(stateField) {
	case "1":
		lines[n].High()
	case "0":
		lines[n].Low()
	default:
		reply("!state")
		return
	}
	reply("-")
}

func reply(s string) {
	uart.Write([]byte(s))
	uart.WriteByte('\n')
}

// split breaks line into space separated fields.
func split(line []byte) [][]byte {
	var fields [][]byte
	start := -1
	for i, c := range line {
		if c == ' ' || c == '\t' {
			if start >= 0 {
				fields = append(fields, line[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, line[start:])
	}
	return fields
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

func parseHexByte(s []byte) (byte, bool) {
	if len(s) == 0 || len(s) > 2 {
		return 0, false
	}
	var v byte
	for _, c := range s {
		n, ok := hexNibble(c)
		if !ok {
			return 0, false
		}
		v = v<<4 | n
	}
	return v, true
}

func decodeHex(dst, s []byte) (int, bool) {
	if len(s)%2 != 0 || len(s)/2 > len(dst) {
		return 0, false
	}
	for i := 0; i < len(s); i += 2 {
		hi, ok1 := hexNibble(s[i])
		lo, ok2 := hexNibble(s[i+1])
		if !ok1 || !ok2 {
			return 0, false
		}
		dst[i/2] = hi<<4 | lo
	}
	return len(s) / 2, true
}

func parseDecimal(s []byte) (int, bool) {
	if len(s) == 0 || len(s) > 3 {
		return 0, false
	}
	v := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + int(c-'0')
	}
	return v, true
}
