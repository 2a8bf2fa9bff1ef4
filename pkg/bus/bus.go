// Package bus provides transports for the shared peripheral bus. Every
// transport implements drivers.I2C: one transaction writes w to the device at
// addr and then reads len(r) bytes back.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/itohio/icumon/pkg/wire"
	"tinygo.org/x/drivers"
)

// Peripheral is a device attached to a Local bus. Receive is called with the
// bytes written by the controller, Request returns the bytes the device
// answers a read with.
type Peripheral interface {
	Receive(p []byte)
	Request() []byte
}

var (
	_ drivers.I2C = (*Local)(nil)
	_ drivers.I2C = (*Serial)(nil)
)

// Local is an in-process bus connecting the controller to simulated
// peripherals. Transactions are serialized.
type Local struct {
	mu          sync.Mutex
	peripherals map[uint16]Peripheral
}

// NewLocal creates an empty local bus.
func NewLocal() *Local {
	return &Local{peripherals: make(map[uint16]Peripheral)}
}

// Attach connects p at addr, replacing any device already there.
func (l *Local) Attach(addr uint16, p Peripheral) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.peripherals[addr] = p
}

// Detach disconnects the device at addr.
func (l *Local) Detach(addr uint16) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.peripherals, addr)
}

// Tx performs one transaction. A read that returns fewer or more bytes than
// requested fills what it can and reports wire.ErrIncomplete.
func (l *Local) Tx(addr uint16, w, r []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.peripherals[addr]
	if !ok {
		return fmt.Errorf("%w: 0x%02X", wire.ErrNoDevice, addr)
	}

	if len(w) > 0 {
		p.Receive(append([]byte(nil), w...))
	}
	if len(r) == 0 {
		return nil
	}

	resp := p.Request()
	n := copy(r, resp)
	if len(resp) != len(r) {
		return fmt.Errorf("%w: 0x%02X returned %d of %d bytes", wire.ErrIncomplete, addr, n, len(r))
	}
	return nil
}

// Command writes a command byte with an optional payload to addr.
func Command(b drivers.I2C, addr uint16, cmd byte, payload ...byte) error {
	w := append([]byte{cmd}, payload...)
	if err := b.Tx(addr, w, nil); err != nil {
		return fmt.Errorf("command 0x%02X to 0x%02X: %w", cmd, addr, err)
	}
	return nil
}

// Read asks addr for its report: it writes CmdReadSensors, waits settle for
// the device to prepare the data and reads len(buf) bytes.
func Read(b drivers.I2C, addr uint16, buf []byte, settle time.Duration) error {
	if err := Command(b, addr, wire.CmdReadSensors); err != nil {
		return err
	}
	if settle > 0 {
		time.Sleep(settle)
	}
	if err := b.Tx(addr, nil, buf); err != nil {
		return fmt.Errorf("read from 0x%02X: %w", addr, err)
	}
	return nil
}
