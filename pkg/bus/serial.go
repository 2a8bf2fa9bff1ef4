package bus

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/itohio/icumon/pkg/wire"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// DefaultBaudRate is the bridge firmware's UART speed.
	DefaultBaudRate = 115200
	// DefaultTimeout bounds one bridged transaction.
	DefaultTimeout = 200 * time.Millisecond

	maxLine = 128
)

// Actuator lines wired to the controller board.
const (
	LinePump   = 0
	LineOxygen = 1
	LineAlarm  = 2
)

var (
	// ErrTimeout is returned when the bridge does not answer in time.
	ErrTimeout = errors.New("bus: bridge timeout")
	// ErrNotConnected is returned for transactions on a closed bridge.
	ErrNotConnected = errors.New("bus: not connected")
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Serial is a bus transport over the USB serial bridge running on the
// controller board. Each transaction is one request line answered by one
// reply line:
//
//	T <addr hex> <write hex or -> <read length>   ->  <read hex or -> | !<reason>
//	L <line> <0|1>                                  ->  - | !<reason>
type Serial struct {
	port     string
	baudRate int
	timeout  time.Duration

	mu        sync.Mutex
	conn      serial.Port
	connected bool
}

// NewSerial creates a serial bridge transport. Call Connect before use.
func NewSerial(port string, baudRate int, timeout time.Duration) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Serial{
		port:     port,
		baudRate: baudRate,
		timeout:  timeout,
	}
}

// Connect opens the serial port.
func (s *Serial) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(s.port, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.port, err)
	}
	// Short reads let readLine enforce the per-transaction timeout.
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("failed to set read timeout: %w", err)
	}

	s.conn = port
	s.connected = true
	return nil
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close serial port: %w", err)
	}
	return nil
}

// IsConnected returns whether the bridge is currently connected.
func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Tx performs one bridged bus transaction.
func (s *Serial) Tx(addr uint16, w, r []byte) error {
	reply, err := s.exchange(formatTx(addr, w, len(r)), txReply(len(r)))
	if err != nil {
		return err
	}
	data, err := parseReply(reply)
	if err != nil {
		return fmt.Errorf("0x%02X: %w", addr, err)
	}
	n := copy(r, data)
	if len(data) != len(r) {
		return fmt.Errorf("%w: 0x%02X returned %d of %d bytes", wire.ErrIncomplete, addr, n, len(r))
	}
	return nil
}

// SetLine drives one of the controller board's local actuator lines.
func (s *Serial) SetLine(line int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	reply, err := s.exchange(fmt.Sprintf("L %d %d\n", line, v), txReply(0))
	if err != nil {
		return err
	}
	if _, err := parseReply(reply); err != nil {
		return fmt.Errorf("line %d: %w", line, err)
	}
	return nil
}

// exchange sends req and returns the first reply line accepted by match.
// Input left over from an earlier timed out transaction is dropped before the
// request goes out, and late replies arriving after it are skipped by match.
func (s *Serial) exchange(req string, match func(string) bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return "", ErrNotConnected
	}
	if err := s.conn.ResetInputBuffer(); err != nil {
		return "", fmt.Errorf("failed to reset bridge input: %w", err)
	}
	if _, err := io.WriteString(s.conn, req); err != nil {
		return "", fmt.Errorf("failed to write to bridge: %w", err)
	}

	deadline := time.Now().Add(s.timeout)
	for {
		line, err := s.readLine(deadline)
		if err != nil {
			return "", err
		}
		if match(line) {
			return line, nil
		}
	}
}

// txReply accepts the replies the bridge can give to a request reading n
// bytes: a failure reason, "-" when nothing is read, or exactly n hex bytes.
func txReply(n int) func(string) bool {
	return func(line string) bool {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "!"):
			return true
		case n == 0:
			return line == "-"
		default:
			return len(line) == 2*n
		}
	}
}

// readLine reads one reply line. The port returns empty reads on its short
// read timeout, so the deadline is checked between reads.
func (s *Serial) readLine(deadline time.Time) (string, error) {
	var line []byte
	var b [1]byte
	for {
		n, err := s.conn.Read(b[:])
		if err != nil {
			return "", fmt.Errorf("failed to read from bridge: %w", err)
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return "", ErrTimeout
			}
			continue
		}
		switch b[0] {
		case '\r':
		case '\n':
			if len(line) == 0 {
				continue
			}
			return string(line), nil
		default:
			if len(line) >= maxLine {
				return "", fmt.Errorf("bridge reply too long")
			}
			line = append(line, b[0])
		}
	}
}

func formatTx(addr uint16, w []byte, readLen int) string {
	wh := "-"
	if len(w) > 0 {
		wh = hex.EncodeToString(w)
	}
	return fmt.Sprintf("T %02x %s %d\n", addr, wh, readLen)
}

func parseReply(line string) ([]byte, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, fmt.Errorf("empty bridge reply")
	case line == "-":
		return nil, nil
	case line[0] == '!':
		return nil, bridgeError(line[1:])
	}
	data, err := hex.DecodeString(line)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge reply %q: %w", line, err)
	}
	return data, nil
}

// bridgeError maps a bridge failure reason to an error. Reasons the bridge
// shares with local transports map to the wire errors.
func bridgeError(reason string) error {
	switch reason {
	case "nodev":
		return wire.ErrNoDevice
	case "short":
		return wire.ErrIncomplete
	case "timeout":
		return ErrTimeout
	default:
		return fmt.Errorf("bridge: %s", reason)
	}
}

// SerialLine is an actuator line on the controller board driven through the
// serial bridge.
type SerialLine struct {
	s    *Serial
	line int
	log  *zap.Logger
}

// NewSerialLine returns the bridge line with the given number.
func NewSerialLine(s *Serial, line int, log *zap.Logger) *SerialLine {
	if log == nil {
		log = zap.NewNop()
	}
	return &SerialLine{s: s, line: line, log: log}
}

// Set drives the line. Failures are logged.
func (l *SerialLine) Set(on bool) {
	if err := l.s.SetLine(l.line, on); err != nil {
		l.log.Warn("failed to set actuator line", zap.Int("line", l.line), zap.Bool("on", on), zap.Error(err))
	}
}
