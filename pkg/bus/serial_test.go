package bus

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/itohio/icumon/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"
)

// fakeBridge emulates the bridge firmware: every request line written to it
// is executed against a local bus and the reply is queued for reading.
// Methods the transport does not use panic through the nil embedded Port.
type fakeBridge struct {
	serial.Port

	bus     *Local
	pending bytes.Buffer
	replies bytes.Buffer
	lines   map[int]bool
	silent  bool
	closed  bool

	// late is queued ahead of the next reply, as if an earlier reply
	// arrived while the next request was being written.
	late   string
	resets int
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{bus: NewLocal(), lines: make(map[int]bool)}
}

func (f *fakeBridge) Write(p []byte) (int, error) {
	f.pending.Write(p)
	for {
		line, err := f.pending.ReadString('\n')
		if err != nil {
			f.pending.WriteString(line)
			return len(p), nil
		}
		if f.late != "" {
			f.replies.WriteString(f.late + "\r\n")
			f.late = ""
		}
		if !f.silent {
			f.replies.WriteString(f.handle(strings.TrimSpace(line)) + "\r\n")
		}
	}
}

func (f *fakeBridge) Read(p []byte) (int, error) {
	if f.replies.Len() == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	return f.replies.Read(p)
}

func (f *fakeBridge) ResetInputBuffer() error {
	f.resets++
	f.replies.Reset()
	return nil
}

func (f *fakeBridge) Close() error {
	f.closed = true
	return nil
}

func (f *fakeBridge) handle(line string) string {
	if strings.HasPrefix(line, "L ") {
		var n, v int
		if _, err := fmt.Sscanf(line, "L %d %d", &n, &v); err != nil || n > LineAlarm {
			return "!badline"
		}
		f.lines[n] = v == 1
		return "-"
	}

	addr, w, readLen, err := parseTx(line)
	if err != nil {
		return "!syntax"
	}
	r := make([]byte, readLen)
	if err := f.bus.Tx(addr, w, r); err != nil {
		switch {
		case errors.Is(err, wire.ErrNoDevice):
			return "!nodev"
		case errors.Is(err, wire.ErrIncomplete):
			return "!short"
		}
		return "!" + err.Error()
	}
	if readLen == 0 {
		return "-"
	}
	return hex.EncodeToString(r)
}

// parseTx decodes a transaction request line.
func parseTx(line string) (addr uint16, w []byte, readLen int, err error) {
	parts := strings.Fields(line)
	if len(parts) != 4 || parts[0] != "T" {
		return 0, nil, 0, fmt.Errorf("invalid transaction %q", line)
	}
	a, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return 0, nil, 0, err
	}
	if parts[2] != "-" {
		if w, err = hex.DecodeString(parts[2]); err != nil {
			return 0, nil, 0, err
		}
	}
	if readLen, err = strconv.Atoi(parts[3]); err != nil {
		return 0, nil, 0, err
	}
	return uint16(a), w, readLen, nil
}

func connectedSerial(f *fakeBridge) *Serial {
	s := NewSerial("fake", 0, 50*time.Millisecond)
	s.conn = f
	s.connected = true
	return s
}

func TestFormatTx(t *testing.T) {
	assert.Equal(t, "T 08 01 0\n", formatTx(wire.FluidAddress, []byte{wire.CmdReadSensors}, 0))
	assert.Equal(t, "T 0a - 7\n", formatTx(wire.OximeterAddress, nil, 7))
	assert.Equal(t, "T 08 0201 0\n", formatTx(wire.FluidAddress, []byte{wire.CmdPumpControl, 1}, 0))
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    []byte
		wantErr error
	}{
		{name: "data", line: "00fa0384", want: []byte{0x00, 0xfa, 0x03, 0x84}},
		{name: "no data", line: "-", want: nil},
		{name: "no device", line: "!nodev", wantErr: wire.ErrNoDevice},
		{name: "short", line: "!short", wantErr: wire.ErrIncomplete},
		{name: "timeout", line: "!timeout", wantErr: ErrTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReply(tt.line)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := parseReply("!bus stuck")
	assert.Error(t, err)
	_, err = parseReply("zz")
	assert.Error(t, err)
	_, err = parseReply("")
	assert.Error(t, err)
}

func TestSerial_Tx(t *testing.T) {
	f := newFakeBridge()
	p := &fakePeripheral{report: []byte{1, 2, 3, 4, 5, 6}}
	f.bus.Attach(wire.FluidAddress, p)
	s := connectedSerial(f)

	buf := make([]byte, wire.FluidReportLen)
	require.NoError(t, Read(s, wire.FluidAddress, buf, 0))
	assert.Equal(t, p.report, buf)
	assert.Equal(t, [][]byte{{wire.CmdReadSensors}}, p.received)

	require.NoError(t, Command(s, wire.FluidAddress, wire.CmdPumpControl, 1))
	assert.Equal(t, []byte{wire.CmdPumpControl, 1}, p.received[1])
}

func TestSerial_Errors(t *testing.T) {
	f := newFakeBridge()
	f.bus.Attach(wire.CardiacAddress, &fakePeripheral{report: []byte{1, 2}})
	s := connectedSerial(f)

	assert.ErrorIs(t, s.Tx(wire.FluidAddress, []byte{wire.CmdReadSensors}, nil), wire.ErrNoDevice)
	assert.ErrorIs(t, s.Tx(wire.CardiacAddress, nil, make([]byte, wire.CardiacReportLen)), wire.ErrIncomplete)

	f.silent = true
	assert.ErrorIs(t, s.Tx(wire.CardiacAddress, nil, make([]byte, 2)), ErrTimeout)
}

func TestSerial_RecoversAfterTimeout(t *testing.T) {
	report := []byte{1, 2, 3, 4, 5, 6}
	tests := []struct {
		name  string
		stale func(f *fakeBridge)
	}{
		{
			name:  "reply buffered before next request",
			stale: func(f *fakeBridge) { f.replies.WriteString("-\r\n") },
		},
		{
			name:  "reply arriving with next request",
			stale: func(f *fakeBridge) { f.late = "-" },
		},
		{
			name:  "stale data reply",
			stale: func(f *fakeBridge) { f.late = "0102" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBridge()
			p := &fakePeripheral{report: report}
			f.bus.Attach(wire.FluidAddress, p)
			s := connectedSerial(f)

			f.silent = true
			require.ErrorIs(t, Command(s, wire.FluidAddress, wire.CmdReadSensors), ErrTimeout)
			f.silent = false
			tt.stale(f)

			for range 3 {
				buf := make([]byte, wire.FluidReportLen)
				require.NoError(t, Read(s, wire.FluidAddress, buf, 0))
				assert.Equal(t, report, buf)
				require.NoError(t, Command(s, wire.FluidAddress, wire.CmdPumpControl, 1))
			}
			assert.Positive(t, f.resets)
		})
	}
}

func TestTxReply(t *testing.T) {
	tests := []struct {
		line string
		n    int
		want bool
	}{
		{line: "-", n: 0, want: true},
		{line: "-", n: 6, want: false},
		{line: "010203040506", n: 6, want: true},
		{line: "0102", n: 6, want: false},
		{line: "0102", n: 0, want: false},
		{line: "!nodev", n: 6, want: true},
		{line: "!line", n: 0, want: true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, txReply(tt.n)(tt.line), "%q for %d bytes", tt.line, tt.n)
	}
}

func TestSerial_NotConnected(t *testing.T) {
	s := NewSerial("fake", 0, 0)
	assert.False(t, s.IsConnected())
	assert.ErrorIs(t, s.Tx(wire.FluidAddress, nil, nil), ErrNotConnected)
	assert.NoError(t, s.Close())
}

func TestSerial_Close(t *testing.T) {
	f := newFakeBridge()
	s := connectedSerial(f)
	require.True(t, s.IsConnected())
	require.NoError(t, s.Close())
	assert.True(t, f.closed)
	assert.False(t, s.IsConnected())
}

func TestSerialLine(t *testing.T) {
	f := newFakeBridge()
	s := connectedSerial(f)

	NewSerialLine(s, LineAlarm, zap.NewNop()).Set(true)
	NewSerialLine(s, LinePump, nil).Set(true)
	NewSerialLine(s, LinePump, nil).Set(false)
	assert.Equal(t, map[int]bool{LineAlarm: true, LinePump: false}, f.lines)

	assert.Error(t, s.SetLine(7, true))
}
