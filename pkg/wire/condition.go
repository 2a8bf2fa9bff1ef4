package wire

import "fmt"

// Condition is the per-module health classification carried in reports.
type Condition uint8

const (
	Normal Condition = iota
	Recovery
	Serious
	LeadsOff // cardiac module only
)

var conditionLabels = [...]string{
	Normal:   "normal",
	Recovery: "recovery",
	Serious:  "serious",
	LeadsOff: "leads_off",
}

func (c Condition) String() string {
	if int(c) < len(conditionLabels) {
		return conditionLabels[c]
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

// MarshalText implements encoding.TextMarshaler so conditions appear as labels in JSON.
func (c Condition) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Condition) UnmarshalText(text []byte) error {
	for i, l := range conditionLabels {
		if l == string(text) {
			*c = Condition(i)
			return nil
		}
	}
	return fmt.Errorf("wire: unknown condition %q", text)
}
