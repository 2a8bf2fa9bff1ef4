package wire

// FluidReport is the fluid module's answer to CmdReadSensors.
//
//	inletRate:2 outletRate:2 condition:1 pumpState:1
type FluidReport struct {
	InletRate  float64 // ml/min
	OutletRate float64 // ml/min
	Condition  Condition
	Pump       bool
}

// MarshalBinary encodes the report into its 6-byte wire form.
func (r FluidReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, FluidReportLen)
	PutFixed(b[0:], r.InletRate, Scale10)
	PutFixed(b[2:], r.OutletRate, Scale10)
	b[4] = byte(r.Condition)
	b[5] = boolByte(r.Pump)
	return b, nil
}

// UnmarshalBinary decodes a 6-byte report. Any other length is ErrIncomplete.
func (r *FluidReport) UnmarshalBinary(b []byte) error {
	if len(b) != FluidReportLen {
		return ErrIncomplete
	}
	r.InletRate = Fixed(b[0:], Scale10)
	r.OutletRate = Fixed(b[2:], Scale10)
	r.Condition = Condition(b[4])
	r.Pump = b[5] != 0
	return nil
}

// CardiacReport is the cardiac module's answer to CmdReadSensors.
//
//	heartRate:2 ecgAmplitude:2 hrv:2 qrsDuration:2 condition:1
type CardiacReport struct {
	HeartRate    float64 // bpm
	ECGAmplitude float64 // mV, scaled by 100 on the wire
	HRV          float64 // SDNN, ms
	QRSDuration  float64 // ms
	Condition    Condition
}

// MarshalBinary encodes the report into its 9-byte wire form.
func (r CardiacReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, CardiacReportLen)
	PutFixed(b[0:], r.HeartRate, Scale10)
	PutFixed(b[2:], r.ECGAmplitude, Scale100)
	PutFixed(b[4:], r.HRV, Scale10)
	PutFixed(b[6:], r.QRSDuration, Scale10)
	b[8] = byte(r.Condition)
	return b, nil
}

// UnmarshalBinary decodes a 9-byte report. Any other length is ErrIncomplete.
func (r *CardiacReport) UnmarshalBinary(b []byte) error {
	if len(b) != CardiacReportLen {
		return ErrIncomplete
	}
	r.HeartRate = Fixed(b[0:], Scale10)
	r.ECGAmplitude = Fixed(b[2:], Scale100)
	r.HRV = Fixed(b[4:], Scale10)
	r.QRSDuration = Fixed(b[6:], Scale10)
	r.Condition = Condition(b[8])
	return nil
}

// OximeterReport is the oximeter module's answer to CmdReadSensors.
//
//	spo2:2 pulse:2 temperature:2 oxygenAvailable:1
type OximeterReport struct {
	SpO2            float64 // %
	PulseRate       float64 // bpm
	Temperature     float64 // °C
	OxygenAvailable bool
}

// MarshalBinary encodes the report into its 7-byte wire form.
func (r OximeterReport) MarshalBinary() ([]byte, error) {
	b := make([]byte, OximeterReportLen)
	PutFixed(b[0:], r.SpO2, Scale10)
	PutFixed(b[2:], r.PulseRate, Scale10)
	PutFixed(b[4:], r.Temperature, Scale10)
	b[6] = boolByte(r.OxygenAvailable)
	return b, nil
}

// UnmarshalBinary decodes a 7-byte report. Any other length is ErrIncomplete.
func (r *OximeterReport) UnmarshalBinary(b []byte) error {
	if len(b) != OximeterReportLen {
		return ErrIncomplete
	}
	r.SpO2 = Fixed(b[0:], Scale10)
	r.PulseRate = Fixed(b[2:], Scale10)
	r.Temperature = Fixed(b[4:], Scale10)
	r.OxygenAvailable = b[6] != 0
	return nil
}
