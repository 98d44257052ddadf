package types

// Reading is a decoded device payload in the units the device reports:
// °C, %RH, Pa, g, V and dBm. It is converted to a Measurement exactly once.
type Reading struct {
	DataFormat      int
	MAC             string
	Temperature     *float64
	Humidity        *float64
	Pressure        *float64
	Acceleration    *Acceleration
	Voltage         *float64
	MovementCounter *int
	SequenceNumber  *int
	TxPower         *int
}

func (r Reading) Empty() bool {
	return r.Temperature == nil && r.Humidity == nil && r.Pressure == nil &&
		r.Acceleration == nil && r.Voltage == nil
}
