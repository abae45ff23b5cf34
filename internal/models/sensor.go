package models

// SensorField names one of the numeric telemetry readings on an Event.
type SensorField string

const (
	SensorVoltage     SensorField = "voltage"
	SensorCurrent     SensorField = "current"
	SensorPowerFactor SensorField = "power_factor"
	SensorFrequency   SensorField = "frequency"
	SensorTemperature SensorField = "temperature"
	SensorLoad        SensorField = "load"
)

func (e *Event) sensorPtr(f SensorField) **float64 {
	switch f {
	case SensorVoltage:
		return &e.Voltage
	case SensorCurrent:
		return &e.Current
	case SensorPowerFactor:
		return &e.PowerFactor
	case SensorFrequency:
		return &e.Frequency
	case SensorTemperature:
		return &e.Temperature
	case SensorLoad:
		return &e.Load
	}
	return nil
}

// Sensor returns the reading for f and whether it is present.
func (e *Event) Sensor(f SensorField) (float64, bool) {
	p := e.sensorPtr(f)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// SetSensor stores a reading for f. Unknown fields are ignored.
func (e *Event) SetSensor(f SensorField, v float64) {
	p := e.sensorPtr(f)
	if p == nil {
		return
	}
	*p = &v
}

// Float is a helper for building events with literal readings.
func Float(v float64) *float64 { return &v }

// String is a helper for nullable string fields.
func String(v string) *string { return &v }
