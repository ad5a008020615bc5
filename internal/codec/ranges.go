package codec

// Range bounds the physically plausible values for one measure.
type Range struct {
	Min  float64
	Max  float64
	Unit string
}

// Measure names used as range table keys. Tire pressure and barometric
// pressure share SensorKind but have different units and bounds, so the
// table is keyed by measure rather than kind.
const (
	MeasureTirePressure    = "tire_pressure"
	MeasureTireTemperature = "tire_temperature"
	MeasureTemperature     = "temperature"
	MeasureHumidity        = "humidity"
	MeasureBattery         = "battery"
	MeasureBarometric      = "barometric_pressure"
	MeasureAccel           = "accel"
	MeasureLight           = "light"
)

// rangeTable is the canonical validation table. Other layers (firmware,
// dashboards) consume this table via Ranges() rather than reimplementing it.
var rangeTable = map[string]Range{
	MeasureTirePressure:    {Min: 0, Max: 600, Unit: "kPa"},
	MeasureTireTemperature: {Min: -40, Max: 120, Unit: "C"},
	MeasureTemperature:     {Min: -40, Max: 85, Unit: "C"},
	MeasureHumidity:        {Min: 0, Max: 100, Unit: "%"},
	MeasureBattery:         {Min: 0, Max: 5, Unit: "V"},
	MeasureBarometric:      {Min: 300, Max: 1200, Unit: "hPa"},
	MeasureAccel:           {Min: 0, Max: 5, Unit: "g"},
	MeasureLight:           {Min: 0, Max: 200_000, Unit: "lux"},
}

// Ranges returns a copy of the canonical range table.
func Ranges() map[string]Range {
	out := make(map[string]Range, len(rangeTable))
	for k, v := range rangeTable {
		out[k] = v
	}
	return out
}

// grade checks value against the named measure's range. Values outside the
// range are graded invalid; the value itself is never clamped or altered.
func grade(measure string, value float64) Quality {
	r, ok := rangeTable[measure]
	if !ok {
		return QualitySuspect
	}
	if value < r.Min || value > r.Max {
		return QualityInvalid
	}
	return QualityGood
}

// unitFor returns the canonical unit for a measure, or "" if unknown.
func unitFor(measure string) string {
	return rangeTable[measure].Unit
}
