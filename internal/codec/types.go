package codec

import "time"

// SensorKind classifies a single measured value.
type SensorKind string

// Known sensor kinds. KindUnknown preserves measurements the gateway does
// not recognise so newer firmware can ship fields ahead of the gateway.
const (
	KindPressure    SensorKind = "pressure"
	KindTemperature SensorKind = "temperature"
	KindHumidity    SensorKind = "humidity"
	KindBattery     SensorKind = "battery"
	KindAccel       SensorKind = "accel"
	KindLight       SensorKind = "light"
	KindComposite   SensorKind = "composite"
	KindUnknown     SensorKind = "unknown"
)

// Position identifies a tire position for TPMS readings.
type Position string

// Tire positions. PositionNone applies to non-tire sensors.
const (
	PositionFrontLeft  Position = "front_left"
	PositionFrontRight Position = "front_right"
	PositionRearLeft   Position = "rear_left"
	PositionRearRight  Position = "rear_right"
	PositionNone       Position = "none"
)

// Quality grades a reading after validation.
type Quality string

const (
	// QualityGood marks a reading that passed all checks.
	QualityGood Quality = "good"

	// QualitySuspect marks a reading from an unknown sensor kind or an
	// unconfirmed (quarantined) device. The value is plausible but the
	// gateway cannot vouch for it.
	QualitySuspect Quality = "suspect"

	// QualityInvalid marks a reading whose value is outside the physical
	// range for its sensor kind. The original value is retained so
	// operators can audit the device.
	QualityInvalid Quality = "invalid"
)

// Reading is one normalized (kind, value, unit, timestamp) tuple for one
// device. Readings are immutable once accepted by the pipeline.
type Reading struct {
	DeviceID string     `json:"device_id"`
	Kind     SensorKind `json:"kind"`

	// Name is the original payload key for KindUnknown readings, empty
	// otherwise.
	Name string `json:"name,omitempty"`

	Position Position `json:"position"`
	Value    float64  `json:"value"`
	Unit     string   `json:"unit"`

	// DeviceTimestamp is the device-reported time. Monotonic per device,
	// may arrive out of order across devices.
	DeviceTimestamp time.Time `json:"device_ts"`

	// IngestTimestamp is assigned by the gateway when the frame is decoded.
	IngestTimestamp time.Time `json:"ingest_ts"`

	Quality Quality `json:"quality"`
}

// Envelope carries per-frame metadata shared by all readings in a frame.
type Envelope struct {
	DeviceID        string
	DeviceTimestamp time.Time
	Firmware        string

	// RSSI is the radio signal strength reported by the device, if any.
	// It is device metadata rather than a sensor measurement, so it does
	// not become a Reading.
	RSSI *float64
}

// devicePayload mirrors the inbound JSON frame.
//
//	{ "device_id":"...", "timestamp":"RFC3339", "firmware":"...",
//	  "sensors": { "temperature": 35.2, "tires":[...], ... } }
type devicePayload struct {
	DeviceID  string                 `json:"device_id"`
	Timestamp string                 `json:"timestamp"`
	Firmware  string                 `json:"firmware"`
	Sensors   map[string]interface{} `json:"sensors"`
}

// tirePayload mirrors one entry of the sensors.tires array.
type tirePayload struct {
	Position     string   `json:"position"`
	PressureKPa  *float64 `json:"pressure_kpa"`
	TemperatureC *float64 `json:"temperature_c"`
}
