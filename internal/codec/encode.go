package codec

import (
	"encoding/json"
	"time"
)

// StreamFrameType values sent to WebSocket subscribers.
const (
	StreamTypeReading    = "reading"
	StreamTypeSubscribed = "subscribed"
	StreamTypePing       = "ping"
	StreamTypePong       = "pong"
	StreamTypeError      = "error"
)

// streamReading is the wire shape of one reading pushed to subscribers.
// Field order is fixed so repeated encodes of the same reading are
// byte-identical (the hub encodes once and shares the blob by reference).
type streamReading struct {
	Type     string     `json:"type"`
	DeviceID string     `json:"device_id"`
	Kind     SensorKind `json:"kind"`
	Name     string     `json:"name,omitempty"`
	Position Position   `json:"position"`
	Value    float64    `json:"value"`
	Unit     string     `json:"unit"`
	DeviceTS string     `json:"device_ts"`
	IngestTS string     `json:"ingest_ts"`
	Quality  Quality    `json:"quality"`
}

// EncodeReading renders a reading as a canonical subscriber stream frame.
//
// The encoding is deterministic: identical readings always produce
// identical bytes.
func EncodeReading(r Reading) ([]byte, error) {
	frame := streamReading{
		Type:     StreamTypeReading,
		DeviceID: r.DeviceID,
		Kind:     r.Kind,
		Name:     r.Name,
		Position: r.Position,
		Value:    r.Value,
		Unit:     r.Unit,
		DeviceTS: r.DeviceTimestamp.UTC().Format(time.RFC3339Nano),
		IngestTS: r.IngestTimestamp.UTC().Format(time.RFC3339Nano),
		Quality:  r.Quality,
	}
	return json.Marshal(frame)
}

// canonicalTire is one tire entry in the canonical device frame.
type canonicalTire struct {
	Position     string   `json:"position"`
	PressureKPa  *float64 `json:"pressure_kpa,omitempty"`
	TemperatureC *float64 `json:"temperature_c,omitempty"`
}

// canonicalSensors holds the known sensor fields in fixed order.
type canonicalSensors struct {
	Temperature *float64        `json:"temperature,omitempty"`
	Humidity    *float64        `json:"humidity,omitempty"`
	Pressure    *float64        `json:"pressure,omitempty"`
	Tires       []canonicalTire `json:"tires,omitempty"`
	BatteryV    *float64        `json:"battery_v,omitempty"`
	RSSI        *float64        `json:"rssi,omitempty"`
}

// canonicalFrame is the canonical device frame shape.
type canonicalFrame struct {
	DeviceID  string           `json:"device_id"`
	Timestamp string           `json:"timestamp"`
	Firmware  string           `json:"firmware,omitempty"`
	Sensors   canonicalSensors `json:"sensors"`
}

// EncodeFrame renders an envelope and its readings back into the canonical
// device frame form. Decoding the result and re-encoding it yields
// byte-identical output, which makes frame identity testable.
//
// Unknown-kind readings have no canonical position in the frame and are
// omitted; callers that need them use the stream encoding instead.
func EncodeFrame(env Envelope, readings []Reading) ([]byte, error) {
	frame := canonicalFrame{
		DeviceID:  env.DeviceID,
		Timestamp: env.DeviceTimestamp.UTC().Format(time.RFC3339),
		Firmware:  env.Firmware,
		Sensors:   canonicalSensors{RSSI: env.RSSI},
	}

	tires := make(map[Position]*canonicalTire)
	tireOrder := []Position{}

	for i := range readings {
		r := readings[i]
		v := r.Value
		switch {
		case r.Kind == KindPressure && r.Position != PositionNone:
			t := tireFor(tires, &tireOrder, r.Position)
			t.PressureKPa = &v
		case r.Kind == KindTemperature && r.Position != PositionNone:
			t := tireFor(tires, &tireOrder, r.Position)
			t.TemperatureC = &v
		case r.Kind == KindTemperature:
			frame.Sensors.Temperature = &v
		case r.Kind == KindHumidity:
			frame.Sensors.Humidity = &v
		case r.Kind == KindPressure:
			frame.Sensors.Pressure = &v
		case r.Kind == KindBattery:
			frame.Sensors.BatteryV = &v
		}
	}

	for _, pos := range tireOrder {
		frame.Sensors.Tires = append(frame.Sensors.Tires, *tires[pos])
	}

	return json.Marshal(frame)
}

// tireFor returns the canonical tire entry for a position, creating it on
// first sight and recording insertion order.
func tireFor(tires map[Position]*canonicalTire, order *[]Position, pos Position) *canonicalTire {
	if t, ok := tires[pos]; ok {
		return t
	}
	t := &canonicalTire{Position: wireCode(pos)}
	tires[pos] = t
	*order = append(*order, pos)
	return t
}

// wireCode maps a Position back to its wire code.
func wireCode(pos Position) string {
	switch pos {
	case PositionFrontLeft:
		return "FL"
	case PositionFrontRight:
		return "FR"
	case PositionRearLeft:
		return "RL"
	case PositionRearRight:
		return "RR"
	default:
		return ""
	}
}
