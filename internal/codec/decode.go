package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// defaultMaxClockSkew is the widest accepted device/server time divergence.
const defaultMaxClockSkew = 24 * time.Hour

// Decoder parses inbound device frames into Reading records.
//
// The zero value is not usable; construct with NewDecoder. Decoding never
// panics on malformed input — all failures surface as *DecodeError.
type Decoder struct {
	// MaxClockSkew is the widest accepted divergence between the device
	// timestamp and server time. Frames outside the window are rejected.
	MaxClockSkew time.Duration
}

// NewDecoder creates a Decoder with the default clock skew window (24h).
func NewDecoder() *Decoder {
	return &Decoder{MaxClockSkew: defaultMaxClockSkew}
}

// Decode parses one raw device frame (MQTT payload or one element of an
// HTTP batch) into an envelope and its readings.
//
// Contract:
//   - Frames lacking device_id or with a timestamp outside the clock skew
//     window fail with a *DecodeError.
//   - Unknown sensor keys are preserved as KindUnknown readings with
//     quality=suspect, never dropped.
//   - Out-of-range values are graded quality=invalid with the original
//     value retained.
//   - Unknown top-level keys are ignored.
//
// Parameters:
//   - data: Raw frame bytes (JSON object)
//   - now: Server ingest time, stamped on every reading
//
// Returns:
//   - Envelope: Frame metadata (device, timestamp, firmware, rssi)
//   - []Reading: Zero or more normalized readings
//   - error: *DecodeError on malformed or unacceptable frames
func (d *Decoder) Decode(data []byte, now time.Time) (Envelope, []Reading, error) {
	var payload devicePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Envelope{}, nil, decodeErr(offsetOf(err), fmt.Errorf("%w: %w", ErrMalformed, err))
	}

	if payload.DeviceID == "" {
		return Envelope{}, nil, decodeErr(-1, ErrMissingDeviceID)
	}

	ts := now
	if payload.Timestamp != "" {
		parsed, err := time.Parse(time.RFC3339, payload.Timestamp)
		if err != nil {
			return Envelope{}, nil, decodeErr(-1, fmt.Errorf("%w: %q", ErrBadTimestamp, payload.Timestamp))
		}
		skew := now.Sub(parsed)
		if skew < 0 {
			skew = -skew
		}
		maxSkew := d.MaxClockSkew
		if maxSkew <= 0 {
			maxSkew = defaultMaxClockSkew
		}
		if skew > maxSkew {
			return Envelope{}, nil, decodeErr(-1, fmt.Errorf("%w: device=%s server=%s",
				ErrClockSkew, parsed.Format(time.RFC3339), now.Format(time.RFC3339)))
		}
		ts = parsed
	}

	env := Envelope{
		DeviceID:        payload.DeviceID,
		DeviceTimestamp: ts,
		Firmware:        payload.Firmware,
	}

	readings := d.decodeSensors(&env, payload.Sensors, ts, now)
	return env, readings, nil
}

// SplitBatch splits an HTTP ingest body (JSON array of frames) into raw
// frame elements for per-frame decoding.
func SplitBatch(data []byte) ([]json.RawMessage, error) {
	var frames []json.RawMessage
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, decodeErr(offsetOf(err), fmt.Errorf("%w: batch must be a JSON array: %w", ErrMalformed, err))
	}
	return frames, nil
}

// decodeSensors walks the sensors sub-object in sorted key order so the
// reading sequence for a given frame is deterministic.
func (d *Decoder) decodeSensors(env *Envelope, sensors map[string]interface{}, ts, now time.Time) []Reading {
	if len(sensors) == 0 {
		return nil
	}

	keys := make([]string, 0, len(sensors))
	for k := range sensors {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var readings []Reading
	base := Reading{
		DeviceID:        env.DeviceID,
		Position:        PositionNone,
		DeviceTimestamp: ts,
		IngestTimestamp: now,
	}

	for _, key := range keys {
		raw := sensors[key]
		switch key {
		case "temperature":
			readings = appendScalar(readings, base, raw, KindTemperature, MeasureTemperature)
		case "humidity":
			readings = appendScalar(readings, base, raw, KindHumidity, MeasureHumidity)
		case "pressure":
			// Top-level pressure is barometric (hPa); tire pressure
			// arrives in the tires array as kPa.
			readings = appendScalar(readings, base, raw, KindPressure, MeasureBarometric)
		case "battery_v":
			readings = appendScalar(readings, base, raw, KindBattery, MeasureBattery)
		case "accel", "acceleration":
			readings = appendScalar(readings, base, raw, KindAccel, MeasureAccel)
		case "light":
			readings = appendScalar(readings, base, raw, KindLight, MeasureLight)
		case "rssi":
			if v, ok := asFloat(raw); ok {
				env.RSSI = &v
			}
		case "tires":
			readings = append(readings, decodeTires(base, raw)...)
		default:
			// Forward compatibility: keep unknown numeric measurements
			// as suspect rather than dropping them.
			if v, ok := asFloat(raw); ok {
				r := base
				r.Kind = KindUnknown
				r.Name = key
				r.Value = v
				r.Quality = QualitySuspect
				readings = append(readings, r)
			}
		}
	}

	return readings
}

// appendScalar appends one scalar reading if the raw value is numeric.
func appendScalar(readings []Reading, base Reading, raw interface{}, kind SensorKind, measure string) []Reading {
	v, ok := asFloat(raw)
	if !ok {
		return readings
	}
	r := base
	r.Kind = kind
	r.Value = v
	r.Unit = unitFor(measure)
	r.Quality = grade(measure, v)
	return append(readings, r)
}

// decodeTires expands the tires array into per-position pressure and
// temperature readings.
func decodeTires(base Reading, raw interface{}) []Reading {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var tires []tirePayload
	if err := json.Unmarshal(data, &tires); err != nil {
		return nil
	}

	var readings []Reading
	for _, tire := range tires {
		pos, known := parsePosition(tire.Position)

		if tire.PressureKPa != nil {
			r := base
			r.Kind = KindPressure
			r.Position = pos
			r.Value = *tire.PressureKPa
			r.Unit = unitFor(MeasureTirePressure)
			r.Quality = grade(MeasureTirePressure, r.Value)
			if !known && r.Quality == QualityGood {
				r.Quality = QualitySuspect
			}
			readings = append(readings, r)
		}

		if tire.TemperatureC != nil {
			r := base
			r.Kind = KindTemperature
			r.Position = pos
			r.Value = *tire.TemperatureC
			r.Unit = unitFor(MeasureTireTemperature)
			r.Quality = grade(MeasureTireTemperature, r.Value)
			if !known && r.Quality == QualityGood {
				r.Quality = QualitySuspect
			}
			readings = append(readings, r)
		}
	}
	return readings
}

// parsePosition maps the wire position codes (FL/FR/RL/RR) to Position.
// Unknown codes map to PositionNone with known=false.
func parsePosition(s string) (Position, bool) {
	switch strings.ToUpper(s) {
	case "FL":
		return PositionFrontLeft, true
	case "FR":
		return PositionFrontRight, true
	case "RL":
		return PositionRearLeft, true
	case "RR":
		return PositionRearRight, true
	default:
		return PositionNone, false
	}
}

// asFloat extracts a float64 from a decoded JSON value.
func asFloat(raw interface{}) (float64, bool) {
	v, ok := raw.(float64)
	return v, ok
}

// offsetOf extracts the byte offset from a json error, or -1 if unknown.
func offsetOf(err error) int64 {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return syntaxErr.Offset
	}
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Offset
	}
	return -1
}
