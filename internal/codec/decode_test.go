package codec

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

var testNow = time.Date(2024, 1, 26, 14, 30, 30, 0, time.UTC)

func TestDecode_TPMSHappyPath(t *testing.T) {
	payload := []byte(`{"device_id":"HK_000001","timestamp":"2024-01-26T14:30:25Z",` +
		`"sensors":{"tires":[{"position":"FL","pressure_kpa":220.0,"temperature_c":35.0}]}}`)

	env, readings, err := NewDecoder().Decode(payload, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	if env.DeviceID != "HK_000001" {
		t.Errorf("DeviceID = %q, want HK_000001", env.DeviceID)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2 (pressure + temperature)", len(readings))
	}

	pressure := readings[0]
	if pressure.Kind != KindPressure {
		t.Errorf("readings[0].Kind = %q, want pressure", pressure.Kind)
	}
	if pressure.Position != PositionFrontLeft {
		t.Errorf("Position = %q, want front_left", pressure.Position)
	}
	if pressure.Value != 220.0 {
		t.Errorf("Value = %v, want 220.0", pressure.Value)
	}
	if pressure.Unit != "kPa" {
		t.Errorf("Unit = %q, want kPa", pressure.Unit)
	}
	if pressure.Quality != QualityGood {
		t.Errorf("Quality = %q, want good", pressure.Quality)
	}
	if !pressure.DeviceTimestamp.Equal(time.Date(2024, 1, 26, 14, 30, 25, 0, time.UTC)) {
		t.Errorf("DeviceTimestamp = %v", pressure.DeviceTimestamp)
	}
	if !pressure.IngestTimestamp.Equal(testNow) {
		t.Errorf("IngestTimestamp = %v, want %v", pressure.IngestTimestamp, testNow)
	}

	temp := readings[1]
	if temp.Kind != KindTemperature || temp.Value != 35.0 || temp.Quality != QualityGood {
		t.Errorf("readings[1] = %+v, want good tire temperature 35.0", temp)
	}
}

func TestDecode_EnvironmentalScalars(t *testing.T) {
	payload := []byte(`{"device_id":"ENV_01","sensors":` +
		`{"temperature":35.2,"humidity":60.1,"pressure":1013.2,"battery_v":3.7,"rssi":-58}}`)

	env, readings, err := NewDecoder().Decode(payload, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	// Sorted key order: battery_v, humidity, pressure, rssi, temperature.
	wantKinds := []SensorKind{KindBattery, KindHumidity, KindPressure, KindTemperature}
	if len(readings) != len(wantKinds) {
		t.Fatalf("got %d readings, want %d", len(readings), len(wantKinds))
	}
	for i, kind := range wantKinds {
		if readings[i].Kind != kind {
			t.Errorf("readings[%d].Kind = %q, want %q", i, readings[i].Kind, kind)
		}
		if readings[i].Quality != QualityGood {
			t.Errorf("readings[%d].Quality = %q, want good", i, readings[i].Quality)
		}
	}

	// Barometric pressure is hPa, not tire kPa.
	if readings[2].Unit != "hPa" {
		t.Errorf("pressure Unit = %q, want hPa", readings[2].Unit)
	}

	// RSSI is envelope metadata, not a reading.
	if env.RSSI == nil || *env.RSSI != -58 {
		t.Errorf("env.RSSI = %v, want -58", env.RSSI)
	}

	// Missing timestamp falls back to ingest time.
	if !env.DeviceTimestamp.Equal(testNow) {
		t.Errorf("DeviceTimestamp = %v, want ingest time", env.DeviceTimestamp)
	}
}

func TestDecode_OutOfRangeRetainsValue(t *testing.T) {
	payload := []byte(`{"device_id":"HK_000002",` +
		`"sensors":{"tires":[{"position":"RR","pressure_kpa":9999}]}}`)

	_, readings, err := NewDecoder().Decode(payload, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(readings))
	}
	if readings[0].Quality != QualityInvalid {
		t.Errorf("Quality = %q, want invalid", readings[0].Quality)
	}
	if readings[0].Value != 9999 {
		t.Errorf("Value = %v, want original 9999 retained", readings[0].Value)
	}
}

func TestDecode_UnknownSensorPreservedAsSuspect(t *testing.T) {
	payload := []byte(`{"device_id":"ENV_02","sensors":{"co2_ppm":412.5}}`)

	_, readings, err := NewDecoder().Decode(payload, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(readings))
	}
	r := readings[0]
	if r.Kind != KindUnknown || r.Name != "co2_ppm" {
		t.Errorf("reading = %+v, want unknown kind named co2_ppm", r)
	}
	if r.Quality != QualitySuspect {
		t.Errorf("Quality = %q, want suspect", r.Quality)
	}
	if r.Value != 412.5 {
		t.Errorf("Value = %v, want 412.5", r.Value)
	}
}

func TestDecode_Failures(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{
			name:    "missing device_id",
			payload: `{"timestamp":"2024-01-26T14:30:25Z","sensors":{}}`,
			wantErr: ErrMissingDeviceID,
		},
		{
			name:    "clock skew beyond window",
			payload: `{"device_id":"D1","timestamp":"2020-01-01T00:00:00Z"}`,
			wantErr: ErrClockSkew,
		},
		{
			name:    "bad timestamp",
			payload: `{"device_id":"D1","timestamp":"yesterday"}`,
			wantErr: ErrBadTimestamp,
		},
		{
			name:    "not json",
			payload: `{"device_id":`,
			wantErr: ErrMalformed,
		},
		{
			name:    "wrong shape",
			payload: `[1,2,3]`,
			wantErr: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := NewDecoder().Decode([]byte(tt.payload), testNow)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			var decErr *DecodeError
			if !errors.As(err, &decErr) {
				t.Errorf("Decode() error is not *DecodeError: %T", err)
			}
		})
	}
}

func TestDecode_SyntaxErrorCarriesOffset(t *testing.T) {
	_, _, err := NewDecoder().Decode([]byte(`{"device_id": }`), testNow)
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("error %T is not *DecodeError", err)
	}
	if decErr.Offset <= 0 {
		t.Errorf("Offset = %d, want positive byte offset", decErr.Offset)
	}
}

func TestDecode_UnknownTirePositionIsSuspect(t *testing.T) {
	payload := []byte(`{"device_id":"HK_3","sensors":{"tires":[{"position":"XX","pressure_kpa":220}]}}`)

	_, readings, err := NewDecoder().Decode(payload, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(readings) != 1 || readings[0].Position != PositionNone || readings[0].Quality != QualitySuspect {
		t.Errorf("readings = %+v, want suspect reading with position none", readings)
	}
}

func TestSplitBatch(t *testing.T) {
	frames, err := SplitBatch([]byte(`[{"device_id":"a"},{"device_id":"b"}]`))
	if err != nil {
		t.Fatalf("SplitBatch() error = %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("got %d frames, want 2", len(frames))
	}

	if _, err := SplitBatch([]byte(`{"device_id":"a"}`)); err == nil {
		t.Error("SplitBatch() expected error for non-array body")
	}
}

func TestEncodeFrame_RoundTrip(t *testing.T) {
	original := []byte(`{"device_id":"HK_000001","timestamp":"2024-01-26T14:30:25Z",` +
		`"sensors":{"temperature":22.5,"humidity":40,` +
		`"tires":[{"position":"FL","pressure_kpa":220,"temperature_c":35}],` +
		`"battery_v":3.7,"rssi":-58}}`)

	dec := NewDecoder()
	env, readings, err := dec.Decode(original, testNow)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	first, err := EncodeFrame(env, readings)
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}

	// Canonical form is a fixed point: decode + re-encode is byte-identical.
	env2, readings2, err := dec.Decode(first, testNow)
	if err != nil {
		t.Fatalf("Decode(canonical) error = %v", err)
	}
	second, err := EncodeFrame(env2, readings2)
	if err != nil {
		t.Fatalf("EncodeFrame(second) error = %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("canonical form not stable:\n first = %s\nsecond = %s", first, second)
	}
}

func TestEncodeReading_Deterministic(t *testing.T) {
	r := Reading{
		DeviceID:        "HK_000001",
		Kind:            KindPressure,
		Position:        PositionFrontLeft,
		Value:           220,
		Unit:            "kPa",
		DeviceTimestamp: testNow,
		IngestTimestamp: testNow,
		Quality:         QualityGood,
	}

	a, err := EncodeReading(r)
	if err != nil {
		t.Fatalf("EncodeReading() error = %v", err)
	}
	b, _ := EncodeReading(r)
	if !bytes.Equal(a, b) {
		t.Error("EncodeReading() not deterministic")
	}
	if !bytes.Contains(a, []byte(`"type":"reading"`)) {
		t.Errorf("frame missing type field: %s", a)
	}
}

func TestRanges_ReturnsCopy(t *testing.T) {
	ranges := Ranges()
	ranges[MeasureTirePressure] = Range{Min: -1, Max: -1}

	if got := Ranges()[MeasureTirePressure]; got.Max != 600 {
		t.Errorf("Ranges() table mutated via returned copy: %+v", got)
	}
}
