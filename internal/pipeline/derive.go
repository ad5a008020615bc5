package pipeline

import (
	"math"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// seaLevelPressureHPa is the ISA standard atmosphere reference.
const seaLevelPressureHPa = 1013.25

// deriveReadings appends computed readings to a frame. Currently one
// derivation: barometric altitude from a good barometric pressure sample,
// using the international barometric formula.
func deriveReadings(readings []codec.Reading) []codec.Reading {
	for i := range readings {
		r := &readings[i]
		if r.Kind != codec.KindPressure || r.Position != codec.PositionNone {
			continue
		}
		if r.Unit != "hPa" || r.Quality != codec.QualityGood {
			continue
		}

		altitude := 44330.0 * (1.0 - math.Pow(r.Value/seaLevelPressureHPa, 0.1903))

		d := codec.Reading{
			DeviceID:        r.DeviceID,
			Kind:            codec.KindComposite,
			Name:            "altitude_m",
			Position:        codec.PositionNone,
			Value:           math.Round(altitude*10) / 10,
			Unit:            "m",
			DeviceTimestamp: r.DeviceTimestamp,
			IngestTimestamp: r.IngestTimestamp,
			Quality:         codec.QualityGood,
		}
		return append(readings, d)
	}
	return readings
}
