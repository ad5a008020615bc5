package registry

import (
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// healthWindowSize bounds the rolling quality window per device.
const healthWindowSize = 50

// Health-score component weights. They sum to 1.0; the score is scaled
// to [0,100].
const (
	weightQuality   = 0.5
	weightFreshness = 0.3
	weightBattery   = 0.2
)

// HealthScore computes a device health score in [0,100].
//
// The score is a pure function of its inputs: identical samples, gap, and
// cadence always produce the identical score. It combines three signals:
//
//   - quality: fraction of recent frames graded good (suspect counts half)
//   - freshness: time since the last frame relative to the declared cadence;
//     full credit within 2x cadence, zero beyond 10x
//   - battery: most recent battery voltage band (>=3.3V full, <2.8V empty)
//
// An empty sample window yields a neutral 50 so newly provisioned devices
// are neither healthy nor alarming until data arrives.
func HealthScore(samples []QualitySample, sinceLast, cadence time.Duration) float64 {
	if len(samples) == 0 {
		return 50
	}

	quality := qualityFraction(samples)
	freshness := freshnessFactor(sinceLast, cadence)
	battery := batteryFactor(samples)

	score := (quality*weightQuality + freshness*weightFreshness + battery*weightBattery) * 100
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// qualityFraction scores the window's grade mix: good=1, suspect=0.5,
// invalid=0.
func qualityFraction(samples []QualitySample) float64 {
	var sum float64
	for _, s := range samples {
		switch s.Quality {
		case codec.QualityGood:
			sum += 1
		case codec.QualitySuspect:
			sum += 0.5
		}
	}
	return sum / float64(len(samples))
}

// freshnessFactor maps the reporting gap onto [0,1]. Devices within twice
// their declared cadence get full credit; credit decays linearly to zero
// at ten times the cadence.
func freshnessFactor(sinceLast, cadence time.Duration) float64 {
	if cadence <= 0 {
		cadence = time.Minute
	}
	ratio := float64(sinceLast) / float64(cadence)
	switch {
	case ratio <= 2:
		return 1
	case ratio >= 10:
		return 0
	default:
		return (10 - ratio) / 8
	}
}

// batteryFactor scores the most recent battery sample. Devices that never
// report battery (mains powered) get full credit.
func batteryFactor(samples []QualitySample) float64 {
	for i := len(samples) - 1; i >= 0; i-- {
		if samples[i].Battery == nil {
			continue
		}
		v := *samples[i].Battery
		switch {
		case v >= 3.3:
			return 1
		case v < 2.8:
			return 0
		default:
			return (v - 2.8) / 0.5
		}
	}
	return 1
}
