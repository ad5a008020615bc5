package registry

import (
	"testing"
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

func fv(v float64) *float64 { return &v }

func samplesOf(qualities ...codec.Quality) []QualitySample {
	out := make([]QualitySample, len(qualities))
	for i, q := range qualities {
		out[i] = QualitySample{Quality: q}
	}
	return out
}

func TestHealthScore(t *testing.T) {
	cadence := time.Minute

	tests := []struct {
		name      string
		samples   []QualitySample
		sinceLast time.Duration
		want      float64
	}{
		{
			name:      "empty window is neutral",
			samples:   nil,
			sinceLast: 0,
			want:      50,
		},
		{
			name:      "all good and fresh",
			samples:   samplesOf(codec.QualityGood, codec.QualityGood, codec.QualityGood),
			sinceLast: 30 * time.Second,
			want:      100,
		},
		{
			name:      "all invalid and fresh",
			samples:   samplesOf(codec.QualityInvalid, codec.QualityInvalid),
			sinceLast: 30 * time.Second,
			// quality 0, freshness 1, battery 1 (no samples)
			want: 50,
		},
		{
			name:      "suspect counts half",
			samples:   samplesOf(codec.QualitySuspect, codec.QualitySuspect),
			sinceLast: 0,
			// quality 0.5*0.5 + freshness 0.3 + battery 0.2
			want: 75,
		},
		{
			name:      "silent device decays to battery-only credit",
			samples:   samplesOf(codec.QualityGood),
			sinceLast: 20 * cadence,
			// freshness 0 at >=10x cadence
			want: 70,
		},
		{
			name: "dead battery zeroes the battery component",
			samples: []QualitySample{
				{Quality: codec.QualityGood, Battery: fv(2.5)},
			},
			sinceLast: 0,
			want:      80,
		},
		{
			name: "full battery keeps full credit",
			samples: []QualitySample{
				{Quality: codec.QualityGood, Battery: fv(3.6)},
			},
			sinceLast: 0,
			want:      100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HealthScore(tt.samples, tt.sinceLast, cadence)
			if got != tt.want {
				t.Errorf("HealthScore() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHealthScore_Deterministic(t *testing.T) {
	samples := []QualitySample{
		{Quality: codec.QualityGood, Battery: fv(3.1)},
		{Quality: codec.QualitySuspect},
		{Quality: codec.QualityGood},
	}

	a := HealthScore(samples, 90*time.Second, time.Minute)
	b := HealthScore(samples, 90*time.Second, time.Minute)
	if a != b {
		t.Errorf("HealthScore not deterministic: %v != %v", a, b)
	}
}

func TestHealthScore_Bounds(t *testing.T) {
	// Mid-band battery, partial freshness: score must stay in [0,100].
	samples := []QualitySample{{Quality: codec.QualityGood, Battery: fv(3.0)}}
	got := HealthScore(samples, 5*time.Minute, time.Minute)
	if got < 0 || got > 100 {
		t.Errorf("HealthScore() = %v, outside [0,100]", got)
	}
}
