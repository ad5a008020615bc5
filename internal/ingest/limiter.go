package ingest

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/smartsensor/sensor-gateway/internal/infrastructure/config"
)

// Limiter enforces token-bucket admission per device and per source.
// The device bucket bounds a chatty or faulty sensor; the source bucket
// bounds a transport origin (an HTTP client IP, the MQTT session) so a
// flood of spoofed device ids cannot bypass the device buckets.
type Limiter struct {
	deviceRate  rate.Limit
	deviceBurst int
	sourceRate  rate.Limit
	sourceBurst int

	mu      sync.Mutex
	devices map[string]*bucket
	sources map[string]*bucket
}

type bucket struct {
	lim      *rate.Limiter
	lastUsed time.Time
}

// NewLimiter creates a limiter from the rate config. Zero or negative
// rates disable the corresponding check.
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	return &Limiter{
		deviceRate:  rate.Limit(cfg.DeviceRate),
		deviceBurst: cfg.DeviceBurst,
		sourceRate:  rate.Limit(cfg.SourceRate),
		sourceBurst: cfg.SourceBurst,
		devices:     make(map[string]*bucket),
		sources:     make(map[string]*bucket),
	}
}

// AllowDevice reports whether a device may submit one frame now.
func (l *Limiter) AllowDevice(deviceID string) bool {
	if l.deviceRate <= 0 {
		return true
	}
	return l.allow(l.devices, deviceID, l.deviceRate, l.deviceBurst)
}

// AllowSource reports whether a transport origin may submit one frame now.
func (l *Limiter) AllowSource(origin string) bool {
	if l.sourceRate <= 0 {
		return true
	}
	return l.allow(l.sources, origin, l.sourceRate, l.sourceBurst)
}

func (l *Limiter) allow(m map[string]*bucket, key string, r rate.Limit, burst int) bool {
	if burst <= 0 {
		burst = 1
	}

	l.mu.Lock()
	b, ok := m[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(r, burst)}
		m[key] = b
	}
	b.lastUsed = time.Now()
	l.mu.Unlock()

	return b.lim.Allow()
}

// PruneIdle drops buckets unused for longer than maxIdle, bounding
// memory across a churning device fleet. Returns the number removed.
func (l *Limiter) PruneIdle(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.devices {
		if b.lastUsed.Before(cutoff) {
			delete(l.devices, key)
			removed++
		}
	}
	for key, b := range l.sources {
		if b.lastUsed.Before(cutoff) {
			delete(l.sources, key)
			removed++
		}
	}
	return removed
}

// TrackedBuckets returns the number of live device and source buckets.
func (l *Limiter) TrackedBuckets() (devices, sources int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.devices), len(l.sources)
}
