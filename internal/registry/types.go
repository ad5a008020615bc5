package registry

import (
	"time"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// DeviceKind classifies a field device.
type DeviceKind string

const (
	KindTPMS          DeviceKind = "tpms"
	KindEnvironmental DeviceKind = "environmental"
	KindGateway       DeviceKind = "gateway"
	// KindUnknown is assigned to auto-provisioned devices until an
	// operator classifies them.
	KindUnknown DeviceKind = "unknown"
)

// Valid returns true for recognised device kinds.
func (k DeviceKind) Valid() bool {
	switch k {
	case KindTPMS, KindEnvironmental, KindGateway, KindUnknown:
		return true
	}
	return false
}

// Device is the registry's authoritative record for one field device.
//
// Only the Registry mutates Device records. Other components receive
// immutable DeviceView copies via Resolve and Snapshot.
type Device struct {
	ID                     string        `json:"id"`
	Kind                   DeviceKind    `json:"kind"`
	CredentialsFingerprint string        `json:"-"`
	KnownSince             time.Time     `json:"known_since"`
	LastSeenAt             time.Time     `json:"last_seen_at"`
	FirmwareVersion        string        `json:"firmware_version,omitempty"`
	HealthScore            float64       `json:"health_score"`
	Quarantined            bool          `json:"quarantined,omitempty"`
	Cadence                time.Duration `json:"-"`
}

// DeviceView is an immutable copy of a Device handed to other components.
// It is a value type; callers can retain it without holding registry locks.
type DeviceView struct {
	ID              string
	Kind            DeviceKind
	KnownSince      time.Time
	LastSeenAt      time.Time
	FirmwareVersion string
	HealthScore     float64
	Quarantined     bool
	Cadence         time.Duration
}

// view builds the immutable snapshot of a device record.
func (d *Device) view() DeviceView {
	return DeviceView{
		ID:              d.ID,
		Kind:            d.Kind,
		KnownSince:      d.KnownSince,
		LastSeenAt:      d.LastSeenAt,
		FirmwareVersion: d.FirmwareVersion,
		HealthScore:     d.HealthScore,
		Quarantined:     d.Quarantined,
		Cadence:         d.Cadence,
	}
}

// QualitySample is one observation fed into the health-score window.
type QualitySample struct {
	At      time.Time
	Quality codec.Quality
	// Battery is the battery voltage seen in the frame, when present.
	Battery *float64
}

// Stats summarises the registry for the admin API.
type Stats struct {
	Total         int                `json:"total"`
	ByKind        map[DeviceKind]int `json:"by_kind"`
	Quarantined   int                `json:"quarantined"`
	AverageHealth float64            `json:"average_health"`
}
