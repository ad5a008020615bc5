package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

// UnknownDevicePolicy controls what Resolve does for device ids with no
// registry entry.
type UnknownDevicePolicy string

const (
	// PolicyReject refuses frames from unregistered devices.
	PolicyReject UnknownDevicePolicy = "reject"
	// PolicyAutoProvision creates a record with kind=unknown on first sight.
	PolicyAutoProvision UnknownDevicePolicy = "auto_provision"
	// PolicyQuarantine creates a record flagged quarantined; downstream
	// layers degrade its readings to quality=suspect until an operator
	// confirms the device.
	PolicyQuarantine UnknownDevicePolicy = "quarantine"
)

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// shardCount bounds lock contention on the hot Resolve/Touch path.
// Power of two so the hash maps with a mask instead of a modulo.
const shardCount = 32

// entry is the mutable registry state for one device.
//
// The view pointer is the lock-free read path: Resolve and Snapshot load
// it atomically; writers rebuild the view under the shard lock and swap
// the pointer.
type entry struct {
	view atomic.Pointer[DeviceView]

	// Below fields are guarded by the owning shard's mutex.
	device Device
	window []QualitySample
}

// shard is one lock domain of the registry map.
type shard struct {
	mu      sync.RWMutex
	devices map[string]*entry
}

// Registry is the authoritative device map: credentials, last-seen, and
// health score. It is the single writer of Device records; every other
// component consumes immutable DeviceView snapshots.
//
// Internally sharded by device id hash. Reads (Resolve on a known device,
// Snapshot) take only a shard read-lock plus an atomic pointer load;
// writes (Touch, Provision, Evict) take the shard write-lock.
//
// All public methods are thread-safe.
type Registry struct {
	shards [shardCount]shard

	policy       UnknownDevicePolicy
	windowSize   int
	idleEviction time.Duration

	repo   Repository
	logger Logger

	now func() time.Time
}

// Options configures a Registry.
type Options struct {
	// Policy for unknown device ids. Defaults to PolicyQuarantine.
	Policy UnknownDevicePolicy

	// WindowSize is the number of recent samples retained for the health
	// score. Defaults to healthWindowSize.
	WindowSize int

	// IdleEviction is the TTL after which devices with no frames are
	// removed by EvictIdle. Zero disables TTL eviction.
	IdleEviction time.Duration

	// Repo, when set, receives write-through persistence of provision,
	// eviction, and periodic state flushes.
	Repo Repository
}

// New creates a Registry.
func New(opts Options) *Registry {
	if opts.Policy == "" {
		opts.Policy = PolicyQuarantine
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = healthWindowSize
	}

	r := &Registry{
		policy:       opts.Policy,
		windowSize:   opts.WindowSize,
		idleEviction: opts.IdleEviction,
		repo:         opts.Repo,
		logger:       noopLogger{},
		now:          time.Now,
	}
	for i := range r.shards {
		r.shards[i].devices = make(map[string]*entry)
	}
	return r
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// Load populates the registry from the repository. Call once on startup,
// before ingest begins.
func (r *Registry) Load(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}
	for i := range devices {
		d := devices[i]
		e := &entry{device: d}
		v := d.view()
		e.view.Store(&v)
		s := r.shardFor(d.ID)
		s.mu.Lock()
		s.devices[d.ID] = e
		s.mu.Unlock()
	}
	r.logger.Info("device registry loaded", "count", len(devices))
	return nil
}

// Resolve authenticates a device id + credentials fingerprint and returns
// its view.
//
// Unknown ids are handled per the configured policy: rejected, created
// with kind=unknown, or created quarantined. A registered device whose
// fingerprint does not match fails with ErrAuthFailed regardless of
// policy.
//
// Returns:
//   - DeviceView: Immutable snapshot of the resolved device
//   - error: ErrUnknownDevice, ErrAuthFailed, or nil
func (r *Registry) Resolve(deviceID, fingerprint string) (DeviceView, error) {
	s := r.shardFor(deviceID)

	s.mu.RLock()
	e, ok := s.devices[deviceID]
	s.mu.RUnlock()

	if ok {
		v := e.view.Load()
		// An empty presented fingerprint means the transport authenticated
		// the whole session (MQTT broker credentials); only a mismatching
		// non-empty one is a credentials failure.
		s.mu.RLock()
		match := fingerprint == "" ||
			e.device.CredentialsFingerprint == "" ||
			e.device.CredentialsFingerprint == fingerprint
		s.mu.RUnlock()
		if !match {
			return DeviceView{}, ErrAuthFailed
		}
		return *v, nil
	}

	switch r.policy {
	case PolicyReject:
		return DeviceView{}, ErrUnknownDevice
	case PolicyAutoProvision:
		return r.provisionUnknown(deviceID, fingerprint, false)
	default: // quarantine
		return r.provisionUnknown(deviceID, fingerprint, true)
	}
}

// provisionUnknown creates a first-sight device record under the shard
// lock, losing the race gracefully if another goroutine got there first.
func (r *Registry) provisionUnknown(deviceID, fingerprint string, quarantined bool) (DeviceView, error) {
	now := r.now().UTC()
	s := r.shardFor(deviceID)

	s.mu.Lock()
	if e, ok := s.devices[deviceID]; ok {
		v := e.view.Load()
		s.mu.Unlock()
		return *v, nil
	}

	d := Device{
		ID:                     deviceID,
		Kind:                   KindUnknown,
		CredentialsFingerprint: fingerprint,
		KnownSince:             now,
		LastSeenAt:             now,
		HealthScore:            50,
		Quarantined:            quarantined,
	}
	e := &entry{device: d}
	v := d.view()
	e.view.Store(&v)
	s.devices[deviceID] = e
	s.mu.Unlock()

	r.logger.Info("device auto-provisioned",
		"device_id", deviceID, "quarantined", quarantined)

	if r.repo != nil {
		if err := r.repo.Upsert(context.Background(), &d); err != nil {
			r.logger.Error("persisting provisioned device", "device_id", deviceID, "error", err)
		}
	}
	return v, nil
}

// Touch records one observed frame: updates last-seen, rolls the quality
// window, and recomputes the health score.
//
// Firmware, when non-empty, refreshes the recorded firmware version.
func (r *Registry) Touch(deviceID string, at time.Time, sample QualitySample, firmware string) error {
	s := r.shardFor(deviceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.devices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}

	e.device.LastSeenAt = at
	if firmware != "" {
		e.device.FirmwareVersion = firmware
	}

	sample.At = at
	e.window = append(e.window, sample)
	if len(e.window) > r.windowSize {
		e.window = e.window[len(e.window)-r.windowSize:]
	}

	// sinceLast is zero at touch time; freshness decay is observed by
	// later Snapshot callers through RecomputeHealth.
	e.device.HealthScore = HealthScore(e.window, 0, e.device.Cadence)

	v := e.device.view()
	e.view.Store(&v)
	return nil
}

// Snapshot returns the immutable view of one device.
func (r *Registry) Snapshot(deviceID string) (DeviceView, error) {
	s := r.shardFor(deviceID)
	s.mu.RLock()
	e, ok := s.devices[deviceID]
	s.mu.RUnlock()
	if !ok {
		return DeviceView{}, ErrDeviceNotFound
	}
	return *e.view.Load(), nil
}

// Confirm lifts quarantine and assigns the operator-confirmed kind.
func (r *Registry) Confirm(deviceID string, kind DeviceKind) error {
	if !kind.Valid() {
		return fmt.Errorf("registry: invalid device kind %q", kind)
	}
	s := r.shardFor(deviceID)

	s.mu.Lock()
	e, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	e.device.Quarantined = false
	e.device.Kind = kind
	v := e.device.view()
	e.view.Store(&v)
	d := e.device
	s.mu.Unlock()

	r.logger.Info("device confirmed", "device_id", deviceID, "kind", kind)
	return r.persist(&d)
}

// Provision registers a device via the admin path.
// Returns ErrDeviceExists if the id is already registered.
func (r *Registry) Provision(d Device) error {
	if d.ID == "" {
		return fmt.Errorf("registry: device id is required")
	}
	if d.Kind == "" {
		d.Kind = KindUnknown
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("registry: invalid device kind %q", d.Kind)
	}
	if d.KnownSince.IsZero() {
		d.KnownSince = r.now().UTC()
	}
	if d.HealthScore == 0 {
		d.HealthScore = 50
	}

	s := r.shardFor(d.ID)
	s.mu.Lock()
	if _, ok := s.devices[d.ID]; ok {
		s.mu.Unlock()
		return ErrDeviceExists
	}
	e := &entry{device: d}
	v := d.view()
	e.view.Store(&v)
	s.devices[d.ID] = e
	s.mu.Unlock()

	r.logger.Info("device provisioned", "device_id", d.ID, "kind", d.Kind)
	return r.persist(&d)
}

// Evict removes a device. Admin path and TTL sweeps both land here.
func (r *Registry) Evict(deviceID string) error {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	if _, ok := s.devices[deviceID]; !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(s.devices, deviceID)
	s.mu.Unlock()

	r.logger.Info("device evicted", "device_id", deviceID)

	if r.repo != nil {
		if err := r.repo.Delete(context.Background(), deviceID); err != nil {
			r.logger.Error("deleting evicted device", "device_id", deviceID, "error", err)
		}
	}
	return nil
}

// EvictIdle removes devices whose last frame is older than the configured
// idle TTL. Returns the eviction count. No-op when TTL eviction is
// disabled.
func (r *Registry) EvictIdle() int {
	if r.idleEviction <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.idleEviction)

	var evicted []string
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, e := range s.devices {
			if e.device.LastSeenAt.Before(cutoff) {
				delete(s.devices, id)
				evicted = append(evicted, id)
			}
		}
		s.mu.Unlock()
	}

	for _, id := range evicted {
		r.logger.Info("idle device evicted", "device_id", id)
		if r.repo != nil {
			if err := r.repo.Delete(context.Background(), id); err != nil {
				r.logger.Error("deleting idle device", "device_id", id, "error", err)
			}
		}
	}
	return len(evicted)
}

// RecomputeHealth re-scores every device against the current wall clock,
// so freshness decay shows up even when a device has gone silent.
// Intended to run on a supervisor ticker.
func (r *Registry) RecomputeHealth() {
	now := r.now()
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for _, e := range s.devices {
			sinceLast := now.Sub(e.device.LastSeenAt)
			e.device.HealthScore = HealthScore(e.window, sinceLast, e.device.Cadence)
			v := e.device.view()
			e.view.Store(&v)
		}
		s.mu.Unlock()
	}
}

// List returns views of all devices, for the admin API.
func (r *Registry) List() []DeviceView {
	var views []DeviceView
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.devices {
			views = append(views, *e.view.Load())
		}
		s.mu.RUnlock()
	}
	return views
}

// Stats summarises the registry for dashboards.
func (r *Registry) Stats() Stats {
	stats := Stats{ByKind: make(map[DeviceKind]int)}
	var healthSum float64

	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.devices {
			stats.Total++
			stats.ByKind[e.device.Kind]++
			if e.device.Quarantined {
				stats.Quarantined++
			}
			healthSum += e.device.HealthScore
		}
		s.mu.RUnlock()
	}

	if stats.Total > 0 {
		stats.AverageHealth = healthSum / float64(stats.Total)
	}
	return stats
}

// FlushState persists last-seen and health for every device. Intended to
// run on a supervisor ticker and once during shutdown.
func (r *Registry) FlushState(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	var devices []Device
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, e := range s.devices {
			devices = append(devices, e.device)
		}
		s.mu.RUnlock()
	}

	for i := range devices {
		if err := r.repo.Upsert(ctx, &devices[i]); err != nil {
			return fmt.Errorf("flushing device %s: %w", devices[i].ID, err)
		}
	}
	return nil
}

// persist write-throughs one device record when a repository is wired.
func (r *Registry) persist(d *Device) error {
	if r.repo == nil {
		return nil
	}
	if err := r.repo.Upsert(context.Background(), d); err != nil {
		return fmt.Errorf("persisting device %s: %w", d.ID, err)
	}
	return nil
}

// shardFor hashes a device id onto its lock domain.
func (r *Registry) shardFor(deviceID string) *shard {
	return &r.shards[xxhash.Sum64String(deviceID)&(shardCount-1)]
}
