package hub

import (
	"fmt"

	"github.com/smartsensor/sensor-gateway/internal/auth"
	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// Filter selects which readings a subscription receives: a device set
// (or wildcard) plus an optional sensor-kind mask.
type Filter struct {
	wildcard bool
	devices  map[string]struct{}
	kinds    map[codec.SensorKind]struct{}
}

// FilterSpec is the wire shape of a subscribe request's filter.
type FilterSpec struct {
	Devices []string `json:"devices"`
	Kinds   []string `json:"kinds,omitempty"`
}

// NewFilter validates a filter spec against the subscriber's scope.
//
// A wildcard device set is always allowed — matching is bounded by the
// principal's tenant at broadcast time. Explicitly named devices outside
// the principal's scope are rejected up front so the client learns about
// the misconfiguration immediately.
func NewFilter(spec FilterSpec, principal auth.Principal) (*Filter, error) {
	f := &Filter{
		devices: make(map[string]struct{}),
		kinds:   make(map[codec.SensorKind]struct{}),
	}

	for _, d := range spec.Devices {
		if d == "*" {
			f.wildcard = true
			continue
		}
		if !principal.CanSubscribeTo(d) {
			return nil, fmt.Errorf("device %q is outside your scope", d)
		}
		f.devices[d] = struct{}{}
	}
	if !f.wildcard && len(f.devices) == 0 {
		return nil, fmt.Errorf("filter must name devices or use the %q wildcard", "*")
	}

	for _, k := range spec.Kinds {
		f.kinds[codec.SensorKind(k)] = struct{}{}
	}
	return f, nil
}

// Matches reports whether a reading passes the filter. The principal's
// tenant bound is re-checked here so wildcard filters stay scoped.
func (f *Filter) Matches(r *codec.Reading, principal auth.Principal) bool {
	if !f.wildcard {
		if _, ok := f.devices[r.DeviceID]; !ok {
			return false
		}
	} else if !principal.CanSubscribeTo(r.DeviceID) {
		return false
	}

	if len(f.kinds) > 0 {
		if _, ok := f.kinds[r.Kind]; !ok {
			return false
		}
	}
	return true
}
