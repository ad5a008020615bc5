package registry

import "errors"

var (
	// ErrUnknownDevice is returned by Resolve when the device is not
	// registered and the unknown-device policy is "reject".
	ErrUnknownDevice = errors.New("registry: unknown device")

	// ErrAuthFailed is returned by Resolve when the presented credentials
	// fingerprint does not match the registered one.
	ErrAuthFailed = errors.New("registry: credentials mismatch")

	// ErrDeviceNotFound is returned by Snapshot, Touch, and Evict for
	// device ids with no registry entry.
	ErrDeviceNotFound = errors.New("registry: device not found")

	// ErrDeviceExists is returned by Provision when the id is taken.
	ErrDeviceExists = errors.New("registry: device already exists")
)
