// Package config loads and validates gateway configuration.
//
// Configuration comes from a single YAML file with three layers of
// precedence: hardcoded defaults, file values, then SENSORGW_* environment
// variable overrides. Validation is fail-fast: a bad configuration stops
// the gateway at startup, never mid-run.
//
// # Usage
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
