// Package config loads and validates the device configuration file. The
// file is YAML; every section has defaults so a minimal config only needs
// the device identity and the transport URL.
package config
