// Package config loads the relay's JSON configuration file, fills in defaults
// and validates the fields that cannot be defaulted.
package config
