// Package config loads runtime settings from IMGJAIL_* environment
// variables using envconfig. Every field has a default, so an empty
// environment yields a working configuration.
package config
