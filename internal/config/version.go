package config

// Version is the canonical version of QuantDesk
// This should be the single source of truth for all version references
const Version = "0.3.0"

// GetVersion returns the current version
func GetVersion() string {
	return Version
}
