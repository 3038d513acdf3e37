// Package brand provides centralized branding constants for floe.
// Keeping identity strings in one place makes it easy to fork or
// white-label the tool without hunting through the codebase.
package brand

import (
	"os"
	"path/filepath"
)

const (
	// Name is the product name as shown to users.
	Name = "Floe"
	// LowerName is the lowercase name used in paths, chain names and markers.
	LowerName = "floe"
	// BinaryName is the name of the installed executable.
	BinaryName = "floe"

	Vendor      = "grimm.is"
	Website     = "https://grimm.is/floe"
	Description = "declarative iptables rule reconciliation"
	Tagline     = "own your chains, leave the rest alone"

	// ConfigEnvPrefix is the prefix for environment variable overrides.
	ConfigEnvPrefix = "FLOE"

	DefaultStateDir = "/var/lib/floe"
	DefaultLockDir  = "/run/lock/floe"
)

var (
	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// UserAgent returns a User-Agent string for outbound requests.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: FLOE_STATE_DIR > FLOE_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetLockDir returns the directory used for apply lock files.
// Priority: FLOE_LOCK_DIR > FLOE_PREFIX/lock > DefaultLockDir
func GetLockDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_LOCK_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "lock")
	}
	return DefaultLockDir
}

// GetJournalPath returns the full path to the apply journal database.
func GetJournalPath() string {
	return filepath.Join(GetStateDir(), LowerName+"-journal.db")
}
