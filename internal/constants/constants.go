// Package constants defines shared paths and names.
package constants

var (
	// DefaultDir is the per-user directory, relative to the home directory.
	DefaultDir = ".syscat"

	ConfigFile = "config.yaml"

	// DefaultStoreFile is the event store used by the summary command when
	// none is given, relative to the home directory.
	DefaultStoreFile = DefaultDir + "/" + "traces.duckdb"
)
