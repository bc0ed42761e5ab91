package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultDataDir returns where node state lives when data_dir is unset.
func DefaultDataDir() string {
	if dir := os.Getenv(envPrefix + "HOME"); dir != "" {
		return dir
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "circuitmesh")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".circuitmesh"
	}
	return filepath.Join(home, ".circuitmesh")
}

// DefaultConfigPath is the node config file inside the default data dir.
func DefaultConfigPath() string {
	return filepath.Join(DefaultDataDir(), "node.json")
}

// ExpandPath resolves a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
