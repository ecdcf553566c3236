package config

import (
	"os"
	"path/filepath"
)

// HomePath returns the root directory for taskvault data.
// It uses $TASKVAULT_PATH if set, otherwise defaults to ~/.taskvault.
func HomePath() string {
	if v := os.Getenv("TASKVAULT_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".taskvault")
	}
	return filepath.Join(home, ".taskvault")
}

// DefaultStorageDir returns the default store root.
func DefaultStorageDir() string {
	return filepath.Join(HomePath(), "store")
}

// ConfigPath returns the path to the default config file.
func ConfigPath() string {
	return filepath.Join(HomePath(), "config.jsonc")
}

// DotenvPath returns the path to the .env file.
func DotenvPath() string {
	return filepath.Join(HomePath(), ".env")
}
