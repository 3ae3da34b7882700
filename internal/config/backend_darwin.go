//go:build darwin

package config

import (
	"os"
	"path/filepath"
)

const defaultsDomain = "com.vidnote.app"

func defaultDataDir() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, "Library", "Application Support", "vidnote")
	}
	return "vidnote-data"
}

func secretHint() string {
	return " or macOS Keychain (service: vidnote, account: <config key>)"
}

func nativeBackend() ConfigBackend {
	return newDefaultsBackend(defaultsDomain, execDefaults)
}
