package config

import "os"

// configFileEnv names a JSON config file that replaces the platform store on
// every OS. Useful for containers and for running several instances.
const configFileEnv = "VIDNOTE_CONFIG_FILE"

// ConfigBackend abstracts platform-specific config storage.
// macOS uses UserDefaults (via `defaults` CLI); everything else uses a flat
// JSON file under the XDG config directory.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}

func newPlatformBackend() ConfigBackend {
	if p := os.Getenv(configFileEnv); p != "" {
		return newFileBackend(p)
	}
	return nativeBackend()
}
