package config

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// errNoDefault is what a defaultsRunner returns when the domain has no value
// for the key.
var errNoDefault = errors.New("no such default")

// defaultsRunner runs the macOS `defaults` tool with args and returns its
// trimmed output.
type defaultsRunner func(args ...string) (string, error)

func execDefaults(args ...string) (string, error) {
	out, err := exec.Command("defaults", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && (args[0] == "read" || args[0] == "delete") {
			return "", errNoDefault
		}
		return "", fmt.Errorf("defaults %s: %w: %s", args[0], err, s)
	}
	return s, nil
}

// defaultsBackend stores config in a UserDefaults domain.
type defaultsBackend struct {
	domain string
	run    defaultsRunner
}

func newDefaultsBackend(domain string, run defaultsRunner) *defaultsBackend {
	return &defaultsBackend{domain: domain, run: run}
}

func (b *defaultsBackend) GetString(key string) (string, bool, error) {
	s, err := b.run("read", b.domain, key)
	if errors.Is(err, errNoDefault) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	return s, true, nil
}

func (b *defaultsBackend) GetInt(key string) (int, bool, error) {
	s, ok, err := b.GetString(key)
	if !ok || err != nil {
		return 0, ok, err
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, true, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return i, true, nil
}

func (b *defaultsBackend) SetString(key, val string) error {
	_, err := b.run("write", b.domain, key, "-string", val)
	return err
}

func (b *defaultsBackend) SetInt(key string, val int) error {
	_, err := b.run("write", b.domain, key, "-int", strconv.Itoa(val))
	return err
}

// Delete removes key. A key that was never set is not an error, so
// `config set key ""` can always reset to the default.
func (b *defaultsBackend) Delete(key string) error {
	_, err := b.run("delete", b.domain, key)
	if errors.Is(err, errNoDefault) {
		return nil
	}
	return err
}
