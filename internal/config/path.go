package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ExpandPath resolves environment variables and a leading "~" in path.
func ExpandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}

	expanded := os.ExpandEnv(trimmed)
	if expanded != "~" && !strings.HasPrefix(expanded, "~/") {
		return filepath.Clean(expanded), nil
	}

	home, err := homeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(strings.TrimPrefix(expanded, "~"), "/")), nil
}

// StateDir returns the configured state directory, defaulting to ~/.tablesync/state.
func StateDir(cfg DaemonConfig) (string, error) {
	if strings.TrimSpace(cfg.StatePath) != "" {
		return ExpandPath(cfg.StatePath)
	}
	home, err := homeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tablesync", "state"), nil
}

func homeDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	home = strings.TrimSpace(home)
	if home == "" || strings.HasPrefix(home, "~") {
		return "", fmt.Errorf("HOME is not fully resolved: %q", home)
	}
	return home, nil
}
