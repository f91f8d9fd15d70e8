package config

import (
	"path/filepath"
	"testing"
)

func TestExpandPath_HomeShortcut(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := ExpandPath("~/.tablesync/state")
	if err != nil {
		t.Fatalf("expand path: %v", err)
	}

	want := filepath.Join(home, ".tablesync", "state")
	if got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestExpandPath_EnvVar(t *testing.T) {
	t.Setenv("TABLESYNC_PATH_TEST", "/tmp/tablesync-path")

	got, err := ExpandPath("$TABLESYNC_PATH_TEST/state")
	if err != nil {
		t.Fatalf("expand path: %v", err)
	}

	if want := filepath.Clean("/tmp/tablesync-path/state"); got != want {
		t.Fatalf("path mismatch: got %q want %q", got, want)
	}
}

func TestExpandPath_UnresolvedHome(t *testing.T) {
	t.Setenv("HOME", "~")

	if _, err := ExpandPath("~/.tablesync"); err == nil {
		t.Fatal("expected error when HOME is not resolved")
	}
}

func TestStateDir_Default(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := StateDir(DaemonConfig{})
	if err != nil {
		t.Fatalf("state dir: %v", err)
	}
	if want := filepath.Join(home, ".tablesync", "state"); got != want {
		t.Fatalf("state dir = %q, want %q", got, want)
	}
}
