package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Defaults() {
		t.Fatalf("cfg = %+v, want defaults", cfg)
	}
}

func TestLoadOverlaysFileOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	contents := "mode = \"memory\"\nsize_bytes = 1048576\n"
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != "memory" {
		t.Fatalf("Mode = %q, want memory", cfg.Mode)
	}
	if cfg.SizeBytes != 1048576 {
		t.Fatalf("SizeBytes = %d, want 1048576", cfg.SizeBytes)
	}
	// Fields absent from the file must keep their default value.
	if cfg.DBPath != Defaults().DBPath {
		t.Fatalf("DBPath = %q, want default %q", cfg.DBPath, Defaults().DBPath)
	}
}

func TestLoadInvalidTOMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	os.WriteFile(path, []byte("mode = not valid toml ["), 0600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for malformed TOML")
	}
}
