package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingDefaultIsFine(t *testing.T) {
	dir := t.TempDir()
	cwd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bundle != "." || cfg.MaxInstructions != 500 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestLoadExplicitMissingErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for explicit missing file")
	}
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marzipan.yaml")
	data := "bundle: /apps/todo\nexecutable: ToDo\ntrace: true\nmax-instructions: 100\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bundle != "/apps/todo" || cfg.Executable != "ToDo" || !cfg.Trace || cfg.MaxInstructions != 100 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadBadYAMLErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("bundle: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}
