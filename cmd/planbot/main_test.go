package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nPLANBOT_TEST_A=hello\n\nPLANBOT_TEST_B = spaced \nNOEQUALS\n=nokey\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("PLANBOT_TEST_A", "")
	t.Setenv("PLANBOT_TEST_B", "")
	os.Unsetenv("PLANBOT_TEST_A")
	os.Unsetenv("PLANBOT_TEST_B")

	loadDotEnv(path)

	if got := os.Getenv("PLANBOT_TEST_A"); got != "hello" {
		t.Errorf("PLANBOT_TEST_A = %q, want hello", got)
	}
	if got := os.Getenv("PLANBOT_TEST_B"); got != "spaced" {
		t.Errorf("PLANBOT_TEST_B = %q, want spaced", got)
	}
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PLANBOT_TEST_C=file\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("PLANBOT_TEST_C", "env")

	loadDotEnv(path)

	if got := os.Getenv("PLANBOT_TEST_C"); got != "env" {
		t.Errorf("PLANBOT_TEST_C = %q, existing env must win", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	// Must be a silent no-op.
	loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
}
