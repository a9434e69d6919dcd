package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestInitThenConfigGetSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if _, err := runCmd(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}

	out, err := runCmd(t, "config", "get", "server.port", "--config", path)
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if out != "3100\n" {
		t.Errorf("config get server.port = %q, want %q", out, "3100\n")
	}

	if _, err := runCmd(t, "config", "set", "server.port", "4200", "--config", path); err != nil {
		t.Fatalf("config set: %v", err)
	}

	out, err = runCmd(t, "config", "get", "server.port", "--config", path)
	if err != nil {
		t.Fatalf("config get after set: %v", err)
	}
	if out != "4200\n" {
		t.Errorf("config get server.port after set = %q, want %q", out, "4200\n")
	}
}

func TestInitDoesNotOverwriteExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := runCmd(t, "init", "--config", path); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if _, err := runCmd(t, "config", "set", "server.port", "9001", "--config", path); err != nil {
		t.Fatalf("set: %v", err)
	}

	out, err := runCmd(t, "init", "--config", path)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if out == "" {
		t.Error("expected a message about the config already existing")
	}

	got, err := runCmd(t, "config", "get", "server.port", "--config", path)
	if err != nil {
		t.Fatalf("config get: %v", err)
	}
	if got != "9001\n" {
		t.Errorf("second init should not overwrite the edited port; got %q", got)
	}
}

func TestShellenvPrintsNothingWhenNotListening(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if _, err := runCmd(t, "init", "--config", path); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := runCmd(t, "config", "set", "server.port", "1", "--config", path); err != nil {
		t.Fatalf("set: %v", err)
	}

	out, err := runCmd(t, "shellenv", "--config", path)
	if err != nil {
		t.Fatalf("shellenv: %v", err)
	}
	if out != "" {
		t.Errorf("shellenv output = %q, want empty when nothing is listening", out)
	}
}

func TestVersionCommandRuns(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out == "" {
		t.Error("expected non-empty version output")
	}
}
