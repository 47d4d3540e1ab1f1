package main

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/schaermu/envbackup/internal/config"
	"github.com/spf13/cobra"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setGlobals points the command globals at a test config and restores them
// afterwards.
func setGlobals(t *testing.T, path string) {
	t.Helper()
	origCfgFile, origLevel, origDryRun := cfgFile, logLevel, dryRun
	origEntry, origLimit := historyEntry, historyLimit
	t.Cleanup(func() {
		cfgFile, logLevel, dryRun = origCfgFile, origLevel, origDryRun
		historyEntry, historyLimit = origEntry, origLimit
	})
	cfgFile = path
	logLevel = "error"
	dryRun = false
	historyEntry = ""
	historyLimit = 10
}

// writeConfig creates a config with one file entry and one directory entry
// below root, using the native archiver and a ledger.
func writeConfig(t *testing.T, root string) string {
	t.Helper()
	content := `backups:
  - name: shell
    source: ` + filepath.Join(root, "home", ".bashrc") + `
    latest: ` + filepath.Join(root, "backups", "bashrc") + `
    archive_dir: ` + filepath.Join(root, "backups", "archive") + `
  - name: nvim
    source: ` + filepath.Join(root, "home", "nvim") + `
    latest: ` + filepath.Join(root, "backups", "nvim") + `
    archive_dir: ` + filepath.Join(root, "backups", "archive") + `
archiver:
  strategy: native
  temp_dir: ` + filepath.Join(root, "tmp") + `
state:
  ledger_path: ` + filepath.Join(root, "state", "ledger.db") + `
`
	if err := os.MkdirAll(filepath.Join(root, "tmp"), 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func runCommand(t *testing.T, cmd *cobra.Command, fn func(*cobra.Command, []string) error) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	t.Cleanup(func() { cmd.SetOut(nil) })
	err := fn(cmd, nil)
	return buf.String(), err
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	root := t.TempDir()
	setGlobals(t, writeConfig(t, root))

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if len(cfg.Backups) != 2 {
		t.Errorf("expected 2 entries, got %d", len(cfg.Backups))
	}
	if cfg.Fingerprint.Algorithm != config.AlgorithmSHA256 {
		t.Errorf("default algorithm = %q", cfg.Fingerprint.Algorithm)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	setGlobals(t, filepath.Join(t.TempDir(), "nonexistent.yaml"))

	_, err := loadConfig(testLogger())
	if !errors.Is(err, config.ErrConfig) {
		t.Fatalf("expected ErrConfig for missing config file, got %v", err)
	}
}

func TestLoadConfig_EnvironmentPath(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, root)
	setGlobals(t, "")
	t.Setenv(config.EnvConfigPath, path)

	cfg, err := loadConfig(testLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Backups[0].Name != "shell" {
		t.Errorf("unexpected config loaded: %+v", cfg.Backups[0])
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	setGlobals(t, "")
	t.Setenv(config.EnvConfigPath, "")
	t.Setenv("HOME", t.TempDir())

	// Expect error because the default config file doesn't exist
	if _, err := loadConfig(testLogger()); err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestRunBackup(t *testing.T) {
	root := t.TempDir()
	setGlobals(t, writeConfig(t, root))

	if err := os.MkdirAll(filepath.Join(root, "home", "nvim"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "home", ".bashrc"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "home", "nvim", "init.lua"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, runCmd, runBackup)
	if err != nil {
		t.Fatalf("first run: %v\n%s", err, out)
	}
	for _, want := range []string{"Summary:", "shell: backed_up", "nvim: backed_up"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "backups", "nvim.tar.gz")); err != nil {
		t.Errorf("directory latest not installed: %v", err)
	}

	out, err = runCommand(t, runCmd, runBackup)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !strings.Contains(out, "shell: unchanged") || !strings.Contains(out, "nvim: unchanged") {
		t.Errorf("second run should be a no-op:\n%s", out)
	}

	historyEntry = "shell"
	out, err = runCommand(t, historyCmd, runHistory)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 history lines for shell, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "shell  unchanged") || !strings.Contains(lines[1], "shell  backed_up") {
		t.Errorf("history not newest first:\n%s", out)
	}

	historyEntry = ""
	historyLimit = 1
	out, err = runCommand(t, historyCmd, runHistory)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if n := len(strings.Split(strings.TrimSpace(out), "\n")); n != 2 {
		t.Errorf("expected one line per entry, got %d:\n%s", n, out)
	}
}

func TestRunBackup_ExitsWithErrorOnFailedEntry(t *testing.T) {
	root := t.TempDir()
	setGlobals(t, writeConfig(t, root))

	// Source is readable, but the latest directory is blocked by a file
	if err := os.MkdirAll(filepath.Join(root, "home"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "home", ".bashrc"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "backups"), []byte("in the way"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, runCmd, runBackup)
	if !errors.Is(err, errEntriesFailed) {
		t.Fatalf("expected errEntriesFailed, got %v", err)
	}
	if !strings.Contains(out, "shell: error") {
		t.Errorf("summary should report the failed entry:\n%s", out)
	}
	if !strings.Contains(out, "nvim: skipped (source not found)") {
		t.Errorf("summary should report the skipped entry:\n%s", out)
	}
}

func TestRunBackup_DryRun(t *testing.T) {
	root := t.TempDir()
	setGlobals(t, writeConfig(t, root))
	dryRun = true

	if err := os.MkdirAll(filepath.Join(root, "home"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "home", ".bashrc"), []byte("v1"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCommand(t, runCmd, runBackup)
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if !strings.Contains(out, "shell: backed_up (dry run)") {
		t.Errorf("unexpected summary:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(root, "backups")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run must not create backups, stat err = %v", err)
	}
}

func TestSelectEntries(t *testing.T) {
	cfg := &config.Config{Backups: []config.Entry{{Name: "a"}, {Name: "b"}, {Name: "c"}}}

	all, err := selectEntries(cfg, nil)
	if err != nil || len(all.Backups) != 3 {
		t.Fatalf("no names should keep every entry, got %v, %v", all, err)
	}

	sub, err := selectEntries(cfg, []string{"c", "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Backups) != 2 || sub.Backups[0].Name != "c" || sub.Backups[1].Name != "a" {
		t.Errorf("selected = %+v", sub.Backups)
	}
	if len(cfg.Backups) != 3 {
		t.Error("selectEntries modified the original config")
	}

	if _, err := selectEntries(cfg, []string{"nope"}); err == nil {
		t.Error("expected error for unknown entry")
	}
}

func TestRunHistory_NoLedger(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	content := `backups:
  - name: shell
    source: /nonexistent
    latest: ` + filepath.Join(root, "latest") + `
    archive_dir: ` + filepath.Join(root, "archive") + `
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	setGlobals(t, path)

	if _, err := runCommand(t, historyCmd, runHistory); err == nil {
		t.Error("expected error without state.ledger_path")
	}
}

func TestRunProbe_Native(t *testing.T) {
	root := t.TempDir()
	setGlobals(t, writeConfig(t, root))

	out, err := runCommand(t, probeCmd, runProbe)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	for _, tool := range []string{"gtar", "tar", "bsdtar"} {
		if !strings.Contains(out, tool) {
			t.Errorf("probe output missing %s:\n%s", tool, out)
		}
	}
	if !strings.Contains(out, "strategy: native (full)") {
		t.Errorf("probe should report the configured strategy:\n%s", out)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
