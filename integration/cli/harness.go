//go:build integration

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

const defaultTimeout = 5 * time.Minute

// Harness builds the envbackup binary and runs it against a scratch tree
type Harness struct {
	t          *testing.T
	binary     string
	root       string
	configPath string
	keepOnFail bool
}

// NewHarness creates a harness with its own scratch root
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	h := &Harness{
		t:          t,
		keepOnFail: os.Getenv("INTEGRATION_KEEP_ROOT") == "1",
	}
	if h.keepOnFail {
		root, err := os.MkdirTemp("", "envbackup-integration-*")
		if err != nil {
			t.Fatalf("create scratch root: %v", err)
		}
		h.root = root
	} else {
		h.root = t.TempDir()
	}
	h.configPath = filepath.Join(h.root, "config.yaml")
	return h
}

// Root returns the scratch directory
func (h *Harness) Root() string {
	return h.root
}

// Path joins elem below the scratch root
func (h *Harness) Path(elem ...string) string {
	return filepath.Join(append([]string{h.root}, elem...)...)
}

// Build compiles cmd/envbackup into the scratch root
func (h *Harness) Build(ctx context.Context) error {
	h.t.Helper()

	projectRoot, err := findProjectRoot()
	if err != nil {
		return fmt.Errorf("get project root: %w", err)
	}

	h.binary = h.Path("bin", "envbackup")
	cmd := exec.CommandContext(ctx, "go", "build", "-o", h.binary, "./cmd/envbackup")
	cmd.Dir = projectRoot
	cmd.Stdout = &testWriter{t: h.t, prefix: "[build] "}
	cmd.Stderr = &testWriter{t: h.t, prefix: "[build] "}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go build: %w", err)
	}

	h.t.Logf("Binary built at %s", h.binary)
	return nil
}

// Cleanup reports the scratch root when it was kept for inspection
func (h *Harness) Cleanup() {
	h.t.Helper()
	if h.keepOnFail && h.t.Failed() {
		h.t.Logf("Test failed and INTEGRATION_KEEP_ROOT=1, keeping %s", h.root)
		return
	}
	if h.keepOnFail {
		_ = os.RemoveAll(h.root)
	}
}

// WriteConfig writes the config file used by Run
func (h *Harness) WriteConfig(content string) error {
	h.t.Helper()
	return os.WriteFile(h.configPath, []byte(content), 0o600)
}

// WriteFile writes a file below the scratch root, creating parents
func (h *Harness) WriteFile(rel, content string) error {
	h.t.Helper()
	path := h.Path(rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir parent: %w", err)
	}
	return os.WriteFile(path, []byte(content), 0o644)
}

// Run executes the binary with the harness config and returns stdout, stderr
// and the exit code
func (h *Harness) Run(ctx context.Context, args ...string) (string, string, int, error) {
	h.t.Helper()
	if h.binary == "" {
		return "", "", 0, fmt.Errorf("binary not built")
	}

	args = append(args, "--config", h.configPath, "--log-level", "warn")
	cmd := exec.CommandContext(ctx, h.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return "", "", 0, fmt.Errorf("exec failed: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	return stdout.String(), stderr.String(), exitCode, nil
}

// MustRun runs the binary and fails the test on a non-zero exit code
func (h *Harness) MustRun(ctx context.Context, args ...string) string {
	h.t.Helper()
	stdout, stderr, exitCode, err := h.Run(ctx, args...)
	if err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
	if exitCode != 0 {
		h.t.Fatalf("command failed with exit code %d\nstdout: %s\nstderr: %s\nargs: %v",
			exitCode, stdout, stderr, args)
	}
	return stdout
}

// FileExists checks if a regular file exists below the scratch root
func (h *Harness) FileExists(rel string) bool {
	h.t.Helper()
	info, err := os.Stat(h.Path(rel))
	return err == nil && info.Mode().IsRegular()
}

// testWriter wraps test logging for command output
type testWriter struct {
	t      *testing.T
	prefix string
}

func (w *testWriter) Write(p []byte) (n int, err error) {
	lines := strings.Split(string(p), "\n")
	for _, line := range lines {
		if line != "" {
			w.t.Log(w.prefix + line)
		}
	}
	return len(p), nil
}

var _ io.Writer = (*testWriter)(nil)

// findProjectRoot walks up the directory tree from the current file to find go.mod
func findProjectRoot() (string, error) {
	// Get the directory of this source file
	_, filename, _, ok := runtime.Caller(0)
	if !ok {
		return "", fmt.Errorf("failed to get caller information")
	}

	dir := filepath.Dir(filename)

	// Walk up the directory tree looking for go.mod
	for {
		goModPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(goModPath); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached the root without finding go.mod
			return "", fmt.Errorf("go.mod not found in any parent directory")
		}
		dir = parent
	}
}
