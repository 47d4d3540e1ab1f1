package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// Strategy names accepted by NewSelector
const (
	StrategyAuto   = "auto"
	StrategyGNU    = "gnu"
	StrategyBSD    = "bsd"
	StrategyNative = "native"
)

// probeOrder is the fixed order in which tar binaries are tried
var probeOrder = []string{"gtar", "tar", "bsdtar"}

// ProbeResult describes one candidate tar binary
type ProbeResult struct {
	Tool      string
	Available bool
	GNU       bool
	Version   string
	Err       error
}

// versionFunc returns the `--version` output of a tool
type versionFunc func(ctx context.Context, tool string) (string, error)

// Selector picks the archiving strategy and caches the first successful choice.
type Selector struct {
	preferred string
	tempDir   string
	logger    *slog.Logger
	version   versionFunc

	mu       sync.Mutex
	strategy Strategy
}

// NewSelector creates a selector for the preferred strategy name. tempDir is
// used by strategies that stage files; empty means os.TempDir().
func NewSelector(preferred, tempDir string, logger *slog.Logger) *Selector {
	if preferred == "" {
		preferred = StrategyAuto
	}
	return &Selector{
		preferred: preferred,
		tempDir:   tempDir,
		logger:    logger,
		version:   execVersion,
	}
}

// Strategy returns the selected strategy, probing the host on first use. Only
// a successful selection is cached; a failed one is retried on the next call.
func (s *Selector) Strategy(ctx context.Context) (Strategy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.strategy != nil {
		return s.strategy, nil
	}

	strategy, err := s.selectStrategy(ctx)
	if err != nil {
		return nil, err
	}
	s.strategy = strategy

	s.logger.Info("archive strategy selected",
		"strategy", strategy.Name(),
		"capability", strategy.Capability())
	if strategy.Capability() == CapabilityDegraded {
		s.logger.Warn("GNU tar not found, directory archives keep file timestamps and owners; "+
			"digests change when only metadata changes (install GNU tar, or set archiver.strategy to native)",
			"strategy", strategy.Name())
	}
	return strategy, nil
}

// Probe runs `--version` on every candidate tar binary in probe order.
func (s *Selector) Probe(ctx context.Context) []ProbeResult {
	results := make([]ProbeResult, 0, len(probeOrder))
	for _, tool := range probeOrder {
		results = append(results, s.probeTool(ctx, tool))
	}
	return results
}

func (s *Selector) probeTool(ctx context.Context, tool string) ProbeResult {
	out, err := s.version(ctx, tool)
	if err != nil {
		return ProbeResult{Tool: tool, Err: err}
	}
	firstLine, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	return ProbeResult{
		Tool:      tool,
		Available: true,
		GNU:       strings.Contains(out, "GNU tar"),
		Version:   firstLine,
	}
}

func (s *Selector) selectStrategy(ctx context.Context) (Strategy, error) {
	switch s.preferred {
	case StrategyNative:
		return NewNative(), nil
	case StrategyGNU:
		if tool, ok := s.findTool(ctx, true); ok {
			return NewGNUTar(tool), nil
		}
		return nil, fmt.Errorf("%w: GNU tar not found (tried %s)", ErrToolUnavailable, strings.Join(probeOrder, ", "))
	case StrategyBSD:
		if tool, ok := s.findTool(ctx, false); ok {
			return NewBSDTar(tool, s.tempDir), nil
		}
		return nil, fmt.Errorf("%w: no non-GNU tar found (tried %s)", ErrToolUnavailable, strings.Join(probeOrder, ", "))
	case StrategyAuto:
		results := s.Probe(ctx)
		for _, r := range results {
			if r.Available && r.GNU {
				return NewGNUTar(r.Tool), nil
			}
		}
		for _, r := range results {
			if r.Available {
				return NewBSDTar(r.Tool, s.tempDir), nil
			}
		}
		return nil, fmt.Errorf("%w: tried %s", ErrToolUnavailable, strings.Join(probeOrder, ", "))
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrArchive, s.preferred)
	}
}

// findTool returns the first available tool whose GNU-ness matches gnu
func (s *Selector) findTool(ctx context.Context, gnu bool) (string, bool) {
	for _, tool := range probeOrder {
		r := s.probeTool(ctx, tool)
		if r.Available && r.GNU == gnu {
			return tool, true
		}
	}
	return "", false
}

func execVersion(ctx context.Context, tool string) (string, error) {
	cmd := exec.CommandContext(ctx, tool, "--version")
	cmd.Env = commandEnv()
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
