package archive

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

// fakeVersions maps tool names to their --version output; missing tools fail
type fakeVersions struct {
	outputs map[string]string
	calls   map[string]int
}

func (f *fakeVersions) version(_ context.Context, tool string) (string, error) {
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[tool]++
	out, ok := f.outputs[tool]
	if !ok {
		return "", exec.ErrNotFound
	}
	return out, nil
}

const (
	gnuVersion = "tar (GNU tar) 1.35\nCopyright (C) 2023 Free Software Foundation, Inc.\n"
	bsdVersion = "bsdtar 3.5.3 - libarchive 3.5.3 zlib/1.2.12 liblzma/5.0.5 bz2lib/1.0.8\n"
)

func TestSelector_Strategy(t *testing.T) {
	tests := []struct {
		name      string
		preferred string
		outputs   map[string]string
		wantName  string
		wantTool  string
		wantCap   Capability
		wantErr   error
	}{
		{
			name:      "auto prefers gtar",
			preferred: StrategyAuto,
			outputs:   map[string]string{"gtar": gnuVersion, "tar": bsdVersion},
			wantName:  StrategyGNU,
			wantTool:  "gtar",
			wantCap:   CapabilityFull,
		},
		{
			name:      "auto uses GNU system tar",
			preferred: "",
			outputs:   map[string]string{"tar": gnuVersion},
			wantName:  StrategyGNU,
			wantTool:  "tar",
			wantCap:   CapabilityFull,
		},
		{
			name:      "auto degrades to bsd tar",
			preferred: StrategyAuto,
			outputs:   map[string]string{"tar": bsdVersion},
			wantName:  StrategyBSD,
			wantTool:  "tar",
			wantCap:   CapabilityDegraded,
		},
		{
			name:      "auto finds bsdtar binary",
			preferred: StrategyAuto,
			outputs:   map[string]string{"bsdtar": bsdVersion},
			wantName:  StrategyBSD,
			wantTool:  "bsdtar",
			wantCap:   CapabilityDegraded,
		},
		{
			name:      "auto without any tar",
			preferred: StrategyAuto,
			outputs:   map[string]string{},
			wantErr:   ErrToolUnavailable,
		},
		{
			name:      "explicit gnu without GNU tar",
			preferred: StrategyGNU,
			outputs:   map[string]string{"tar": bsdVersion},
			wantErr:   ErrToolUnavailable,
		},
		{
			name:      "explicit bsd skips GNU tar",
			preferred: StrategyBSD,
			outputs:   map[string]string{"tar": gnuVersion, "bsdtar": bsdVersion},
			wantName:  StrategyBSD,
			wantTool:  "bsdtar",
			wantCap:   CapabilityDegraded,
		},
		{
			name:      "native needs no tool",
			preferred: StrategyNative,
			outputs:   map[string]string{},
			wantName:  StrategyNative,
			wantCap:   CapabilityFull,
		},
		{
			name:      "unknown strategy",
			preferred: "zip",
			outputs:   map[string]string{"tar": gnuVersion},
			wantErr:   ErrArchive,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakeVersions{outputs: tc.outputs}
			s := NewSelector(tc.preferred, t.TempDir(), testLogger())
			s.version = fake.version

			strategy, err := s.Strategy(context.Background())
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if strategy.Name() != tc.wantName {
				t.Errorf("strategy = %s, want %s", strategy.Name(), tc.wantName)
			}
			if strategy.Capability() != tc.wantCap {
				t.Errorf("capability = %s, want %s", strategy.Capability(), tc.wantCap)
			}

			var tool string
			switch s := strategy.(type) {
			case *GNUTar:
				tool = s.tool
			case *BSDTar:
				tool = s.tool
			}
			if tool != tc.wantTool {
				t.Errorf("tool = %q, want %q", tool, tc.wantTool)
			}
		})
	}
}

func TestSelector_CachesChoice(t *testing.T) {
	fake := &fakeVersions{outputs: map[string]string{"gtar": gnuVersion}}
	s := NewSelector(StrategyAuto, "", testLogger())
	s.version = fake.version

	first, err := s.Strategy(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	// A later change on the host must not alter the cached choice
	fake.outputs = map[string]string{}
	second, err := s.Strategy(context.Background())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if first != second {
		t.Error("selector returned a different strategy on second call")
	}
	if fake.calls["gtar"] != 1 {
		t.Errorf("gtar probed %d times, want 1", fake.calls["gtar"])
	}
}

func TestSelector_RetriesAfterFailure(t *testing.T) {
	fake := &fakeVersions{outputs: map[string]string{}}
	s := NewSelector(StrategyAuto, "", testLogger())
	s.version = fake.version

	if _, err := s.Strategy(context.Background()); !errors.Is(err, ErrToolUnavailable) {
		t.Fatalf("expected ErrToolUnavailable, got %v", err)
	}

	// tar shows up later, e.g. between two scheduled runs
	fake.outputs = map[string]string{"tar": gnuVersion}
	strategy, err := s.Strategy(context.Background())
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if strategy.Name() != StrategyGNU {
		t.Errorf("strategy = %s, want %s", strategy.Name(), StrategyGNU)
	}

	// Once selected, the choice sticks
	fake.outputs = map[string]string{}
	if _, err := s.Strategy(context.Background()); err != nil {
		t.Errorf("cached strategy lost: %v", err)
	}
	if fake.calls["tar"] != 2 {
		t.Errorf("tar probed %d times, want 2", fake.calls["tar"])
	}
}

func TestSelector_Probe(t *testing.T) {
	fake := &fakeVersions{outputs: map[string]string{"tar": gnuVersion}}
	s := NewSelector(StrategyAuto, "", testLogger())
	s.version = fake.version

	results := s.Probe(context.Background())
	if len(results) != len(probeOrder) {
		t.Fatalf("got %d results, want %d", len(results), len(probeOrder))
	}

	for _, r := range results {
		switch r.Tool {
		case "tar":
			if !r.Available || !r.GNU {
				t.Errorf("tar: available=%v gnu=%v", r.Available, r.GNU)
			}
			if r.Version != "tar (GNU tar) 1.35" {
				t.Errorf("tar version = %q", r.Version)
			}
		default:
			if r.Available || r.Err == nil {
				t.Errorf("%s should be unavailable with an error", r.Tool)
			}
		}
	}
}
